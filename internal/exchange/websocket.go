package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

const (
	wsWriteWait   = 10 * time.Second
	wsDialTimeout = 30 * time.Second

	baseReconnectDelay   = 1 * time.Second
	maxReconnectDelay    = 30 * time.Second
	maxReconnectAttempts = 5

	priceStaleThreshold = 5 * time.Minute
)

// Stream is the live market data feed: ticker plus 5-minute OHLC for
// every configured pair. After repeated reconnect failures it declares
// itself degraded and the engine falls back to REST polling.
type Stream struct {
	url     string
	symbols []string

	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	log zerolog.Logger

	connected    bool
	degraded     bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	onCandle  func(domain.Candle)
	onFailure func()

	prices     map[string]float64
	lastUpdate time.Time
	priceMu    sync.RWMutex
}

// NewStream creates the WebSocket stream for the given symbols.
func NewStream(url string, symbols []string, log zerolog.Logger) *Stream {
	if url == "" {
		url = "wss://ws.kraken.com"
	}
	return &Stream{
		url:      url,
		symbols:  symbols,
		log:      log.With().Str("component", "exchange_ws").Logger(),
		stopChan: make(chan struct{}),
		prices:   make(map[string]float64),
	}
}

// OnCandle registers the handler invoked for every OHLC update. Must be
// called before Start.
func (s *Stream) OnCandle(fn func(domain.Candle)) {
	s.onCandle = fn
}

// OnPermanentFailure registers the handler invoked once when reconnect
// attempts are exhausted. Must be called before Start.
func (s *Stream) OnPermanentFailure(fn func()) {
	s.onFailure = fn
}

// Start establishes the connection and begins reading
func (s *Stream) Start() error {
	s.log.Info().Strs("symbols", s.symbols).Msg("starting market data stream")

	if err := s.connect(); err != nil {
		s.log.Warn().Err(err).Msg("initial WebSocket connection failed, retrying in background")
		go s.reconnectLoop()
		return err
	}

	s.mu.RLock()
	ctx := s.connCtx
	s.mu.RUnlock()
	go s.readMessages(ctx)
	return nil
}

// Stop gracefully shuts down the stream
func (s *Stream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.log.Info().Msg("stopping market data stream")
	close(s.stopChan)
	return s.disconnect()
}

func (s *Stream) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), wsDialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial WebSocket: %w", err)
	}
	// Candle bursts for many pairs can exceed the default read limit
	conn.SetReadLimit(1 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCtx = connCtx
	s.cancelFunc = connCancel
	s.connected = true
	s.degraded = false

	if err := s.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		s.conn = nil
		s.connCtx = nil
		s.cancelFunc = nil
		s.connected = false
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	s.log.Info().Msg("market data stream connected")
	return nil
}

func (s *Stream) disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	s.connCtx = nil
	s.connected = false
	if err != nil {
		return fmt.Errorf("error closing WebSocket: %w", err)
	}
	return nil
}

// subscribe sends the ticker and ohlc-5m subscriptions for every pair
func (s *Stream) subscribe(ctx context.Context) error {
	pairs := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		pairs[i] = ToKrakenWSPair(sym)
	}

	subscriptions := []map[string]any{
		{"event": "subscribe", "pair": pairs, "subscription": map[string]any{"name": "ticker"}},
		{"event": "subscribe", "pair": pairs, "subscription": map[string]any{"name": "ohlc", "interval": 5}},
	}
	for _, msg := range subscriptions {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
		err = s.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to send subscription: %w", err)
		}
	}
	s.log.Info().Int("pairs", len(pairs)).Msg("subscribed to ticker and ohlc streams")
	return nil
}

// readMessages continuously reads until the connection drops
func (s *Stream) readMessages(ctx context.Context) {
	defer func() {
		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if !stopped {
			go s.reconnectLoop()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				s.log.Info().Int("status", int(closeStatus)).Msg("WebSocket closed normally")
			} else if ctx.Err() == nil {
				s.log.Error().Err(err).Msg("WebSocket read error")
			}
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		// A bad message must never take down the listen loop
		if err := s.handleMessage(message); err != nil {
			s.log.Warn().Err(err).Str("message", truncate(string(message), 200)).Msg("failed to handle WebSocket message")
		}
	}
}

// handleMessage dispatches one frame. Kraken sends JSON objects for
// protocol events and arrays for channel data.
func (s *Stream) handleMessage(message []byte) error {
	if len(message) == 0 {
		return nil
	}
	if message[0] == '{' {
		var event struct {
			Event        string `json:"event"`
			Status       string `json:"status"`
			ErrorMessage string `json:"errorMessage"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			return fmt.Errorf("failed to parse event: %w", err)
		}
		if event.Event == "subscriptionStatus" && event.Status == "error" {
			return fmt.Errorf("subscription error: %s", event.ErrorMessage)
		}
		// heartbeat, systemStatus, subscriptionStatus ok
		return nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		return fmt.Errorf("failed to parse data frame: %w", err)
	}
	if len(frame) < 4 {
		return fmt.Errorf("data frame too short: %d elements", len(frame))
	}

	var channel, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil {
		return fmt.Errorf("failed to parse channel name: %w", err)
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return fmt.Errorf("failed to parse pair: %w", err)
	}
	symbol := FromKrakenPair(pair)

	switch {
	case channel == "ticker":
		return s.handleTicker(symbol, frame[1])
	case len(channel) >= 4 && channel[:4] == "ohlc":
		return s.handleOHLC(symbol, frame[1])
	default:
		return nil
	}
}

func (s *Stream) handleTicker(symbol string, data json.RawMessage) error {
	var payload struct {
		C []string `json:"c"` // last trade [price, lot volume]
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to parse ticker payload: %w", err)
	}
	if len(payload.C) == 0 {
		return nil
	}
	price, err := strconv.ParseFloat(payload.C[0], 64)
	if err != nil {
		return fmt.Errorf("bad ticker price: %w", err)
	}

	s.priceMu.Lock()
	s.prices[symbol] = price
	s.lastUpdate = time.Now()
	s.priceMu.Unlock()
	return nil
}

func (s *Stream) handleOHLC(symbol string, data json.RawMessage) error {
	var row []string
	if err := json.Unmarshal(data, &row); err != nil {
		return fmt.Errorf("failed to parse ohlc payload: %w", err)
	}
	// [time, etime, open, high, low, close, vwap, volume, count]
	if len(row) < 8 {
		return fmt.Errorf("ohlc payload too short: %d fields", len(row))
	}

	etime, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return fmt.Errorf("bad ohlc end time: %w", err)
	}
	fields := make([]float64, 5)
	for i, idx := range []int{2, 3, 4, 5, 7} { // open, high, low, close, volume
		v, err := strconv.ParseFloat(row[idx], 64)
		if err != nil {
			return fmt.Errorf("bad ohlc field %d: %w", idx, err)
		}
		fields[i] = v
	}

	candle := domain.Candle{
		Symbol:    symbol,
		Timeframe: domain.Timeframe5m,
		Timestamp: int64(etime) - 300, // bucket open time
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}
	if s.onCandle != nil {
		s.onCandle(candle)
	}
	return nil
}

// reconnectLoop retries with exponential backoff. After the attempt
// budget is spent the stream goes degraded and stays down until the
// process restarts; the engine polls REST instead.
func (s *Stream) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.stopped {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-s.stopChan:
			return
		default:
		}

		delay := calculateBackoff(attempt)
		s.log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("reconnecting to WebSocket")

		select {
		case <-time.After(delay):
		case <-s.stopChan:
			return
		}

		if err := s.connect(); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("reconnection failed")
			continue
		}

		s.log.Info().Int("attempt", attempt).Msg("reconnected to WebSocket")
		s.mu.RLock()
		ctx := s.connCtx
		s.mu.RUnlock()
		go s.readMessages(ctx)
		return
	}

	s.log.Error().
		Int("attempts", maxReconnectAttempts).
		Msg("WebSocket reconnection attempts exhausted, stream is degraded")
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
	if s.onFailure != nil {
		s.onFailure()
	}
}

// calculateBackoff doubles the delay per attempt: 1s, 2s, 4s, capped at 30s.
func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// Price returns the last ticker price for a symbol
func (s *Stream) Price(symbol string) (float64, bool) {
	s.priceMu.RLock()
	defer s.priceMu.RUnlock()
	p, ok := s.prices[symbol]
	return p, ok
}

// Prices returns a copy of all last ticker prices
func (s *Stream) Prices() map[string]float64 {
	s.priceMu.RLock()
	defer s.priceMu.RUnlock()
	out := make(map[string]float64, len(s.prices))
	for k, v := range s.prices {
		out[k] = v
	}
	return out
}

// IsConnected reports current connection state
func (s *Stream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// IsDegraded reports whether reconnection has been abandoned
func (s *Stream) IsDegraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// IsStale reports whether no price has arrived recently; callers fall
// back to REST when the feed is stale even if nominally connected.
func (s *Stream) IsStale() bool {
	s.priceMu.RLock()
	defer s.priceMu.RUnlock()
	if s.lastUpdate.IsZero() {
		return true
	}
	return time.Since(s.lastUpdate) > priceStaleThreshold
}
