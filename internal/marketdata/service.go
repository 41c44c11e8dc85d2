// Package marketdata owns candle persistence: live ingest from the
// WebSocket stream, REST backfill, snapshot assembly for the strategy,
// and the nightly tiered retention pass.
package marketdata

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/store"
)

// Snapshot window sizes handed to the strategy, per timeframe.
const (
	window5m = 288 // 24 hours
	window1h = 720 // 30 days
	window1d = 365 // one year
)

// spreadWindowHours is the lookback for the median spread estimate.
const spreadWindowHours = 100

// defaultSpread is used when there is not enough history to estimate.
const defaultSpread = 0.001

// OHLCFetcher is the slice of the exchange client backfill needs.
type OHLCFetcher interface {
	GetOHLC(symbol string, interval int, since int64) ([]domain.Candle, error)
}

// Service reads and writes the candles table
type Service struct {
	store *store.Store
	log   zerolog.Logger
}

// NewService creates the market data service
func NewService(s *store.Store, log zerolog.Logger) *Service {
	return &Service{
		store: s,
		log:   log.With().Str("component", "marketdata").Logger(),
	}
}

// UpsertCandle inserts or refreshes one candle. The WebSocket pushes the
// forming bucket repeatedly, so conflicts update in place.
func (s *Service) UpsertCandle(c domain.Candle) error {
	_, err := s.store.Exec(`INSERT INTO candles (symbol, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, timestamp)
		DO UPDATE SET open=excluded.open, high=excluded.high, low=excluded.low,
			close=excluded.close, volume=excluded.volume`,
		c.Symbol, string(c.Timeframe), c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("failed to upsert candle: %w", err)
	}
	return nil
}

// UpsertCandles writes a batch in one transaction
func (s *Service) UpsertCandles(candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return s.store.WithTransaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO candles (symbol, timeframe, timestamp, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, timeframe, timestamp)
			DO UPDATE SET open=excluded.open, high=excluded.high, low=excluded.low,
				close=excluded.close, volume=excluded.volume`)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, c := range candles {
			if _, err := stmt.Exec(c.Symbol, string(c.Timeframe), c.Timestamp,
				c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
				return fmt.Errorf("failed to upsert candle %s/%s@%d: %w", c.Symbol, c.Timeframe, c.Timestamp, err)
			}
		}
		return nil
	})
}

// RecentCandles returns the newest n candles for a symbol and timeframe,
// oldest first.
func (s *Service) RecentCandles(symbol string, tf domain.Timeframe, n int) ([]domain.Candle, error) {
	rows, err := s.store.DB().Query(`SELECT symbol, timeframe, timestamp, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND timeframe = ?
		ORDER BY timestamp DESC LIMIT ?`, symbol, string(tf), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var tfs string
		if err := rows.Scan(&c.Symbol, &tfs, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Timeframe = domain.Timeframe(tfs)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into ascending order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CandlesBetween returns candles in [from, to), oldest first. The
// backtester slices its replay windows with this.
func (s *Service) CandlesBetween(symbol string, tf domain.Timeframe, from, to int64) ([]domain.Candle, error) {
	rows, err := s.store.DB().Query(`SELECT symbol, timeframe, timestamp, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND timeframe = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC`, symbol, string(tf), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var tfs string
		if err := rows.Scan(&c.Symbol, &tfs, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Timeframe = domain.Timeframe(tfs)
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestClose returns the most recent 5m close for a symbol, used as a
// price fallback when both the stream and the REST ticker are down.
func (s *Service) LatestClose(symbol string) (float64, bool) {
	row, err := s.store.FetchOne(
		"SELECT close FROM candles WHERE symbol = ? AND timeframe = '5m' ORDER BY timestamp DESC LIMIT 1",
		symbol)
	if err != nil || row == nil {
		return 0, false
	}
	if v, ok := row["close"].(float64); ok {
		return v, true
	}
	return 0, false
}

// MedianSpread estimates the symbol's spread as the median intrabar
// range (high-low)/close over the last 100 hourly candles.
func (s *Service) MedianSpread(symbol string) float64 {
	candles, err := s.RecentCandles(symbol, domain.Timeframe1h, spreadWindowHours)
	if err != nil || len(candles) < 10 {
		return defaultSpread
	}

	ranges := make([]float64, 0, len(candles))
	for _, c := range candles {
		if c.Close > 0 {
			ranges = append(ranges, (c.High-c.Low)/c.Close)
		}
	}
	if len(ranges) < 10 {
		return defaultSpread
	}
	sort.Float64s(ranges)
	mid := len(ranges) / 2
	if len(ranges)%2 == 0 {
		return (ranges[mid-1] + ranges[mid]) / 2
	}
	return ranges[mid]
}

// BuildSymbolData assembles the full per-symbol snapshot handed to the
// strategy. Fee percentages come from the fee cache; price and volume
// from the stream or ticker.
func (s *Service) BuildSymbolData(symbol string, price, volume24h, makerFeePct, takerFeePct float64) (*domain.SymbolData, error) {
	c5, err := s.RecentCandles(symbol, domain.Timeframe5m, window5m)
	if err != nil {
		return nil, err
	}
	c1h, err := s.RecentCandles(symbol, domain.Timeframe1h, window1h)
	if err != nil {
		return nil, err
	}
	c1d, err := s.RecentCandles(symbol, domain.Timeframe1d, window1d)
	if err != nil {
		return nil, err
	}

	return &domain.SymbolData{
		Symbol:       symbol,
		CurrentPrice: price,
		Candles5m:    c5,
		Candles1h:    c1h,
		Candles1d:    c1d,
		Spread:       s.MedianSpread(symbol),
		Volume24h:    volume24h,
		MakerFeePct:  makerFeePct,
		TakerFeePct:  takerFeePct,
	}, nil
}

// Backfill pulls missing candles from REST for every timeframe, resuming
// from the newest stored timestamp. Called at startup and when the
// stream recovers from an outage.
func (s *Service) Backfill(fetcher OHLCFetcher, symbol string) error {
	for _, tf := range []struct {
		timeframe domain.Timeframe
		interval  int
	}{
		{domain.Timeframe5m, 5},
		{domain.Timeframe1h, 60},
		{domain.Timeframe1d, 1440},
	} {
		since := s.newestTimestamp(symbol, tf.timeframe)
		candles, err := fetcher.GetOHLC(symbol, tf.interval, since)
		if err != nil {
			return fmt.Errorf("backfill %s %s: %w", symbol, tf.timeframe, err)
		}
		for _, c := range candles {
			if err := s.UpsertCandle(c); err != nil {
				return err
			}
		}
		s.log.Debug().
			Str("symbol", symbol).
			Str("timeframe", string(tf.timeframe)).
			Int("candles", len(candles)).
			Msg("backfilled candles")
	}
	return nil
}

func (s *Service) newestTimestamp(symbol string, tf domain.Timeframe) int64 {
	row, err := s.store.FetchOne(
		"SELECT MAX(timestamp) AS ts FROM candles WHERE symbol = ? AND timeframe = ?",
		symbol, string(tf))
	if err != nil || row == nil {
		return 0
	}
	if ts, ok := row["ts"].(int64); ok {
		return ts
	}
	return 0
}

// CandleCount returns the number of stored candles per timeframe for the
// status API.
func (s *Service) CandleCount() (map[string]int64, error) {
	rows, err := s.store.FetchAll(
		"SELECT timeframe, COUNT(*) AS n FROM candles GROUP BY timeframe")
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		tf, _ := row["timeframe"].(string)
		n, _ := row["n"].(int64)
		out[tf] = n
	}
	return out, nil
}

// unixNow is swapped in tests
var unixNow = func() int64 { return time.Now().Unix() }
