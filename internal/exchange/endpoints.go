package exchange

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

// Ticker is the live quote for one symbol
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	Volume24h float64
}

// Spread returns the absolute bid/ask spread
func (t Ticker) Spread() float64 {
	return t.Ask - t.Bid
}

// OrderRequest describes an order to place
type OrderRequest struct {
	Symbol    string
	Side      string // "buy" or "sell"
	OrderType string // "market" or "limit"
	Volume    float64
	Price     float64 // limit orders only
}

// OrderInfo is the exchange's view of an order
type OrderInfo struct {
	TxID      string
	Status    domain.OrderStatus
	Volume    float64
	VolExec   float64
	AvgPrice  float64
	Fee       float64
	Pair      string
	Side      string
	OrderType string
}

// PairFees is the maker/taker schedule for one pair, as fractions
type PairFees struct {
	MakerPct float64
	TakerPct float64
}

// GetOHLC fetches candles for a symbol. interval is in minutes (5, 60,
// 1440); since is a unix timestamp or zero for the exchange default
// (~720 most recent candles).
func (c *Client) GetOHLC(symbol string, interval int, since int64) ([]domain.Candle, error) {
	timeframe, err := timeframeForInterval(interval)
	if err != nil {
		return nil, err
	}

	values := url.Values{}
	values.Set("pair", ToKrakenPair(symbol))
	values.Set("interval", strconv.Itoa(interval))
	if since > 0 {
		values.Set("since", strconv.FormatInt(since, 10))
	}

	raw, err := c.public("OHLC", values)
	if err != nil {
		return nil, err
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse OHLC result: %w", err)
	}

	var candles []domain.Candle
	for key, rows := range result {
		if key == "last" {
			continue
		}
		var rawRows [][]any
		if err := json.Unmarshal(rows, &rawRows); err != nil {
			return nil, fmt.Errorf("failed to parse OHLC rows: %w", err)
		}
		for _, row := range rawRows {
			if len(row) < 7 {
				continue
			}
			candle, err := parseOHLCRow(symbol, timeframe, row)
			if err != nil {
				return nil, err
			}
			candles = append(candles, candle)
		}
	}
	return candles, nil
}

func parseOHLCRow(symbol string, timeframe domain.Timeframe, row []any) (domain.Candle, error) {
	ts, err := asFloat(row[0])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("bad OHLC timestamp: %w", err)
	}
	fields := make([]float64, 0, 5)
	for _, idx := range []int{1, 2, 3, 4, 6} { // open, high, low, close, volume
		v, err := asFloat(row[idx])
		if err != nil {
			return domain.Candle{}, fmt.Errorf("bad OHLC field %d: %w", idx, err)
		}
		fields = append(fields, v)
	}
	return domain.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: int64(ts),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

func timeframeForInterval(interval int) (domain.Timeframe, error) {
	switch interval {
	case 5:
		return domain.Timeframe5m, nil
	case 60:
		return domain.Timeframe1h, nil
	case 1440:
		return domain.Timeframe1d, nil
	default:
		return "", fmt.Errorf("unsupported OHLC interval %d", interval)
	}
}

// GetTicker fetches quotes for the given symbols in one call.
func (c *Client) GetTicker(symbols []string) (map[string]Ticker, error) {
	pairs := make([]string, len(symbols))
	for i, s := range symbols {
		pairs[i] = ToKrakenPair(s)
	}
	values := url.Values{}
	values.Set("pair", strings.Join(pairs, ","))

	raw, err := c.public("Ticker", values)
	if err != nil {
		return nil, err
	}

	var result map[string]struct {
		C []string `json:"c"` // last trade [price, lot volume]
		B []string `json:"b"` // best bid [price, whole volume, volume]
		A []string `json:"a"` // best ask [price, whole volume, volume]
		V []string `json:"v"` // volume [today, last 24h]
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse ticker result: %w", err)
	}

	tickers := make(map[string]Ticker, len(result))
	for key, data := range result {
		symbol := FromKrakenPair(key)
		t := Ticker{Symbol: symbol}
		if len(data.C) > 0 {
			t.Last, _ = strconv.ParseFloat(data.C[0], 64)
		}
		if len(data.B) > 0 {
			t.Bid, _ = strconv.ParseFloat(data.B[0], 64)
		}
		if len(data.A) > 0 {
			t.Ask, _ = strconv.ParseFloat(data.A[0], 64)
		}
		if len(data.V) > 1 {
			t.Volume24h, _ = strconv.ParseFloat(data.V[1], 64)
		}
		tickers[symbol] = t
	}
	return tickers, nil
}

// GetBalance fetches account balances keyed by normalized asset ("USD",
// "BTC", "ETH").
func (c *Client) GetBalance() (map[string]float64, error) {
	raw, err := c.private("Balance", nil)
	if err != nil {
		return nil, err
	}

	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse balance result: %w", err)
	}

	balances := make(map[string]float64, len(result))
	for asset, amount := range result {
		v, err := strconv.ParseFloat(amount, 64)
		if err != nil {
			return nil, fmt.Errorf("bad balance amount for %s: %w", asset, err)
		}
		balances[normalizeAsset(asset)] = v
	}
	return balances, nil
}

// normalizeAsset strips Kraken's X/Z asset class prefixes: ZUSD is USD,
// XXBT is BTC.
func normalizeAsset(asset string) string {
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		asset = asset[1:]
	}
	if mapped, ok := fromKrakenBase[asset]; ok {
		return mapped
	}
	return asset
}

// AddOrder places an order and returns the exchange transaction id.
func (c *Client) AddOrder(req OrderRequest) (string, error) {
	values := url.Values{}
	values.Set("pair", ToKrakenPair(req.Symbol))
	values.Set("type", req.Side)
	values.Set("ordertype", req.OrderType)
	values.Set("volume", strconv.FormatFloat(req.Volume, 'f', -1, 64))
	if req.OrderType == "limit" {
		values.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}

	raw, err := c.private("AddOrder", values)
	if err != nil {
		return "", err
	}

	var result struct {
		TxID  []string `json:"txid"`
		Descr struct {
			Order string `json:"order"`
		} `json:"descr"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to parse AddOrder result: %w", err)
	}
	if len(result.TxID) == 0 {
		return "", fmt.Errorf("AddOrder returned no transaction id")
	}
	c.log.Info().
		Str("txid", result.TxID[0]).
		Str("descr", result.Descr.Order).
		Msg("order placed")
	return result.TxID[0], nil
}

// OpenOrders returns all open orders keyed by transaction id.
func (c *Client) OpenOrders() (map[string]OrderInfo, error) {
	raw, err := c.private("OpenOrders", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Open map[string]krakenOrder `json:"open"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse OpenOrders result: %w", err)
	}

	orders := make(map[string]OrderInfo, len(result.Open))
	for txid, o := range result.Open {
		orders[txid] = o.toOrderInfo(txid)
	}
	return orders, nil
}

// QueryOrders fetches the current state of specific orders.
func (c *Client) QueryOrders(txids ...string) (map[string]OrderInfo, error) {
	if len(txids) == 0 {
		return map[string]OrderInfo{}, nil
	}
	values := url.Values{}
	values.Set("txid", strings.Join(txids, ","))

	raw, err := c.private("QueryOrders", values)
	if err != nil {
		return nil, err
	}

	var result map[string]krakenOrder
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse QueryOrders result: %w", err)
	}

	orders := make(map[string]OrderInfo, len(result))
	for txid, o := range result {
		orders[txid] = o.toOrderInfo(txid)
	}
	return orders, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(txid string) error {
	values := url.Values{}
	values.Set("txid", txid)
	_, err := c.private("CancelOrder", values)
	return err
}

// TradeVolume fetches the account's maker/taker fee schedule for the
// given symbols, as fractions (0.0026 for 0.26%).
func (c *Client) TradeVolume(symbols []string) (map[string]PairFees, error) {
	pairs := make([]string, len(symbols))
	for i, s := range symbols {
		pairs[i] = ToKrakenPair(s)
	}
	values := url.Values{}
	values.Set("pair", strings.Join(pairs, ","))
	values.Set("fee-info", "true")

	raw, err := c.private("TradeVolume", values)
	if err != nil {
		return nil, err
	}

	var result struct {
		Fees      map[string]struct{ Fee string `json:"fee"` } `json:"fees"`
		FeesMaker map[string]struct{ Fee string `json:"fee"` } `json:"fees_maker"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse TradeVolume result: %w", err)
	}

	fees := make(map[string]PairFees)
	for key, f := range result.Fees {
		symbol := FromKrakenPair(key)
		entry := fees[symbol]
		if pct, err := strconv.ParseFloat(f.Fee, 64); err == nil {
			entry.TakerPct = pct / 100 // Kraken reports percents
		}
		fees[symbol] = entry
	}
	for key, f := range result.FeesMaker {
		symbol := FromKrakenPair(key)
		entry := fees[symbol]
		if pct, err := strconv.ParseFloat(f.Fee, 64); err == nil {
			entry.MakerPct = pct / 100
		}
		fees[symbol] = entry
	}
	return fees, nil
}

// WaitForFill polls an order until it fills, times out or is canceled.
// On timeout the order is canceled best-effort and a timeout status
// returned; partial fills are reported as filled volume.
func (c *Client) WaitForFill(txid string, timeout time.Duration) (OrderInfo, error) {
	deadline := time.Now().Add(timeout)
	interval := 2 * time.Second

	for {
		orders, err := c.QueryOrders(txid)
		if err != nil {
			return OrderInfo{}, err
		}
		info, ok := orders[txid]
		if !ok {
			return OrderInfo{}, fmt.Errorf("order %s not found", txid)
		}
		switch info.Status {
		case domain.OrderFilled, domain.OrderCanceled, domain.OrderExpired:
			return info, nil
		}
		if time.Now().After(deadline) {
			if err := c.CancelOrder(txid); err != nil {
				c.log.Warn().Err(err).Str("txid", txid).Msg("failed to cancel timed-out order")
			}
			info.Status = domain.OrderTimeout
			return info, nil
		}
		time.Sleep(interval)
	}
}

// krakenOrder is the wire shape shared by OpenOrders and QueryOrders
type krakenOrder struct {
	Status  string `json:"status"`
	Vol     string `json:"vol"`
	VolExec string `json:"vol_exec"`
	Price   string `json:"price"`
	Fee     string `json:"fee"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
	} `json:"descr"`
}

func (o krakenOrder) toOrderInfo(txid string) OrderInfo {
	info := OrderInfo{
		TxID:      txid,
		Pair:      o.Descr.Pair,
		Side:      o.Descr.Type,
		OrderType: o.Descr.OrderType,
	}
	info.Volume, _ = strconv.ParseFloat(o.Vol, 64)
	info.VolExec, _ = strconv.ParseFloat(o.VolExec, 64)
	info.AvgPrice, _ = strconv.ParseFloat(o.Price, 64)
	info.Fee, _ = strconv.ParseFloat(o.Fee, 64)

	switch o.Status {
	case "closed":
		info.Status = domain.OrderFilled
	case "canceled":
		info.Status = domain.OrderCanceled
	case "expired":
		info.Status = domain.OrderExpired
	default:
		info.Status = domain.OrderPending
	}
	return info
}

func asFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	case json.Number:
		return x.Float64()
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
