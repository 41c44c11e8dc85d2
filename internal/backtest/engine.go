// Package backtest replays a strategy over historical candles with the
// same fill, fee, and risk semantics the live tracker applies. Runs are
// deterministic: no wall clock, no randomness, symbols iterated in
// sorted order.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/portfolio"
	"github.com/chrysalisfund/chrysalis/internal/risk"
)

// Strategy is the slice of the strategy runtime the backtester drives.
// *strategy.Instance satisfies it; tests use scripted fakes.
type Strategy interface {
	Initialize(limits domain.RiskLimits, symbols []string) error
	Analyze(markets map[string]domain.SymbolData, pf domain.Portfolio, now time.Time) ([]domain.Signal, error)
}

// Config carries the simulation parameters. Zero values fall back to the
// same defaults the live tracker uses.
type Config struct {
	InitialBalance float64
	MakerFeePct    float64
	TakerFeePct    float64
	Slippage       float64
	Limits         domain.RiskLimits
	Timezone       *time.Location
}

// Engine replays candle history through a strategy.
type Engine struct {
	cfg Config
	log zerolog.Logger
}

func NewEngine(cfg Config, log zerolog.Logger) *Engine {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.Slippage <= 0 {
		cfg.Slippage = portfolio.DefaultSlippage
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Engine{cfg: cfg, log: log.With().Str("component", "backtest").Logger()}
}

// runState is the mutable simulation state for one Run.
type runState struct {
	book  *portfolio.Book
	risk  *risk.Manager
	bars  map[string]domain.Candle // current hourly bar per symbol
	tags  map[string]int64         // tag -> hour it was entered or averaged in
	tick  int64
	total float64

	dayStart    float64
	dailyValues []float64
	trades      []domain.Trade

	limitAttempted int
	limitFilled    int
}

// RunSeries backtests over plain hourly series, the single-timeframe
// shape most callers have at hand.
func (e *Engine) RunSeries(ctx context.Context, strat Strategy, series map[string][]domain.Candle) (*Result, error) {
	data := make(map[string]MarketData, len(series))
	for sym, cs := range series {
		data[sym] = MarketData{H1: cs}
	}
	return e.Run(ctx, strat, data)
}

// Run replays the strategy over the union of all symbols' hourly
// timestamps. Each tick builds point-in-time snapshots, invokes the
// strategy, executes its signals, sweeps stops against the hour's 5m
// sub-bars, and settles day boundaries. The context is checked between
// ticks, so a caller deadline bounds the wall clock.
func (e *Engine) Run(ctx context.Context, strat Strategy, data map[string]MarketData) (*Result, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("backtest needs candle data for at least one symbol")
	}

	symbols := make([]string, 0, len(data))
	for sym := range data {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	feeds := make(map[string]*feed, len(data))
	hourSet := make(map[int64]struct{})
	for _, sym := range symbols {
		f := newFeed(data[sym])
		if len(f.h1) == 0 {
			return nil, fmt.Errorf("no hourly candles for %s", sym)
		}
		feeds[sym] = f
		for _, c := range f.h1 {
			hourSet[c.Timestamp] = struct{}{}
		}
	}
	hours := make([]int64, 0, len(hourSet))
	for ts := range hourSet {
		hours = append(hours, ts)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })

	if err := strat.Initialize(e.cfg.Limits, symbols); err != nil {
		return nil, fmt.Errorf("strategy initialize failed: %w", err)
	}

	mgr := risk.NewManager(e.cfg.Limits, e.log)
	mgr.UpdatePortfolioPeak(e.cfg.InitialBalance)
	st := &runState{
		book:     portfolio.NewBook(e.cfg.InitialBalance),
		risk:     mgr,
		tags:     make(map[string]int64),
		dayStart: e.cfg.InitialBalance,
	}

	e.log.Info().
		Int("symbols", len(symbols)).
		Int("hours", len(hours)).
		Time("from", time.Unix(hours[0], 0).UTC()).
		Time("to", time.Unix(hours[len(hours)-1], 0).UTC()).
		Msg("backtest started")

	for i, ts := range hours {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("backtest aborted at %s: %w", time.Unix(ts, 0).UTC().Format(time.RFC3339), err)
		}
		st.tick = ts

		markets, prices := e.snapshots(st, symbols, feeds, ts)
		st.book.UpdatePrices(prices)
		st.total = st.book.TotalValue(prices)

		signals, err := strat.Analyze(markets, e.portfolioView(st), time.Unix(ts, 0).In(e.cfg.Timezone))
		if err != nil {
			e.log.Warn().Err(err).Int64("ts", ts).Msg("strategy error, tick signals skipped")
		}
		for _, sig := range signals {
			e.executeSignal(st, markets, prices, sig)
		}

		e.sweepStops(st, feeds, ts)

		if i+1 == len(hours) || !sameDay(ts, hours[i+1], e.cfg.Timezone) {
			v := st.book.TotalValue(prices)
			st.dailyValues = append(st.dailyValues, v)
			st.dayStart = v
			mgr.ResetDaily()
			mgr.UpdatePortfolioPeak(v)
		}
		mgr.CheckDrawdownHalt(st.book.TotalValue(prices))
	}

	res := e.buildResult(st, hours)
	e.log.Info().
		Int("trades", res.Trades).
		Float64("net_pnl", res.NetPnL).
		Float64("final_value", res.FinalValue).
		Msg("backtest finished")
	return res, nil
}

// snapshots builds the per-symbol market view for one tick. Symbols with
// no bar yet are left out; stale symbols keep their last bar.
func (e *Engine) snapshots(st *runState, symbols []string, feeds map[string]*feed, ts int64) (map[string]domain.SymbolData, map[string]float64) {
	markets := make(map[string]domain.SymbolData, len(symbols))
	prices := make(map[string]float64, len(symbols))
	st.bars = make(map[string]domain.Candle, len(symbols))

	for _, sym := range symbols {
		f := feeds[sym]
		f.advance(ts)
		bar, ok := f.currentBar()
		if !ok {
			continue
		}
		markets[sym] = domain.SymbolData{
			Symbol:       sym,
			CurrentPrice: bar.Close,
			Candles5m:    f.m5[:f.i5],
			Candles1h:    f.h1[:f.i1],
			Candles1d:    f.d1[:f.id],
			Spread:       f.spread(),
			Volume24h:    f.volume24h(),
			MakerFeePct:  e.cfg.MakerFeePct,
			TakerFeePct:  e.cfg.TakerFeePct,
		}
		prices[sym] = bar.Close
		st.bars[sym] = bar
	}
	return markets, prices
}

func (e *Engine) portfolioView(st *runState) domain.Portfolio {
	ps := st.book.Positions()
	positions := make([]domain.Position, len(ps))
	for i, p := range ps {
		positions[i] = *p
	}
	dailyPnL := 0.0
	if st.dayStart > 0 {
		dailyPnL = st.total - st.dayStart
	}
	return domain.Portfolio{
		Cash:              st.book.Cash(),
		TotalValue:        st.total,
		Positions:         positions,
		DailyPnL:          dailyPnL,
		OpenPositionCount: len(positions),
	}
}

// executeSignal runs one signal through the risk gate and the same fill
// rules the tracker applies, at bar resolution.
func (e *Engine) executeSignal(st *runState, markets map[string]domain.SymbolData, prices map[string]float64, sig domain.Signal) {
	md, ok := markets[sig.Symbol]
	if !ok {
		e.log.Debug().Str("symbol", sig.Symbol).Msg("signal for symbol without data")
		return
	}

	st.total = st.book.TotalValue(prices)
	isNew := sig.Action == domain.ActionBuy
	if isNew && sig.Tag != "" {
		_, held := st.book.Position(sig.Tag)
		isNew = !held
	}
	check := st.risk.CheckSignal(sig, st.total, st.book.PositionCount(),
		st.book.SymbolValue(sig.Symbol), st.dayStart, isNew)
	if !check.Passed {
		return
	}
	st.risk.ClampSignal(&sig)

	switch sig.Action {
	case domain.ActionBuy:
		e.executeBuy(st, sig, md)
	case domain.ActionSell:
		e.executeSell(st, sig, md)
	case domain.ActionClose:
		e.executeClose(st, sig, md)
	case domain.ActionModify:
		if sig.Tag == "" {
			e.log.Debug().Str("symbol", sig.Symbol).Msg("MODIFY without tag ignored")
			return
		}
		intent := sig.Intent
		if _, err := st.book.Modify(sig.Tag, sig.StopLoss, sig.TakeProfit, &intent, st.tick); err != nil {
			e.log.Debug().Err(err).Str("tag", sig.Tag).Msg("modify skipped")
		}
	default:
		e.log.Debug().Str("action", string(sig.Action)).Msg("unknown action ignored")
	}
}

func (e *Engine) executeBuy(st *runState, sig domain.Signal, md domain.SymbolData) {
	tradeValue := st.total * sig.SizePct
	if tradeValue <= 0 {
		return
	}

	feePct := portfolio.FeePct(sig.OrderType, e.cfg.MakerFeePct, e.cfg.TakerFeePct)
	var fillPrice float64
	if sig.OrderType == domain.OrderLimit && sig.LimitPrice != nil {
		st.limitAttempted++
		bar := st.bars[sig.Symbol]
		if !portfolio.LimitFillableBar(sig.Action, *sig.LimitPrice, bar.Low, bar.High) {
			return
		}
		st.limitFilled++
		fillPrice = *sig.LimitPrice
	} else {
		fillPrice = portfolio.PaperFillPrice(sig.Action, md.CurrentPrice, portfolio.SlippageFor(sig, e.cfg.Slippage))
	}

	pos, err := st.book.Buy(portfolio.BuyFill{
		Symbol:     sig.Symbol,
		Tag:        sig.Tag,
		TradeValue: tradeValue,
		FillPrice:  fillPrice,
		Fee:        tradeValue * feePct,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Intent:     sig.Intent,
		Timestamp:  st.tick,
	})
	if err != nil {
		e.log.Debug().Err(err).Str("symbol", sig.Symbol).Msg("buy skipped")
		return
	}
	st.tags[pos.Tag] = st.tick
}

func (e *Engine) executeSell(st *runState, sig domain.Signal, md domain.SymbolData) {
	var pos *domain.Position
	if sig.Tag != "" {
		p, ok := st.book.Position(sig.Tag)
		if !ok {
			e.log.Debug().Str("tag", sig.Tag).Msg("sell for unknown tag")
			return
		}
		pos = p
	} else {
		p, ok := st.book.OldestPosition(sig.Symbol)
		if !ok {
			e.log.Debug().Str("symbol", sig.Symbol).Msg("sell with nothing open")
			return
		}
		pos = p
	}

	fillPrice, feePct, filled := e.exitFill(st, sig, md)
	if !filled {
		return
	}
	qty := portfolio.SellQty(st.total, sig.SizePct, fillPrice, pos.Qty)
	e.closePosition(st, pos.Tag, qty, fillPrice, feePct, domain.CloseReasonSignal, st.tick)
}

func (e *Engine) executeClose(st *runState, sig domain.Signal, md domain.SymbolData) {
	fillPrice, feePct, filled := e.exitFill(st, sig, md)
	if !filled {
		return
	}

	var tags []string
	if sig.Tag != "" {
		if _, ok := st.book.Position(sig.Tag); !ok {
			e.log.Debug().Str("tag", sig.Tag).Msg("close for unknown tag")
			return
		}
		tags = []string{sig.Tag}
	} else {
		for _, pos := range st.book.PositionsFor(sig.Symbol) {
			tags = append(tags, pos.Tag)
		}
		if len(tags) == 0 {
			e.log.Debug().Str("symbol", sig.Symbol).Msg("close with nothing open")
			return
		}
	}
	for _, tag := range tags {
		e.closePosition(st, tag, 0, fillPrice, feePct, domain.CloseReasonSignal, st.tick)
	}
}

// exitFill resolves the exit price and fee side, counting limit attempts
// against the current bar's range.
func (e *Engine) exitFill(st *runState, sig domain.Signal, md domain.SymbolData) (float64, float64, bool) {
	feePct := portfolio.FeePct(sig.OrderType, e.cfg.MakerFeePct, e.cfg.TakerFeePct)
	if sig.OrderType == domain.OrderLimit && sig.LimitPrice != nil {
		st.limitAttempted++
		bar := st.bars[sig.Symbol]
		if !portfolio.LimitFillableBar(sig.Action, *sig.LimitPrice, bar.Low, bar.High) {
			return 0, 0, false
		}
		st.limitFilled++
		return *sig.LimitPrice, feePct, true
	}
	return portfolio.PaperFillPrice(sig.Action, md.CurrentPrice, portfolio.SlippageFor(sig, e.cfg.Slippage)), feePct, true
}

// sweepStops re-evaluates every open position against the hour's 5m
// sub-bars in chronological order, falling back to the hourly bar when no
// sub-bars exist. The threshold itself is the trigger price; slippage
// applies on top. Positions entered this bar are exempt.
func (e *Engine) sweepStops(st *runState, feeds map[string]*feed, ts int64) {
	for _, pos := range st.book.Positions() {
		if st.tags[pos.Tag] == ts {
			continue
		}
		if pos.StopLoss == nil && pos.TakeProfit == nil {
			continue
		}
		f := feeds[pos.Symbol]
		if f == nil {
			continue
		}
		bars := f.hourBars(ts)
		if len(bars) == 0 {
			bar, ok := f.barAt(ts)
			if !ok {
				continue
			}
			bars = []domain.Candle{bar}
		}

		for _, b := range bars {
			if pos.StopLoss != nil && b.Low <= *pos.StopLoss {
				fill := portfolio.PaperFillPrice(domain.ActionClose, *pos.StopLoss, e.cfg.Slippage)
				e.closePosition(st, pos.Tag, 0, fill, e.cfg.TakerFeePct, domain.CloseReasonStopLoss, b.Timestamp)
				break
			}
			if pos.TakeProfit != nil && b.High >= *pos.TakeProfit {
				fill := portfolio.PaperFillPrice(domain.ActionClose, *pos.TakeProfit, e.cfg.Slippage)
				e.closePosition(st, pos.Tag, 0, fill, e.cfg.TakerFeePct, domain.CloseReasonTakeProfit, b.Timestamp)
				break
			}
		}
	}
}

// closePosition applies one exit fill, records the trade, and feeds the
// realized pnl into the risk counters. qty <= 0 closes the whole
// position.
func (e *Engine) closePosition(st *runState, tag string, qty, fillPrice, feePct float64, reason domain.CloseReason, ts int64) {
	trade, err := st.book.Close(portfolio.CloseFill{
		Tag:        tag,
		Qty:        qty,
		FillPrice:  fillPrice,
		ExitFeePct: feePct,
		Reason:     reason,
		Timestamp:  ts,
	})
	if err != nil {
		e.log.Debug().Err(err).Str("tag", tag).Msg("close skipped")
		return
	}
	if _, open := st.book.Position(tag); !open {
		delete(st.tags, tag)
	}
	st.trades = append(st.trades, *trade)
	st.risk.RecordTradeResult(trade.PnL)
}

func sameDay(a, b int64, tz *time.Location) bool {
	ta := time.Unix(a, 0).In(tz)
	tb := time.Unix(b, 0).In(tz)
	return ta.Year() == tb.Year() && ta.YearDay() == tb.YearDay()
}
