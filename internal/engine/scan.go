package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/events"
)

// regimeWindow is how many daily candles the classifier sees.
const regimeWindow = 60

// Scan runs one trading tick: refresh market data, hand the snapshot to
// the active strategy, route every signal through risk and execution,
// then give the candidate runners the same snapshot.
func (e *Engine) Scan(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.applyPendingSwapLocked()
	if e.strat == nil {
		return errNoStrategy
	}

	now := time.Now()
	markets, prices := e.buildMarketsLocked()
	if len(markets) == 0 {
		e.log.Warn().Msg("no market data this tick, skipping scan")
		return nil
	}

	pf := e.tracker.Snapshot(prices)
	e.risk.UpdatePortfolioPeak(pf.TotalValue)
	e.risk.CheckDrawdownHalt(pf.TotalValue)

	signals, err := e.strat.Analyze(markets, pf, now)
	if err != nil {
		// A broken strategy must not stop candidate evaluation.
		e.log.Error().Err(err).Int64("version", e.strat.Version()).Msg("strategy analyze failed")
		e.events.EmitError("engine", err)
	} else {
		for i := range signals {
			e.handleSignalLocked(ctx, signals[i], markets, &pf)
		}
		if len(signals) > 0 {
			e.lastSignal = now
		}
	}

	e.candidates.RunScans(markets, now)
	e.checkRollbackLocked()
	e.lastScan = now

	e.log.Debug().
		Int("symbols", len(markets)).
		Int("signals", len(signals)).
		Float64("value", pf.TotalValue).
		Msg("scan complete")
	return nil
}

// buildMarketsLocked assembles the per-symbol snapshots. Prices come from
// the websocket cache while healthy; candles arrive over the stream in
// that mode, so REST backfill runs only when degraded.
func (e *Engine) buildMarketsLocked() (map[string]domain.SymbolData, map[string]float64) {
	wsHealthy := e.streamHealthyLocked()

	if e.feed != nil {
		tickers, err := e.feed.GetTicker(e.symbols)
		if err != nil {
			e.log.Warn().Err(err).Msg("ticker refresh failed, using cached quotes")
		} else {
			for sym, tk := range tickers {
				e.tickers[sym] = tk
			}
		}
	}

	markets := make(map[string]domain.SymbolData, len(e.symbols))
	prices := make(map[string]float64, len(e.symbols))
	for _, sym := range e.symbols {
		tk := e.tickers[sym]
		price, volume := tk.Last, tk.Volume24h
		if wsHealthy {
			if px, ok := e.stream.Price(sym); ok && px > 0 {
				price = px
			}
		}
		if price <= 0 {
			e.log.Warn().Str("symbol", sym).Msg("no price available, skipping symbol")
			continue
		}
		if !wsHealthy && e.feed != nil {
			if err := e.market.Backfill(e.feed, sym); err != nil {
				e.log.Warn().Err(err).Str("symbol", sym).Msg("REST candle backfill failed")
			}
		}

		maker, taker := e.feeFor(sym)
		data, err := e.market.BuildSymbolData(sym, price, volume, maker, taker)
		if err != nil {
			e.log.Error().Err(err).Str("symbol", sym).Msg("symbol snapshot failed")
			continue
		}
		markets[sym] = *data
		prices[sym] = price
		e.regimes[sym] = e.classifyLocked(sym, data.Candles1d)
	}
	return markets, prices
}

func (e *Engine) classifyLocked(symbol string, daily []domain.Candle) string {
	if e.regime == nil {
		return ""
	}
	if len(daily) > regimeWindow {
		daily = daily[len(daily)-regimeWindow:]
	}
	return string(e.regime.Detect(symbol, daily).Regime)
}

// handleSignalLocked runs one signal through risk, execution, and
// persistence. Every signal leaves a row behind, acted on or not.
func (e *Engine) handleSignalLocked(ctx context.Context, sig domain.Signal, markets map[string]domain.SymbolData, pf *domain.Portfolio) {
	rec := &domain.SignalRecord{
		Symbol:          sig.Symbol,
		Action:          sig.Action,
		SizePct:         sig.SizePct,
		Confidence:      sig.Confidence,
		Intent:          sig.Intent,
		Reasoning:       sig.Reasoning,
		StrategyVersion: e.strat.Version(),
		StrategyRegime:  e.regimes[sig.Symbol],
		Tag:             sig.Tag,
		CreatedAt:       time.Now().Unix(),
	}

	data, ok := markets[sig.Symbol]
	if !ok || data.CurrentPrice <= 0 {
		e.rejectSignalLocked(rec, fmt.Sprintf("no market data for %s", sig.Symbol))
		return
	}

	isNew := sig.Action == domain.ActionBuy &&
		(sig.Tag == "" || !e.tracker.HasPosition(sig.Tag))
	check := e.risk.CheckSignal(sig, pf.TotalValue, e.tracker.OpenPositionCount(),
		e.tracker.SymbolValue(sig.Symbol), e.tracker.DailyStartValue(), isNew)
	if !check.Passed {
		e.rejectSignalLocked(rec, check.Reason)
		return
	}
	e.risk.ClampSignal(&sig)
	rec.SizePct = sig.SizePct

	res, err := e.tracker.ExecuteSignal(ctx, sig, data.CurrentPrice,
		data.MakerFeePct, data.TakerFeePct, rec.StrategyRegime)
	if err != nil {
		e.rejectSignalLocked(rec, err.Error())
		return
	}

	rec.ActedOn = true
	if err := e.tracker.RecordSignal(rec); err != nil {
		e.log.Error().Err(err).Msg("failed to persist signal")
	}
	e.lastTrade = time.Now()

	if res.Closed {
		e.risk.RecordTradeResult(res.RealizedPnL)
	}
	e.events.Emit(events.TradeExecuted, fmt.Sprintf("%s %s @ %.2f", sig.Action, sig.Symbol, res.FillPrice), map[string]any{
		"symbol": sig.Symbol,
		"action": string(sig.Action),
		"qty":    res.Qty,
		"fill":   res.FillPrice,
		"pnl":    res.RealizedPnL,
	})
	e.notifier.TradeExecuted(res)

	if err := e.strat.OnFill(*res); err != nil {
		e.log.Warn().Err(err).Msg("strategy on_fill hook failed")
	}
	if res.Closed && res.Trade != nil {
		if err := e.strat.OnPositionClosed(*res.Trade); err != nil {
			e.log.Warn().Err(err).Msg("strategy on_position_closed hook failed")
		}
	}

	// Executions move cash, so later signals in the same tick must see
	// the updated book.
	*pf = e.tracker.Snapshot(nil)
}

func (e *Engine) rejectSignalLocked(rec *domain.SignalRecord, reason string) {
	rec.ActedOn = false
	rec.RejectedReason = reason
	if err := e.tracker.RecordSignal(rec); err != nil {
		e.log.Error().Err(err).Msg("failed to persist rejected signal")
	}
	e.events.Emit(events.SignalRejected, fmt.Sprintf("%s %s: %s", rec.Action, rec.Symbol, reason), map[string]any{
		"symbol": rec.Symbol,
		"action": string(rec.Action),
		"reason": reason,
	})
	e.log.Info().
		Str("symbol", rec.Symbol).
		Str("action", string(rec.Action)).
		Str("reason", reason).
		Msg("signal rejected")
}
