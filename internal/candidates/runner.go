// Package candidates runs paper simulations of challenger strategies in
// numbered slots. Each runner owns a private book seeded from a snapshot
// of the fund, executes its strategy's signals with the same fill rules
// as the fund tracker, and keeps its full trade history in memory so
// visible stats survive the persist cycle.
package candidates

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/portfolio"
	"github.com/chrysalisfund/chrysalis/internal/strategy"
)

// Status is a slot's cumulative scoreboard. All trade stats come from
// the full in-memory history, never from the persist buffer.
type Status struct {
	Slot            int     `json:"slot"`
	StrategyVersion int64   `json:"strategy_version"`
	TradeCount      int     `json:"trade_count"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	TotalPnL        float64 `json:"total_pnl"`
	WinRate         float64 `json:"win_rate"`
	Cash            float64 `json:"cash"`
	TotalValue      float64 `json:"total_value"`
	OpenPositions   int     `json:"open_positions"`
	CreatedAt       int64   `json:"created_at"`
}

// Runner simulates one candidate strategy against a private paper book.
type Runner struct {
	mu    sync.Mutex
	slot  int
	strat *strategy.Instance
	book  *portfolio.Book
	log   zerolog.Logger

	limits   domain.RiskLimits
	slippage float64

	trades    []domain.Trade        // closed since the last persist
	allTrades []domain.Trade        // full history, survives persists
	signals   []domain.SignalRecord // buffered for the next persist
	dayStart  float64
	createdAt int64
}

func newRunner(slot int, strat *strategy.Instance, cash float64, positions []domain.Position,
	limits domain.RiskLimits, slippage float64, createdAt int64, log zerolog.Logger) *Runner {
	if slippage <= 0 {
		slippage = portfolio.DefaultSlippage
	}
	book := portfolio.NewBook(cash)
	for _, p := range positions {
		book.Restore(p)
	}
	return &Runner{
		slot:      slot,
		strat:     strat,
		book:      book,
		log:       log.With().Str("component", "candidate").Int("slot", slot).Logger(),
		limits:    limits,
		slippage:  slippage,
		dayStart:  book.TotalValue(nil),
		createdAt: createdAt,
	}
}

// Slot returns the runner's slot number.
func (r *Runner) Slot() int { return r.slot }

// slotTag namespaces a cloned fund tag so the candidate's book never
// aliases the fund's.
func slotTag(slot int, tag string) string {
	return fmt.Sprintf("c%d_%s", slot, tag)
}

// RunScan marks the private book to market, invokes the candidate
// strategy, and executes every returned signal against the private
// cash. Every signal is buffered whether it executed or not; only a
// strategy failure surfaces as an error.
func (r *Runner) RunScan(markets map[string]domain.SymbolData, now time.Time) ([]domain.TradeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prices := make(map[string]float64, len(markets))
	for sym, md := range markets {
		if md.CurrentPrice > 0 {
			prices[sym] = md.CurrentPrice
		}
	}
	// Mark only; stop triggers belong to CheckSLTP.
	r.book.UpdatePrices(prices)

	sigs, err := r.strat.Analyze(markets, r.snapshotLocked(), now)
	if err != nil {
		return nil, fmt.Errorf("candidate analyze failed: %w", err)
	}

	var fills []domain.TradeResult
	ts := now.Unix()
	for _, sig := range sigs {
		rec := domain.SignalRecord{
			Symbol:     sig.Symbol,
			Action:     sig.Action,
			SizePct:    sig.SizePct,
			Confidence: sig.Confidence,
			Intent:     sig.Intent,
			Reasoning:  sig.Reasoning,
			Tag:        sig.Tag,
			CreatedAt:  ts,
		}
		res, err := r.execute(sig, markets, ts)
		if err != nil {
			rec.RejectedReason = err.Error()
			r.log.Debug().
				Str("symbol", sig.Symbol).
				Str("action", string(sig.Action)).
				Err(err).
				Msg("candidate signal rejected")
		} else if res != nil {
			rec.ActedOn = true
			fills = append(fills, *res)
		}
		r.signals = append(r.signals, rec)
	}
	return fills, nil
}

// execute turns one signal into a paper fill. Candidates get the size
// clamp but none of the fund's entry gates.
func (r *Runner) execute(sig domain.Signal, markets map[string]domain.SymbolData, now int64) (*domain.TradeResult, error) {
	md, ok := markets[sig.Symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", sig.Symbol)
	}
	if md.CurrentPrice <= 0 {
		return nil, fmt.Errorf("no price for %s", sig.Symbol)
	}
	if sig.SizePct > r.limits.MaxTradePct {
		sig.SizePct = r.limits.MaxTradePct
	}

	switch sig.Action {
	case domain.ActionBuy:
		return r.executeBuy(sig, md, now)
	case domain.ActionSell:
		return r.executeSell(sig, md, now)
	case domain.ActionClose:
		return r.executeClose(sig, md, now)
	case domain.ActionModify:
		return r.executeModify(sig, now)
	default:
		return nil, fmt.Errorf("unknown action %q", sig.Action)
	}
}

func (r *Runner) executeBuy(sig domain.Signal, md domain.SymbolData, now int64) (*domain.TradeResult, error) {
	tradeValue := r.book.TotalValue(nil) * sig.SizePct
	if tradeValue <= 0 {
		return nil, fmt.Errorf("zero trade value for %s", sig.Symbol)
	}

	feePct := portfolio.FeePct(sig.OrderType, md.MakerFeePct, md.TakerFeePct)
	var fillPrice float64
	if sig.OrderType == domain.OrderLimit && sig.LimitPrice != nil {
		if !portfolio.LimitMarketable(sig.Action, *sig.LimitPrice, md.CurrentPrice) {
			return nil, fmt.Errorf("limit %.2f not marketable at %.2f", *sig.LimitPrice, md.CurrentPrice)
		}
		fillPrice = *sig.LimitPrice
	} else {
		fillPrice = portfolio.PaperFillPrice(sig.Action, md.CurrentPrice, portfolio.SlippageFor(sig, r.slippage))
	}
	fee := tradeValue * feePct

	pos, err := r.book.Buy(portfolio.BuyFill{
		Symbol:          sig.Symbol,
		Tag:             sig.Tag,
		TradeValue:      tradeValue,
		FillPrice:       fillPrice,
		Fee:             fee,
		StopLoss:        sig.StopLoss,
		TakeProfit:      sig.TakeProfit,
		Intent:          sig.Intent,
		StrategyVersion: r.strat.Version(),
		Timestamp:       now,
	})
	if err != nil {
		return nil, err
	}

	res := &domain.TradeResult{
		Symbol:    sig.Symbol,
		Tag:       pos.Tag,
		Action:    domain.ActionBuy,
		Side:      "long",
		Qty:       tradeValue / fillPrice,
		FillPrice: fillPrice,
		Fee:       fee,
	}
	r.notifyFill(*res)
	return res, nil
}

func (r *Runner) executeSell(sig domain.Signal, md domain.SymbolData, now int64) (*domain.TradeResult, error) {
	pos, err := r.resolveTarget(sig)
	if err != nil {
		return nil, err
	}
	fillPrice, feePct, err := r.resolveExitFill(sig, md)
	if err != nil {
		return nil, err
	}
	qty := portfolio.SellQty(r.book.TotalValue(nil), sig.SizePct, fillPrice, pos.Qty)

	res, err := r.closeQty(pos, qty, fillPrice, feePct, domain.CloseReasonSignal, now)
	if res != nil {
		res.Action = domain.ActionSell
	}
	return res, err
}

func (r *Runner) executeClose(sig domain.Signal, md domain.SymbolData, now int64) (*domain.TradeResult, error) {
	fillPrice, feePct, err := r.resolveExitFill(sig, md)
	if err != nil {
		return nil, err
	}

	var targets []*domain.Position
	if sig.Tag != "" {
		pos, ok := r.book.Position(sig.Tag)
		if !ok {
			return nil, fmt.Errorf("no open position with tag %q", sig.Tag)
		}
		targets = []*domain.Position{pos}
	} else {
		targets = r.book.PositionsFor(sig.Symbol)
		if len(targets) == 0 {
			return nil, fmt.Errorf("no open positions for %s", sig.Symbol)
		}
	}

	var agg *domain.TradeResult
	for _, pos := range targets {
		res, err := r.closeQty(pos, pos.Qty, fillPrice, feePct, domain.CloseReasonSignal, now)
		if err != nil {
			return agg, err
		}
		if agg == nil {
			agg = res
		} else {
			agg.Qty += res.Qty
			agg.Fee += res.Fee
			agg.RealizedPnL += res.RealizedPnL
			agg.Trade = res.Trade
		}
	}
	return agg, nil
}

func (r *Runner) executeModify(sig domain.Signal, now int64) (*domain.TradeResult, error) {
	if sig.Tag == "" {
		return nil, fmt.Errorf("MODIFY requires a tag")
	}
	intent := sig.Intent
	pos, err := r.book.Modify(sig.Tag, sig.StopLoss, sig.TakeProfit, &intent, now)
	if err != nil {
		return nil, err
	}
	return &domain.TradeResult{
		Symbol: pos.Symbol,
		Tag:    pos.Tag,
		Action: domain.ActionModify,
		Side:   pos.Side,
	}, nil
}

func (r *Runner) resolveTarget(sig domain.Signal) (*domain.Position, error) {
	if sig.Tag != "" {
		pos, ok := r.book.Position(sig.Tag)
		if !ok {
			return nil, fmt.Errorf("no open position with tag %q", sig.Tag)
		}
		return pos, nil
	}
	pos, ok := r.book.OldestPosition(sig.Symbol)
	if !ok {
		return nil, fmt.Errorf("no open positions for %s", sig.Symbol)
	}
	return pos, nil
}

func (r *Runner) resolveExitFill(sig domain.Signal, md domain.SymbolData) (float64, float64, error) {
	feePct := portfolio.FeePct(sig.OrderType, md.MakerFeePct, md.TakerFeePct)
	if sig.OrderType == domain.OrderLimit && sig.LimitPrice != nil {
		if !portfolio.LimitMarketable(sig.Action, *sig.LimitPrice, md.CurrentPrice) {
			return 0, 0, fmt.Errorf("limit %.2f not marketable at %.2f", *sig.LimitPrice, md.CurrentPrice)
		}
		return *sig.LimitPrice, feePct, nil
	}
	return portfolio.PaperFillPrice(sig.Action, md.CurrentPrice, portfolio.SlippageFor(sig, r.slippage)), feePct, nil
}

func (r *Runner) closeQty(pos *domain.Position, qty, fillPrice, feePct float64, reason domain.CloseReason, now int64) (*domain.TradeResult, error) {
	trade, err := r.book.Close(portfolio.CloseFill{
		Tag:        pos.Tag,
		Qty:        qty,
		FillPrice:  fillPrice,
		ExitFeePct: feePct,
		Reason:     reason,
		Timestamp:  now,
	})
	if err != nil {
		return nil, err
	}
	r.trades = append(r.trades, *trade)
	r.allTrades = append(r.allTrades, *trade)

	r.log.Debug().
		Str("symbol", trade.Symbol).
		Str("tag", trade.Tag).
		Str("reason", string(trade.CloseReason)).
		Float64("pnl", trade.PnL).
		Msg("candidate position closed")

	if err := r.strat.OnPositionClosed(*trade); err != nil {
		r.log.Debug().Err(err).Msg("candidate on_position_closed hook failed")
	}

	return &domain.TradeResult{
		Symbol:      trade.Symbol,
		Tag:         trade.Tag,
		Action:      domain.ActionClose,
		Side:        trade.Side,
		Qty:         trade.Qty,
		FillPrice:   trade.ExitPrice,
		Fee:         trade.FeesTotal,
		RealizedPnL: trade.PnL,
		Closed:      true,
		CloseReason: trade.CloseReason,
		Trade:       trade,
	}, nil
}

func (r *Runner) notifyFill(res domain.TradeResult) {
	if err := r.strat.OnFill(res); err != nil {
		r.log.Debug().Err(err).Msg("candidate on_fill hook failed")
	}
}

// CheckSLTP marks the private positions and closes any whose stop-loss
// or take-profit crossed. The threshold is the trigger price; slippage
// and taker fees apply as on any market exit.
func (r *Runner) CheckSLTP(prices map[string]float64, takerPct float64) []domain.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()

	triggered := r.book.UpdatePrices(prices)
	if len(triggered) == 0 {
		return nil
	}

	now := time.Now().Unix()
	var closed []domain.Trade
	for _, trig := range triggered {
		pos, ok := r.book.Position(trig.Tag)
		if !ok {
			continue
		}
		fillPrice := portfolio.PaperFillPrice(domain.ActionClose, trig.Price, r.slippage)
		res, err := r.closeQty(pos, pos.Qty, fillPrice, takerPct, trig.Reason, now)
		if err != nil {
			r.log.Warn().Err(err).Str("tag", trig.Tag).Msg("candidate stop close failed")
			continue
		}
		closed = append(closed, *res.Trade)
	}
	return closed
}

// Status reports the cumulative scoreboard from the full trade history.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Slot:            r.slot,
		StrategyVersion: r.strat.Version(),
		Cash:            r.book.Cash(),
		TotalValue:      r.book.TotalValue(nil),
		OpenPositions:   r.book.PositionCount(),
		CreatedAt:       r.createdAt,
	}
	for _, t := range r.allTrades {
		st.TradeCount++
		st.TotalPnL += t.PnL
		if t.PnL >= 0 {
			st.Wins++
		} else {
			st.Losses++
		}
	}
	if st.TradeCount > 0 {
		st.WinRate = float64(st.Wins) / float64(st.TradeCount)
	}
	return st
}

// Snapshot builds the private portfolio view handed to the candidate
// strategy. Same shape as the fund's.
func (r *Runner) Snapshot() domain.Portfolio {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Runner) snapshotLocked() domain.Portfolio {
	total := r.book.TotalValue(nil)
	dailyPnL := 0.0
	if r.dayStart > 0 {
		dailyPnL = total - r.dayStart
	}
	ps := r.book.Positions()
	positions := make([]domain.Position, len(ps))
	for i, p := range ps {
		positions[i] = *p
	}
	return domain.Portfolio{
		Cash:              r.book.Cash(),
		TotalValue:        total,
		Positions:         positions,
		DailyPnL:          dailyPnL,
		OpenPositionCount: len(positions),
	}
}

// persistState is one consistent cut of everything the persist cycle
// writes for a slot.
type persistState struct {
	positions  []domain.Position
	trades     []domain.Trade
	signals    []domain.SignalRecord
	value      float64
	cash       float64
	tradeCount int
	totalPnL   float64
}

// drainForPersist takes a consistent cut of the book plus the new-trade
// and signal buffers, clears the buffers, and rebases the daily start.
// The full trade history is untouched.
func (r *Runner) drainForPersist() persistState {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps := r.book.Positions()
	st := persistState{
		positions: make([]domain.Position, len(ps)),
		trades:    r.trades,
		signals:   r.signals,
		value:     r.book.TotalValue(nil),
		cash:      r.book.Cash(),
	}
	for i, p := range ps {
		st.positions[i] = *p
	}
	r.trades = nil
	r.signals = nil
	r.dayStart = st.value

	st.tradeCount = len(r.allTrades)
	for _, t := range r.allTrades {
		st.totalPnL += t.PnL
	}
	return st
}

// restoreBuffers puts drained rows back after a failed persist so they
// are retried on the next cycle.
func (r *Runner) restoreBuffers(trades []domain.Trade, signals []domain.SignalRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(trades, r.trades...)
	r.signals = append(signals, r.signals...)
}

// loadHistory seeds the full trade history during recovery. Recovered
// trades are already persisted, so the new-trade buffer stays empty.
func (r *Runner) loadHistory(trades []domain.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allTrades = append(r.allTrades, trades...)
}
