package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/exchange"
)

// Mode selects how signals turn into fills.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// LiveBroker is the slice of the exchange client live execution needs.
type LiveBroker interface {
	AddOrder(req exchange.OrderRequest) (string, error)
	WaitForFill(txid string, timeout time.Duration) (exchange.OrderInfo, error)
	GetBalance() (map[string]float64, error)
}

// Config carries the tracker's execution parameters.
type Config struct {
	Mode         Mode
	PaperBalance float64
	Slippage     float64       // paper fills; 0 keeps the default
	FillTimeout  time.Duration // live fills
}

// Tracker owns the fund's cash and tagged positions, turns accepted
// signals into fills, and persists every resulting mutation.
type Tracker struct {
	mu     sync.Mutex
	book   *Book
	repo   *Repository
	broker LiveBroker
	log    zerolog.Logger

	mode         Mode
	paperBalance float64
	slippage     float64
	fillTimeout  time.Duration

	strategyVersion int64
	dailyStartValue float64
}

// NewTracker creates the fund tracker. broker may be nil in paper mode.
func NewTracker(cfg Config, repo *Repository, broker LiveBroker, log zerolog.Logger) *Tracker {
	slippage := cfg.Slippage
	if slippage <= 0 {
		slippage = DefaultSlippage
	}
	fillTimeout := cfg.FillTimeout
	if fillTimeout <= 0 {
		fillTimeout = 60 * time.Second
	}
	return &Tracker{
		book:         NewBook(cfg.PaperBalance),
		repo:         repo,
		broker:       broker,
		log:          log.With().Str("component", "portfolio").Logger(),
		mode:         cfg.Mode,
		paperBalance: cfg.PaperBalance,
		slippage:     slippage,
		fillTimeout:  fillTimeout,
	}
}

// Initialize loads persisted positions and recovers the cash balance:
// paper cash is the configured balance plus all realized pnl minus the
// capital and fees locked in open positions; live cash is the exchange's
// quote balance when reachable, with the paper formula as fallback.
func (t *Tracker) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	positions, err := t.repo.LoadPositions()
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}
	for _, p := range positions {
		t.book.Restore(p)
	}

	realized, err := t.repo.SumTradePnL()
	if err != nil {
		return fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	var locked float64
	for _, p := range positions {
		locked += p.Qty*p.AvgEntry + p.EntryFee
	}
	cash := t.paperBalance + realized - locked
	if cash < 0 {
		cash = 0
	}

	if t.mode == ModeLive && t.broker != nil {
		if balances, err := t.broker.GetBalance(); err != nil {
			t.log.Warn().Err(err).Msg("balance fetch failed, using recovered cash")
		} else if usd, ok := balances["USD"]; ok {
			cash = usd
		}
	}
	t.book.SetCash(cash)
	t.dailyStartValue = t.book.TotalValue(nil)

	t.log.Info().
		Str("mode", string(t.mode)).
		Float64("cash", cash).
		Int("positions", len(positions)).
		Msg("portfolio recovered")
	return nil
}

// SetStrategyVersion stamps subsequent fills with the active version.
func (t *Tracker) SetStrategyVersion(v int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.strategyVersion = v
}

// Cash returns the free cash balance.
func (t *Tracker) Cash() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.Cash()
}

// TotalValue returns cash plus mark-to-market under the given prices.
func (t *Tracker) TotalValue(prices map[string]float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.TotalValue(prices)
}

// DailyStartValue returns the base the daily-loss limit measures against.
func (t *Tracker) DailyStartValue() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dailyStartValue
}

// OpenPositionCount returns the number of open positions.
func (t *Tracker) OpenPositionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.PositionCount()
}

// SymbolValue returns the mark-to-market exposure to one symbol.
func (t *Tracker) SymbolValue(symbol string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.SymbolValue(symbol)
}

// HasPosition reports whether a tag is currently open.
func (t *Tracker) HasPosition(tag string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.book.Position(tag)
	return ok
}

// HasSymbolPosition reports whether any position is open in a symbol.
func (t *Tracker) HasSymbolPosition(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.book.OldestPosition(symbol)
	return ok
}

// Positions returns copies of the open positions, oldest first.
func (t *Tracker) Positions() []domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps := t.book.Positions()
	out := make([]domain.Position, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}

// Snapshot builds the point-in-time portfolio view handed to strategies.
func (t *Tracker) Snapshot(prices map[string]float64) domain.Portfolio {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.book.TotalValue(prices)
	dailyPnL := 0.0
	if t.dailyStartValue > 0 {
		dailyPnL = total - t.dailyStartValue
	}
	ps := t.book.Positions()
	positions := make([]domain.Position, len(ps))
	for i, p := range ps {
		positions[i] = *p
	}
	return domain.Portfolio{
		Cash:              t.book.Cash(),
		TotalValue:        total,
		Positions:         positions,
		DailyPnL:          dailyPnL,
		OpenPositionCount: len(positions),
	}
}

// ExecuteSignal turns an accepted signal into fills. Rejections (not
// marketable, insufficient cash, no matching position) come back as
// errors; the caller records them on the signal row.
func (t *Tracker) ExecuteSignal(ctx context.Context, sig domain.Signal, price, makerPct, takerPct float64, regime string) (*domain.TradeResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if price <= 0 {
		return nil, fmt.Errorf("no price for %s", sig.Symbol)
	}
	now := unixNow()

	switch sig.Action {
	case domain.ActionBuy:
		return t.executeBuy(ctx, sig, price, makerPct, takerPct, now)
	case domain.ActionSell:
		return t.executeSell(ctx, sig, price, makerPct, takerPct, regime, now)
	case domain.ActionClose:
		return t.executeClose(ctx, sig, price, makerPct, takerPct, regime, now)
	case domain.ActionModify:
		return t.executeModify(sig, now)
	default:
		return nil, fmt.Errorf("unknown action %q", sig.Action)
	}
}

func (t *Tracker) executeBuy(ctx context.Context, sig domain.Signal, price, makerPct, takerPct float64, now int64) (*domain.TradeResult, error) {
	totalValue := t.book.TotalValue(nil)
	tradeValue := totalValue * sig.SizePct
	if tradeValue <= 0 {
		return nil, fmt.Errorf("zero trade value for %s", sig.Symbol)
	}

	var fillPrice, fee float64
	if t.mode == ModeLive {
		info, err := t.placeLiveOrder(ctx, sig, "buy", tradeValue/price, now)
		if err != nil {
			return nil, err
		}
		fillPrice = info.AvgPrice
		fee = info.Fee
		tradeValue = info.VolExec * info.AvgPrice
	} else {
		feePct := FeePct(sig.OrderType, makerPct, takerPct)
		if sig.OrderType == domain.OrderLimit && sig.LimitPrice != nil {
			if !LimitMarketable(sig.Action, *sig.LimitPrice, price) {
				return nil, fmt.Errorf("limit %.2f not marketable at %.2f", *sig.LimitPrice, price)
			}
			fillPrice = *sig.LimitPrice
		} else {
			fillPrice = PaperFillPrice(sig.Action, price, SlippageFor(sig, t.slippage))
		}
		fee = tradeValue * feePct
	}

	pos, err := t.book.Buy(BuyFill{
		Symbol:          sig.Symbol,
		Tag:             sig.Tag,
		TradeValue:      tradeValue,
		FillPrice:       fillPrice,
		Fee:             fee,
		StopLoss:        sig.StopLoss,
		TakeProfit:      sig.TakeProfit,
		Intent:          sig.Intent,
		StrategyVersion: t.strategyVersion,
		Timestamp:       now,
	})
	if err != nil {
		return nil, err
	}
	if err := t.repo.UpsertPosition(pos); err != nil {
		return nil, err
	}

	t.log.Info().
		Str("symbol", sig.Symbol).
		Str("tag", pos.Tag).
		Float64("qty", tradeValue/fillPrice).
		Float64("fill", fillPrice).
		Float64("fee", fee).
		Msg("buy filled")

	return &domain.TradeResult{
		Symbol:    sig.Symbol,
		Tag:       pos.Tag,
		Action:    domain.ActionBuy,
		Side:      "long",
		Qty:       tradeValue / fillPrice,
		FillPrice: fillPrice,
		Fee:       fee,
	}, nil
}

func (t *Tracker) executeSell(ctx context.Context, sig domain.Signal, price, makerPct, takerPct float64, regime string, now int64) (*domain.TradeResult, error) {
	pos, err := t.resolveTarget(sig)
	if err != nil {
		return nil, err
	}

	fillPrice, feePct, err := t.resolveExitFill(sig, price, makerPct, takerPct)
	if err != nil {
		return nil, err
	}
	qty := SellQty(t.book.TotalValue(nil), sig.SizePct, fillPrice, pos.Qty)

	res, err := t.closeQty(ctx, pos, qty, fillPrice, feePct, domain.CloseReasonSignal, regime, now)
	if res != nil {
		res.Action = domain.ActionSell
	}
	return res, err
}

func (t *Tracker) executeClose(ctx context.Context, sig domain.Signal, price, makerPct, takerPct float64, regime string, now int64) (*domain.TradeResult, error) {
	fillPrice, feePct, err := t.resolveExitFill(sig, price, makerPct, takerPct)
	if err != nil {
		return nil, err
	}

	// CLOSE with a tag closes that position; without one, everything in
	// the symbol goes.
	var targets []*domain.Position
	if sig.Tag != "" {
		pos, ok := t.book.Position(sig.Tag)
		if !ok {
			return nil, fmt.Errorf("no open position with tag %q", sig.Tag)
		}
		targets = []*domain.Position{pos}
	} else {
		targets = t.book.PositionsFor(sig.Symbol)
		if len(targets) == 0 {
			return nil, fmt.Errorf("no open positions for %s", sig.Symbol)
		}
	}

	var agg *domain.TradeResult
	for _, pos := range targets {
		res, err := t.closeQty(ctx, pos, pos.Qty, fillPrice, feePct, domain.CloseReasonSignal, regime, now)
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

func (t *Tracker) executeModify(sig domain.Signal, now int64) (*domain.TradeResult, error) {
	if sig.Tag == "" {
		return nil, fmt.Errorf("MODIFY requires a tag")
	}
	intent := sig.Intent
	pos, err := t.book.Modify(sig.Tag, sig.StopLoss, sig.TakeProfit, &intent, now)
	if err != nil {
		return nil, err
	}
	if err := t.repo.UpsertPosition(pos); err != nil {
		return nil, err
	}
	return &domain.TradeResult{
		Symbol: pos.Symbol,
		Tag:    pos.Tag,
		Action: domain.ActionModify,
		Side:   pos.Side,
	}, nil
}

// resolveTarget picks the position a SELL applies to: the tag when given,
// otherwise the FIFO oldest for the symbol.
func (t *Tracker) resolveTarget(sig domain.Signal) (*domain.Position, error) {
	if sig.Tag != "" {
		pos, ok := t.book.Position(sig.Tag)
		if !ok {
			return nil, fmt.Errorf("no open position with tag %q", sig.Tag)
		}
		return pos, nil
	}
	pos, ok := t.book.OldestPosition(sig.Symbol)
	if !ok {
		return nil, fmt.Errorf("no open positions for %s", sig.Symbol)
	}
	return pos, nil
}

// resolveExitFill computes the paper exit fill price and fee side.
func (t *Tracker) resolveExitFill(sig domain.Signal, price, makerPct, takerPct float64) (float64, float64, error) {
	feePct := FeePct(sig.OrderType, makerPct, takerPct)
	if sig.OrderType == domain.OrderLimit && sig.LimitPrice != nil {
		if !LimitMarketable(sig.Action, *sig.LimitPrice, price) {
			return 0, 0, fmt.Errorf("limit %.2f not marketable at %.2f", *sig.LimitPrice, price)
		}
		return *sig.LimitPrice, feePct, nil
	}
	return PaperFillPrice(sig.Action, price, SlippageFor(sig, t.slippage)), feePct, nil
}

// closeQty applies one exit fill (live orders route to the exchange
// first), persists the trade, and updates or deletes the position row.
func (t *Tracker) closeQty(ctx context.Context, pos *domain.Position, qty, fillPrice, feePct float64, reason domain.CloseReason, regime string, now int64) (*domain.TradeResult, error) {
	if t.mode == ModeLive {
		sig := domain.Signal{Symbol: pos.Symbol, Action: domain.ActionSell, OrderType: domain.OrderMarket}
		info, err := t.placeLiveOrder(ctx, sig, "sell", qty, now)
		if err != nil {
			return nil, err
		}
		qty = info.VolExec
		fillPrice = info.AvgPrice
		if sale := qty * fillPrice; sale > 0 {
			feePct = info.Fee / sale
		}
	}

	trade, err := t.book.Close(CloseFill{
		Tag:        pos.Tag,
		Qty:        qty,
		FillPrice:  fillPrice,
		ExitFeePct: feePct,
		Reason:     reason,
		Regime:     regime,
		Timestamp:  now,
	})
	if err != nil {
		return nil, err
	}
	if err := t.repo.InsertTrade(trade); err != nil {
		return nil, err
	}
	if remaining, ok := t.book.Position(trade.Tag); ok {
		if err := t.repo.UpsertPosition(remaining); err != nil {
			return nil, err
		}
	} else if err := t.repo.DeletePosition(trade.Tag); err != nil {
		return nil, err
	}

	t.log.Info().
		Str("symbol", trade.Symbol).
		Str("tag", trade.Tag).
		Str("reason", string(trade.CloseReason)).
		Float64("qty", trade.Qty).
		Float64("fill", trade.ExitPrice).
		Float64("pnl", trade.PnL).
		Msg("position closed")

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

// CloseTriggered closes a position whose stop-loss or take-profit fired.
// The threshold is the quoted price; slippage and taker fees apply as on
// any market exit.
func (t *Tracker) CloseTriggered(ctx context.Context, trig domain.Triggered, takerPct float64, regime string) (*domain.TradeResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.book.Position(trig.Tag)
	if !ok {
		return nil, fmt.Errorf("no open position with tag %q", trig.Tag)
	}
	fillPrice := PaperFillPrice(domain.ActionClose, trig.Price, t.slippage)
	return t.closeQty(ctx, pos, pos.Qty, fillPrice, takerPct, trig.Reason, regime, unixNow())
}

// placeLiveOrder routes an order to the exchange, records it, and waits
// for the fill. Partial fills at timeout are honored for whatever volume
// executed.
func (t *Tracker) placeLiveOrder(ctx context.Context, sig domain.Signal, side string, volume float64, now int64) (exchange.OrderInfo, error) {
	if t.broker == nil {
		return exchange.OrderInfo{}, fmt.Errorf("live mode without a broker")
	}
	if err := ctx.Err(); err != nil {
		return exchange.OrderInfo{}, err
	}

	orderType := "market"
	var limitPrice float64
	if sig.OrderType == domain.OrderLimit && sig.LimitPrice != nil {
		orderType = "limit"
		limitPrice = *sig.LimitPrice
	}

	txid, err := t.broker.AddOrder(exchange.OrderRequest{
		Symbol:    sig.Symbol,
		Side:      side,
		OrderType: orderType,
		Volume:    volume,
		Price:     limitPrice,
	})
	if err != nil {
		return exchange.OrderInfo{}, fmt.Errorf("order placement failed: %w", err)
	}

	order := &domain.Order{
		TxID:      txid,
		Symbol:    sig.Symbol,
		Side:      side,
		OrderType: sig.OrderType,
		Volume:    volume,
		Status:    domain.OrderPending,
		Purpose:   string(sig.Action),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if limitPrice > 0 {
		order.LimitPrice = &limitPrice
	}
	if err := t.repo.InsertOrder(order); err != nil {
		t.log.Error().Err(err).Str("txid", txid).Msg("failed to record order")
	}

	info, err := t.broker.WaitForFill(txid, t.fillTimeout)
	if err != nil {
		order.Status = domain.OrderTimeout
		order.UpdatedAt = unixNow()
		if uerr := t.repo.UpdateOrder(order); uerr != nil {
			t.log.Error().Err(uerr).Str("txid", txid).Msg("failed to update order")
		}
		return exchange.OrderInfo{}, fmt.Errorf("fill wait failed: %w", err)
	}

	order.Status = info.Status
	order.FilledVolume = info.VolExec
	order.AvgFillPrice = info.AvgPrice
	order.Fee = info.Fee
	order.UpdatedAt = unixNow()
	if err := t.repo.UpdateOrder(order); err != nil {
		t.log.Error().Err(err).Str("txid", txid).Msg("failed to update order")
	}

	if info.VolExec <= 0 || info.AvgPrice <= 0 {
		return info, fmt.Errorf("order %s closed with no fill (status %s)", txid, info.Status)
	}
	return info, nil
}

// UpdatePrices marks positions to market, persists the refreshed rows,
// and returns stop-loss / take-profit crossings for the engine to close.
func (t *Tracker) UpdatePrices(prices map[string]float64) []domain.Triggered {
	t.mu.Lock()
	defer t.mu.Unlock()

	triggered := t.book.UpdatePrices(prices)
	for _, pos := range t.book.Positions() {
		if _, ok := prices[pos.Symbol]; !ok {
			continue
		}
		if err := t.repo.UpsertPosition(pos); err != nil {
			t.log.Error().Err(err).Str("tag", pos.Tag).Msg("failed to persist price update")
		}
	}
	return triggered
}

// RecordSignal persists one signal outcome.
func (t *Tracker) RecordSignal(rec *domain.SignalRecord) error {
	return t.repo.RecordSignal(rec)
}

// SnapshotDaily writes the end-of-day performance row for today in tz and
// rolls the daily-loss base forward to the closing value.
func (t *Tracker) SnapshotDaily(tz *time.Location, peakPortfolio float64) (*domain.DailyPerformance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Unix(unixNow(), 0).In(tz)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, tz).Unix()
	value := t.book.TotalValue(nil)

	trades, err := t.repo.TradesClosedSince(midnight)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate today's trades: %w", err)
	}

	perf := &domain.DailyPerformance{
		Date:            now.Format("2006-01-02"),
		PortfolioValue:  value,
		Cash:            t.book.Cash(),
		StrategyVersion: t.strategyVersion,
	}
	for _, tr := range trades {
		perf.TotalTrades++
		if tr.PnL >= 0 {
			perf.Wins++
		} else {
			perf.Losses++
		}
		perf.GrossPnL += tr.PnL + tr.FeesTotal
		perf.NetPnL += tr.PnL
		perf.FeesTotal += tr.FeesTotal
	}
	if perf.TotalTrades > 0 {
		perf.WinRate = float64(perf.Wins) / float64(perf.TotalTrades)
	}
	if peakPortfolio > 0 && value < peakPortfolio {
		perf.MaxDrawdownPct = (peakPortfolio - value) / peakPortfolio
	}

	if err := t.repo.UpsertDailyPerformance(perf); err != nil {
		return nil, err
	}
	t.dailyStartValue = value

	t.log.Info().
		Str("date", perf.Date).
		Float64("value", value).
		Int("trades", perf.TotalTrades).
		Float64("net_pnl", perf.NetPnL).
		Msg("daily snapshot written")
	return perf, nil
}

// ResetDaily re-bases the daily-loss limit at the current value. Runs at
// the day boundary right after the snapshot.
func (t *Tracker) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dailyStartValue = t.book.TotalValue(nil)
}

// unixNow is swapped in tests
var unixNow = func() int64 { return time.Now().Unix() }
