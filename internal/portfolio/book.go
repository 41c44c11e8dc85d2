// Package portfolio owns cash and tagged positions. The Book ledger here
// carries the fill arithmetic for the fund tracker, the candidate
// runners, and the backtester, so all three realize identical P&L for
// identical fills.
package portfolio

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

// Book is a cash + positions ledger. Not safe for concurrent use; the
// owner serializes access.
type Book struct {
	cash      float64
	positions map[string]*domain.Position
	seq       map[string]int // insertion order, FIFO tiebreak for equal opened_at
	nextSeq   int
}

// NewBook creates a ledger with starting cash and no positions.
func NewBook(cash float64) *Book {
	return &Book{
		cash:      cash,
		positions: make(map[string]*domain.Position),
		seq:       make(map[string]int),
	}
}

// Cash returns the free cash balance.
func (b *Book) Cash() float64 { return b.cash }

// SetCash overwrites the balance. Recovery only.
func (b *Book) SetCash(v float64) { b.cash = v }

// Restore inserts a persisted position. Recovery only.
func (b *Book) Restore(pos domain.Position) {
	p := pos
	b.positions[p.Tag] = &p
	b.seq[p.Tag] = b.nextSeq
	b.nextSeq++
}

// Position returns the open position for a tag.
func (b *Book) Position(tag string) (*domain.Position, bool) {
	p, ok := b.positions[tag]
	return p, ok
}

// PositionCount returns the number of open positions.
func (b *Book) PositionCount() int { return len(b.positions) }

// Positions returns open positions in FIFO order (oldest first).
func (b *Book) Positions() []*domain.Position {
	out := make([]*domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt != out[j].OpenedAt {
			return out[i].OpenedAt < out[j].OpenedAt
		}
		return b.seq[out[i].Tag] < b.seq[out[j].Tag]
	})
	return out
}

// PositionsFor returns the symbol's open positions in FIFO order.
func (b *Book) PositionsFor(symbol string) []*domain.Position {
	var out []*domain.Position
	for _, p := range b.Positions() {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// OldestPosition returns the FIFO head for a symbol.
func (b *Book) OldestPosition(symbol string) (*domain.Position, bool) {
	ps := b.PositionsFor(symbol)
	if len(ps) == 0 {
		return nil, false
	}
	return ps[0], true
}

// SymbolValue returns the mark-to-market value of all positions in a
// symbol at its last seen price.
func (b *Book) SymbolValue(symbol string) float64 {
	var v float64
	for _, p := range b.positions {
		if p.Symbol == symbol {
			v += p.Qty * p.CurrentPrice
		}
	}
	return v
}

// TotalValue returns cash plus mark-to-market of every position. Prices
// override the stored last price per symbol when present.
func (b *Book) TotalValue(prices map[string]float64) float64 {
	total := b.cash
	for _, p := range b.positions {
		price := p.CurrentPrice
		if v, ok := prices[p.Symbol]; ok && v > 0 {
			price = v
		}
		total += p.Qty * price
	}
	return total
}

// AutoTag generates the next free auto_<SYMBOL>_<NNN> tag for a symbol.
func (b *Book) AutoTag(symbol string) string {
	clean := strings.NewReplacer("/", "", "-", "", " ", "").Replace(symbol)
	for n := 1; ; n++ {
		tag := fmt.Sprintf("auto_%s_%03d", clean, n)
		if _, taken := b.positions[tag]; !taken {
			return tag
		}
	}
}

// BuyFill is one resolved entry fill to apply to the ledger.
type BuyFill struct {
	Symbol          string
	Tag             string // empty means auto-generate
	TradeValue      float64
	FillPrice       float64
	Fee             float64
	StopLoss        *float64
	TakeProfit      *float64
	Intent          domain.Intent
	StrategyVersion int64
	Timestamp       int64
}

// Buy debits cash by trade value plus fee and opens or averages into the
// tagged position. qty = trade_value / fill_price.
func (b *Book) Buy(f BuyFill) (*domain.Position, error) {
	if f.FillPrice <= 0 {
		return nil, fmt.Errorf("invalid fill price %.4f for %s", f.FillPrice, f.Symbol)
	}
	cost := f.TradeValue + f.Fee
	if b.cash < cost {
		return nil, fmt.Errorf("insufficient cash: have %.2f, need %.2f", b.cash, cost)
	}

	qty := f.TradeValue / f.FillPrice
	tag := f.Tag
	if tag == "" {
		tag = b.AutoTag(f.Symbol)
	}

	if pos, ok := b.positions[tag]; ok {
		if pos.Symbol != f.Symbol {
			return nil, fmt.Errorf("tag %q already holds %s, not %s", tag, pos.Symbol, f.Symbol)
		}
		// Average in at the volume-weighted entry.
		pos.AvgEntry = (pos.Qty*pos.AvgEntry + qty*f.FillPrice) / (pos.Qty + qty)
		pos.Qty += qty
		pos.EntryFee += f.Fee
		pos.CurrentPrice = f.FillPrice
		pos.UpdatedAt = f.Timestamp
		b.cash -= cost
		return pos, nil
	}

	pos := &domain.Position{
		Tag:             tag,
		Symbol:          f.Symbol,
		Side:            "long",
		Qty:             qty,
		AvgEntry:        f.FillPrice,
		CurrentPrice:    f.FillPrice,
		EntryFee:        f.Fee,
		StopLoss:        f.StopLoss,
		TakeProfit:      f.TakeProfit,
		Intent:          f.Intent,
		StrategyVersion: f.StrategyVersion,
		OpenedAt:        f.Timestamp,
		UpdatedAt:       f.Timestamp,
	}
	if pos.Intent == "" {
		pos.Intent = domain.IntentSwing
	}
	b.positions[tag] = pos
	b.seq[tag] = b.nextSeq
	b.nextSeq++
	b.cash -= cost
	return pos, nil
}

// CloseFill is one resolved exit fill to apply to the ledger.
type CloseFill struct {
	Tag        string
	Qty        float64 // <= 0 closes the whole position
	FillPrice  float64
	ExitFeePct float64
	Reason     domain.CloseReason
	Regime     string
	Timestamp  int64
}

// Close realizes P&L on a tagged position, fully or partially. Entry fee
// is apportioned by the closed fraction; the remainder stays on the
// position. Positions vanish when remaining qty drops under epsilon.
func (b *Book) Close(f CloseFill) (*domain.Trade, error) {
	pos, ok := b.positions[f.Tag]
	if !ok {
		return nil, fmt.Errorf("no open position with tag %q", f.Tag)
	}
	if f.FillPrice <= 0 {
		return nil, fmt.Errorf("invalid fill price %.4f for %s", f.FillPrice, pos.Symbol)
	}

	qty := f.Qty
	if qty <= 0 || qty > pos.Qty {
		qty = pos.Qty
	}

	sale := qty * f.FillPrice
	exitFee := sale * f.ExitFeePct
	portion := qty / pos.Qty
	entryPortion := pos.EntryFee * portion
	feesTotal := entryPortion + exitFee

	pnl := (f.FillPrice-pos.AvgEntry)*qty - feesTotal
	entryNotional := pos.AvgEntry * qty
	pnlPct := 0.0
	if entryNotional > 0 {
		pnlPct = pnl / entryNotional
	}

	reason := f.Reason
	if reason == "" {
		reason = domain.CloseReasonSignal
	}
	trade := &domain.Trade{
		Symbol:              pos.Symbol,
		Side:                pos.Side,
		Qty:                 qty,
		EntryPrice:          pos.AvgEntry,
		ExitPrice:           f.FillPrice,
		PnL:                 pnl,
		PnLPct:              pnlPct,
		FeesTotal:           feesTotal,
		Intent:              pos.Intent,
		StrategyVersion:     pos.StrategyVersion,
		StrategyRegime:      f.Regime,
		OpenedAt:            pos.OpenedAt,
		ClosedAt:            f.Timestamp,
		Tag:                 pos.Tag,
		CloseReason:         reason,
		MaxAdverseExcursion: pos.MaxAdverseExcursion,
	}

	b.cash += sale - exitFee

	remaining := pos.Qty - qty
	if remaining <= domain.QtyEpsilon {
		delete(b.positions, f.Tag)
		delete(b.seq, f.Tag)
	} else {
		pos.Qty = remaining
		pos.EntryFee -= entryPortion
		pos.CurrentPrice = f.FillPrice
		pos.UpdatedAt = f.Timestamp
	}
	return trade, nil
}

// Modify updates stop-loss, take-profit, and/or intent in place. No fill,
// no fee.
func (b *Book) Modify(tag string, stopLoss, takeProfit *float64, intent *domain.Intent, ts int64) (*domain.Position, error) {
	pos, ok := b.positions[tag]
	if !ok {
		return nil, fmt.Errorf("no open position with tag %q", tag)
	}
	if stopLoss != nil {
		pos.StopLoss = stopLoss
	}
	if takeProfit != nil {
		pos.TakeProfit = takeProfit
	}
	if intent != nil && *intent != "" {
		pos.Intent = *intent
	}
	pos.UpdatedAt = ts
	return pos, nil
}

// UpdatePrices marks positions to market, advances max adverse excursion,
// and reports stop-loss / take-profit crossings. The trigger price is the
// threshold itself; the caller turns triggers into CLOSE fills.
func (b *Book) UpdatePrices(prices map[string]float64) []domain.Triggered {
	var triggered []domain.Triggered
	for _, pos := range b.Positions() {
		price, ok := prices[pos.Symbol]
		if !ok || price <= 0 {
			continue
		}
		pos.CurrentPrice = price
		pos.UnrealizedPnL = (price - pos.AvgEntry) * pos.Qty

		if price < pos.AvgEntry && pos.AvgEntry > 0 {
			if mae := (pos.AvgEntry - price) / pos.AvgEntry; mae > pos.MaxAdverseExcursion {
				pos.MaxAdverseExcursion = mae
			}
		}

		if pos.StopLoss != nil && price <= *pos.StopLoss {
			triggered = append(triggered, domain.Triggered{
				Tag:    pos.Tag,
				Symbol: pos.Symbol,
				Reason: domain.CloseReasonStopLoss,
				Price:  *pos.StopLoss,
			})
			continue
		}
		if pos.TakeProfit != nil && price >= *pos.TakeProfit {
			triggered = append(triggered, domain.Triggered{
				Tag:    pos.Tag,
				Symbol: pos.Symbol,
				Reason: domain.CloseReasonTakeProfit,
				Price:  *pos.TakeProfit,
			})
		}
	}
	return triggered
}
