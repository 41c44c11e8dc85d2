package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

func f64(v float64) *float64 { return &v }

func TestBuyCreatesPosition(t *testing.T) {
	b := NewBook(1000)

	pos, err := b.Buy(BuyFill{
		Symbol: "BTC/USD", Tag: "t1",
		TradeValue: 50, FillPrice: 50025, Fee: 0.20,
		Intent: domain.IntentSwing, Timestamp: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, "t1", pos.Tag)
	assert.Equal(t, "long", pos.Side)
	assert.InDelta(t, 50.0/50025.0, pos.Qty, 1e-12)
	assert.Equal(t, 50025.0, pos.AvgEntry)
	assert.Equal(t, 0.20, pos.EntryFee)
	assert.InDelta(t, 949.80, b.Cash(), 1e-9)
	assert.Equal(t, 1, b.PositionCount())
}

func TestBuyInsufficientCash(t *testing.T) {
	b := NewBook(40)
	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", TradeValue: 50, FillPrice: 50000, Fee: 0.2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient cash")
	assert.Equal(t, 40.0, b.Cash())
	assert.Zero(t, b.PositionCount())
}

func TestBuyAveragesIn(t *testing.T) {
	b := NewBook(1000)

	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "t1", TradeValue: 100, FillPrice: 50000, Fee: 0.4, Timestamp: 100})
	require.NoError(t, err)
	pos, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "t1", TradeValue: 100, FillPrice: 60000, Fee: 0.4, Timestamp: 200})
	require.NoError(t, err)

	q1, q2 := 100.0/50000.0, 100.0/60000.0
	wantAvg := (q1*50000 + q2*60000) / (q1 + q2)
	assert.InDelta(t, wantAvg, pos.AvgEntry, 1e-9)
	assert.InDelta(t, q1+q2, pos.Qty, 1e-12)
	assert.InDelta(t, 0.8, pos.EntryFee, 1e-12)
	assert.Equal(t, 1, b.PositionCount())
	assert.Equal(t, int64(100), pos.OpenedAt) // opened_at keeps the first fill
}

func TestBuyRejectsTagSymbolMismatch(t *testing.T) {
	b := NewBook(1000)
	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "t1", TradeValue: 50, FillPrice: 50000, Fee: 0.2})
	require.NoError(t, err)
	_, err = b.Buy(BuyFill{Symbol: "ETH/USD", Tag: "t1", TradeValue: 50, FillPrice: 3000, Fee: 0.2})
	require.Error(t, err)
}

func TestAutoTagSequence(t *testing.T) {
	b := NewBook(1000)

	p1, err := b.Buy(BuyFill{Symbol: "BTC/USD", TradeValue: 10, FillPrice: 50000, Fee: 0.04})
	require.NoError(t, err)
	p2, err := b.Buy(BuyFill{Symbol: "BTC/USD", TradeValue: 10, FillPrice: 50000, Fee: 0.04})
	require.NoError(t, err)

	assert.Equal(t, "auto_BTCUSD_001", p1.Tag)
	assert.Equal(t, "auto_BTCUSD_002", p2.Tag)
}

func TestCloseFullRealizesPnL(t *testing.T) {
	b := NewBook(1000)
	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "t1", TradeValue: 50, FillPrice: 50025, Fee: 0.20, Timestamp: 100})
	require.NoError(t, err)

	trade, err := b.Close(CloseFill{Tag: "t1", FillPrice: 50974.5, ExitFeePct: 0.004, Timestamp: 200})
	require.NoError(t, err)

	qty := 50.0 / 50025.0
	exitFee := qty * 50974.5 * 0.004
	wantPnL := (50974.5-50025.0)*qty - (0.20 + exitFee)
	assert.InDelta(t, wantPnL, trade.PnL, 1e-9)
	assert.InDelta(t, 0.20+exitFee, trade.FeesTotal, 1e-9)
	assert.Equal(t, domain.CloseReasonSignal, trade.CloseReason)
	assert.Equal(t, int64(100), trade.OpenedAt)
	assert.Equal(t, int64(200), trade.ClosedAt)
	assert.Zero(t, b.PositionCount())
}

func TestClosePartialApportionsEntryFee(t *testing.T) {
	b := NewBook(1000)
	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "t1", TradeValue: 100, FillPrice: 50000, Fee: 0.40})
	require.NoError(t, err)

	posQty := 100.0 / 50000.0
	trade, err := b.Close(CloseFill{Tag: "t1", Qty: posQty / 2, FillPrice: 51000, ExitFeePct: 0.004})
	require.NoError(t, err)

	// Half the position carries half the entry fee.
	assert.InDelta(t, 0.20, trade.FeesTotal-trade.Qty*51000*0.004, 1e-9)

	pos, ok := b.Position("t1")
	require.True(t, ok)
	assert.InDelta(t, posQty/2, pos.Qty, 1e-12)
	assert.InDelta(t, 0.20, pos.EntryFee, 1e-9)
}

func TestCloseDustDeletesPosition(t *testing.T) {
	b := NewBook(1000)
	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "t1", TradeValue: 100, FillPrice: 50000, Fee: 0.40})
	require.NoError(t, err)

	posQty := 100.0 / 50000.0
	// Leave less than epsilon behind.
	_, err = b.Close(CloseFill{Tag: "t1", Qty: posQty - 1e-9, FillPrice: 50000, ExitFeePct: 0.004})
	require.NoError(t, err)
	assert.Zero(t, b.PositionCount())
}

func TestCloseUnknownTag(t *testing.T) {
	b := NewBook(1000)
	_, err := b.Close(CloseFill{Tag: "ghost", FillPrice: 50000})
	require.Error(t, err)
}

// Mass conservation: Δcash + Δnotional − Σrealized = 0 over a buy/close
// round trip, when notional is measured at entry cost plus fees paid.
func TestMassConservation(t *testing.T) {
	b := NewBook(1000)
	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "t1", TradeValue: 200, FillPrice: 50000, Fee: 0.80})
	require.NoError(t, err)
	trade, err := b.Close(CloseFill{Tag: "t1", FillPrice: 52000, ExitFeePct: 0.004})
	require.NoError(t, err)

	// All value is back in cash; the difference from start is exactly
	// the realized pnl.
	assert.InDelta(t, 1000+trade.PnL, b.Cash(), 1e-9)
}

func TestModify(t *testing.T) {
	b := NewBook(1000)
	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "t1", TradeValue: 50, FillPrice: 50000, Fee: 0.2, Intent: domain.IntentDay})
	require.NoError(t, err)

	intent := domain.IntentPosition
	pos, err := b.Modify("t1", f64(48000), f64(55000), &intent, 300)
	require.NoError(t, err)
	assert.Equal(t, 48000.0, *pos.StopLoss)
	assert.Equal(t, 55000.0, *pos.TakeProfit)
	assert.Equal(t, domain.IntentPosition, pos.Intent)

	// Nil fields leave existing values alone.
	_, err = b.Modify("t1", nil, nil, nil, 301)
	require.NoError(t, err)
	pos, _ = b.Position("t1")
	assert.Equal(t, 48000.0, *pos.StopLoss)
}

func TestUpdatePricesAdvancesMAEMonotonically(t *testing.T) {
	b := NewBook(1000)
	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "t1", TradeValue: 50, FillPrice: 50000, Fee: 0.2})
	require.NoError(t, err)

	b.UpdatePrices(map[string]float64{"BTC/USD": 47500}) // 5% under entry
	pos, _ := b.Position("t1")
	assert.InDelta(t, 0.05, pos.MaxAdverseExcursion, 1e-9)

	b.UpdatePrices(map[string]float64{"BTC/USD": 49000}) // shallower, MAE holds
	assert.InDelta(t, 0.05, pos.MaxAdverseExcursion, 1e-9)

	b.UpdatePrices(map[string]float64{"BTC/USD": 45000}) // 10% under, MAE deepens
	assert.InDelta(t, 0.10, pos.MaxAdverseExcursion, 1e-9)

	b.UpdatePrices(map[string]float64{"BTC/USD": 52000}) // above entry, no change
	assert.InDelta(t, 0.10, pos.MaxAdverseExcursion, 1e-9)
	assert.InDelta(t, (52000.0-50000.0)*pos.Qty, pos.UnrealizedPnL, 1e-9)
}

func TestUpdatePricesTriggersSLTP(t *testing.T) {
	b := NewBook(10000)
	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "sl", TradeValue: 50, FillPrice: 50000, Fee: 0.2, StopLoss: f64(48000)})
	require.NoError(t, err)
	_, err = b.Buy(BuyFill{Symbol: "ETH/USD", Tag: "tp", TradeValue: 50, FillPrice: 3000, Fee: 0.2, TakeProfit: f64(3300)})
	require.NoError(t, err)

	trigs := b.UpdatePrices(map[string]float64{"BTC/USD": 47900, "ETH/USD": 3350})
	require.Len(t, trigs, 2)

	byTag := map[string]domain.Triggered{}
	for _, tr := range trigs {
		byTag[tr.Tag] = tr
	}
	assert.Equal(t, domain.CloseReasonStopLoss, byTag["sl"].Reason)
	assert.Equal(t, 48000.0, byTag["sl"].Price) // threshold, not market
	assert.Equal(t, domain.CloseReasonTakeProfit, byTag["tp"].Reason)
	assert.Equal(t, 3300.0, byTag["tp"].Price)
}

func TestFIFOOrderingWithEqualTimestamps(t *testing.T) {
	b := NewBook(10000)
	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "a", TradeValue: 50, FillPrice: 50000, Fee: 0.2, Timestamp: 100})
	require.NoError(t, err)
	_, err = b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "b", TradeValue: 50, FillPrice: 51000, Fee: 0.2, Timestamp: 100})
	require.NoError(t, err)

	oldest, ok := b.OldestPosition("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, "a", oldest.Tag)
}

func TestTotalValueWithPriceOverrides(t *testing.T) {
	b := NewBook(1000)
	_, err := b.Buy(BuyFill{Symbol: "BTC/USD", Tag: "t1", TradeValue: 500, FillPrice: 50000, Fee: 2})
	require.NoError(t, err)

	qty := 500.0 / 50000.0
	assert.InDelta(t, 498+qty*50000, b.TotalValue(nil), 1e-9)
	assert.InDelta(t, 498+qty*55000, b.TotalValue(map[string]float64{"BTC/USD": 55000}), 1e-9)
}

func TestPaperFillPrice(t *testing.T) {
	assert.Equal(t, 50025.0, PaperFillPrice(domain.ActionBuy, 50000, 0.0005))
	assert.Equal(t, 49975.0, PaperFillPrice(domain.ActionSell, 50000, 0.0005))
	assert.Equal(t, 49975.0, PaperFillPrice(domain.ActionClose, 50000, 0.0005))
}

func TestFeePct(t *testing.T) {
	assert.Equal(t, 0.0016, FeePct(domain.OrderLimit, 0.0016, 0.0026))
	assert.Equal(t, 0.0026, FeePct(domain.OrderMarket, 0.0016, 0.0026))
	assert.Equal(t, 0.0026, FeePct("", 0.0016, 0.0026))
}

func TestSlippageFor(t *testing.T) {
	sig := domain.Signal{}
	assert.Equal(t, 0.001, SlippageFor(sig, 0.001))
	sig.SlippageTolerance = f64(0.002)
	assert.Equal(t, 0.002, SlippageFor(sig, 0.001))
	sig.SlippageTolerance = f64(0)
	assert.Equal(t, 0.0, SlippageFor(sig, 0.001)) // explicit zero override
}

func TestLimitMarketable(t *testing.T) {
	assert.True(t, LimitMarketable(domain.ActionBuy, 50000, 49900))
	assert.False(t, LimitMarketable(domain.ActionBuy, 50000, 50100))
	assert.True(t, LimitMarketable(domain.ActionSell, 50000, 50100))
	assert.False(t, LimitMarketable(domain.ActionSell, 50000, 49900))
}

func TestLimitFillableBar(t *testing.T) {
	assert.True(t, LimitFillableBar(domain.ActionBuy, 50000, 49800, 50500))
	assert.False(t, LimitFillableBar(domain.ActionBuy, 49000, 49800, 50500))
	assert.True(t, LimitFillableBar(domain.ActionClose, 50400, 49800, 50500))
	assert.False(t, LimitFillableBar(domain.ActionClose, 50600, 49800, 50500))
}

func TestSellQty(t *testing.T) {
	// 5% of 1000 at price 100 is 0.5 units.
	assert.InDelta(t, 0.5, SellQty(1000, 0.05, 100, 2.0), 1e-12)
	// Capped at the position.
	assert.InDelta(t, 0.3, SellQty(1000, 0.05, 100, 0.3), 1e-12)
	// Outside (0,1) means the whole position.
	assert.Equal(t, 2.0, SellQty(1000, 0, 100, 2.0))
	assert.Equal(t, 2.0, SellQty(1000, 1.0, 100, 2.0))
}
