package candidates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	testingpkg "github.com/chrysalisfund/chrysalis/internal/testing"
)

// oversizeCode asks for five times the per-trade cap.
const oversizeCode = `
class Strategy {
    initialize(risk_limits, symbols) { this.done = false; }
    analyze(markets, portfolio, timestamp) {
        if (this.done) return [];
        this.done = true;
        return [{symbol: "BTC/USD", action: "BUY", size_pct: 0.50, order_type: "MARKET",
                 intent: "DAY", confidence: 0.7, reasoning: "go big"}];
    }
}
`

// noisyCode emits one unexecutable signal of each kind.
const noisyCode = `
class Strategy {
    initialize(risk_limits, symbols) { this.done = false; }
    analyze(markets, portfolio, timestamp) {
        if (this.done) return [];
        this.done = true;
        return [
            {symbol: "DOGE/USD", action: "BUY", size_pct: 0.05, order_type: "MARKET",
             intent: "DAY", confidence: 0.5, reasoning: "not in universe"},
            {symbol: "BTC/USD", action: "SELL", size_pct: 0.05, order_type: "MARKET",
             intent: "DAY", confidence: 0.5, reasoning: "nothing held"},
            {symbol: "BTC/USD", action: "SHORT", size_pct: 0.05, order_type: "MARKET",
             intent: "DAY", confidence: 0.5, reasoning: "unsupported"}
        ];
    }
}
`

// limitBuyCode rests a buy limit below the market.
const limitBuyCode = `
class Strategy {
    initialize(risk_limits, symbols) { this.done = false; }
    analyze(markets, portfolio, timestamp) {
        if (this.done) return [];
        this.done = true;
        return [{symbol: "BTC/USD", action: "BUY", size_pct: 0.05, order_type: "LIMIT",
                 limit_price: 99.5, intent: "SWING", confidence: 0.8, reasoning: "bid the dip"}];
    }
}
`

func TestRunScanExecutesBuyAgainstPrivateCash(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, buyHoldCode, 7, emptyFund(10000), 14)
	require.NoError(t, err)
	m.RunScans(btcMarket(100), time.Unix(1700000000, 0))

	st := m.Statuses()[0]
	assert.Equal(t, 1, st.OpenPositions)
	assert.Equal(t, 0, st.TradeCount)

	// 10000 * 0.05 at fill 100 * 1.0005, taker fee 0.2%.
	qty := 500.0 / 100.05
	assert.InDelta(t, 10000-500-1.0, st.Cash, 1e-9)
	assert.InDelta(t, 9499.0+qty*100.05, st.TotalValue, 1e-9)

	require.NoError(t, m.PersistState())
	positions, err := m.repo.LoadPositions(1)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "alpha", positions[0].Tag)
	assert.InDelta(t, qty, positions[0].Qty, 1e-9)
	assert.InDelta(t, 100.05, positions[0].AvgEntry, 1e-9)
	assert.InDelta(t, 1.0, positions[0].EntryFee, 1e-9)
	require.NotNil(t, positions[0].StopLoss)
	assert.InDelta(t, 95.0, *positions[0].StopLoss, 1e-9)

	rows, err := s.FetchAll("SELECT action, executed, rejected_reason FROM candidate_signals WHERE slot = 1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "BUY", rows[0]["action"])
	assert.EqualValues(t, 1, rows[0]["executed"])
	assert.Nil(t, rows[0]["rejected_reason"])
}

func TestRunScanClampsOversizedSignal(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, oversizeCode, 1, emptyFund(10000), 14)
	require.NoError(t, err)
	m.RunScans(btcMarket(100), time.Unix(1700000000, 0))

	// Clamped to max_trade_pct 0.10: 1000 notional, 2.0 taker fee.
	st := m.Statuses()[0]
	assert.Equal(t, 1, st.OpenPositions)
	assert.InDelta(t, 10000-1000-2.0, st.Cash, 1e-9)
}

func TestRunScanRejectsUnexecutableSignals(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, noisyCode, 1, emptyFund(10000), 14)
	require.NoError(t, err)
	m.RunScans(btcMarket(100), time.Unix(1700000000, 0))

	st := m.Statuses()[0]
	assert.Equal(t, 0, st.OpenPositions)
	assert.InDelta(t, 10000.0, st.Cash, 1e-9)

	require.NoError(t, m.PersistState())
	rows, err := s.FetchAll("SELECT symbol, action, executed, rejected_reason FROM candidate_signals WHERE slot = 1 ORDER BY id ASC")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.EqualValues(t, 0, rows[0]["executed"])
	assert.Equal(t, `unknown symbol "DOGE/USD"`, rows[0]["rejected_reason"])
	assert.EqualValues(t, 0, rows[1]["executed"])
	assert.Equal(t, "no open positions for BTC/USD", rows[1]["rejected_reason"])
	assert.EqualValues(t, 0, rows[2]["executed"])
	assert.Equal(t, `unknown action "SHORT"`, rows[2]["rejected_reason"])
}

func TestRunScanFillsMarketableLimitAtLimitPrice(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, limitBuyCode, 1, emptyFund(10000), 14)
	require.NoError(t, err)

	// Market at 99: the 99.5 bid is marketable and fills at the limit
	// with the maker rate.
	m.RunScans(btcMarket(99), time.Unix(1700000000, 0))

	st := m.Statuses()[0]
	assert.Equal(t, 1, st.OpenPositions)
	assert.InDelta(t, 10000-500-500*0.001, st.Cash, 1e-9)

	require.NoError(t, m.PersistState())
	positions, err := m.repo.LoadPositions(1)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 99.5, positions[0].AvgEntry, 1e-9)
}

func TestRunScanRejectsUnmarketableLimit(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, limitBuyCode, 1, emptyFund(10000), 14)
	require.NoError(t, err)

	// Market at 100: a 99.5 buy limit rests and paper fills reject it.
	m.RunScans(btcMarket(100), time.Unix(1700000000, 0))

	st := m.Statuses()[0]
	assert.Equal(t, 0, st.OpenPositions)
	assert.InDelta(t, 10000.0, st.Cash, 1e-9)

	require.NoError(t, m.PersistState())
	rows, err := s.FetchAll("SELECT executed, rejected_reason FROM candidate_signals WHERE slot = 1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 0, rows[0]["executed"])
	assert.Contains(t, rows[0]["rejected_reason"], "not marketable")
}

func TestBuyThenCloseRealizesTrade(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, buyThenCloseCode, 2, emptyFund(10000), 14)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	m.RunScans(btcMarket(100), now)
	m.RunScans(btcMarket(100), now.Add(time.Hour))

	qty := 500.0 / 100.05
	exitFill := 100 * (1 - 0.0005)
	exitFee := qty * exitFill * 0.002
	pnl := (exitFill-100.05)*qty - 1.0 - exitFee

	st := m.Statuses()[0]
	assert.Equal(t, 0, st.OpenPositions)
	assert.Equal(t, 1, st.TradeCount)
	assert.Equal(t, 0, st.Wins)
	assert.Equal(t, 1, st.Losses)
	assert.InDelta(t, pnl, st.TotalPnL, 1e-9)
	assert.InDelta(t, 9499.0+qty*exitFill-exitFee, st.Cash, 1e-9)
	assert.InDelta(t, st.Cash, st.TotalValue, 1e-9)

	require.NoError(t, m.PersistState())
	trades, err := m.repo.LoadTrades(1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "alpha", trades[0].Tag)
	assert.Equal(t, domain.CloseReasonSignal, trades[0].CloseReason)
	assert.InDelta(t, pnl, trades[0].PnL, 1e-9)
	assert.InDelta(t, 1.0+exitFee, trades[0].FeesTotal, 1e-9)
}

func TestStatusReadsFullHistoryNotPersistBuffer(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, buyThenCloseCode, 2, emptyFund(10000), 14)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	m.RunScans(btcMarket(100), now)
	m.RunScans(btcMarket(100), now.Add(time.Hour))

	before := m.Statuses()[0]
	require.Equal(t, 1, before.TradeCount)

	// Persisting drains the new-trade buffer; the scoreboard must not
	// move, and a second persist must not duplicate rows.
	require.NoError(t, m.PersistState())
	after := m.Statuses()[0]
	assert.Equal(t, before.TradeCount, after.TradeCount)
	assert.Equal(t, before.Wins, after.Wins)
	assert.Equal(t, before.Losses, after.Losses)
	assert.InDelta(t, before.TotalPnL, after.TotalPnL, 1e-9)

	require.NoError(t, m.PersistState())
	trades, err := m.repo.LoadTrades(1)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestCheckSLTPClosesAtThreshold(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, buyHoldCode, 3, emptyFund(10000), 14)
	require.NoError(t, err)
	m.RunScans(btcMarket(100), time.Unix(1700000000, 0))

	// Price drops through the 95 stop; the fill is the threshold with
	// exit slippage, not the traded print.
	m.CheckSLTP(map[string]float64{"BTC/USD": 94}, 0.002)

	qty := 500.0 / 100.05
	exitFill := 95 * (1 - 0.0005)
	exitFee := qty * exitFill * 0.002
	pnl := (exitFill-100.05)*qty - 1.0 - exitFee

	st := m.Statuses()[0]
	assert.Equal(t, 0, st.OpenPositions)
	assert.Equal(t, 1, st.TradeCount)
	assert.Equal(t, 1, st.Losses)
	assert.InDelta(t, pnl, st.TotalPnL, 1e-9)

	// The 94 print advanced the adverse excursion before the close.
	r := m.sortedRunners()[0]
	require.Len(t, r.allTrades, 1)
	assert.InDelta(t, (100.05-94)/100.05, r.allTrades[0].MaxAdverseExcursion, 1e-9)

	require.NoError(t, m.PersistState())
	trades, err := m.repo.LoadTrades(1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.CloseReasonStopLoss, trades[0].CloseReason)
	assert.InDelta(t, exitFill, trades[0].ExitPrice, 1e-9)
}

func TestCheckSLTPIgnoresUntouchedStops(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, buyHoldCode, 3, emptyFund(10000), 14)
	require.NoError(t, err)
	m.RunScans(btcMarket(100), time.Unix(1700000000, 0))

	m.CheckSLTP(map[string]float64{"BTC/USD": 96}, 0.002)

	st := m.Statuses()[0]
	assert.Equal(t, 1, st.OpenPositions)
	assert.Equal(t, 0, st.TradeCount)
}

func TestSnapshotMirrorsFundShape(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, buyHoldCode, 3, emptyFund(10000), 14)
	require.NoError(t, err)
	m.RunScans(btcMarket(100), time.Unix(1700000000, 0))

	r := m.sortedRunners()[0]
	pf := r.Snapshot()
	assert.InDelta(t, 9499.0, pf.Cash, 1e-9)
	assert.Equal(t, 1, pf.OpenPositionCount)
	require.Len(t, pf.Positions, 1)
	assert.Equal(t, "alpha", pf.Positions[0].Tag)
	assert.InDelta(t, pf.Cash+pf.Positions[0].Qty*pf.Positions[0].CurrentPrice, pf.TotalValue, 1e-9)
	// Day start was the seeded cash, so the entry fee shows as today's pnl.
	assert.InDelta(t, -1.0, pf.DailyPnL, 1e-9)
}
