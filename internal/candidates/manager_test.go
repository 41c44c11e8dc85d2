package candidates

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/events"
	"github.com/chrysalisfund/chrysalis/internal/sandbox"
	"github.com/chrysalisfund/chrysalis/internal/store"
	testingpkg "github.com/chrysalisfund/chrysalis/internal/testing"
)

// buyHoldCode buys BTC once with a stop and then sits on the position.
const buyHoldCode = `
class Strategy {
    initialize(risk_limits, symbols) { this.done = false; }
    analyze(markets, portfolio, timestamp) {
        if (this.done || !markets["BTC/USD"]) return [];
        this.done = true;
        return [{symbol: "BTC/USD", action: "BUY", size_pct: 0.05, order_type: "MARKET",
                 stop_loss: 95, intent: "SWING", confidence: 0.9, reasoning: "entry", tag: "alpha"}];
    }
}
`

// buyThenCloseCode buys on the first scan and flattens on the second.
const buyThenCloseCode = `
class Strategy {
    initialize(risk_limits, symbols) { this.tick = 0; }
    analyze(markets, portfolio, timestamp) {
        this.tick++;
        if (this.tick === 1) {
            return [{symbol: "BTC/USD", action: "BUY", size_pct: 0.05, order_type: "MARKET",
                     intent: "SWING", confidence: 0.9, reasoning: "entry", tag: "alpha"}];
        }
        if (this.tick === 2) {
            return [{symbol: "BTC/USD", action: "CLOSE", order_type: "MARKET",
                     intent: "SWING", confidence: 0.9, reasoning: "exit", tag: "alpha"}];
        }
        return [];
    }
}
`

// closeFirstCode flattens whatever position the snapshot shows first.
const closeFirstCode = `
class Strategy {
    initialize(risk_limits, symbols) {}
    analyze(markets, portfolio, timestamp) {
        if (portfolio.positions.length === 0) return [];
        var p = portfolio.positions[0];
        return [{symbol: p.symbol, action: "CLOSE", order_type: "MARKET",
                 intent: "SWING", confidence: 1, reasoning: "flatten", tag: p.tag}];
    }
}
`

// idleCode never signals.
const idleCode = `
class Strategy {
    initialize(risk_limits, symbols) {}
    analyze(markets, portfolio, timestamp) { return []; }
}
`

// errorCode loads fine but throws on every scan.
const errorCode = `
class Strategy {
    initialize(risk_limits, symbols) {}
    analyze(markets, portfolio, timestamp) { throw new Error("boom"); }
}
`

func testLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxPositionPct:            0.30,
		MaxPositions:              5,
		MaxDailyLossPct:           0.05,
		MaxDailyTrades:            20,
		MaxTradePct:               0.10,
		DefaultTradePct:           0.02,
		MaxDrawdownPct:            0.15,
		RollbackConsecutiveLosses: 5,
	}
}

func newTestManager(t *testing.T, s *store.Store) *Manager {
	t.Helper()
	cfg := Config{
		MaxSlots: 3,
		Limits:   testLimits(),
		Symbols:  []string{"BTC/USD", "ETH/USD"},
		Timezone: time.UTC,
	}
	return NewManager(cfg, NewRepository(s), sandbox.New(zerolog.Nop()),
		events.NewManager(zerolog.Nop(), nil), zerolog.Nop())
}

func btcMarket(price float64) map[string]domain.SymbolData {
	return map[string]domain.SymbolData{
		"BTC/USD": {Symbol: "BTC/USD", CurrentPrice: price, MakerFeePct: 0.001, TakerFeePct: 0.002},
	}
}

func emptyFund(cash float64) domain.Portfolio {
	return domain.Portfolio{Cash: cash, TotalValue: cash}
}

func TestCreateCandidateReplacesOccupant(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	first, err := m.CreateCandidate(1, idleCode, 1, emptyFund(10000), 14)
	require.NoError(t, err)
	second, err := m.CreateCandidate(1, buyHoldCode, 2, emptyFund(10000), 14)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Count())

	running, err := m.repo.RunningBySlot(1)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, second.ID, running.ID)
	assert.EqualValues(t, 2, running.StrategyVersion)

	all, err := m.repo.RecentCandidates(10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, c := range all {
		if c.ID == first.ID {
			assert.Equal(t, domain.CandidateCanceled, c.Status)
			assert.NotNil(t, c.ResolvedAt)
		}
	}
}

func TestCreateCandidateRejectsBadSlotAndCode(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(0, idleCode, 1, emptyFund(10000), 14)
	assert.Error(t, err)
	_, err = m.CreateCandidate(4, idleCode, 1, emptyFund(10000), 14)
	assert.Error(t, err)

	_, err = m.CreateCandidate(1, "this is not a strategy", 1, emptyFund(10000), 14)
	assert.Error(t, err)
	assert.Equal(t, 0, m.Count())
}

func TestCancelCandidateKeepsHistory(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, buyThenCloseCode, 5, emptyFund(10000), 14)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	m.RunScans(btcMarket(100), now)
	m.RunScans(btcMarket(100), now.Add(time.Hour))
	require.NoError(t, m.PersistState())

	require.NoError(t, m.CancelCandidate(1, "underperformed the fund"))
	assert.Equal(t, 0, m.Count())

	running, err := m.repo.RunningBySlot(1)
	require.NoError(t, err)
	assert.Nil(t, running)

	// History stays for post-mortem.
	trades, err := m.repo.LoadTrades(1)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	assert.Error(t, m.CancelCandidate(1, "again"))
}

func TestPromoteCandidateCancelsOthers(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, idleCode, 11, emptyFund(10000), 14)
	require.NoError(t, err)
	_, err = m.CreateCandidate(2, buyHoldCode, 22, emptyFund(10000), 14)
	require.NoError(t, err)
	_, err = m.CreateCandidate(3, idleCode, 33, emptyFund(10000), 14)
	require.NoError(t, err)

	winner, err := m.PromoteCandidate(2)
	require.NoError(t, err)
	assert.EqualValues(t, 22, winner.StrategyVersion)
	assert.Equal(t, buyHoldCode, winner.Code)
	assert.Equal(t, domain.CandidatePromoted, winner.Status)
	require.NotNil(t, winner.ResolvedAt)

	assert.Equal(t, 0, m.Count())
	free, ok := m.FreeSlot()
	require.True(t, ok)
	assert.Equal(t, 1, free)

	all, err := m.repo.RecentCandidates(10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, c := range all {
		switch c.Slot {
		case 2:
			assert.Equal(t, domain.CandidatePromoted, c.Status)
		default:
			assert.Equal(t, domain.CandidateCanceled, c.Status)
		}
		assert.NotNil(t, c.ResolvedAt)
	}

	_, err = m.PromoteCandidate(2)
	assert.Error(t, err)
}

func TestFreeSlotTracksOccupancy(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	free, ok := m.FreeSlot()
	require.True(t, ok)
	assert.Equal(t, 1, free)

	for slot := 1; slot <= 3; slot++ {
		_, err := m.CreateCandidate(slot, idleCode, int64(slot), emptyFund(10000), 14)
		require.NoError(t, err)
	}
	_, ok = m.FreeSlot()
	assert.False(t, ok)
}

func TestRunScansIsolatesFailingSlot(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, errorCode, 1, emptyFund(10000), 14)
	require.NoError(t, err)
	_, err = m.CreateCandidate(2, buyHoldCode, 2, emptyFund(10000), 14)
	require.NoError(t, err)

	m.RunScans(btcMarket(100), time.Unix(1700000000, 0))

	sts := m.Statuses()
	require.Len(t, sts, 2)
	assert.Equal(t, 0, sts[0].OpenPositions, "throwing slot stays flat")
	assert.Equal(t, 1, sts[1].OpenPositions, "healthy slot still trades")
}

func TestPersistStateWritesDailyRowOncePerDay(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	_, err := m.CreateCandidate(1, buyHoldCode, 3, emptyFund(10000), 14)
	require.NoError(t, err)
	m.RunScans(btcMarket(100), time.Unix(1700000000, 0))

	require.NoError(t, m.PersistState())
	require.NoError(t, m.PersistState())

	rows, err := s.FetchAll("SELECT slot, portfolio_value, cash, trade_count, total_pnl FROM candidate_daily_performance")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Buy: value 500 at fill 100.05, taker fee 1.0.
	qty := 500.0 / 100.05
	assert.InDelta(t, 9499.0, rows[0]["cash"], 1e-9)
	assert.InDelta(t, 9499.0+qty*100.05, rows[0]["portfolio_value"], 1e-9)
	assert.EqualValues(t, 0, rows[0]["trade_count"])
	assert.InDelta(t, 0.0, rows[0]["total_pnl"], 1e-9)
}

func TestInitializeRecoversRunningCandidates(t *testing.T) {
	s := testingpkg.NewStore(t)
	m1 := newTestManager(t, s)

	// Slot 1 realizes one trade and ends flat; slot 2 holds a position.
	_, err := m1.CreateCandidate(1, buyThenCloseCode, 7, emptyFund(10000), 14)
	require.NoError(t, err)
	_, err = m1.CreateCandidate(2, buyHoldCode, 8, emptyFund(10000), 14)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	m1.RunScans(btcMarket(100), now)
	m1.RunScans(btcMarket(100), now.Add(time.Hour))
	require.NoError(t, m1.PersistState())

	before := m1.Statuses()
	require.Len(t, before, 2)

	m2 := newTestManager(t, s)
	require.NoError(t, m2.Initialize())
	after := m2.Statuses()
	require.Len(t, after, 2)

	for i := range before {
		assert.Equal(t, before[i].Slot, after[i].Slot)
		assert.Equal(t, before[i].StrategyVersion, after[i].StrategyVersion)
		assert.Equal(t, before[i].TradeCount, after[i].TradeCount)
		assert.Equal(t, before[i].Wins, after[i].Wins)
		assert.Equal(t, before[i].Losses, after[i].Losses)
		assert.InDelta(t, before[i].TotalPnL, after[i].TotalPnL, 1e-9)
		assert.InDelta(t, before[i].Cash, after[i].Cash, 1e-9)
		assert.Equal(t, before[i].OpenPositions, after[i].OpenPositions)
		assert.Equal(t, before[i].CreatedAt, after[i].CreatedAt)
	}

	// Recovered history must not be written again on the next persist.
	require.NoError(t, m2.PersistState())
	trades, err := m2.repo.LoadTrades(1)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestInitializeRecoversClonedPositions(t *testing.T) {
	s := testingpkg.NewStore(t)
	m1 := newTestManager(t, s)

	fund := domain.Portfolio{
		Cash: 5000,
		Positions: []domain.Position{{
			Tag: "auto_BTC_001", Symbol: "BTC/USD", Side: "long",
			Qty: 2, AvgEntry: 100, CurrentPrice: 100, EntryFee: 0.4,
			Intent: domain.IntentSwing, OpenedAt: 1699990000,
		}},
	}
	_, err := m1.CreateCandidate(1, idleCode, 4, fund, 14)
	require.NoError(t, err)
	require.NoError(t, m1.PersistState())

	m2 := newTestManager(t, s)
	require.NoError(t, m2.Initialize())

	sts := m2.Statuses()
	require.Len(t, sts, 1)
	assert.Equal(t, 1, sts[0].OpenPositions)
	// The cloned position was never bought from candidate cash.
	assert.InDelta(t, 5000.0, sts[0].Cash, 1e-9)
	assert.InDelta(t, 5200.0, sts[0].TotalValue, 1e-9)

	positions, err := m2.repo.LoadPositions(1)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "c1_auto_BTC_001", positions[0].Tag)
}

func TestInitializeCancelsCandidateWithBrokenCode(t *testing.T) {
	s := testingpkg.NewStore(t)
	m1 := newTestManager(t, s)

	// Loads and initializes, but throws on every analyze, so the sandbox
	// smoke run fails on recovery.
	c, err := m1.CreateCandidate(1, errorCode, 9, emptyFund(10000), 14)
	require.NoError(t, err)

	m2 := newTestManager(t, s)
	require.NoError(t, m2.Initialize())
	assert.Equal(t, 0, m2.Count())

	all, err := m2.repo.RecentCandidates(10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, c.ID, all[0].ID)
	assert.Equal(t, domain.CandidateCanceled, all[0].Status)
	assert.NotNil(t, all[0].ResolvedAt)
}

func TestSnapshotTagsPrefixedAtCreation(t *testing.T) {
	s := testingpkg.NewStore(t)
	m := newTestManager(t, s)

	fund := domain.Portfolio{
		Cash: 5000,
		Positions: []domain.Position{{
			Tag: "auto_BTC_001", Symbol: "BTC/USD", Side: "long",
			Qty: 2, AvgEntry: 100, CurrentPrice: 100, EntryFee: 0.4,
			Intent: domain.IntentSwing, OpenedAt: 1699990000,
		}},
	}
	c, err := m.CreateCandidate(1, closeFirstCode, 4, fund, 14)
	require.NoError(t, err)
	assert.Contains(t, c.PortfolioSnapshot, "c1_auto_BTC_001")

	positions, err := m.repo.LoadPositions(1)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "c1_auto_BTC_001", positions[0].Tag)

	// The strategy sees the prefixed tag in its snapshot and can close
	// through it.
	m.RunScans(btcMarket(110), time.Unix(1700000000, 0))

	st := m.Statuses()[0]
	assert.Equal(t, 0, st.OpenPositions)
	assert.Equal(t, 1, st.TradeCount)

	exitFill := 110 * (1 - 0.0005)
	exitFee := 2 * exitFill * 0.002
	pnl := (exitFill-100)*2 - 0.4 - exitFee
	assert.InDelta(t, pnl, st.TotalPnL, 1e-9)
	assert.InDelta(t, 5000+2*exitFill-exitFee, st.Cash, 1e-9)
}
