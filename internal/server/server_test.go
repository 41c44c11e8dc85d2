package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/candidates"
	"github.com/chrysalisfund/chrysalis/internal/config"
	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/engine"
	"github.com/chrysalisfund/chrysalis/internal/events"
	"github.com/chrysalisfund/chrysalis/internal/orchestrator"
	"github.com/chrysalisfund/chrysalis/internal/portfolio"
	"github.com/chrysalisfund/chrysalis/internal/risk"
	"github.com/chrysalisfund/chrysalis/internal/sandbox"
	"github.com/chrysalisfund/chrysalis/internal/store"
	"github.com/chrysalisfund/chrysalis/internal/strategy"
	testingpkg "github.com/chrysalisfund/chrysalis/internal/testing"
)

type fixture struct {
	api     *httptest.Server
	st      *store.Store
	pRepo   *portfolio.Repository
	sRepo   *strategy.Repository
	oRepo   *orchestrator.Repository
	tracker *portfolio.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := testingpkg.NewStore(t)

	cfg := &config.Config{}
	cfg.General.Mode = config.ModePaper
	cfg.General.PaperBalanceUSD = 10000
	cfg.Markets.Symbols = []string{"BTC/USD"}
	cfg.Risk = domain.RiskLimits{
		MaxPositionPct:            0.20,
		MaxTradePct:               0.10,
		DefaultTradePct:           0.05,
		MaxPositions:              5,
		MaxDailyTrades:            20,
		MaxDailyLossPct:           0.05,
		MaxDrawdownPct:            0.15,
		RollbackConsecutiveLosses: 5,
	}
	cfg.Location = time.UTC

	pRepo := portfolio.NewRepository(st)
	tracker := portfolio.NewTracker(portfolio.Config{
		Mode:         portfolio.ModePaper,
		PaperBalance: cfg.General.PaperBalanceUSD,
	}, pRepo, nil, zerolog.Nop())
	sRepo := strategy.NewRepository(st)
	oRepo := orchestrator.NewRepository(st)
	ev := events.NewManager(zerolog.Nop(), st)
	riskMgr := risk.NewManager(cfg.Risk, zerolog.Nop())
	cands := candidates.NewManager(candidates.Config{
		MaxSlots: 3,
		Limits:   cfg.Risk,
		Symbols:  cfg.Markets.Symbols,
		Timezone: time.UTC,
	}, candidates.NewRepository(st), sandbox.New(zerolog.Nop()), ev, zerolog.Nop())

	eng := engine.New(engine.Deps{
		Tracker:       tracker,
		PortfolioRepo: pRepo,
		Risk:          riskMgr,
		StrategyRepo:  sRepo,
		Candidates:    cands,
		Events:        ev,
	}, cfg, zerolog.Nop())

	srv := New("127.0.0.1:0", Deps{
		Store:      st,
		Tracker:    tracker,
		Portfolio:  pRepo,
		Strategies: sRepo,
		Orch:       oRepo,
		Candidates: cands,
		Engine:     eng,
	}, zerolog.Nop())

	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)

	return &fixture{api: api, st: st, pRepo: pRepo, sRepo: sRepo, oRepo: oRepo, tracker: tracker}
}

func (f *fixture) getJSON(t *testing.T, path string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(f.api.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

func TestHealthReportsOK(t *testing.T) {
	f := newFixture(t)

	var body map[string]interface{}
	resp := f.getJSON(t, "/api/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "paper", body["mode"])
	assert.Equal(t, false, body["halted"])
	assert.Contains(t, body, "process")
	assert.Contains(t, body, "uptime_seconds")

	st, ok := body["store"].(map[string]interface{})
	require.True(t, ok, "store should be an object")
	assert.Equal(t, "ok", st["status"])
}

func TestPortfolioReturnsSnapshot(t *testing.T) {
	f := newFixture(t)

	var pf domain.Portfolio
	resp := f.getJSON(t, "/api/portfolio", &pf)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 10000, pf.Cash, 1e-9)
	assert.Equal(t, 0, pf.OpenPositionCount)
}

func TestPositionsEmptyIsArray(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.api.URL + "/api/positions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "[", string(raw[:1]), "positions must encode as a JSON array")
}

func TestTradesReturnsRecentRows(t *testing.T) {
	f := newFixture(t)

	now := time.Now().Unix()
	require.NoError(t, f.pRepo.InsertTrade(&domain.Trade{
		Symbol:          "BTC/USD",
		Side:            "long",
		Qty:             0.01,
		EntryPrice:      50000,
		ExitPrice:       51000,
		PnL:             9.8,
		PnLPct:          0.0196,
		FeesTotal:       0.2,
		Intent:          domain.IntentSwing,
		StrategyVersion: 1,
		OpenedAt:        now - 3600,
		ClosedAt:        now,
		Tag:             "t1",
		CloseReason:     domain.CloseReasonSignal,
	}))

	var trades []domain.Trade
	resp := f.getJSON(t, "/api/trades", &trades)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, trades, 1)
	assert.Equal(t, "BTC/USD", trades[0].Symbol)
	assert.InDelta(t, 9.8, trades[0].PnL, 1e-9)
}

func TestSignalsRespectsLimitParam(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.pRepo.RecordSignal(&domain.SignalRecord{
			Symbol:          "BTC/USD",
			Action:          domain.ActionBuy,
			SizePct:         0.05,
			StrategyVersion: 1,
			CreatedAt:       time.Now().Unix() + int64(i),
		}))
	}

	var signals []domain.SignalRecord
	resp := f.getJSON(t, "/api/signals?limit=3", &signals)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, signals, 3)
}

func TestStrategyReturnsActiveVersion(t *testing.T) {
	f := newFixture(t)

	now := time.Now().Unix()
	require.NoError(t, f.sRepo.Insert(&domain.StrategyVersion{
		Version:     1,
		CodeHash:    "abc123",
		Description: "seed",
		Code:        "class Strategy {}",
	}))
	require.NoError(t, f.sRepo.Deploy(1, now))

	var body struct {
		Active  *versionView  `json:"active"`
		History []versionView `json:"history"`
	}
	resp := f.getJSON(t, "/api/strategy", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body.Active)
	assert.Equal(t, int64(1), body.Active.Version)
	assert.Equal(t, "abc123", body.Active.CodeHash)
	require.Len(t, body.History, 1)
}

func TestOrchestratorLogs(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.oRepo.InsertLog(&orchestrator.LogEntry{
		CycleID:   "cycle-1",
		Decision:  "iterate",
		Detail:    "backtest below threshold",
		CreatedAt: time.Now().Unix(),
	}))

	var logs []orchestrator.LogEntry
	resp := f.getJSON(t, "/api/orchestrator/logs", &logs)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, logs, 1)
	assert.Equal(t, "iterate", logs[0].Decision)
}

func TestDailyPerformance(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.pRepo.UpsertDailyPerformance(&domain.DailyPerformance{
		Date:           "2026-01-02",
		PortfolioValue: 10100,
		Cash:           10100,
		TotalTrades:    2,
		Wins:           1,
		Losses:         1,
		NetPnL:         100,
	}))

	var rows []domain.DailyPerformance
	resp := f.getJSON(t, "/api/performance/daily", &rows)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-01-02", rows[0].Date)
}

func TestCandidatesEmpty(t *testing.T) {
	f := newFixture(t)

	var statuses []candidates.Status
	resp := f.getJSON(t, "/api/candidates", &statuses)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, statuses)
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.api.URL + "/api/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
