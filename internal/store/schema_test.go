package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/store"
	testingpkg "github.com/chrysalisfund/chrysalis/internal/testing"
)

// The store itself runs on the pure-Go driver; these tests apply the same
// schema through the cgo driver so SQL that only one build accepts is
// caught here rather than in production.

func TestApplySchemaOnRawConnection(t *testing.T) {
	db := testingpkg.NewMemoryDB(t)

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	require.NoError(t, err)
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables = append(tables, name)
	}
	require.NoError(t, rows.Err())

	for _, want := range []string{
		"activity_log", "analysis_modules", "candidate_daily_performance",
		"candidate_positions", "candidate_signals", "candidate_trades",
		"candidates", "candles", "conditional_orders", "daily_performance",
		"orchestrator_logs", "orchestrator_observations", "orchestrator_thoughts",
		"orders", "positions", "signals", "strategy_state", "strategy_versions",
		"token_usage", "trades",
	} {
		assert.Contains(t, tables, want)
	}
}

func TestApplySchemaIsIdempotent(t *testing.T) {
	db := testingpkg.NewMemoryDB(t)
	require.NoError(t, store.ApplySchema(db))
}

func TestCandleBucketUnique(t *testing.T) {
	db := testingpkg.NewMemoryDB(t)

	ins := `INSERT INTO candles (symbol, timeframe, timestamp, open, high, low, close, volume)
		VALUES ('BTC/USD', '1h', 1700000000, 1, 2, 0.5, 1.5, 10)`
	_, err := db.Exec(ins)
	require.NoError(t, err)
	_, err = db.Exec(ins)
	require.Error(t, err, "one row per (symbol, timeframe, bucket)")
}

func TestPositionTagUnique(t *testing.T) {
	db := testingpkg.NewMemoryDB(t)

	ins := `INSERT INTO positions (tag, symbol, qty, avg_entry, opened_at, updated_at)
		VALUES ('auto_BTCUSD_001', 'BTC/USD', 0.5, 50000, 1700000000, 1700000000)`
	_, err := db.Exec(ins)
	require.NoError(t, err)
	_, err = db.Exec(ins)
	require.Error(t, err)
}

func TestDailyPerformanceOneRowPerDate(t *testing.T) {
	db := testingpkg.NewMemoryDB(t)

	ins := `INSERT INTO daily_performance (date, portfolio_value, cash) VALUES ('2026-08-25', 10000, 4000)`
	_, err := db.Exec(ins)
	require.NoError(t, err)
	_, err = db.Exec(ins)
	require.Error(t, err)
}
