package ai

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/config"
	testingpkg "github.com/chrysalisfund/chrysalis/internal/testing"
)

func TestRecordPricesKnownModel(t *testing.T) {
	ledger := testLedger(t, 1_000_000)

	cost, err := ledger.Record("test-model", 200_000, 40_000, "strategy_generation")
	require.NoError(t, err)
	assert.InDelta(t, 0.2*3+0.04*15, cost, 1e-12)

	used, err := ledger.TokensUsedToday()
	require.NoError(t, err)
	assert.Equal(t, int64(240_000), used)

	spent, err := ledger.CostToday()
	require.NoError(t, err)
	assert.InDelta(t, cost, spent, 1e-12)
}

func TestRecordUnknownModelCostsZero(t *testing.T) {
	ledger := testLedger(t, 1_000_000)

	cost, err := ledger.Record("mystery-model", 5000, 5000, "review")
	require.NoError(t, err)
	assert.Zero(t, cost)

	used, err := ledger.TokensUsedToday()
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), used)
}

func TestRemainingClampsAtZero(t *testing.T) {
	ledger := testLedger(t, 1000)

	remaining, err := ledger.Remaining()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), remaining)

	_, err = ledger.Record("test-model", 900, 300, "analysis")
	require.NoError(t, err)

	remaining, err = ledger.Remaining()
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestTokensUsedTodayIgnoresEarlierDays(t *testing.T) {
	st := testingpkg.NewStore(t)
	cfg := config.AI{
		DailyTokenLimit: 1_000_000,
		Prices:          map[string]config.ModelPricing{"test-model": {InputPerMTok: 3, OutputPerMTok: 15}},
	}
	ledger := NewLedger(st, cfg, time.UTC, zerolog.Nop())

	twoDaysAgo := time.Now().Add(-48 * time.Hour).Unix()
	_, err := st.Exec(
		`INSERT INTO token_usage (model, input_tokens, output_tokens, cost_usd, purpose, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"test-model", 500_000, 100_000, 2.5, "analysis", twoDaysAgo,
	)
	require.NoError(t, err)

	_, err = ledger.Record("test-model", 100, 50, "analysis")
	require.NoError(t, err)

	used, err := ledger.TokensUsedToday()
	require.NoError(t, err)
	assert.Equal(t, int64(150), used)

	remaining, err := ledger.Remaining()
	require.NoError(t, err)
	assert.Equal(t, int64(999_850), remaining)
}
