package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

func validConfig() *Config {
	return &Config{
		General: General{
			Mode:                  ModePaper,
			PaperBalanceUSD:       1000,
			Timezone:              "UTC",
			LogLevel:              "info",
			DefaultSlippageFactor: 0.0005,
			DatabasePath:          "./data/test.db",
		},
		Markets:      Markets{Symbols: []string{"BTC/USD"}},
		Exchange:     Exchange{RESTURL: "https://api.kraken.com", WSURL: "wss://ws.kraken.com", MakerFeePct: 0.0025, TakerFeePct: 0.004, OrderTimeoutSeconds: 60},
		AI:           AI{Provider: "anthropic", StrongModel: "strong", WeakModel: "weak", DailyTokenLimit: 2_000_000, MinCycleBudgetTokens: 200_000},
		Orchestrator: Orchestrator{StartHour: 3, StartMinute: 0, MaxRevisions: 12, MaxStrategyIterations: 9, MaxCandidates: 3, EvaluationDurationDays: 14},
		Data:         Data{Retention5mDays: 30, Retention1hDays: 365, Retention1dYears: 7},
		Fees:         Fees{CheckIntervalHours: 24},
		Strategy:     Strategy{ScanIntervalMinutes: 5},
		Risk: domain.RiskLimits{
			MaxPositionPct:            0.25,
			MaxPositions:              5,
			MaxDailyLossPct:           0.05,
			MaxDailyTrades:            20,
			MaxTradePct:               0.10,
			DefaultTradePct:           0.05,
			MaxDrawdownPct:            0.10,
			RollbackConsecutiveLosses: 999,
		},
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig()
	err := cfg.Validate()
	require.NoError(t, err)
	assert.NotNil(t, cfg.Location)
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	cfg := validConfig()
	cfg.General.Mode = "turbo"
	cfg.General.PaperBalanceUSD = -1
	cfg.General.Timezone = "Mars/Olympus"
	cfg.Markets.Symbols = []string{"BTC/EUR"}
	cfg.Risk.MaxTradePct = 0.5 // > MaxPositionPct

	err := cfg.Validate()
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok, "expected *ValidationError, got %T", err)
	assert.GreaterOrEqual(t, len(verr.Violations), 5)
	assert.Contains(t, err.Error(), "general.mode")
	assert.Contains(t, err.Error(), "timezone")
	assert.Contains(t, err.Error(), "max_trade_pct")
}

func TestValidate_RiskBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.RiskLimits)
		want   string
	}{
		{
			name:   "max_position_pct above one",
			mutate: func(r *domain.RiskLimits) { r.MaxPositionPct = 1.5 },
			want:   "max_position_pct",
		},
		{
			name:   "max_positions zero",
			mutate: func(r *domain.RiskLimits) { r.MaxPositions = 0 },
			want:   "max_positions",
		},
		{
			name:   "max_daily_trades zero",
			mutate: func(r *domain.RiskLimits) { r.MaxDailyTrades = 0 },
			want:   "max_daily_trades",
		},
		{
			name:   "rollback losses zero",
			mutate: func(r *domain.RiskLimits) { r.RollbackConsecutiveLosses = 0 },
			want:   "rollback_consecutive_losses",
		},
		{
			name:   "default above max trade pct",
			mutate: func(r *domain.RiskLimits) { r.DefaultTradePct = 0.2 },
			want:   "default_trade_pct",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg.Risk)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_LiveModeRequiresCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.General.Mode = ModeLive
	cfg.Secrets.ExchangeAPIKey = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXCHANGE_API_KEY")

	cfg.Secrets.ExchangeAPIKey = "key"
	cfg.Secrets.ExchangeAPISecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromFiles(t *testing.T) {
	dir := t.TempDir()

	configYAML := `
general:
  mode: paper
  paper_balance_usd: 2500
  timezone: Europe/Athens
  default_slippage_factor: 0.001
markets:
  symbols:
    - BTC/USD
    - SOL/USD
strategy:
  scan_interval_minutes: 15
`
	riskYAML := `
risk:
  max_position_pct: 0.25
  max_positions: 4
  max_daily_loss_pct: 0.05
  max_daily_trades: 10
  max_trade_pct: 0.10
  default_trade_pct: 0.05
  max_drawdown_pct: 0.10
  rollback_consecutive_losses: 999
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "risk.yaml"), []byte(riskYAML), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 2500.0, cfg.General.PaperBalanceUSD)
	assert.Equal(t, "Europe/Athens", cfg.General.Timezone)
	assert.Equal(t, []string{"BTC/USD", "SOL/USD"}, cfg.Markets.Symbols)
	assert.Equal(t, 15, cfg.Strategy.ScanIntervalMinutes)
	assert.Equal(t, 0.25, cfg.Risk.MaxPositionPct)
	// Defaults fill whatever the files omit
	assert.Equal(t, 24, cfg.Fees.CheckIntervalHours)
	assert.Equal(t, 3, cfg.Orchestrator.StartHour)
}

func TestLoad_MissingRiskFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk.yaml")
}
