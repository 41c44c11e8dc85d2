// Package config loads and validates the engine configuration: two YAML
// files (config.yaml, risk.yaml) plus environment variables for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

// Mode selects paper or live execution
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// General holds process-wide options
type General struct {
	Mode                  Mode    `mapstructure:"mode"`
	PaperBalanceUSD       float64 `mapstructure:"paper_balance_usd"`
	Timezone              string  `mapstructure:"timezone"`
	LogLevel              string  `mapstructure:"log_level"`
	LogPretty             bool    `mapstructure:"log_pretty"`
	DefaultSlippageFactor float64 `mapstructure:"default_slippage_factor"`
	DatabasePath          string  `mapstructure:"database_path"`
}

// Markets lists the tradable pairs
type Markets struct {
	Symbols []string `mapstructure:"symbols"`
}

// Exchange holds endpoint and default fee settings
type Exchange struct {
	RESTURL             string  `mapstructure:"rest_url"`
	WSURL               string  `mapstructure:"ws_url"`
	MakerFeePct         float64 `mapstructure:"maker_fee_pct"`
	TakerFeePct         float64 `mapstructure:"taker_fee_pct"`
	OrderTimeoutSeconds int     `mapstructure:"order_timeout_seconds"`
}

// AI selects models and budgets for the orchestrator
type AI struct {
	Provider             string                  `mapstructure:"provider"`
	StrongModel          string                  `mapstructure:"strong_model"`
	WeakModel            string                  `mapstructure:"weak_model"`
	DailyTokenLimit      int64                   `mapstructure:"daily_token_limit"`
	MinCycleBudgetTokens int64                   `mapstructure:"min_cycle_budget_tokens"`
	Prices               map[string]ModelPricing `mapstructure:"prices"`
}

// ModelPricing is USD per million tokens
type ModelPricing struct {
	InputPerMTok  float64 `mapstructure:"input_per_mtok"`
	OutputPerMTok float64 `mapstructure:"output_per_mtok"`
}

// Orchestrator bounds the nightly pipeline
type Orchestrator struct {
	StartHour              int `mapstructure:"start_hour"`
	StartMinute            int `mapstructure:"start_minute"`
	MaxRevisions           int `mapstructure:"max_revisions"`
	MaxStrategyIterations  int `mapstructure:"max_strategy_iterations"`
	MaxCandidates          int `mapstructure:"max_candidates"`
	EvaluationDurationDays int `mapstructure:"evaluation_duration_days"`
}

// Data holds candle retention windows
type Data struct {
	Retention5mDays  int `mapstructure:"retention_5m_days"`
	Retention1hDays  int `mapstructure:"retention_1h_days"`
	Retention1dYears int `mapstructure:"retention_1d_years"`
}

// Fees holds the fee-schedule refresh cadence
type Fees struct {
	CheckIntervalHours int `mapstructure:"check_interval_hours"`
}

// Strategy holds scan cadence and the on-disk strategy location
type Strategy struct {
	ScanIntervalMinutes int    `mapstructure:"scan_interval_minutes"`
	File                string `mapstructure:"file"`
}

// Server configures the read-only status API
type Server struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Backup configures the nightly store snapshot upload. Endpoint overrides
// the AWS default for S3-compatible stores (MinIO, Backblaze).
type Backup struct {
	Enabled  bool   `mapstructure:"enabled"`
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Prefix string `mapstructure:"s3_prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// Notifications gates each convenience emitter. High-frequency gates
// default off.
type Notifications struct {
	Enabled                    bool `mapstructure:"enabled"`
	TradeExecuted              bool `mapstructure:"trade_executed"`
	StopTriggered              bool `mapstructure:"stop_triggered"`
	CandidateCreated           bool `mapstructure:"candidate_created"`
	CandidateCanceled          bool `mapstructure:"candidate_canceled"`
	CandidatePromoted          bool `mapstructure:"candidate_promoted"`
	StrategyDeployed           bool `mapstructure:"strategy_deployed"`
	RollbackAlert              bool `mapstructure:"rollback_alert"`
	SystemError                bool `mapstructure:"system_error"`
	WebsocketFailed            bool `mapstructure:"websocket_failed"`
	SystemOnline               bool `mapstructure:"system_online"`
	OrchestratorCycleStarted   bool `mapstructure:"orchestrator_cycle_started"`
	OrchestratorCycleCompleted bool `mapstructure:"orchestrator_cycle_completed"`
	DailySummary               bool `mapstructure:"daily_summary"`
	WeeklyReport               bool `mapstructure:"weekly_report"`
}

// Secrets come from the environment only, never from files
type Secrets struct {
	ExchangeAPIKey    string
	ExchangeAPISecret string
	AIAPIKey          string
	TelegramBotToken  string
	TelegramChatID    string
	S3AccessKey       string
	S3SecretKey       string
}

// Config is the full validated engine configuration
type Config struct {
	General       General           `mapstructure:"general"`
	Markets       Markets           `mapstructure:"markets"`
	Exchange      Exchange          `mapstructure:"exchange"`
	AI            AI                `mapstructure:"ai"`
	Orchestrator  Orchestrator      `mapstructure:"orchestrator"`
	Data          Data              `mapstructure:"data"`
	Fees          Fees              `mapstructure:"fees"`
	Strategy      Strategy          `mapstructure:"strategy"`
	Server        Server            `mapstructure:"server"`
	Backup        Backup            `mapstructure:"backup"`
	Notifications Notifications     `mapstructure:"notifications"`
	Risk          domain.RiskLimits `mapstructure:"risk"`
	Secrets       Secrets           `mapstructure:"-"`

	// Location is the resolved timezone, set during Validate
	Location *time.Location `mapstructure:"-"`
}

// Load reads config.yaml + risk.yaml from configDir, applies defaults,
// overlays environment secrets, and validates. config.yaml may be absent
// (defaults apply); risk.yaml must exist so that limits are always an
// explicit operator decision.
func Load(configDir string) (*Config, error) {
	_ = godotenv.Load()

	main := viper.New()
	applyDefaults(main)
	mainPath := configDir + "/config.yaml"
	if _, err := os.Stat(mainPath); err == nil {
		main.SetConfigFile(mainPath)
		if err := main.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	}

	riskFile := viper.New()
	riskFile.SetConfigFile(configDir + "/risk.yaml")
	if err := riskFile.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read risk.yaml: %w", err)
	}

	var cfg Config
	if err := main.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config.yaml: %w", err)
	}
	if err := riskFile.UnmarshalKey("risk", &cfg.Risk); err != nil {
		return nil, fmt.Errorf("failed to parse risk.yaml: %w", err)
	}

	cfg.Secrets = Secrets{
		ExchangeAPIKey:    getEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret: getEnv("EXCHANGE_API_SECRET", ""),
		AIAPIKey:          getEnv("AI_API_KEY", ""),
		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:    getEnv("TELEGRAM_CHAT_ID", ""),
		S3AccessKey:       getEnv("BACKUP_S3_ACCESS_KEY", ""),
		S3SecretKey:       getEnv("BACKUP_S3_SECRET_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("general.mode", "paper")
	v.SetDefault("general.paper_balance_usd", 1000.0)
	v.SetDefault("general.timezone", "UTC")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_pretty", false)
	v.SetDefault("general.default_slippage_factor", 0.0005)
	v.SetDefault("general.database_path", "./data/chrysalis.db")
	v.SetDefault("markets.symbols", []string{"BTC/USD", "ETH/USD"})
	v.SetDefault("exchange.rest_url", "https://api.kraken.com")
	v.SetDefault("exchange.ws_url", "wss://ws.kraken.com")
	v.SetDefault("exchange.maker_fee_pct", 0.0025)
	v.SetDefault("exchange.taker_fee_pct", 0.004)
	v.SetDefault("exchange.order_timeout_seconds", 60)
	v.SetDefault("ai.provider", "anthropic")
	v.SetDefault("ai.strong_model", "claude-opus-4-1")
	v.SetDefault("ai.weak_model", "claude-sonnet-4-5")
	v.SetDefault("ai.daily_token_limit", 2_000_000)
	v.SetDefault("ai.min_cycle_budget_tokens", 200_000)
	v.SetDefault("orchestrator.start_hour", 3)
	v.SetDefault("orchestrator.start_minute", 0)
	v.SetDefault("orchestrator.max_revisions", 12)
	v.SetDefault("orchestrator.max_strategy_iterations", 9)
	v.SetDefault("orchestrator.max_candidates", 3)
	v.SetDefault("orchestrator.evaluation_duration_days", 14)
	v.SetDefault("data.retention_5m_days", 30)
	v.SetDefault("data.retention_1h_days", 365)
	v.SetDefault("data.retention_1d_years", 7)
	v.SetDefault("fees.check_interval_hours", 24)
	v.SetDefault("strategy.scan_interval_minutes", 5)
	v.SetDefault("strategy.file", "./data/strategy.js")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_addr", "127.0.0.1:8077")
	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.s3_prefix", "chrysalis")
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.rollback_alert", true)
	v.SetDefault("notifications.system_error", true)
	v.SetDefault("notifications.websocket_failed", true)
	v.SetDefault("notifications.strategy_deployed", true)
}

// ValidationError carries every violation found, joined for startup output
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration (%d violations): %s",
		len(e.Violations), strings.Join(e.Violations, "; "))
}

// Validate checks every bound and collects all violations before failing
func (c *Config) Validate() error {
	var violations []string

	if c.General.Mode != ModePaper && c.General.Mode != ModeLive {
		violations = append(violations, fmt.Sprintf("general.mode must be paper or live, got %q", c.General.Mode))
	}
	if c.General.PaperBalanceUSD <= 0 {
		violations = append(violations, "general.paper_balance_usd must be > 0")
	}
	loc, err := time.LoadLocation(c.General.Timezone)
	if err != nil {
		violations = append(violations, fmt.Sprintf("general.timezone %q is not a valid IANA zone", c.General.Timezone))
	} else {
		c.Location = loc
	}
	if c.General.DefaultSlippageFactor < 0 || c.General.DefaultSlippageFactor > 0.05 {
		violations = append(violations, "general.default_slippage_factor must be in [0, 0.05]")
	}
	if len(c.Markets.Symbols) < 1 {
		violations = append(violations, "markets.symbols must list at least one pair")
	}
	for _, s := range c.Markets.Symbols {
		if !strings.HasSuffix(s, "USD") || !strings.Contains(s, "/") {
			violations = append(violations, fmt.Sprintf("markets.symbols entry %q must be <BASE>/USD", s))
		}
	}
	if c.Fees.CheckIntervalHours < 1 {
		violations = append(violations, "fees.check_interval_hours must be >= 1")
	}
	if c.Strategy.ScanIntervalMinutes < 1 {
		violations = append(violations, "strategy.scan_interval_minutes must be >= 1")
	}
	if c.Orchestrator.StartHour < 0 || c.Orchestrator.StartHour > 23 {
		violations = append(violations, "orchestrator.start_hour must be in [0, 23]")
	}
	if c.Orchestrator.StartMinute < 0 || c.Orchestrator.StartMinute > 59 {
		violations = append(violations, "orchestrator.start_minute must be in [0, 59]")
	}
	if c.Orchestrator.MaxCandidates < 1 {
		violations = append(violations, "orchestrator.max_candidates must be >= 1")
	}
	if c.AI.DailyTokenLimit <= 0 {
		violations = append(violations, "ai.daily_token_limit must be > 0")
	}

	violations = append(violations, validateRisk(c.Risk)...)

	if c.General.Mode == ModeLive {
		if c.Secrets.ExchangeAPIKey == "" || c.Secrets.ExchangeAPISecret == "" {
			violations = append(violations, "live mode requires EXCHANGE_API_KEY and EXCHANGE_API_SECRET")
		}
	}
	if c.Backup.Enabled && c.Backup.S3Bucket == "" {
		violations = append(violations, "backup.enabled requires backup.s3_bucket")
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

func validateRisk(r domain.RiskLimits) []string {
	var violations []string
	if r.MaxPositionPct <= 0 || r.MaxPositionPct > 1 {
		violations = append(violations, "risk.max_position_pct must be in (0, 1]")
	}
	if r.MaxPositions < 1 {
		violations = append(violations, "risk.max_positions must be >= 1")
	}
	if r.MaxDailyLossPct <= 0 || r.MaxDailyLossPct > 1 {
		violations = append(violations, "risk.max_daily_loss_pct must be in (0, 1]")
	}
	if r.MaxDailyTrades < 1 {
		violations = append(violations, "risk.max_daily_trades must be >= 1")
	}
	if r.MaxTradePct <= 0 || r.MaxTradePct > 1 {
		violations = append(violations, "risk.max_trade_pct must be in (0, 1]")
	}
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct > 1 {
		violations = append(violations, "risk.max_drawdown_pct must be in (0, 1]")
	}
	if r.RollbackConsecutiveLosses < 1 {
		violations = append(violations, "risk.rollback_consecutive_losses must be >= 1")
	}
	if r.DefaultTradePct > r.MaxTradePct {
		violations = append(violations, "risk.default_trade_pct must be <= risk.max_trade_pct")
	}
	if r.MaxTradePct > r.MaxPositionPct {
		violations = append(violations, "risk.max_trade_pct must be <= risk.max_position_pct")
	}
	return violations
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
