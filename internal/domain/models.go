// Package domain provides the core types shared across the engine.
package domain

// Timeframe identifies a candle resolution
type Timeframe string

const (
	Timeframe5m Timeframe = "5m"
	Timeframe1h Timeframe = "1h"
	Timeframe1d Timeframe = "1d"
)

// QtyEpsilon is the quantity below which a position is considered closed
const QtyEpsilon = 1e-6

// Candle is one OHLCV bar. Timestamp is Unix seconds UTC of the bar open.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Timestamp int64     `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Intent labels how long a position is meant to be held. Informational only.
type Intent string

const (
	IntentDay      Intent = "DAY"
	IntentSwing    Intent = "SWING"
	IntentPosition Intent = "POSITION"
)

// CloseReason categorizes why a position was closed
type CloseReason string

const (
	CloseReasonSignal         CloseReason = "signal"
	CloseReasonStopLoss       CloseReason = "stop_loss"
	CloseReasonTakeProfit     CloseReason = "take_profit"
	CloseReasonEmergency      CloseReason = "emergency"
	CloseReasonReconciliation CloseReason = "reconciliation"
)

// Position is an open tagged position. The system is long-only.
type Position struct {
	ID                  int64    `json:"id"`
	Tag                 string   `json:"tag"`
	Symbol              string   `json:"symbol"`
	Side                string   `json:"side"` // always "long"
	Qty                 float64  `json:"qty"`
	AvgEntry            float64  `json:"avg_entry"`
	CurrentPrice        float64  `json:"current_price"`
	UnrealizedPnL       float64  `json:"unrealized_pnl"`
	EntryFee            float64  `json:"entry_fee"` // cumulative across average-ins
	StopLoss            *float64 `json:"stop_loss,omitempty"`
	TakeProfit          *float64 `json:"take_profit,omitempty"`
	Intent              Intent   `json:"intent"`
	StrategyVersion     int64    `json:"strategy_version"`
	OpenedAt            int64    `json:"opened_at"`
	UpdatedAt           int64    `json:"updated_at"`
	MaxAdverseExcursion float64  `json:"max_adverse_excursion"` // fraction, non-decreasing while open
}

// Trade is a closed-position record
type Trade struct {
	ID                  int64       `json:"id"`
	Symbol              string      `json:"symbol"`
	Side                string      `json:"side"`
	Qty                 float64     `json:"qty"`
	EntryPrice          float64     `json:"entry_price"`
	ExitPrice           float64     `json:"exit_price"`
	PnL                 float64     `json:"pnl"`     // net of all fees
	PnLPct              float64     `json:"pnl_pct"` // relative to entry notional
	FeesTotal           float64     `json:"fees_total"`
	Intent              Intent      `json:"intent"`
	StrategyVersion     int64       `json:"strategy_version"`
	StrategyRegime      string      `json:"strategy_regime"` // advisory only
	OpenedAt            int64       `json:"opened_at"`
	ClosedAt            int64       `json:"closed_at"`
	Tag                 string      `json:"tag"`
	CloseReason         CloseReason `json:"close_reason"`
	MaxAdverseExcursion float64     `json:"max_adverse_excursion"`
}

// DailyPerformance is the end-of-day snapshot row
type DailyPerformance struct {
	Date            string  `json:"date"` // YYYY-MM-DD in the configured timezone
	PortfolioValue  float64 `json:"portfolio_value"`
	Cash            float64 `json:"cash"`
	TotalTrades     int     `json:"total_trades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	GrossPnL        float64 `json:"gross_pnl"` // before fees
	NetPnL          float64 `json:"net_pnl"`   // after fees
	FeesTotal       float64 `json:"fees_total"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`
	WinRate         float64 `json:"win_rate"`
	StrategyVersion int64   `json:"strategy_version"`
}

// StrategyVersion is one row of the strategy lineage. The active version is
// the one with DeployedAt set and RetiredAt unset.
type StrategyVersion struct {
	Version        int64  `json:"version"`
	ParentVersion  *int64 `json:"parent_version,omitempty"`
	CodeHash       string `json:"code_hash"`
	Description    string `json:"description"`
	BacktestResult string `json:"backtest_result"` // JSON blob of the approving backtest
	DeployedAt     *int64 `json:"deployed_at,omitempty"`
	RetiredAt      *int64 `json:"retired_at,omitempty"`
	Code           string `json:"code"`
}

// AnalysisModule is one AI-maintained analysis script. Two module kinds
// exist, "market" and "trade"; the active version of each has DeployedAt
// set and RetiredAt unset.
type AnalysisModule struct {
	ID          int64  `json:"id"`
	Module      string `json:"module"`
	Version     int64  `json:"version"`
	CodeHash    string `json:"code_hash"`
	Description string `json:"description"`
	DeployedAt  *int64 `json:"deployed_at,omitempty"`
	RetiredAt   *int64 `json:"retired_at,omitempty"`
	Code        string `json:"code"`
}

// Analysis module kinds.
const (
	ModuleMarket = "market"
	ModuleTrade  = "trade"
)

// CandidateStatus is the lifecycle state of a candidate slot
type CandidateStatus string

const (
	CandidateRunning  CandidateStatus = "running"
	CandidateCanceled CandidateStatus = "canceled"
	CandidatePromoted CandidateStatus = "promoted"
)

// Candidate is one paper-simulation slot row
type Candidate struct {
	ID                 int64           `json:"id"`
	Slot               int             `json:"slot"`
	StrategyVersion    int64           `json:"strategy_version"`
	Code               string          `json:"code"`
	CodeHash           string          `json:"code_hash"`
	PortfolioSnapshot  string          `json:"portfolio_snapshot"` // JSON: cash + cloned positions at creation
	EvaluationDuration int             `json:"evaluation_duration_days"`
	Status             CandidateStatus `json:"status"`
	CreatedAt          int64           `json:"created_at"`
	ResolvedAt         *int64          `json:"resolved_at,omitempty"`
}

// OrderStatus tracks an exchange order through its lifecycle (live mode)
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderFilled   OrderStatus = "filled"
	OrderTimeout  OrderStatus = "timeout"
	OrderCanceled OrderStatus = "canceled"
	OrderExpired  OrderStatus = "expired"
)

// Order is an exchange order record keyed by the exchange transaction id
type Order struct {
	ID           int64       `json:"id"`
	TxID         string      `json:"txid"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"`
	OrderType    OrderType   `json:"order_type"`
	Volume       float64     `json:"volume"`
	LimitPrice   *float64    `json:"limit_price,omitempty"`
	Status       OrderStatus `json:"status"`
	FilledVolume float64     `json:"filled_volume"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Fee          float64     `json:"fee"`
	Purpose      string      `json:"purpose"`
	CreatedAt    int64       `json:"created_at"`
	UpdatedAt    int64       `json:"updated_at"`
}

// TokenUsage is one AI call's accounting row
type TokenUsage struct {
	ID           int64   `json:"id"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Purpose      string  `json:"purpose"`
	CreatedAt    int64   `json:"created_at"`
}
