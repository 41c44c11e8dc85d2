package domain

// SymbolData is the per-symbol market snapshot handed to strategies.
// Exposes exactly the documented fields, nothing else.
type SymbolData struct {
	Symbol       string   `json:"symbol"`
	CurrentPrice float64  `json:"current_price"`
	Candles5m    []Candle `json:"candles_5m"`
	Candles1h    []Candle `json:"candles_1h"`
	Candles1d    []Candle `json:"candles_1d"`
	Spread       float64  `json:"spread"`
	Volume24h    float64  `json:"volume_24h"`
	MakerFeePct  float64  `json:"maker_fee_pct"`
	TakerFeePct  float64  `json:"taker_fee_pct"`
}

// Portfolio is the point-in-time view handed to strategies and analysis
type Portfolio struct {
	Cash              float64    `json:"cash"`
	TotalValue        float64    `json:"total_value"`
	Positions         []Position `json:"positions"`
	DailyPnL          float64    `json:"daily_pnl"`
	OpenPositionCount int        `json:"open_position_count"`
}

// TradeResult is what executing a signal produced. Closed is true when the
// execution realized P&L (SELL/CLOSE); BUY results carry the fill only.
type TradeResult struct {
	Symbol      string      `json:"symbol"`
	Tag         string      `json:"tag"`
	Action      Action      `json:"action"`
	Side        string      `json:"side"`
	Qty         float64     `json:"qty"`
	FillPrice   float64     `json:"fill_price"`
	Fee         float64     `json:"fee"`
	RealizedPnL float64     `json:"realized_pnl"`
	Closed      bool        `json:"closed"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
	Trade       *Trade      `json:"trade,omitempty"` // set when a trades row was written
}

// Triggered reports a position that crossed its stop-loss or take-profit
type Triggered struct {
	Tag    string      `json:"tag"`
	Symbol string      `json:"symbol"`
	Reason CloseReason `json:"reason"`
	Price  float64     `json:"price"` // the threshold itself
}

// RiskLimits is the hard limit set enforced by the risk manager
type RiskLimits struct {
	MaxPositionPct            float64 `json:"max_position_pct" mapstructure:"max_position_pct"`
	MaxPositions              int     `json:"max_positions" mapstructure:"max_positions"`
	MaxLeverage               float64 `json:"max_leverage" mapstructure:"max_leverage"`
	MaxDailyLossPct           float64 `json:"max_daily_loss_pct" mapstructure:"max_daily_loss_pct"`
	MaxDailyTrades            int     `json:"max_daily_trades" mapstructure:"max_daily_trades"`
	MaxTradePct               float64 `json:"max_trade_pct" mapstructure:"max_trade_pct"`
	DefaultTradePct           float64 `json:"default_trade_pct" mapstructure:"default_trade_pct"`
	MaxDrawdownPct            float64 `json:"max_drawdown_pct" mapstructure:"max_drawdown_pct"`
	RollbackConsecutiveLosses int     `json:"rollback_consecutive_losses" mapstructure:"rollback_consecutive_losses"`
	KillSwitch                bool    `json:"kill_switch" mapstructure:"kill_switch"`
}
