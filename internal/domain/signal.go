package domain

// Action is what a strategy wants done for a symbol
type Action string

const (
	ActionBuy    Action = "BUY"
	ActionSell   Action = "SELL"
	ActionClose  Action = "CLOSE"
	ActionModify Action = "MODIFY"
)

// IsExit reports whether the action reduces or annotates existing exposure.
// Exits bypass every entry-side risk block.
func (a Action) IsExit() bool {
	return a == ActionSell || a == ActionClose || a == ActionModify
}

// OrderType selects the fill path and the fee side (LIMIT → maker, MARKET → taker)
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// Signal is a strategy's instruction for one symbol. Field names match the
// strategy-code contract exactly; strategies produce these as plain objects.
type Signal struct {
	Symbol            string    `json:"symbol"`
	Action            Action    `json:"action"`
	SizePct           float64   `json:"size_pct"` // fraction of total portfolio value, [0, 1]
	OrderType         OrderType `json:"order_type"`
	LimitPrice        *float64  `json:"limit_price,omitempty"`
	StopLoss          *float64  `json:"stop_loss,omitempty"`
	TakeProfit        *float64  `json:"take_profit,omitempty"`
	Intent            Intent    `json:"intent"`
	Confidence        float64   `json:"confidence"` // [0, 1]
	Reasoning         string    `json:"reasoning"`
	SlippageTolerance *float64  `json:"slippage_tolerance,omitempty"` // overrides the configured factor
	Tag               string    `json:"tag,omitempty"`
}

// SignalRecord is the persisted form of a signal, acted on or rejected
type SignalRecord struct {
	ID              int64   `json:"id"`
	Symbol          string  `json:"symbol"`
	Action          Action  `json:"action"`
	SizePct         float64 `json:"size_pct"`
	Confidence      float64 `json:"confidence"`
	Intent          Intent  `json:"intent"`
	Reasoning       string  `json:"reasoning"`
	StrategyVersion int64   `json:"strategy_version"`
	StrategyRegime  string  `json:"strategy_regime"`
	ActedOn         bool    `json:"acted_on"`
	RejectedReason  string  `json:"rejected_reason,omitempty"`
	Tag             string  `json:"tag,omitempty"`
	CreatedAt       int64   `json:"created_at"`
}
