package ai

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/config"
	"github.com/chrysalisfund/chrysalis/internal/store"
)

// Ledger meters token spend against the daily budget. All counters are
// derived from the token_usage table, so they survive restarts.
type Ledger struct {
	store  *store.Store
	prices map[string]config.ModelPricing
	limit  int64
	tz     *time.Location
	log    zerolog.Logger
}

// NewLedger creates a token accounting ledger. The timezone sets the
// daily roll-over boundary.
func NewLedger(st *store.Store, cfg config.AI, tz *time.Location, log zerolog.Logger) *Ledger {
	if tz == nil {
		tz = time.UTC
	}
	return &Ledger{
		store:  st,
		prices: cfg.Prices,
		limit:  cfg.DailyTokenLimit,
		tz:     tz,
		log:    log.With().Str("component", "ai").Logger(),
	}
}

// Limit returns the configured daily token budget.
func (l *Ledger) Limit() int64 {
	return l.limit
}

// Record writes one accounting row and returns its cost in USD.
func (l *Ledger) Record(model string, inputTokens, outputTokens int64, purpose string) (float64, error) {
	cost := l.Cost(model, inputTokens, outputTokens)
	_, err := l.store.Exec(
		`INSERT INTO token_usage (model, input_tokens, output_tokens, cost_usd, purpose, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		model, inputTokens, outputTokens, cost, purpose, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record token usage: %w", err)
	}
	return cost, nil
}

// Cost prices a call in USD from the per-million-token rates. Models
// without configured pricing are recorded at zero cost.
func (l *Ledger) Cost(model string, inputTokens, outputTokens int64) float64 {
	price, ok := l.prices[model]
	if !ok {
		l.log.Warn().Str("model", model).Msg("no pricing configured for model")
		return 0
	}
	return float64(inputTokens)/1e6*price.InputPerMTok + float64(outputTokens)/1e6*price.OutputPerMTok
}

// TokensUsedToday sums input and output tokens since local midnight.
func (l *Ledger) TokensUsedToday() (int64, error) {
	var used int64
	err := l.store.DB().QueryRow(
		`SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM token_usage WHERE created_at >= ?`,
		l.midnight(),
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to sum token usage: %w", err)
	}
	return used, nil
}

// CostToday sums the current local day's spend in USD.
func (l *Ledger) CostToday() (float64, error) {
	var cost float64
	err := l.store.DB().QueryRow(
		`SELECT COALESCE(SUM(cost_usd), 0) FROM token_usage WHERE created_at >= ?`,
		l.midnight(),
	).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("failed to sum token cost: %w", err)
	}
	return cost, nil
}

// Remaining reports the unspent remainder of the daily budget, clamped
// at zero.
func (l *Ledger) Remaining() (int64, error) {
	used, err := l.TokensUsedToday()
	if err != nil {
		return 0, err
	}
	if used >= l.limit {
		return 0, nil
	}
	return l.limit - used, nil
}

func (l *Ledger) midnight() int64 {
	now := time.Now().In(l.tz)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, l.tz).Unix()
}
