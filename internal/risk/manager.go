// Package risk is the hard gate every signal passes before execution.
// The rules here are fixed at build time. Strategy code can size trades
// down but can never widen these limits.
package risk

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/store"
)

// Halt reason prefixes. ResetDaily and RecordTradeResult match on these
// to decide which halts they may clear.
const (
	reasonDailyLoss   = "Daily loss limit exceeded"
	reasonDrawdown    = "Max drawdown exceeded"
	reasonConsecutive = "Consecutive loss limit reached"
)

// CheckResult is the verdict on one signal.
type CheckResult struct {
	Passed bool
	Reason string
}

// Snapshot is the manager's current state for the API and notifier.
type Snapshot struct {
	DailyTrades       int     `json:"daily_trades"`
	DailyPnL          float64 `json:"daily_pnl"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	PeakPortfolio     float64 `json:"peak_portfolio"`
	Halted            bool    `json:"halted"`
	HaltReason        string  `json:"halt_reason,omitempty"`
	KillSwitch        bool    `json:"kill_switch"`
}

// Manager evaluates signals against the configured limits and tracks the
// process-local counters the rules depend on. Counters survive restarts
// via Initialize, which rebuilds them from the store.
type Manager struct {
	mu     sync.Mutex
	limits domain.RiskLimits
	log    zerolog.Logger

	dailyTrades       int
	dailyPnL          float64
	consecutiveLosses int
	peakPortfolio     float64
	halted            bool
	haltReason        string
}

// NewManager creates a risk manager with everything zeroed.
func NewManager(limits domain.RiskLimits, log zerolog.Logger) *Manager {
	return &Manager{
		limits: limits,
		log:    log.With().Str("component", "risk").Logger(),
	}
}

// Initialize rebuilds the counters from persisted history so limits hold
// across restarts. Daily aggregates use midnight in tz as the boundary.
func (m *Manager) Initialize(s *store.Store, tz *time.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := s.FetchOne("SELECT MAX(portfolio_value) AS peak FROM daily_performance")
	if err != nil {
		return fmt.Errorf("failed to recover portfolio peak: %w", err)
	}
	if row != nil {
		m.peakPortfolio = asF64(row["peak"])
	}

	now := time.Now().In(tz)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, tz).Unix()
	row, err = s.FetchOne(
		"SELECT COUNT(*) AS n, COALESCE(SUM(pnl), 0) AS pnl FROM trades WHERE closed_at >= ?",
		midnight)
	if err != nil {
		return fmt.Errorf("failed to recover daily counters: %w", err)
	}
	if row != nil {
		m.dailyTrades = int(asI64(row["n"]))
		m.dailyPnL = asF64(row["pnl"])
	}

	rows, err := s.FetchAll("SELECT pnl FROM trades ORDER BY closed_at DESC, id DESC LIMIT 200")
	if err != nil {
		return fmt.Errorf("failed to recover loss streak: %w", err)
	}
	streak := 0
	for _, r := range rows {
		if asF64(r["pnl"]) >= 0 {
			break
		}
		streak++
	}
	m.consecutiveLosses = streak

	m.log.Info().
		Float64("peak_portfolio", m.peakPortfolio).
		Int("daily_trades", m.dailyTrades).
		Float64("daily_pnl", m.dailyPnL).
		Int("consecutive_losses", m.consecutiveLosses).
		Msg("risk counters recovered")
	return nil
}

// CheckSignal runs the decision rules in order and returns the first
// failure. Exits (SELL, CLOSE, MODIFY) bypass every entry-side block, so
// positions can always be reduced or protected regardless of state.
func (m *Manager) CheckSignal(sig domain.Signal, portfolioValue float64, openPositions int, positionValueForSymbol, dailyStartValue float64, isNewPosition bool) CheckResult {
	if sig.Action.IsExit() {
		return CheckResult{Passed: true}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 1. Kill switch blocks all entries.
	if m.limits.KillSwitch {
		return m.reject(sig, "Kill switch active")
	}

	// 2. A standing halt blocks entries until cleared.
	if m.halted {
		return m.reject(sig, fmt.Sprintf("Trading halted: %s", m.haltReason))
	}

	// 3. Daily loss limit against the day-start base when known.
	base := dailyStartValue
	if base <= 0 {
		base = portfolioValue
	}
	if m.dailyPnL < -m.limits.MaxDailyLossPct*base {
		m.halted = true
		m.haltReason = fmt.Sprintf("%s: %.2f", reasonDailyLoss, m.dailyPnL)
		return m.reject(sig, m.haltReason)
	}

	// 4. Daily trade budget.
	if m.dailyTrades >= m.limits.MaxDailyTrades {
		return m.reject(sig, fmt.Sprintf("Daily trade limit reached (%d)", m.limits.MaxDailyTrades))
	}

	// 5. Max open positions applies only to entries opening a new tag.
	if sig.Action == domain.ActionBuy && isNewPosition && openPositions >= m.limits.MaxPositions {
		return m.reject(sig, fmt.Sprintf("Max positions reached (%d)", m.limits.MaxPositions))
	}

	// 6. Entries must carry a usable size.
	if sig.Action == domain.ActionBuy && sig.SizePct <= 0 {
		return m.reject(sig, "Entry with non-positive size_pct")
	}

	// 7. Per-trade cap.
	tradeValue := portfolioValue * sig.SizePct
	if tradeValue > portfolioValue*m.limits.MaxTradePct {
		return m.reject(sig, fmt.Sprintf("Trade size %.1f%% exceeds max %.1f%%",
			sig.SizePct*100, m.limits.MaxTradePct*100))
	}

	// 8. Per-symbol concentration cap.
	if sig.Action == domain.ActionBuy && positionValueForSymbol+tradeValue > portfolioValue*m.limits.MaxPositionPct {
		return m.reject(sig, fmt.Sprintf("Position in %s would exceed %.1f%% of portfolio",
			sig.Symbol, m.limits.MaxPositionPct*100))
	}

	// 9. Drawdown from peak sets a persistent halt.
	if m.peakPortfolio > 0 {
		drawdown := (m.peakPortfolio - portfolioValue) / m.peakPortfolio
		if drawdown > m.limits.MaxDrawdownPct {
			m.halted = true
			m.haltReason = fmt.Sprintf("%s: %.1f%% > %.1f%%",
				reasonDrawdown, drawdown*100, m.limits.MaxDrawdownPct*100)
			return m.reject(sig, m.haltReason)
		}
	}

	// 10. Consecutive-loss streak sets a persistent halt.
	if m.limits.RollbackConsecutiveLosses > 0 && m.consecutiveLosses >= m.limits.RollbackConsecutiveLosses {
		m.halted = true
		m.haltReason = fmt.Sprintf("%s (%d)", reasonConsecutive, m.consecutiveLosses)
		return m.reject(sig, m.haltReason)
	}

	return CheckResult{Passed: true}
}

func (m *Manager) reject(sig domain.Signal, reason string) CheckResult {
	m.log.Warn().
		Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Float64("size_pct", sig.SizePct).
		Str("reason", reason).
		Msg("signal rejected")
	return CheckResult{Passed: false, Reason: reason}
}

// ClampSignal caps size_pct at max_trade_pct instead of rejecting.
func (m *Manager) ClampSignal(sig *domain.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sig.SizePct > m.limits.MaxTradePct {
		m.log.Debug().
			Str("symbol", sig.Symbol).
			Float64("from", sig.SizePct).
			Float64("to", m.limits.MaxTradePct).
			Msg("clamped signal size")
		sig.SizePct = m.limits.MaxTradePct
	}
}

// RecordTradeResult feeds a realized pnl into the daily counters. A
// winning or flat trade resets the loss streak and lifts a streak halt.
func (m *Manager) RecordTradeResult(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyTrades++
	m.dailyPnL += pnl
	if pnl < 0 {
		m.consecutiveLosses++
		return
	}
	m.consecutiveLosses = 0
	if m.halted && strings.HasPrefix(m.haltReason, reasonConsecutive) {
		m.halted = false
		m.haltReason = ""
		m.log.Info().Msg("loss streak halt cleared by winning trade")
	}
}

// ResetDaily zeroes the daily counters at the day boundary. Only a
// daily-loss halt clears here; drawdown and streak halts persist.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyTrades = 0
	m.dailyPnL = 0
	if m.halted && strings.HasPrefix(m.haltReason, reasonDailyLoss) {
		m.halted = false
		m.haltReason = ""
		m.log.Info().Msg("daily loss halt cleared at day boundary")
	}
}

// UpdatePortfolioPeak advances the high-water mark.
func (m *Manager) UpdatePortfolioPeak(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value > m.peakPortfolio {
		m.peakPortfolio = value
	}
}

// CheckDrawdownHalt latches the persistent drawdown halt as soon as value
// falls more than MaxDrawdownPct from peak. Monitors call this every tick
// so the halt does not wait for the next entry signal. Returns the standing
// halt reason, if any, after the check.
func (m *Manager) CheckDrawdownHalt(portfolioValue float64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.halted && m.peakPortfolio > 0 {
		drawdown := (m.peakPortfolio - portfolioValue) / m.peakPortfolio
		if drawdown > m.limits.MaxDrawdownPct {
			m.halted = true
			m.haltReason = fmt.Sprintf("%s: %.1f%% > %.1f%%",
				reasonDrawdown, drawdown*100, m.limits.MaxDrawdownPct*100)
			m.log.Error().Str("reason", m.haltReason).Msg("trading halted")
		}
	}
	return m.haltReason, m.halted
}

// CheckRollbackTriggers reports whether a structural condition warrants
// rolling the strategy back to its parent version.
func (m *Manager) CheckRollbackTriggers() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.RollbackConsecutiveLosses > 0 && m.consecutiveLosses >= m.limits.RollbackConsecutiveLosses {
		return fmt.Sprintf("%d consecutive losses", m.consecutiveLosses), true
	}
	if m.halted && strings.HasPrefix(m.haltReason, reasonDrawdown) {
		return m.haltReason, true
	}
	return "", false
}

// Unhalt clears any standing halt. Operator entry point.
func (m *Manager) Unhalt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		m.log.Warn().Str("reason", m.haltReason).Msg("halt cleared manually")
	}
	m.halted = false
	m.haltReason = ""
}

// Halted reports the current halt flag and reason.
func (m *Manager) Halted() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted, m.haltReason
}

// Limits returns a copy of the configured limits.
func (m *Manager) Limits() domain.RiskLimits {
	return m.limits
}

// Snapshot returns the counters for the status API.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		DailyTrades:       m.dailyTrades,
		DailyPnL:          m.dailyPnL,
		ConsecutiveLosses: m.consecutiveLosses,
		PeakPortfolio:     m.peakPortfolio,
		Halted:            m.halted,
		HaltReason:        m.haltReason,
		KillSwitch:        m.limits.KillSwitch,
	}
}

// SQLite hands aggregates back as int64 or float64 depending on the
// column affinity, so both get coerced here.
func asF64(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	}
	return 0
}

func asI64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	}
	return 0
}
