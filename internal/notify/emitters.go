package notify

import (
	"fmt"
	"time"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

// Convenience emitters. Each one is gated by its configuration flag so
// high-frequency alerts stay off unless explicitly enabled.

// TradeExecuted reports a fill on the fund portfolio.
func (n *Notifier) TradeExecuted(res *domain.TradeResult) {
	if !n.gates.TradeExecuted || res == nil {
		return
	}
	msg := fmt.Sprintf("Trade executed: %s %s qty %.6f @ %.2f (fee %.4f)",
		res.Action, res.Symbol, res.Qty, res.FillPrice, res.Fee)
	if res.Closed {
		msg += fmt.Sprintf("\nRealized P&L: %+.2f USD", res.RealizedPnL)
	}
	n.Send(msg)
}

// StopTriggered reports a position closed by its stop-loss or
// take-profit threshold.
func (n *Notifier) StopTriggered(trade *domain.Trade) {
	if !n.gates.StopTriggered || trade == nil {
		return
	}
	n.Send(fmt.Sprintf("%s hit on %s: closed %.6f @ %.2f, P&L %+.2f USD",
		trade.CloseReason, trade.Symbol, trade.Qty, trade.ExitPrice, trade.PnL))
}

// CandidateCreated reports a new paper-simulation slot.
func (n *Notifier) CandidateCreated(slot int, version int64, durationDays int) {
	if !n.gates.CandidateCreated {
		return
	}
	n.Send(fmt.Sprintf("Candidate strategy v%d deployed to slot %d for a %d-day evaluation.",
		version, slot, durationDays))
}

// CandidateCanceled reports a slot torn down before promotion.
func (n *Notifier) CandidateCanceled(slot int, version int64, reason string) {
	if !n.gates.CandidateCanceled {
		return
	}
	msg := fmt.Sprintf("Candidate strategy v%d in slot %d canceled.", version, slot)
	if reason != "" {
		msg += " Reason: " + reason
	}
	n.Send(msg)
}

// CandidatePromoted reports a candidate becoming the live strategy.
func (n *Notifier) CandidatePromoted(slot int, version int64) {
	if !n.gates.CandidatePromoted {
		return
	}
	n.Send(fmt.Sprintf("Candidate strategy v%d promoted from slot %d to the active strategy.",
		version, slot))
}

// StrategyDeployed reports a strategy version change.
func (n *Notifier) StrategyDeployed(fromVersion, toVersion int64, description string) {
	if !n.gates.StrategyDeployed {
		return
	}
	msg := fmt.Sprintf("Strategy deployed: v%d -> v%d.", fromVersion, toVersion)
	if description != "" {
		msg += "\n" + description
	}
	n.Send(msg)
}

// RollbackAlert reports an automatic strategy rollback.
func (n *Notifier) RollbackAlert(fromVersion, toVersion int64, reason string) {
	if !n.gates.RollbackAlert {
		return
	}
	n.Send(fmt.Sprintf("ROLLBACK: strategy v%d rolled back to v%d.\nReason: %s",
		fromVersion, toVersion, reason))
}

// SystemError reports an error that surfaced to the scheduler.
func (n *Notifier) SystemError(where string, err error) {
	if !n.gates.SystemError || err == nil {
		return
	}
	n.Send(fmt.Sprintf("System error in %s: %v", where, err))
}

// WebsocketFailed reports permanent stream failure and the fallback to
// REST polling.
func (n *Notifier) WebsocketFailed(err error) {
	if !n.gates.WebsocketFailed {
		return
	}
	msg := "Market WebSocket permanently failed; position monitoring switched to REST polling."
	if err != nil {
		msg += fmt.Sprintf("\nLast error: %v", err)
	}
	n.Send(msg)
}

// SystemOnline reports a completed startup.
func (n *Notifier) SystemOnline(mode string, strategyVersion int64, portfolioValue float64) {
	if !n.gates.SystemOnline {
		return
	}
	n.Send(fmt.Sprintf("System online in %s mode. Strategy v%d, portfolio value %.2f USD.",
		mode, strategyVersion, portfolioValue))
}

// CycleStarted reports the nightly orchestrator kicking off.
func (n *Notifier) CycleStarted(cycleID string) {
	if !n.gates.OrchestratorCycleStarted {
		return
	}
	n.Send(fmt.Sprintf("Nightly orchestrator cycle %s started.", cycleID))
}

// CycleCompleted reports the nightly decision and its cost.
func (n *Notifier) CycleCompleted(cycleID, decision string, tokensUsed int64, costUSD float64, elapsed time.Duration) {
	if !n.gates.OrchestratorCycleCompleted {
		return
	}
	n.Send(fmt.Sprintf("Nightly cycle %s completed in %s.\nDecision: %s\nTokens: %d (%.4f USD)",
		cycleID, elapsed.Round(time.Second), decision, tokensUsed, costUSD))
}

// DailySummary reports the end-of-day snapshot.
func (n *Notifier) DailySummary(p *domain.DailyPerformance, openPositions int) {
	if !n.gates.DailySummary || p == nil {
		return
	}
	n.Send(fmt.Sprintf(
		"Daily summary %s\nPortfolio: %.2f USD (cash %.2f)\nTrades: %d (%d W / %d L)\nNet P&L: %+.2f USD, fees %.2f\nOpen positions: %d",
		p.Date, p.PortfolioValue, p.Cash, p.TotalTrades, p.Wins, p.Losses, p.NetPnL, p.FeesTotal, openPositions))
}

// WeeklyReport forwards the weekly aggregation produced by the engine.
func (n *Notifier) WeeklyReport(body string) {
	if !n.gates.WeeklyReport || body == "" {
		return
	}
	n.Send(body)
}
