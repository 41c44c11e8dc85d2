package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/chrysalisfund/chrysalis/internal/events"
	"github.com/chrysalisfund/chrysalis/internal/strategy"
)

// MonitorPositions re-prices every open position and closes the ones
// that crossed their stop-loss or take-profit. Runs every 30 seconds.
func (e *Engine) MonitorPositions(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prices := e.monitorPricesLocked()
	if len(prices) == 0 {
		e.log.Debug().Msg("no prices for position monitor")
		return nil
	}

	for _, trig := range e.tracker.UpdatePrices(prices) {
		_, taker := e.feeFor(trig.Symbol)
		res, err := e.tracker.CloseTriggered(ctx, trig, taker, e.regimes[trig.Symbol])
		if err != nil {
			e.log.Error().Err(err).Str("tag", trig.Tag).Msg("triggered close failed")
			continue
		}
		e.risk.RecordTradeResult(res.RealizedPnL)
		e.events.Emit(events.PositionClosed,
			fmt.Sprintf("%s %s closed at %.2f", trig.Symbol, trig.Reason, res.FillPrice),
			map[string]any{
				"tag":    trig.Tag,
				"symbol": trig.Symbol,
				"reason": string(trig.Reason),
				"pnl":    res.RealizedPnL,
			})
		if res.Trade != nil {
			e.notifier.StopTriggered(res.Trade)
			if e.strat != nil {
				if err := e.strat.OnPositionClosed(*res.Trade); err != nil {
					e.log.Warn().Err(err).Msg("strategy on_position_closed hook failed")
				}
			}
		}
	}

	e.candidates.CheckSLTP(prices, e.cfg.Exchange.TakerFeePct)

	total := e.tracker.TotalValue(prices)
	e.risk.UpdatePortfolioPeak(total)
	e.risk.CheckDrawdownHalt(total)
	e.checkRollbackLocked()
	return nil
}

// monitorPricesLocked polls REST quotes only when the stream is down.
func (e *Engine) monitorPricesLocked() map[string]float64 {
	if !e.streamHealthyLocked() && e.feed != nil {
		tickers, err := e.feed.GetTicker(e.symbols)
		if err != nil {
			e.log.Warn().Err(err).Msg("monitor ticker poll failed, using cached quotes")
		} else {
			for sym, tk := range tickers {
				e.tickers[sym] = tk
			}
		}
	}
	return e.currentPricesLocked()
}

// noteHaltLocked emits the halt event once per episode, not every tick.
func (e *Engine) noteHaltLocked(reason string) {
	if e.haltNoted == reason {
		return
	}
	e.haltNoted = reason
	e.log.Error().Str("reason", reason).Msg("trading halted")
	e.events.Emit(events.RiskHalt, reason, map[string]any{"reason": reason})
}

// checkRollbackLocked reverts to the parent strategy version when the
// risk manager reports a structural failure (drawdown or loss streak).
// One rollback per episode; the halt itself stays up until a winning
// exit or a manual unhalt.
func (e *Engine) checkRollbackLocked() {
	reason, triggered := e.risk.CheckRollbackTriggers()
	if !triggered {
		e.rolledBack = false
		e.haltNoted = ""
		return
	}
	e.noteHaltLocked(reason)
	if e.rolledBack {
		return
	}
	e.rolledBack = true

	active, err := e.strategyRepo.Active()
	if err != nil || active == nil {
		e.log.Error().Err(err).Msg("rollback triggered with no active strategy row")
		return
	}
	if active.ParentVersion == nil {
		e.log.Warn().Str("reason", reason).Int64("version", active.Version).
			Msg("rollback triggered on a version with no parent, halting only")
		return
	}
	parent, err := e.strategyRepo.ByVersion(*active.ParentVersion)
	if err != nil || parent == nil {
		e.log.Error().Err(err).Int64("parent", *active.ParentVersion).Msg("parent version missing, halting only")
		return
	}

	inst, err := strategy.NewInstance(parent.Code, parent.Version, e.log)
	if err == nil {
		err = inst.Initialize(e.cfg.Risk, e.symbols)
	}
	if err != nil {
		e.log.Error().Err(err).Int64("version", parent.Version).Msg("parent strategy failed to load, halting only")
		e.events.EmitError("engine", err)
		return
	}
	now := time.Now().Unix()
	if err := e.strategyRepo.Deploy(parent.Version, now); err != nil {
		e.log.Error().Err(err).Msg("rollback deploy failed")
		return
	}
	e.strat = inst
	e.tracker.SetStrategyVersion(parent.Version)
	if err := e.loader.WriteFile(parent.Code); err != nil {
		e.log.Warn().Err(err).Msg("could not write rolled-back strategy file")
	}

	e.log.Warn().
		Int64("from", active.Version).
		Int64("to", parent.Version).
		Str("reason", reason).
		Msg("strategy rolled back")
	e.events.Emit(events.StrategyRolledBack,
		fmt.Sprintf("v%d rolled back to v%d: %s", active.Version, parent.Version, reason),
		map[string]any{
			"from_version": active.Version,
			"to_version":   parent.Version,
			"reason":       reason,
		})
	e.notifier.RollbackAlert(active.Version, parent.Version, reason)
}

// CheckFees refreshes the per-pair maker/taker schedule. Needs private
// API credentials; without them the configured defaults stand.
func (e *Engine) CheckFees() error {
	if e.feed == nil || e.cfg.Secrets.ExchangeAPIKey == "" {
		e.log.Debug().Msg("fee check skipped, no exchange credentials")
		return nil
	}
	fees, err := e.feed.TradeVolume(e.symbols)
	if err != nil {
		return fmt.Errorf("fee schedule refresh: %w", err)
	}

	e.mu.Lock()
	for sym, pf := range fees {
		e.fees[sym] = pf
	}
	e.mu.Unlock()
	e.log.Info().Int("pairs", len(fees)).Msg("fee schedule refreshed")
	return nil
}

// DailySnapshot writes today's performance row at 23:55 local time and
// checkpoints candidate state.
func (e *Engine) DailySnapshot() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prices := e.currentPricesLocked(); len(prices) > 0 {
		e.tracker.UpdatePrices(prices)
	}
	perf, err := e.tracker.SnapshotDaily(e.tz, e.risk.Snapshot().PeakPortfolio)
	if err != nil {
		return err
	}
	e.notifier.DailySummary(perf, e.tracker.OpenPositionCount())

	if err := e.candidates.PersistState(); err != nil {
		e.log.Warn().Err(err).Msg("candidate state persist failed")
	}
	return nil
}

// DailyReset re-bases the daily loss limit at midnight. Streak and
// drawdown halts survive; only the day counters clear.
func (e *Engine) DailyReset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tracker.ResetDaily()
	e.risk.ResetDaily()
	e.events.Emit(events.RiskReset, "daily counters reset", nil)
	e.log.Info().Msg("daily reset complete")
	return nil
}

// WeeklyReport assembles the Sunday-evening summary: seven days of
// performance, candidate scoreboards, and process health.
func (e *Engine) WeeklyReport() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	days, err := e.portfolioRepo.RecentDaily(7)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("WEEKLY REPORT\n")

	var netPnL, feesTotal float64
	var trades, wins int
	for _, d := range days {
		netPnL += d.NetPnL
		feesTotal += d.FeesTotal
		trades += d.TotalTrades
		wins += d.Wins
	}
	fmt.Fprintf(&b, "Last %d day(s): %d trades, %d wins, net %.2f USD, fees %.2f USD\n",
		len(days), trades, wins, netPnL, feesTotal)
	if len(days) > 0 {
		fmt.Fprintf(&b, "Portfolio value: %.2f USD (cash %.2f)\n", days[0].PortfolioValue, days[0].Cash)
	}
	if e.strat != nil {
		fmt.Fprintf(&b, "Strategy: v%d\n", e.strat.Version())
	}
	if halted, reason := e.risk.Halted(); halted {
		fmt.Fprintf(&b, "HALTED: %s\n", reason)
	}

	statuses := e.candidates.Statuses()
	fmt.Fprintf(&b, "Candidates: %d running\n", len(statuses))
	for _, s := range statuses {
		fmt.Fprintf(&b, "  slot %d: v%d, %d trades, pnl %.2f, value %.2f\n",
			s.Slot, s.StrategyVersion, s.TradeCount, s.TotalPnL, s.TotalValue)
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			fmt.Fprintf(&b, "RSS: %.1f MB\n", float64(mi.RSS)/(1<<20))
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			fmt.Fprintf(&b, "CPU: %.1f%%\n", cpu)
		}
	}
	fmt.Fprintf(&b, "Uptime: %s", time.Since(e.startedAt).Round(time.Minute))

	e.notifier.WeeklyReport(b.String())
	e.log.Info().Int("days", len(days)).Msg("weekly report sent")
	return nil
}
