package orchestrator

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

// gatherContext assembles the five labeled sections the analysis call
// sees. A failed section becomes an error stub; it never aborts the
// cycle.
func (o *Orchestrator) gatherContext(now time.Time) string {
	var b strings.Builder
	b.WriteString("## SECTION A: GROUND-TRUTH BENCHMARKS\n")
	b.WriteString(o.benchmarks(now))
	b.WriteString("\n\n## SECTION B: MARKET ANALYSIS MODULE OUTPUT\n")
	b.WriteString(o.moduleOutput(domain.ModuleMarket))
	b.WriteString("\n\n## SECTION C: TRADE PERFORMANCE MODULE OUTPUT\n")
	b.WriteString(o.moduleOutput(domain.ModuleTrade))
	b.WriteString("\n\n## SECTION D: CURRENT STRATEGY\n")
	b.WriteString(o.strategySection(now))
	b.WriteString("\n\n## SECTION E: OPERATIONAL STATE\n")
	b.WriteString(o.operationalSection(now))
	return b.String()
}

// benchmarks computes section A directly from store data. Nothing here
// passes through an AI-written module.
func (o *Orchestrator) benchmarks(now time.Time) string {
	var b strings.Builder

	prices := o.latestPrices()
	snap := o.tracker.Snapshot(prices)
	fmt.Fprintf(&b, "Portfolio: value %.2f USD, cash %.2f USD, %d open positions, daily pnl %.2f.\n",
		snap.TotalValue, snap.Cash, snap.OpenPositionCount, snap.DailyPnL)
	for _, p := range snap.Positions {
		fmt.Fprintf(&b, "  position %s tag=%s qty=%.6f entry=%.2f now=%.2f unrealized=%.2f\n",
			p.Symbol, p.Tag, p.Qty, p.AvgEntry, p.CurrentPrice, p.UnrealizedPnL)
	}

	since := now.AddDate(0, 0, -30).Unix()
	trades, err := o.portfolioRepo.TradesClosedSince(since)
	if err != nil {
		fmt.Fprintf(&b, "Trades (30d): ERROR: %v\n", err)
	} else {
		wins, losses := 0, 0
		var netPnL, fees float64
		for _, t := range trades {
			if t.PnL >= 0 {
				wins++
			} else {
				losses++
			}
			netPnL += t.PnL
			fees += t.FeesTotal
		}
		winRate := 0.0
		if len(trades) > 0 {
			winRate = float64(wins) / float64(len(trades))
		}
		fmt.Fprintf(&b, "Trades (30d): %d closed, %d W / %d L, win rate %.1f%%, net pnl %.2f USD, fees paid %.2f USD.\n",
			len(trades), wins, losses, winRate*100, netPnL, fees)
	}

	daily, err := o.portfolioRepo.RecentDaily(30)
	if err != nil {
		fmt.Fprintf(&b, "Daily series: ERROR: %v\n", err)
	} else if len(daily) >= 2 {
		// RecentDaily is newest-first; returns need chronological order
		values := make([]float64, 0, len(daily))
		for i := len(daily) - 1; i >= 0; i-- {
			values = append(values, daily[i].PortfolioValue)
		}
		returns := make([]float64, 0, len(values)-1)
		for i := 1; i < len(values); i++ {
			if values[i-1] > 0 {
				returns = append(returns, values[i]/values[i-1]-1)
			}
		}
		if len(returns) >= 2 {
			mean := stat.Mean(returns, nil)
			std := stat.StdDev(returns, nil)
			sharpe := 0.0
			if std > 0 {
				sharpe = mean / std * math.Sqrt(365)
			}
			fmt.Fprintf(&b, "Daily returns (%dd): mean %.4f%%, stddev %.4f%%, annualized sharpe %.2f.\n",
				len(returns), mean*100, std*100, sharpe)
		}
		fmt.Fprintf(&b, "Portfolio value 30d ago %.2f USD, now %.2f USD.\n", values[0], values[len(values)-1])
	} else {
		b.WriteString("Daily series: fewer than two snapshots recorded.\n")
	}

	for _, sym := range o.symbols {
		candles, err := o.market.RecentCandles(sym, domain.Timeframe1d, 30)
		if err != nil || len(candles) < 2 {
			fmt.Fprintf(&b, "%s: insufficient daily candles for buy-and-hold comparison.\n", sym)
			continue
		}
		first, last := candles[0].Close, candles[len(candles)-1].Close
		hold := 0.0
		if first > 0 {
			hold = last/first - 1
		}
		reg := o.regime.Detect(sym, candles)
		fmt.Fprintf(&b, "%s: buy-and-hold %dd %+.2f%% (%.2f -> %.2f), regime %s.\n",
			sym, len(candles), hold*100, first, last, reg.Regime)
	}

	return b.String()
}

// moduleOutput runs one analysis module and renders its result. The
// runner enforces the 30 s timeout; failures yield an error stub.
func (o *Orchestrator) moduleOutput(module string) string {
	active, err := o.analysisRepo.Active(module)
	if err != nil {
		return fmt.Sprintf("ERROR: failed to load %s module: %v", module, err)
	}
	if active == nil {
		return fmt.Sprintf("No %s analysis module deployed yet.", module)
	}

	result, err := o.analysis.Run(active.Code)
	if err != nil {
		return fmt.Sprintf("ERROR: %s module v%d failed: %v", module, active.Version, err)
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprintf("ERROR: %s module v%d returned unserializable output: %v", module, active.Version, err)
	}
	return fmt.Sprintf("%s module v%d output:\n%s", module, active.Version, out)
}

// strategySection renders section D: live code, its provenance and how
// it has traded recently.
func (o *Orchestrator) strategySection(now time.Time) string {
	var b strings.Builder

	active, err := o.strategyRepo.Active()
	if err != nil {
		return fmt.Sprintf("ERROR: failed to load active strategy: %v", err)
	}
	if active == nil {
		return "No active strategy deployed."
	}
	fmt.Fprintf(&b, "Active strategy v%d: %s\n", active.Version, active.Description)

	since := now.AddDate(0, 0, -14).Unix()
	trades, err := o.portfolioRepo.TradesClosedSince(since)
	if err == nil {
		count := 0
		var pnl float64
		for _, t := range trades {
			if t.StrategyVersion == active.Version {
				count++
				pnl += t.PnL
			}
		}
		fmt.Fprintf(&b, "This version closed %d trades in 14d for %.2f USD net.\n", count, pnl)
	}

	history, err := o.strategyRepo.History(10)
	if err == nil && len(history) > 0 {
		b.WriteString("Version history (newest first):\n")
		for _, v := range history {
			state := "never deployed"
			if v.DeployedAt != nil && v.RetiredAt == nil {
				state = "active"
			} else if v.RetiredAt != nil {
				state = "retired"
			}
			fmt.Fprintf(&b, "  v%d (%s): %s\n", v.Version, state, v.Description)
		}
	}

	fmt.Fprintf(&b, "\nCode:\n%s\n", active.Code)
	return b.String()
}

// operationalSection renders section E: budget, slots, observation
// window and signal drought.
func (o *Orchestrator) operationalSection(now time.Time) string {
	var b strings.Builder

	used, errUsed := o.ledger.TokensUsedToday()
	remaining, errRem := o.ledger.Remaining()
	if errUsed != nil || errRem != nil {
		b.WriteString("Token budget: ERROR reading ledger.\n")
	} else {
		fmt.Fprintf(&b, "Token budget: %d used today, %d remaining of %d.\n", used, remaining, o.ledger.Limit())
	}

	statuses := o.candidates.Statuses()
	if len(statuses) == 0 {
		fmt.Fprintf(&b, "Candidate slots: all %d empty.\n", o.candidates.MaxSlots())
	} else {
		fmt.Fprintf(&b, "Candidate slots (%d of %d occupied):\n", len(statuses), o.candidates.MaxSlots())
		for _, s := range statuses {
			ageDays := float64(now.Unix()-s.CreatedAt) / 86400
			fmt.Fprintf(&b, "  slot %d: v%d, %.1f days in, %d trades, win rate %.1f%%, pnl %.2f USD, value %.2f USD\n",
				s.Slot, s.StrategyVersion, ageDays, s.TradeCount, s.WinRate*100, s.TotalPnL, s.TotalValue)
		}
	}

	drought, err := o.repo.SignalDrought(now.Unix())
	if err != nil {
		fmt.Fprintf(&b, "Signal drought: ERROR: %v\n", err)
	} else {
		if drought.LastSignalAt == 0 {
			b.WriteString("Signal drought: no signals ever recorded.\n")
		} else {
			fmt.Fprintf(&b, "Signal drought: last signal %.1f h ago, last executed %.1f h ago, 7d counts %d emitted / %d executed.\n",
				hoursSince(now, drought.LastSignalAt), hoursSince(now, drought.LastExecutedAt),
				drought.Signals7d, drought.Executed7d)
		}
	}

	obs, err := o.repo.RecentObservations(14)
	if err == nil && len(obs) > 0 {
		b.WriteString("Recent observations (newest first):\n")
		for _, ob := range obs {
			day := time.Unix(ob.CreatedAt, 0).In(o.tz).Format("2006-01-02")
			fmt.Fprintf(&b, "  %s: market: %s | strategy: %s", day, ob.MarketNotes, ob.StrategyNotes)
			if ob.NotableFindings != "" {
				fmt.Fprintf(&b, " | notable: %s", ob.NotableFindings)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

func hoursSince(now time.Time, ts int64) float64 {
	if ts == 0 {
		return -1
	}
	return now.Sub(time.Unix(ts, 0)).Hours()
}

// latestPrices returns the freshest close per configured symbol.
func (o *Orchestrator) latestPrices() map[string]float64 {
	prices := make(map[string]float64, len(o.symbols))
	for _, sym := range o.symbols {
		if px, ok := o.market.LatestClose(sym); ok {
			prices[sym] = px
		}
	}
	return prices
}
