// Package orchestrator runs the nightly self-improvement cycle: gather
// context, ask the strong model for a decision, dispatch it through the
// code-generation pipelines, and leave an audit trail behind.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/ai"
	"github.com/chrysalisfund/chrysalis/internal/analysis"
	"github.com/chrysalisfund/chrysalis/internal/candidates"
	"github.com/chrysalisfund/chrysalis/internal/config"
	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/events"
	"github.com/chrysalisfund/chrysalis/internal/marketdata"
	"github.com/chrysalisfund/chrysalis/internal/notify"
	"github.com/chrysalisfund/chrysalis/internal/portfolio"
	"github.com/chrysalisfund/chrysalis/internal/regime"
	"github.com/chrysalisfund/chrysalis/internal/sandbox"
	"github.com/chrysalisfund/chrysalis/internal/strategy"
)

// auditRetentionDays bounds the thought/observation tables.
const auditRetentionDays = 30

// backtestTimeout caps one backtest run inside the strategy pipeline.
const backtestTimeout = 60 * time.Second

// StrategySwapper is told about a freshly deployed strategy version.
// The engine applies the swap before its next scan.
type StrategySwapper interface {
	RequestStrategySwap(code string, version int64)
}

// BackupRunner uploads a store snapshot. Nil disables the step.
type BackupRunner interface {
	Run(ctx context.Context) error
}

// Deps wires the orchestrator into the rest of the system.
type Deps struct {
	Client        *ai.Client
	Ledger        *ai.Ledger
	Repo          *Repository
	Tracker       *portfolio.Tracker
	PortfolioRepo *portfolio.Repository
	StrategyRepo  *strategy.Repository
	Loader        *strategy.Loader
	Analysis      *analysis.Runner
	AnalysisRepo  *analysis.Repository
	Candidates    *candidates.Manager
	Market        *marketdata.Service
	Regime        *regime.Detector
	Sandbox       *sandbox.Sandbox
	Events        *events.Manager
	Notifier      *notify.Notifier
	Swapper       StrategySwapper // may be nil
	Backup        BackupRunner    // may be nil
}

// Orchestrator owns the nightly cycle. A second concurrent fire returns
// a skip report immediately.
type Orchestrator struct {
	mu sync.Mutex

	client        *ai.Client
	ledger        *ai.Ledger
	repo          *Repository
	tracker       *portfolio.Tracker
	portfolioRepo *portfolio.Repository
	strategyRepo  *strategy.Repository
	loader        *strategy.Loader
	analysis      *analysis.Runner
	analysisRepo  *analysis.Repository
	candidates    *candidates.Manager
	market        *marketdata.Service
	regime        *regime.Detector
	sandbox       *sandbox.Sandbox
	events        *events.Manager
	notifier      *notify.Notifier
	swapper       StrategySwapper
	backup        BackupRunner

	cfg     *config.Config
	symbols []string
	tz      *time.Location
	log     zerolog.Logger
}

func New(deps Deps, cfg *config.Config, log zerolog.Logger) *Orchestrator {
	tz := cfg.Location
	if tz == nil {
		tz = time.UTC
	}
	return &Orchestrator{
		client:        deps.Client,
		ledger:        deps.Ledger,
		repo:          deps.Repo,
		tracker:       deps.Tracker,
		portfolioRepo: deps.PortfolioRepo,
		strategyRepo:  deps.StrategyRepo,
		loader:        deps.Loader,
		analysis:      deps.Analysis,
		analysisRepo:  deps.AnalysisRepo,
		candidates:    deps.Candidates,
		market:        deps.Market,
		regime:        deps.Regime,
		sandbox:       deps.Sandbox,
		events:        deps.Events,
		notifier:      deps.Notifier,
		swapper:       deps.Swapper,
		backup:        deps.Backup,
		cfg:           cfg,
		symbols:       cfg.Markets.Symbols,
		tz:            tz,
		log:           log.With().Str("component", "orchestrator").Logger(),
	}
}

// CycleReport is what one nightly run produced.
type CycleReport struct {
	CycleID     string        `json:"cycle_id"`
	Skipped     bool          `json:"skipped"`
	SkipReason  string        `json:"skip_reason,omitempty"`
	Decision    string        `json:"decision"`
	Detail      string        `json:"detail,omitempty"`
	TokensUsed  int64         `json:"tokens_used"`
	CostUSD     float64       `json:"cost_usd"`
	VersionFrom int64         `json:"version_from,omitempty"`
	VersionTo   int64         `json:"version_to,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// cycle accumulates one run's identity and spend.
type cycle struct {
	id      string
	started time.Time
	tokens  int64
	cost    float64
}

// RunNightlyCycle executes the pipeline end to end. It never returns an
// error: failures are logged, notified and absorbed so one bad night
// cannot stop the system.
func (o *Orchestrator) RunNightlyCycle(ctx context.Context) *CycleReport {
	if !o.mu.TryLock() {
		o.log.Warn().Msg("nightly cycle already running, skipping")
		return &CycleReport{Skipped: true, SkipReason: "cycle already running", Decision: DecisionNoChange}
	}
	defer o.mu.Unlock()

	cyc := &cycle{id: uuid.NewString(), started: time.Now()}
	report := &CycleReport{CycleID: cyc.id, Decision: DecisionNoChange}

	remaining, err := o.ledger.Remaining()
	if err != nil {
		report.Skipped = true
		report.SkipReason = fmt.Sprintf("token ledger unavailable: %v", err)
	} else if remaining < o.cfg.AI.MinCycleBudgetTokens {
		report.Skipped = true
		report.SkipReason = fmt.Sprintf("remaining token budget %d below cycle floor %d",
			remaining, o.cfg.AI.MinCycleBudgetTokens)
	}
	if report.Skipped {
		o.log.Info().Str("cycle_id", cyc.id).Str("reason", report.SkipReason).Msg("nightly cycle skipped")
		o.events.Emit(events.CycleSkipped, report.SkipReason, map[string]any{"cycle_id": cyc.id})
		return report
	}

	o.log.Info().Str("cycle_id", cyc.id).Int64("budget_remaining", remaining).Msg("nightly cycle started")
	o.events.Emit(events.CycleStarted, "nightly cycle started", map[string]any{"cycle_id": cyc.id})
	o.notifier.CycleStarted(cyc.id)

	o.runPipeline(ctx, cyc, report)

	report.TokensUsed = cyc.tokens
	report.CostUSD = cyc.cost

	if err := o.repo.InsertLog(&LogEntry{
		CycleID:     cyc.id,
		Decision:    report.Decision,
		Detail:      report.Detail,
		TokensUsed:  report.TokensUsed,
		CostUSD:     report.CostUSD,
		VersionFrom: report.VersionFrom,
		VersionTo:   report.VersionTo,
		CreatedAt:   time.Now().Unix(),
	}); err != nil {
		o.log.Error().Err(err).Msg("failed to write orchestrator log row")
	}

	o.maintenance()
	o.runBackup(ctx)

	report.Elapsed = time.Since(cyc.started)
	o.log.Info().
		Str("cycle_id", cyc.id).
		Str("decision", report.Decision).
		Int64("tokens", report.TokensUsed).
		Float64("cost_usd", report.CostUSD).
		Dur("elapsed", report.Elapsed).
		Msg("nightly cycle complete")
	o.events.Emit(events.CycleComplete, "nightly cycle complete", map[string]any{
		"cycle_id": cyc.id,
		"decision": report.Decision,
		"tokens":   report.TokensUsed,
	})
	o.notifier.CycleCompleted(cyc.id, report.Decision, report.TokensUsed, report.CostUSD, report.Elapsed)
	return report
}

// runPipeline is the recover boundary: context, decision, dispatch and
// the observation row all happen inside it.
func (o *Orchestrator) runPipeline(ctx context.Context, cyc *cycle, report *CycleReport) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("nightly cycle panic: %v", r)
			o.log.Error().Str("cycle_id", cyc.id).Msg(err.Error())
			o.notifier.SystemError("orchestrator", err)
			report.Detail = joinDetail(report.Detail, err.Error())
		}
	}()

	contextText := o.gatherContext(time.Now().In(o.tz))
	decision := o.decide(ctx, cyc, contextText)
	report.Decision = decision.Decision
	o.log.Info().Str("cycle_id", cyc.id).Str("decision", decision.Decision).Str("reasoning", decision.Reasoning).Msg("nightly decision")

	switch decision.Decision {
	case DecisionNoChange:
		// observation and maintenance only

	case DecisionMarketAnalysisUpdate:
		if err := o.runAnalysisPipeline(ctx, cyc, domain.ModuleMarket, decision.Instructions); err != nil {
			report.Detail = joinDetail(report.Detail, err.Error())
		}

	case DecisionTradeAnalysisUpdate:
		if err := o.runAnalysisPipeline(ctx, cyc, domain.ModuleTrade, decision.Instructions); err != nil {
			report.Detail = joinDetail(report.Detail, err.Error())
		}

	case DecisionCreateCandidate:
		if err := o.runStrategyPipeline(ctx, cyc, decision, report); err != nil {
			report.Detail = joinDetail(report.Detail, err.Error())
		}

	case DecisionCancelCandidate:
		version := o.slotVersion(decision.Slot)
		reason := "orchestrator decision"
		if decision.Reasoning != "" {
			reason = decision.Reasoning
		}
		if err := o.candidates.CancelCandidate(decision.Slot, reason); err != nil {
			report.Detail = joinDetail(report.Detail, err.Error())
		} else {
			o.notifier.CandidateCanceled(decision.Slot, version, reason)
		}

	case DecisionPromoteCandidate:
		o.promote(ctx, decision, report)
	}

	obs := &Observation{
		CycleID:         cyc.id,
		MarketNotes:     decision.MarketNotes,
		StrategyNotes:   decision.StrategyNotes,
		NotableFindings: decision.NotableFindings,
		CreatedAt:       time.Now().Unix(),
	}
	if obs.MarketNotes == "" && obs.StrategyNotes == "" {
		obs.StrategyNotes = decision.Reasoning
	}
	if err := o.repo.InsertObservation(obs); err != nil {
		o.log.Error().Err(err).Msg("failed to store nightly observation")
	}
}

// decide makes the single strong-model analysis call. Any failure
// collapses to NO_CHANGE.
func (o *Orchestrator) decide(ctx context.Context, cyc *cycle, contextText string) Decision {
	text, err := o.ask(ctx, cyc, "analysis", o.cfg.AI.StrongModel,
		analysisSystemPrompt, contextText, 4096, "nightly_analysis")
	if err != nil {
		o.log.Error().Err(err).Str("cycle_id", cyc.id).Msg("analysis call failed, defaulting to NO_CHANGE")
		return Decision{Decision: DecisionNoChange, Reasoning: "analysis call failed: " + err.Error()}
	}
	d, ok := parseDecision(text)
	if !ok {
		o.log.Warn().Str("cycle_id", cyc.id).Str("got", d.Reasoning).Msg("analysis response defaulted to NO_CHANGE")
	}
	return d
}

// ask sends one prompt and spools the exchange. Token spend accrues to
// the cycle.
func (o *Orchestrator) ask(ctx context.Context, cyc *cycle, step, model, system, prompt string, maxTokens int, purpose string) (string, error) {
	comp, err := o.client.Complete(ctx, ai.CompletionRequest{
		Model:     model,
		System:    system,
		Prompt:    prompt,
		MaxTokens: maxTokens,
		Purpose:   purpose,
	})
	now := time.Now().Unix()
	if err != nil {
		spoolErr := o.repo.InsertThought(&Thought{
			CycleID: cyc.id, Step: step, Model: model,
			Prompt: prompt, Response: "(error) " + err.Error(), CreatedAt: now,
		})
		if spoolErr != nil {
			o.log.Error().Err(spoolErr).Str("step", step).Msg("failed to spool thought")
		}
		return "", err
	}
	cyc.tokens += comp.InputTokens + comp.OutputTokens
	cyc.cost += comp.CostUSD
	if err := o.repo.InsertThought(&Thought{
		CycleID: cyc.id, Step: step, Model: comp.Model,
		Prompt: prompt, Response: comp.Text, Parsed: parsedResult(comp.Text), CreatedAt: now,
	}); err != nil {
		o.log.Error().Err(err).Str("step", step).Msg("failed to spool thought")
	}
	return comp.Text, nil
}

// promote makes a candidate the live strategy, optionally flattening
// the fund book first.
func (o *Orchestrator) promote(ctx context.Context, decision Decision, report *CycleReport) {
	if decision.PositionHandling == HandlingCloseAll {
		o.closeAllPositions(ctx)
	}

	var from int64
	if active, err := o.strategyRepo.Active(); err == nil && active != nil {
		from = active.Version
	}

	winner, err := o.candidates.PromoteCandidate(decision.Slot)
	if err != nil {
		report.Detail = joinDetail(report.Detail, err.Error())
		return
	}

	now := time.Now().Unix()
	if err := o.strategyRepo.Deploy(winner.StrategyVersion, now); err != nil {
		report.Detail = joinDetail(report.Detail, fmt.Sprintf("promotion deploy failed: %v", err))
		return
	}
	if err := o.loader.WriteFile(winner.Code); err != nil {
		o.log.Warn().Err(err).Msg("failed to write promoted strategy file")
	}
	if o.swapper != nil {
		o.swapper.RequestStrategySwap(winner.Code, winner.StrategyVersion)
	}

	report.VersionFrom = from
	report.VersionTo = winner.StrategyVersion

	o.events.Emit(events.StrategyDeployed, fmt.Sprintf("strategy v%d promoted from slot %d", winner.StrategyVersion, decision.Slot),
		map[string]any{"version_from": from, "version_to": winner.StrategyVersion, "slot": decision.Slot})
	o.notifier.CandidatePromoted(decision.Slot, winner.StrategyVersion)
	o.notifier.StrategyDeployed(from, winner.StrategyVersion,
		fmt.Sprintf("Promoted from candidate slot %d (%s positions).", decision.Slot, decision.PositionHandling))
	o.log.Info().
		Int("slot", decision.Slot).
		Int64("version_from", from).
		Int64("version_to", winner.StrategyVersion).
		Msg("candidate promoted to active strategy")
}

// closeAllPositions flattens the fund book ahead of a promotion.
func (o *Orchestrator) closeAllPositions(ctx context.Context) {
	prices := o.latestPrices()
	for _, p := range o.tracker.Positions() {
		px := prices[p.Symbol]
		if px <= 0 {
			px = p.CurrentPrice
		}
		if px <= 0 {
			o.log.Error().Str("tag", p.Tag).Msg("no price to close position before promotion")
			continue
		}
		sig := domain.Signal{
			Symbol:    p.Symbol,
			Action:    domain.ActionClose,
			Tag:       p.Tag,
			Intent:    p.Intent,
			Reasoning: "flattened before strategy promotion",
		}
		if _, err := o.tracker.ExecuteSignal(ctx, sig, px, o.cfg.Exchange.MakerFeePct, o.cfg.Exchange.TakerFeePct, ""); err != nil {
			o.log.Error().Err(err).Str("tag", p.Tag).Msg("failed to close position before promotion")
		}
	}
}

// maintenance runs the nightly store upkeep: candle aggregation and
// pruning plus audit-trail retention.
func (o *Orchestrator) maintenance() {
	policy := marketdata.RetentionPolicy{
		Days5m:  o.cfg.Data.Retention5mDays,
		Days1h:  o.cfg.Data.Retention1hDays,
		Years1d: o.cfg.Data.Retention1dYears,
	}
	if stats, err := o.market.RunMaintenance(policy); err != nil {
		o.log.Error().Err(err).Msg("data maintenance failed")
	} else {
		o.log.Info().
			Int("aggregated_1h", stats.Aggregated1h).
			Int("aggregated_1d", stats.Aggregated1d).
			Int64("pruned_5m", stats.Pruned5m).
			Int64("pruned_1h", stats.Pruned1h).
			Int64("pruned_1d", stats.Pruned1d).
			Msg("data maintenance complete")
	}

	cutoff := time.Now().AddDate(0, 0, -auditRetentionDays).Unix()
	if n, err := o.repo.PruneAudit(cutoff); err != nil {
		o.log.Error().Err(err).Msg("audit retention failed")
	} else if n > 0 {
		o.log.Info().Int64("rows", n).Msg("pruned orchestrator audit rows")
	}
}

func (o *Orchestrator) runBackup(ctx context.Context) {
	if o.backup == nil {
		return
	}
	if err := o.backup.Run(ctx); err != nil {
		o.log.Error().Err(err).Msg("store backup failed")
	}
}

// slotVersion resolves the strategy version running in a slot, zero
// when the slot is empty.
func (o *Orchestrator) slotVersion(slot int) int64 {
	for _, s := range o.candidates.Statuses() {
		if s.Slot == slot {
			return s.StrategyVersion
		}
	}
	return 0
}

func joinDetail(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
