package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chrysalisfund/chrysalis/internal/ai"
	"github.com/chrysalisfund/chrysalis/internal/backtest"
	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/strategy"
)

// Backtest candle windows. The 1h window sets the replay span; 5m bars
// only exist inside their retention window and the engine falls back to
// hourly stop checks before that.
const (
	btWindow5m = 8640 // 30 days
	btWindow1h = 2160 // 90 days
	btWindow1d = 365
)

// runAnalysisPipeline regenerates one read-only analysis module:
// generate with the weak model, review with the strong model, sandbox,
// deploy. Rejections feed back into the next revision.
func (o *Orchestrator) runAnalysisPipeline(ctx context.Context, cyc *cycle, module, instructions string) error {
	maxRevisions := o.cfg.Orchestrator.MaxRevisions
	if maxRevisions < 1 {
		maxRevisions = 1
	}

	var currentCode string
	if active, err := o.analysisRepo.Active(module); err == nil && active != nil {
		currentCode = active.Code
	}
	schema := o.schemaText()

	var feedback []string
	for rev := 1; rev <= maxRevisions; rev++ {
		prompt := o.analysisGenPrompt(module, instructions, currentCode, schema, feedback)
		raw, err := o.ask(ctx, cyc, fmt.Sprintf("analysis_generation_r%d", rev),
			o.cfg.AI.WeakModel, analysisGenSystemPrompt, prompt, 0, "analysis_generation")
		if err != nil {
			return fmt.Errorf("%s analysis generation failed: %w", module, err)
		}
		code := ai.StripCodeFences(raw)

		reviewPrompt := fmt.Sprintf("Module kind: %s\nInstructions for this update:\n%s\n\nProposed code:\n%s", module, instructions, code)
		reviewRaw, err := o.ask(ctx, cyc, fmt.Sprintf("analysis_review_r%d", rev),
			o.cfg.AI.StrongModel, analysisReviewSystemPrompt, reviewPrompt, 2048, "analysis_review")
		if err != nil {
			return fmt.Errorf("%s analysis review failed: %w", module, err)
		}
		review, _ := parseCodeReview(reviewRaw)
		if !review.Approved {
			feedback = append(feedback, "Reviewer rejection: "+review.Feedback)
			o.log.Info().Str("module", module).Int("revision", rev).Str("feedback", review.Feedback).Msg("analysis code rejected by review")
			continue
		}

		if res := o.sandbox.ValidateAnalysis(code); !res.Passed {
			feedback = append(feedback, "Sandbox failure: "+strings.Join(res.Errors, "; "))
			o.log.Info().Str("module", module).Int("revision", rev).Strs("errors", res.Errors).Msg("analysis code failed sandbox")
			continue
		}

		desc := instructions
		if desc == "" {
			desc = "nightly " + module + " analysis update"
		}
		version, err := o.analysisRepo.Deploy(module, code, desc, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("%s analysis deploy failed: %w", module, err)
		}
		o.log.Info().Str("module", module).Int64("version", version).Int("revisions", rev).Msg("analysis module deployed")
		return nil
	}
	return fmt.Errorf("%s analysis pipeline exhausted %d revisions", module, maxRevisions)
}

func (o *Orchestrator) analysisGenPrompt(module, instructions, currentCode, schema string, feedback []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the %q analysis module.\n\n", module)
	if instructions != "" {
		b.WriteString("Direction from tonight's analysis:\n" + instructions + "\n\n")
	}
	b.WriteString("Database schema (tables and columns):\n" + schema + "\n\n")
	if currentCode != "" {
		b.WriteString("Current module code, to improve on:\n" + currentCode + "\n\n")
	}
	for _, f := range feedback {
		b.WriteString("Previous attempt failed. " + f + "\n")
	}
	return b.String()
}

// schemaText renders the read-only schema map for prompts.
func (o *Orchestrator) schemaText() string {
	schema, err := o.analysis.Schema()
	if err != nil {
		return "(schema unavailable: " + err.Error() + ")"
	}
	tables := make([]string, 0, len(schema))
	for t := range schema {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	var b strings.Builder
	for _, t := range tables {
		fmt.Fprintf(&b, "- %s(%s)\n", t, strings.Join(schema[t], ", "))
	}
	return b.String()
}

// runStrategyPipeline drives the nested candidate-creation loops. The
// outer loop carries the reviewing model's strategic direction, the
// inner loop grinds out code that passes sandbox and review.
func (o *Orchestrator) runStrategyPipeline(ctx context.Context, cyc *cycle, decision Decision, report *CycleReport) error {
	maxIterations := o.cfg.Orchestrator.MaxStrategyIterations
	if maxIterations < 1 {
		maxIterations = 1
	}

	var currentCode string
	var currentVersion int64
	if active, err := o.strategyRepo.Active(); err == nil && active != nil {
		currentCode = active.Code
		currentVersion = active.Version
	}

	direction := decision.Instructions
	if direction == "" {
		direction = decision.Reasoning
	}

	var attempts []string
	for iter := 1; iter <= maxIterations; iter++ {
		code, err := o.generateStrategy(ctx, cyc, iter, direction, currentCode, currentVersion)
		if err != nil {
			return err
		}

		result, err := o.backtestCode(ctx, code)
		if err != nil {
			o.log.Warn().Err(err).Int("iteration", iter).Msg("candidate strategy crashed during backtest")
			attempts = append(attempts, fmt.Sprintf("Attempt %d: crashed during backtest: %v", iter, err))
			direction = fmt.Sprintf("The previous version crashed during backtest (%v). Fix the defect and make the strategy robust to sparse or missing candle data.", err)
			continue
		}

		verdict, err := o.reviewBacktest(ctx, cyc, iter, direction, result, attempts)
		if err != nil {
			return err
		}
		if verdict.Deploy {
			return o.deployCandidate(code, result, verdict, report)
		}
		attempts = append(attempts, fmt.Sprintf("Attempt %d: backtest net pnl %.2f, win rate %.1f%%, max drawdown %.1f%%; rejected: %s",
			iter, result.NetPnL, result.WinRate*100, result.MaxDrawdownPct*100, verdict.Reasoning))
		direction = verdict.RevisionInstructions
		if direction == "" {
			direction = verdict.Reasoning
		}
		o.log.Info().Int("iteration", iter).Str("reasoning", verdict.Reasoning).Msg("backtest review rejected candidate")
	}
	return fmt.Errorf("strategy pipeline exhausted %d iterations without an approved candidate", maxIterations)
}

// generateStrategy is the inner loop: weak model writes code, sandbox
// gates it, strong model reviews the change against the IO contract.
func (o *Orchestrator) generateStrategy(ctx context.Context, cyc *cycle, iter int, direction, currentCode string, currentVersion int64) (string, error) {
	maxRevisions := o.cfg.Orchestrator.MaxRevisions
	if maxRevisions < 1 {
		maxRevisions = 1
	}

	var feedback []string
	for rev := 1; rev <= maxRevisions; rev++ {
		prompt := o.strategyGenPrompt(direction, currentCode, currentVersion, feedback)
		raw, err := o.ask(ctx, cyc, fmt.Sprintf("strategy_generation_i%d_r%d", iter, rev),
			o.cfg.AI.WeakModel, strategyGenSystemPrompt, prompt, 0, "strategy_generation")
		if err != nil {
			return "", fmt.Errorf("strategy generation failed: %w", err)
		}
		code := ai.StripCodeFences(raw)

		if res := o.sandbox.ValidateStrategy(code); !res.Passed {
			feedback = append(feedback, "Sandbox failure: "+strings.Join(res.Errors, "; "))
			o.log.Info().Int("iteration", iter).Int("revision", rev).Strs("errors", res.Errors).Msg("strategy code failed sandbox")
			continue
		}

		reviewPrompt := o.strategyReviewPrompt(code, currentCode, currentVersion, direction)
		reviewRaw, err := o.ask(ctx, cyc, fmt.Sprintf("strategy_review_i%d_r%d", iter, rev),
			o.cfg.AI.StrongModel, strategyReviewSystemPrompt, reviewPrompt, 2048, "code_review")
		if err != nil {
			return "", fmt.Errorf("strategy review failed: %w", err)
		}
		review, _ := parseCodeReview(reviewRaw)
		if !review.Approved {
			feedback = append(feedback, "Reviewer rejection: "+review.Feedback)
			o.log.Info().Int("iteration", iter).Int("revision", rev).Str("feedback", review.Feedback).Msg("strategy code rejected by review")
			continue
		}
		return code, nil
	}
	return "", fmt.Errorf("strategy generation exhausted %d revisions in iteration %d", maxRevisions, iter)
}

func (o *Orchestrator) strategyGenPrompt(direction, currentCode string, currentVersion int64, feedback []string) string {
	var b strings.Builder
	b.WriteString("Write a complete trading strategy for the fund.\n\n")
	if direction != "" {
		b.WriteString("Strategic direction:\n" + direction + "\n\n")
	}
	fmt.Fprintf(&b, "Markets traded: %s.\n\n", strings.Join(o.symbols, ", "))
	if currentCode != "" {
		fmt.Fprintf(&b, "Current active strategy (v%d), for reference:\n%s\n\n", currentVersion, currentCode)
	}
	for _, f := range feedback {
		b.WriteString("Previous attempt failed. " + f + "\n")
	}
	return b.String()
}

func (o *Orchestrator) strategyReviewPrompt(code, currentCode string, currentVersion int64, direction string) string {
	var b strings.Builder
	if direction != "" {
		b.WriteString("Strategic direction for this change:\n" + direction + "\n\n")
	}
	if currentCode != "" {
		fmt.Fprintf(&b, "Current active strategy (v%d):\n%s\n\n", currentVersion, currentCode)
	} else {
		b.WriteString("No strategy is currently active; this is the first deployment.\n\n")
	}
	b.WriteString("Proposed strategy:\n" + code + "\n")
	return b.String()
}

// backtestCode replays recent history through freshly loaded code. The
// engine honors the deadline between ticks; the worker goroutine covers
// a strategy call that refuses to return.
func (o *Orchestrator) backtestCode(ctx context.Context, code string) (*backtest.Result, error) {
	inst, err := strategy.NewInstance(code, 0, o.log)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if err := inst.Initialize(o.cfg.Risk, o.symbols); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	data, err := o.backtestData()
	if err != nil {
		return nil, err
	}

	balance := o.tracker.TotalValue(o.latestPrices())
	if balance <= 0 {
		balance = o.cfg.General.PaperBalanceUSD
	}
	engine := backtest.NewEngine(backtest.Config{
		InitialBalance: balance,
		MakerFeePct:    o.cfg.Exchange.MakerFeePct,
		TakerFeePct:    o.cfg.Exchange.TakerFeePct,
		Slippage:       o.cfg.General.DefaultSlippageFactor,
		Limits:         o.cfg.Risk,
		Timezone:       o.tz,
	}, o.log)

	btCtx, cancel := context.WithTimeout(ctx, backtestTimeout)
	defer cancel()

	type outcome struct {
		res *backtest.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := engine.Run(btCtx, inst, data)
		done <- outcome{res: res, err: err}
	}()
	select {
	case out := <-done:
		return out.res, out.err
	case <-btCtx.Done():
		return nil, fmt.Errorf("timed out after %s", backtestTimeout)
	}
}

func (o *Orchestrator) backtestData() (map[string]backtest.MarketData, error) {
	data := make(map[string]backtest.MarketData, len(o.symbols))
	for _, sym := range o.symbols {
		m5, err := o.market.RecentCandles(sym, domain.Timeframe5m, btWindow5m)
		if err != nil {
			return nil, fmt.Errorf("candles %s 5m: %w", sym, err)
		}
		h1, err := o.market.RecentCandles(sym, domain.Timeframe1h, btWindow1h)
		if err != nil {
			return nil, fmt.Errorf("candles %s 1h: %w", sym, err)
		}
		d1, err := o.market.RecentCandles(sym, domain.Timeframe1d, btWindow1d)
		if err != nil {
			return nil, fmt.Errorf("candles %s 1d: %w", sym, err)
		}
		if len(h1) == 0 {
			continue
		}
		data[sym] = backtest.MarketData{M5: m5, H1: h1, D1: d1}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no candle history available for backtest")
	}
	return data, nil
}

func (o *Orchestrator) reviewBacktest(ctx context.Context, cyc *cycle, iter int, direction string, result *backtest.Result, attempts []string) (backtestVerdict, error) {
	resultJSON, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		resultJSON = []byte(fmt.Sprintf("(unrenderable result: %v)", err))
	}
	var b strings.Builder
	if direction != "" {
		b.WriteString("Strategic direction for this candidate:\n" + direction + "\n\n")
	}
	b.WriteString("Backtest result:\n" + string(resultJSON) + "\n\n")
	if len(attempts) > 0 {
		b.WriteString("Earlier attempts this cycle:\n")
		for _, a := range attempts {
			b.WriteString("- " + a + "\n")
		}
	}
	raw, err := o.ask(ctx, cyc, fmt.Sprintf("backtest_review_i%d", iter),
		o.cfg.AI.StrongModel, backtestReviewSystemPrompt, b.String(), 2048, "backtest_review")
	if err != nil {
		return backtestVerdict{}, fmt.Errorf("backtest review failed: %w", err)
	}
	verdict, _ := parseBacktestVerdict(raw)
	return verdict, nil
}

// deployCandidate writes the approved code as a new strategy version and
// seats it in a free evaluation slot.
func (o *Orchestrator) deployCandidate(code string, result *backtest.Result, verdict backtestVerdict, report *CycleReport) error {
	slot, ok := o.candidates.FreeSlot()
	if !ok {
		return fmt.Errorf("no free candidate slot (max %d)", o.candidates.MaxSlots())
	}

	version, err := o.strategyRepo.NextVersion()
	if err != nil {
		return fmt.Errorf("allocate strategy version: %w", err)
	}
	var parent *int64
	if active, err := o.strategyRepo.Active(); err == nil && active != nil {
		v := active.Version
		parent = &v
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte("{}")
	}
	desc := verdict.Reasoning
	if desc == "" {
		desc = "candidate approved by nightly backtest review"
	}
	if err := o.strategyRepo.Insert(&domain.StrategyVersion{
		Version:        version,
		ParentVersion:  parent,
		CodeHash:       strategy.HashCode(code),
		Description:    desc,
		BacktestResult: string(resultJSON),
		Code:           code,
	}); err != nil {
		return fmt.Errorf("persist strategy version: %w", err)
	}

	snapshot := o.tracker.Snapshot(o.latestPrices())
	duration := o.cfg.Orchestrator.EvaluationDurationDays
	if _, err := o.candidates.CreateCandidate(slot, code, version, snapshot, duration); err != nil {
		return fmt.Errorf("seat candidate: %w", err)
	}

	report.VersionTo = version
	o.notifier.CandidateCreated(slot, version, duration)
	o.log.Info().
		Int("slot", slot).
		Int64("version", version).
		Float64("backtest_net_pnl", result.NetPnL).
		Msg("candidate strategy created")
	return nil
}
