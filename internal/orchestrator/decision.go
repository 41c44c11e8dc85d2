package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/chrysalisfund/chrysalis/internal/ai"
)

// Nightly decisions. Anything unrecognized collapses to NO_CHANGE.
const (
	DecisionNoChange             = "NO_CHANGE"
	DecisionMarketAnalysisUpdate = "MARKET_ANALYSIS_UPDATE"
	DecisionTradeAnalysisUpdate  = "TRADE_ANALYSIS_UPDATE"
	DecisionCreateCandidate      = "CREATE_CANDIDATE"
	DecisionCancelCandidate      = "CANCEL_CANDIDATE"
	DecisionPromoteCandidate     = "PROMOTE_CANDIDATE"
)

// Position handling on promotion.
const (
	HandlingKeep     = "keep"
	HandlingCloseAll = "close_all"
)

// Decision is the parsed verdict of the nightly analysis call.
type Decision struct {
	Decision         string `json:"decision"`
	Reasoning        string `json:"reasoning"`
	Slot             int    `json:"slot,omitempty"`
	PositionHandling string `json:"position_handling,omitempty"`
	Instructions     string `json:"instructions,omitempty"`
	MarketNotes      string `json:"market_notes,omitempty"`
	StrategyNotes    string `json:"strategy_notes,omitempty"`
	NotableFindings  string `json:"notable_findings,omitempty"`
}

// parseDecision extracts the decision object from free-form model
// output. Malformed or unrecognized responses yield NO_CHANGE so a bad
// reply can never wedge the cycle.
func parseDecision(text string) (Decision, bool) {
	fallback := Decision{Decision: DecisionNoChange, Reasoning: "unparseable analysis response"}

	raw := ai.ExtractJSON(text)
	if raw == nil {
		return fallback, false
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return fallback, false
	}
	d.Decision = strings.ToUpper(strings.TrimSpace(d.Decision))
	switch d.Decision {
	case DecisionNoChange, DecisionMarketAnalysisUpdate, DecisionTradeAnalysisUpdate,
		DecisionCreateCandidate, DecisionCancelCandidate, DecisionPromoteCandidate:
		return d, true
	}
	fallback.Reasoning = "unrecognized decision " + d.Decision
	return fallback, false
}

// codeReview is the strong model's verdict on generated code.
type codeReview struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback"`
}

func parseCodeReview(text string) (codeReview, bool) {
	raw := ai.ExtractJSON(text)
	if raw == nil {
		return codeReview{Feedback: "unparseable review response"}, false
	}
	var rev codeReview
	if err := json.Unmarshal(raw, &rev); err != nil {
		return codeReview{Feedback: "unparseable review response"}, false
	}
	return rev, true
}

// backtestVerdict is the strong model's judgement of a backtest run.
type backtestVerdict struct {
	Deploy               bool   `json:"deploy"`
	Reasoning            string `json:"reasoning"`
	Concerns             string `json:"concerns"`
	RevisionInstructions string `json:"revision_instructions"`
}

func parseBacktestVerdict(text string) (backtestVerdict, bool) {
	raw := ai.ExtractJSON(text)
	if raw == nil {
		return backtestVerdict{RevisionInstructions: "unparseable backtest review"}, false
	}
	var v backtestVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return backtestVerdict{RevisionInstructions: "unparseable backtest review"}, false
	}
	return v, true
}

// parsedResult renders what the pipeline extracted from a response for
// the audit spool: the embedded JSON object for decision/review steps,
// the fenced code for generation steps, empty when neither applies.
func parsedResult(text string) string {
	if raw := ai.ExtractJSON(text); raw != nil {
		return string(raw)
	}
	if strings.Contains(text, "```") {
		return ai.StripCodeFences(text)
	}
	return ""
}
