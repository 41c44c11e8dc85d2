package orchestrator

import (
	"fmt"

	"github.com/chrysalisfund/chrysalis/internal/store"
)

// Repository persists the cycle audit trail: the thought spool, nightly
// observations and per-cycle outcome logs.
type Repository struct {
	store *store.Store
}

func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s}
}

// Observation is one night's market summary, strategy assessment and
// anything the model flagged as worth remembering.
type Observation struct {
	CycleID         string `json:"cycle_id"`
	MarketNotes     string `json:"market_notes"`
	StrategyNotes   string `json:"strategy_notes"`
	NotableFindings string `json:"notable_findings"`
	CreatedAt       int64  `json:"created_at"`
}

// LogEntry is one cycle outcome row.
type LogEntry struct {
	CycleID     string  `json:"cycle_id"`
	Decision    string  `json:"decision"`
	Detail      string  `json:"detail"`
	TokensUsed  int64   `json:"tokens_used"`
	CostUSD     float64 `json:"cost_usd"`
	VersionFrom int64   `json:"version_from"`
	VersionTo   int64   `json:"version_to"`
	CreatedAt   int64   `json:"created_at"`
}

// Thought is one exchange from the audit spool: the prompt, the raw
// response, and whatever structured result was extracted from it.
type Thought struct {
	CycleID   string `json:"cycle_id"`
	Step      string `json:"step"`
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	Response  string `json:"response"`
	Parsed    string `json:"parsed,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// InsertThought spools one AI exchange for audit.
func (r *Repository) InsertThought(t *Thought) error {
	_, err := r.store.Exec(
		`INSERT INTO orchestrator_thoughts (cycle_id, step, model, prompt, response, parsed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.CycleID, t.Step, t.Model, t.Prompt, t.Response, t.Parsed, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert thought: %w", err)
	}
	return nil
}

// ThoughtsForCycle returns a cycle's spool in chronological order.
func (r *Repository) ThoughtsForCycle(cycleID string) ([]Thought, error) {
	rows, err := r.store.DB().Query(
		`SELECT cycle_id, step, model, prompt, response, parsed, created_at
		 FROM orchestrator_thoughts WHERE cycle_id = ? ORDER BY id ASC`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thoughts: %w", err)
	}
	defer rows.Close()

	var out []Thought
	for rows.Next() {
		var t Thought
		if err := rows.Scan(&t.CycleID, &t.Step, &t.Model, &t.Prompt, &t.Response, &t.Parsed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thought: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertObservation stores the nightly notes row.
func (r *Repository) InsertObservation(o *Observation) error {
	_, err := r.store.Exec(
		`INSERT INTO orchestrator_observations (cycle_id, market_notes, strategy_notes, notable_findings, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		o.CycleID, o.MarketNotes, o.StrategyNotes, o.NotableFindings, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert observation: %w", err)
	}
	return nil
}

// RecentObservations returns the newest n observations, newest first.
func (r *Repository) RecentObservations(n int) ([]Observation, error) {
	rows, err := r.store.DB().Query(
		`SELECT cycle_id, market_notes, strategy_notes, notable_findings, created_at
		 FROM orchestrator_observations ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.CycleID, &o.MarketNotes, &o.StrategyNotes, &o.NotableFindings, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertLog writes the cycle outcome row.
func (r *Repository) InsertLog(e *LogEntry) error {
	_, err := r.store.Exec(
		`INSERT INTO orchestrator_logs
		 (cycle_id, decision, detail, tokens_used, cost_usd, version_from, version_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CycleID, e.Decision, e.Detail, e.TokensUsed, e.CostUSD, e.VersionFrom, e.VersionTo, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert orchestrator log: %w", err)
	}
	return nil
}

// RecentLogs returns the newest n cycle outcomes, newest first.
func (r *Repository) RecentLogs(n int) ([]LogEntry, error) {
	rows, err := r.store.DB().Query(
		`SELECT cycle_id, decision, detail, tokens_used, cost_usd, version_from, version_to, created_at
		 FROM orchestrator_logs ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query orchestrator logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.CycleID, &e.Decision, &e.Detail, &e.TokensUsed, &e.CostUSD,
			&e.VersionFrom, &e.VersionTo, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan orchestrator log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneAudit drops thoughts and observations older than the cutoff and
// returns how many rows went.
func (r *Repository) PruneAudit(cutoff int64) (int64, error) {
	var total int64
	res, err := r.store.Exec(`DELETE FROM orchestrator_thoughts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune thoughts: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	res, err = r.store.Exec(`DELETE FROM orchestrator_observations WHERE created_at < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to prune observations: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

// DroughtStats summarizes recent signal activity for the nightly
// context. A strategy that stopped emitting signals shows up here.
type DroughtStats struct {
	LastSignalAt   int64
	LastExecutedAt int64
	Signals7d      int
	Executed7d     int
}

// SignalDrought reports when the strategy last spoke and how often it
// acted over the past week.
func (r *Repository) SignalDrought(now int64) (*DroughtStats, error) {
	weekAgo := now - 7*24*3600
	s := &DroughtStats{}

	err := r.store.DB().QueryRow(`SELECT COALESCE(MAX(created_at), 0) FROM signals`).Scan(&s.LastSignalAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query last signal: %w", err)
	}
	err = r.store.DB().QueryRow(`SELECT COALESCE(MAX(created_at), 0) FROM signals WHERE acted_on = 1`).Scan(&s.LastExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query last executed signal: %w", err)
	}
	err = r.store.DB().QueryRow(`SELECT COUNT(*) FROM signals WHERE created_at >= ?`, weekAgo).Scan(&s.Signals7d)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent signals: %w", err)
	}
	err = r.store.DB().QueryRow(`SELECT COUNT(*) FROM signals WHERE acted_on = 1 AND created_at >= ?`, weekAgo).Scan(&s.Executed7d)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent executed signals: %w", err)
	}
	return s, nil
}
