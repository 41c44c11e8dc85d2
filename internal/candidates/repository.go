package candidates

import (
	"database/sql"
	"fmt"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/store"
)

// Repository persists candidate rows and their per-slot positions,
// trades, signals, and daily performance.
type Repository struct {
	store *store.Store
}

// NewRepository wraps the store.
func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s}
}

// InsertCandidate writes a new slot occupancy row and fills in its id.
func (r *Repository) InsertCandidate(c *domain.Candidate) error {
	res, err := r.store.Exec(`INSERT INTO candidates
		(slot, strategy_version, code, code_hash, portfolio_snapshot,
		 evaluation_duration_days, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Slot, c.StrategyVersion, c.Code, c.CodeHash, c.PortfolioSnapshot,
		c.EvaluationDuration, string(c.Status), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert candidate for slot %d: %w", c.Slot, err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// ResolveCandidate moves a row out of running.
func (r *Repository) ResolveCandidate(id int64, status domain.CandidateStatus, resolvedAt int64) error {
	_, err := r.store.Exec("UPDATE candidates SET status = ?, resolved_at = ? WHERE id = ?",
		string(status), resolvedAt, id)
	if err != nil {
		return fmt.Errorf("failed to resolve candidate %d: %w", id, err)
	}
	return nil
}

const candidateColumns = `id, slot, strategy_version, code, code_hash, portfolio_snapshot,
	evaluation_duration_days, status, created_at, resolved_at`

func scanCandidate(scan func(...any) error) (domain.Candidate, error) {
	var c domain.Candidate
	var status string
	var duration sql.NullInt64
	var resolved sql.NullInt64
	err := scan(&c.ID, &c.Slot, &c.StrategyVersion, &c.Code, &c.CodeHash, &c.PortfolioSnapshot,
		&duration, &status, &c.CreatedAt, &resolved)
	if err != nil {
		return c, err
	}
	c.Status = domain.CandidateStatus(status)
	c.EvaluationDuration = int(duration.Int64)
	if resolved.Valid {
		v := resolved.Int64
		c.ResolvedAt = &v
	}
	return c, nil
}

// RunningCandidates returns the active slot occupants, lowest slot first.
func (r *Repository) RunningCandidates() ([]domain.Candidate, error) {
	rows, err := r.store.DB().Query(
		"SELECT " + candidateColumns + " FROM candidates WHERE status = 'running' ORDER BY slot ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query running candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RunningBySlot returns the running occupant of a slot, if any.
func (r *Repository) RunningBySlot(slot int) (*domain.Candidate, error) {
	row := r.store.DB().QueryRow(
		"SELECT "+candidateColumns+" FROM candidates WHERE slot = ? AND status = 'running'", slot)
	c, err := scanCandidate(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query slot %d: %w", slot, err)
	}
	return &c, nil
}

// RecentCandidates returns the newest n rows across all statuses.
func (r *Repository) RecentCandidates(n int) ([]domain.Candidate, error) {
	rows, err := r.store.DB().Query(
		"SELECT "+candidateColumns+" FROM candidates ORDER BY created_at DESC, id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplacePositions swaps a slot's position rows for the current set in
// one transaction, so a crash never leaves half a book behind.
func (r *Repository) ReplacePositions(slot int, positions []domain.Position) error {
	return r.store.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM candidate_positions WHERE slot = ?", slot); err != nil {
			return fmt.Errorf("failed to clear slot %d positions: %w", slot, err)
		}
		for _, p := range positions {
			_, err := tx.Exec(`INSERT INTO candidate_positions
				(slot, tag, symbol, qty, avg_entry, current_price, entry_fee,
				 stop_loss, take_profit, intent, opened_at, max_adverse_excursion)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				slot, p.Tag, p.Symbol, p.Qty, p.AvgEntry, p.CurrentPrice, p.EntryFee,
				p.StopLoss, p.TakeProfit, string(p.Intent), p.OpenedAt, p.MaxAdverseExcursion)
			if err != nil {
				return fmt.Errorf("failed to insert slot %d position %s: %w", slot, p.Tag, err)
			}
		}
		return nil
	})
}

// LoadPositions returns a slot's persisted positions, oldest first.
func (r *Repository) LoadPositions(slot int) ([]domain.Position, error) {
	rows, err := r.store.DB().Query(`SELECT tag, symbol, qty, avg_entry, current_price, entry_fee,
		stop_loss, take_profit, intent, opened_at, max_adverse_excursion
		FROM candidate_positions WHERE slot = ? ORDER BY opened_at ASC, id ASC`, slot)
	if err != nil {
		return nil, fmt.Errorf("failed to query slot %d positions: %w", slot, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var intent string
		var sl, tp sql.NullFloat64
		if err := rows.Scan(&p.Tag, &p.Symbol, &p.Qty, &p.AvgEntry, &p.CurrentPrice, &p.EntryFee,
			&sl, &tp, &intent, &p.OpenedAt, &p.MaxAdverseExcursion); err != nil {
			return nil, fmt.Errorf("failed to scan slot %d position: %w", slot, err)
		}
		if sl.Valid {
			v := sl.Float64
			p.StopLoss = &v
		}
		if tp.Valid {
			v := tp.Float64
			p.TakeProfit = &v
		}
		p.Side = "long"
		p.Intent = domain.Intent(intent)
		p.UpdatedAt = p.OpenedAt
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendTrades inserts a slot's newly closed trades.
func (r *Repository) AppendTrades(slot int, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return r.store.WithTransaction(func(tx *sql.Tx) error {
		for _, t := range trades {
			_, err := tx.Exec(`INSERT INTO candidate_trades
				(slot, symbol, qty, entry_price, exit_price, pnl, pnl_pct, fees_total,
				 tag, close_reason, opened_at, closed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				slot, t.Symbol, t.Qty, t.EntryPrice, t.ExitPrice, t.PnL, t.PnLPct, t.FeesTotal,
				t.Tag, string(t.CloseReason), t.OpenedAt, t.ClosedAt)
			if err != nil {
				return fmt.Errorf("failed to insert slot %d trade: %w", slot, err)
			}
		}
		return nil
	})
}

// LoadTrades returns a slot's full trade history, oldest first.
func (r *Repository) LoadTrades(slot int) ([]domain.Trade, error) {
	rows, err := r.store.DB().Query(`SELECT symbol, qty, entry_price, exit_price, pnl, pnl_pct,
		fees_total, tag, close_reason, opened_at, closed_at
		FROM candidate_trades WHERE slot = ? ORDER BY closed_at ASC, id ASC`, slot)
	if err != nil {
		return nil, fmt.Errorf("failed to query slot %d trades: %w", slot, err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var reason string
		if err := rows.Scan(&t.Symbol, &t.Qty, &t.EntryPrice, &t.ExitPrice, &t.PnL, &t.PnLPct,
			&t.FeesTotal, &t.Tag, &reason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan slot %d trade: %w", slot, err)
		}
		t.Side = "long"
		t.CloseReason = domain.CloseReason(reason)
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendSignals inserts a slot's buffered signal records.
func (r *Repository) AppendSignals(slot int, signals []domain.SignalRecord) error {
	if len(signals) == 0 {
		return nil
	}
	return r.store.WithTransaction(func(tx *sql.Tx) error {
		for _, s := range signals {
			executed := 0
			if s.ActedOn {
				executed = 1
			}
			var rejected any
			if s.RejectedReason != "" {
				rejected = s.RejectedReason
			}
			_, err := tx.Exec(`INSERT INTO candidate_signals
				(slot, symbol, action, size_pct, confidence, reasoning, executed, rejected_reason, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				slot, s.Symbol, string(s.Action), s.SizePct, s.Confidence, s.Reasoning,
				executed, rejected, s.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert slot %d signal: %w", slot, err)
			}
		}
		return nil
	})
}

// UpsertDaily writes a slot's end-of-day row keyed by (slot, date).
func (r *Repository) UpsertDaily(slot int, date string, value, cash float64, tradeCount int, totalPnL float64) error {
	_, err := r.store.Exec(`INSERT INTO candidate_daily_performance
		(slot, date, portfolio_value, cash, trade_count, total_pnl)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot, date) DO UPDATE SET
		 portfolio_value=excluded.portfolio_value, cash=excluded.cash,
		 trade_count=excluded.trade_count, total_pnl=excluded.total_pnl`,
		slot, date, value, cash, tradeCount, totalPnL)
	if err != nil {
		return fmt.Errorf("failed to upsert slot %d daily row: %w", slot, err)
	}
	return nil
}

// DailyHistory returns a slot's daily rows, oldest first.
func (r *Repository) DailyHistory(slot int) ([]map[string]any, error) {
	return r.store.FetchAll(`SELECT date, portfolio_value, cash, trade_count, total_pnl
		FROM candidate_daily_performance WHERE slot = ? ORDER BY date ASC`, slot)
}
