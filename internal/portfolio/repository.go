package portfolio

import (
	"database/sql"
	"fmt"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/store"
)

// Repository persists fund positions, trades, signals, and daily
// performance rows.
type Repository struct {
	store *store.Store
}

// NewRepository wraps the store.
func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s}
}

// UpsertPosition writes a position keyed by its tag.
func (r *Repository) UpsertPosition(p *domain.Position) error {
	_, err := r.store.Exec(`INSERT INTO positions
		(tag, symbol, side, qty, avg_entry, current_price, unrealized_pnl, entry_fee,
		 stop_loss, take_profit, intent, strategy_version, opened_at, updated_at, max_adverse_excursion)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tag) DO UPDATE SET
		 qty=excluded.qty, avg_entry=excluded.avg_entry, current_price=excluded.current_price,
		 unrealized_pnl=excluded.unrealized_pnl, entry_fee=excluded.entry_fee,
		 stop_loss=excluded.stop_loss, take_profit=excluded.take_profit, intent=excluded.intent,
		 updated_at=excluded.updated_at, max_adverse_excursion=excluded.max_adverse_excursion`,
		p.Tag, p.Symbol, p.Side, p.Qty, p.AvgEntry, p.CurrentPrice, p.UnrealizedPnL, p.EntryFee,
		p.StopLoss, p.TakeProfit, string(p.Intent), p.StrategyVersion, p.OpenedAt, p.UpdatedAt,
		p.MaxAdverseExcursion)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", p.Tag, err)
	}
	return nil
}

// DeletePosition removes a closed position's row.
func (r *Repository) DeletePosition(tag string) error {
	_, err := r.store.Exec("DELETE FROM positions WHERE tag = ?", tag)
	if err != nil {
		return fmt.Errorf("failed to delete position %s: %w", tag, err)
	}
	return nil
}

// LoadPositions returns every persisted position, oldest first.
func (r *Repository) LoadPositions() ([]domain.Position, error) {
	rows, err := r.store.DB().Query(`SELECT id, tag, symbol, side, qty, avg_entry, current_price,
		unrealized_pnl, entry_fee, stop_loss, take_profit, intent, strategy_version,
		opened_at, updated_at, max_adverse_excursion
		FROM positions ORDER BY opened_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var intent string
		var sl, tp sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.Tag, &p.Symbol, &p.Side, &p.Qty, &p.AvgEntry, &p.CurrentPrice,
			&p.UnrealizedPnL, &p.EntryFee, &sl, &tp, &intent, &p.StrategyVersion,
			&p.OpenedAt, &p.UpdatedAt, &p.MaxAdverseExcursion); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if sl.Valid {
			v := sl.Float64
			p.StopLoss = &v
		}
		if tp.Valid {
			v := tp.Float64
			p.TakeProfit = &v
		}
		p.Intent = domain.Intent(intent)
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertTrade appends a closed-trade record and fills in its id.
func (r *Repository) InsertTrade(t *domain.Trade) error {
	res, err := r.store.Exec(`INSERT INTO trades
		(symbol, side, qty, entry_price, exit_price, pnl, pnl_pct, fees_total, intent,
		 strategy_version, strategy_regime, opened_at, closed_at, tag, close_reason, max_adverse_excursion)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.Side, t.Qty, t.EntryPrice, t.ExitPrice, t.PnL, t.PnLPct, t.FeesTotal,
		string(t.Intent), t.StrategyVersion, t.StrategyRegime, t.OpenedAt, t.ClosedAt,
		t.Tag, string(t.CloseReason), t.MaxAdverseExcursion)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

func scanTrades(rows *sql.Rows) ([]domain.Trade, error) {
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var intent, reason string
		var regime sql.NullString
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Qty, &t.EntryPrice, &t.ExitPrice,
			&t.PnL, &t.PnLPct, &t.FeesTotal, &intent, &t.StrategyVersion, &regime,
			&t.OpenedAt, &t.ClosedAt, &t.Tag, &reason, &t.MaxAdverseExcursion); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Intent = domain.Intent(intent)
		t.CloseReason = domain.CloseReason(reason)
		t.StrategyRegime = regime.String
		out = append(out, t)
	}
	return out, rows.Err()
}

const tradeColumns = `id, symbol, side, qty, entry_price, exit_price, pnl, pnl_pct, fees_total,
	intent, strategy_version, strategy_regime, opened_at, closed_at, tag, close_reason, max_adverse_excursion`

// TradesClosedSince returns trades with closed_at >= ts, oldest first.
func (r *Repository) TradesClosedSince(ts int64) ([]domain.Trade, error) {
	rows, err := r.store.DB().Query(
		"SELECT "+tradeColumns+" FROM trades WHERE closed_at >= ? ORDER BY closed_at ASC, id ASC", ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	return scanTrades(rows)
}

// RecentTrades returns the newest n closed trades, newest first.
func (r *Repository) RecentTrades(n int) ([]domain.Trade, error) {
	rows, err := r.store.DB().Query(
		"SELECT "+tradeColumns+" FROM trades ORDER BY closed_at DESC, id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	return scanTrades(rows)
}

// SumTradePnL returns the all-time realized net pnl.
func (r *Repository) SumTradePnL() (float64, error) {
	row, err := r.store.FetchOne("SELECT COALESCE(SUM(pnl), 0) AS total FROM trades")
	if err != nil {
		return 0, err
	}
	switch v := row["total"].(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	}
	return 0, nil
}

// RecordSignal appends one signal record, acted on or not.
func (r *Repository) RecordSignal(rec *domain.SignalRecord) error {
	var rejected any
	if rec.RejectedReason != "" {
		rejected = rec.RejectedReason
	}
	var tag any
	if rec.Tag != "" {
		tag = rec.Tag
	}
	acted := 0
	if rec.ActedOn {
		acted = 1
	}
	res, err := r.store.Exec(`INSERT INTO signals
		(symbol, action, size_pct, confidence, intent, reasoning, strategy_version,
		 strategy_regime, acted_on, rejected_reason, tag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Symbol, string(rec.Action), rec.SizePct, rec.Confidence, string(rec.Intent),
		rec.Reasoning, rec.StrategyVersion, rec.StrategyRegime, acted, rejected, tag, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record signal: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// RecentSignals returns the newest n signal records, newest first.
func (r *Repository) RecentSignals(n int) ([]domain.SignalRecord, error) {
	rows, err := r.store.DB().Query(`SELECT id, symbol, action, size_pct, confidence, intent,
		reasoning, strategy_version, strategy_regime, acted_on, rejected_reason, tag, created_at
		FROM signals ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []domain.SignalRecord
	for rows.Next() {
		var rec domain.SignalRecord
		var action, intent string
		var regime, rejected, tag sql.NullString
		var acted int
		if err := rows.Scan(&rec.ID, &rec.Symbol, &action, &rec.SizePct, &rec.Confidence, &intent,
			&rec.Reasoning, &rec.StrategyVersion, &regime, &acted, &rejected, &tag, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		rec.Action = domain.Action(action)
		rec.Intent = domain.Intent(intent)
		rec.StrategyRegime = regime.String
		rec.RejectedReason = rejected.String
		rec.Tag = tag.String
		rec.ActedOn = acted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertOrder records a live-mode exchange order as pending.
func (r *Repository) InsertOrder(o *domain.Order) error {
	res, err := r.store.Exec(`INSERT INTO orders
		(txid, symbol, side, order_type, volume, price, status, filled_volume,
		 avg_fill_price, fee, purpose, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TxID, o.Symbol, o.Side, string(o.OrderType), o.Volume, o.LimitPrice,
		string(o.Status), o.FilledVolume, o.AvgFillPrice, o.Fee, o.Purpose,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.TxID, err)
	}
	o.ID, _ = res.LastInsertId()
	return nil
}

// UpdateOrder records an order's terminal state and fill details.
func (r *Repository) UpdateOrder(o *domain.Order) error {
	_, err := r.store.Exec(`UPDATE orders SET status = ?, filled_volume = ?,
		avg_fill_price = ?, fee = ?, updated_at = ? WHERE txid = ?`,
		string(o.Status), o.FilledVolume, o.AvgFillPrice, o.Fee, o.UpdatedAt, o.TxID)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.TxID, err)
	}
	return nil
}

// UpsertDailyPerformance writes the end-of-day row keyed by date.
func (r *Repository) UpsertDailyPerformance(d *domain.DailyPerformance) error {
	_, err := r.store.Exec(`INSERT INTO daily_performance
		(date, portfolio_value, cash, total_trades, wins, losses, gross_pnl, net_pnl,
		 fees_total, max_drawdown_pct, win_rate, strategy_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
		 portfolio_value=excluded.portfolio_value, cash=excluded.cash,
		 total_trades=excluded.total_trades, wins=excluded.wins, losses=excluded.losses,
		 gross_pnl=excluded.gross_pnl, net_pnl=excluded.net_pnl, fees_total=excluded.fees_total,
		 max_drawdown_pct=excluded.max_drawdown_pct, win_rate=excluded.win_rate,
		 strategy_version=excluded.strategy_version`,
		d.Date, d.PortfolioValue, d.Cash, d.TotalTrades, d.Wins, d.Losses, d.GrossPnL, d.NetPnL,
		d.FeesTotal, d.MaxDrawdownPct, d.WinRate, d.StrategyVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert daily performance: %w", err)
	}
	return nil
}

// RecentDaily returns the newest n daily rows, newest first.
func (r *Repository) RecentDaily(n int) ([]domain.DailyPerformance, error) {
	rows, err := r.store.DB().Query(`SELECT date, portfolio_value, cash, total_trades, wins, losses,
		gross_pnl, net_pnl, fees_total, max_drawdown_pct, win_rate, strategy_version
		FROM daily_performance ORDER BY date DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily performance: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyPerformance
	for rows.Next() {
		var d domain.DailyPerformance
		if err := rows.Scan(&d.Date, &d.PortfolioValue, &d.Cash, &d.TotalTrades, &d.Wins, &d.Losses,
			&d.GrossPnL, &d.NetPnL, &d.FeesTotal, &d.MaxDrawdownPct, &d.WinRate, &d.StrategyVersion); err != nil {
			return nil, fmt.Errorf("failed to scan daily performance: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
