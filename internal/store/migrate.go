package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// migration is a named, tracked schema change. Statements are additive
// ALTERs; "duplicate column" errors are tolerated so that databases
// created from the current canonical schema pass through cleanly.
type migration struct {
	id         string
	statements []string
}

var migrations = []migration{
	{
		id: "2025-03-positions-max-adverse-excursion",
		statements: []string{
			"ALTER TABLE positions ADD COLUMN max_adverse_excursion REAL NOT NULL DEFAULT 0",
			"ALTER TABLE trades ADD COLUMN max_adverse_excursion REAL NOT NULL DEFAULT 0",
		},
	},
	{
		id: "2025-04-signals-strategy-regime",
		statements: []string{
			"ALTER TABLE signals ADD COLUMN strategy_regime TEXT DEFAULT ''",
			"ALTER TABLE trades ADD COLUMN strategy_regime TEXT DEFAULT ''",
		},
	},
	{
		id: "2025-06-candidates-evaluation-duration",
		statements: []string{
			"ALTER TABLE candidates ADD COLUMN evaluation_duration_days INTEGER",
		},
	},
	{
		id: "2025-08-orchestrator-audit-detail",
		statements: []string{
			"ALTER TABLE orchestrator_thoughts ADD COLUMN parsed TEXT NOT NULL DEFAULT ''",
			"ALTER TABLE orchestrator_observations ADD COLUMN notable_findings TEXT DEFAULT ''",
		},
	},
}

// Migrate applies the canonical schema, the tracked additive migrations,
// and the positions table rewrite for databases that predate tags.
func (s *Store) Migrate() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Exec(schemaScript); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	applied, err := s.appliedMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.conn.Exec(stmt); err != nil {
				if strings.Contains(err.Error(), "duplicate column name") {
					continue
				}
				return fmt.Errorf("migration %s failed: %w", m.id, err)
			}
		}
		if err := s.markApplied(m.id); err != nil {
			return err
		}
	}

	if err := s.rewritePositionsForTags(); err != nil {
		return fmt.Errorf("positions rewrite failed: %w", err)
	}

	s.log.Debug().Int("migrations", len(migrations)).Msg("schema up to date")
	return nil
}

func (s *Store) appliedMigrations() (map[string]bool, error) {
	rows, err := s.conn.Query("SELECT id FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

func (s *Store) markApplied(id string) error {
	_, err := s.conn.Exec(
		"INSERT OR IGNORE INTO schema_migrations (id, applied_at) VALUES (?, ?)",
		id, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration %s: %w", id, err)
	}
	return nil
}

// rewritePositionsForTags upgrades a legacy positions table that was keyed
// UNIQUE(symbol) and had no tag column. SQLite cannot drop a UNIQUE
// constraint in place, so: read all rows, drop the table, recreate it from
// the canonical schema, backfill with deterministic auto-tags.
func (s *Store) rewritePositionsForTags() error {
	hasTag, err := s.columnExists("positions", "tag")
	if err != nil {
		return err
	}
	if hasTag {
		return nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT symbol, qty, avg_entry, current_price, entry_fee,
		stop_loss, take_profit, intent, strategy_version, opened_at, updated_at
		FROM positions ORDER BY opened_at, id`)
	if err != nil {
		return fmt.Errorf("failed to read legacy positions: %w", err)
	}

	type legacyRow struct {
		symbol                           string
		qty, avgEntry, current, entryFee float64
		stopLoss, takeProfit             sql.NullFloat64
		intent                           string
		strategyVersion                  int64
		openedAt, updatedAt              int64
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.symbol, &r.qty, &r.avgEntry, &r.current, &r.entryFee,
			&r.stopLoss, &r.takeProfit, &r.intent, &r.strategyVersion, &r.openedAt, &r.updatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan legacy position: %w", err)
		}
		legacy = append(legacy, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.Exec("DROP TABLE positions"); err != nil {
		return fmt.Errorf("failed to drop legacy positions: %w", err)
	}
	if _, err := tx.Exec(canonicalPositionsDDL); err != nil {
		return fmt.Errorf("failed to recreate positions: %w", err)
	}

	seq := make(map[string]int)
	for _, r := range legacy {
		clean := strings.ToLower(strings.ReplaceAll(r.symbol, "/", ""))
		seq[clean]++
		tag := fmt.Sprintf("auto_%s_%03d", clean, seq[clean])
		if _, err := tx.Exec(`INSERT INTO positions (tag, symbol, side, qty, avg_entry,
			current_price, unrealized_pnl, entry_fee, stop_loss, take_profit, intent,
			strategy_version, opened_at, updated_at, max_adverse_excursion)
			VALUES (?, ?, 'long', ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, 0)`,
			tag, r.symbol, r.qty, r.avgEntry, r.current, r.entryFee,
			r.stopLoss, r.takeProfit, r.intent, r.strategyVersion, r.openedAt, r.updatedAt); err != nil {
			return fmt.Errorf("failed to backfill position %s: %w", tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit positions rewrite: %w", err)
	}
	s.log.Info().Int("positions", len(legacy)).Msg("rewrote positions table with auto-tags")
	return nil
}

// canonicalPositionsDDL must stay in lockstep with the positions block in
// schemaScript.
const canonicalPositionsDDL = `
CREATE TABLE positions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tag TEXT NOT NULL UNIQUE,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL DEFAULT 'long',
    qty REAL NOT NULL,
    avg_entry REAL NOT NULL,
    current_price REAL NOT NULL DEFAULT 0,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    entry_fee REAL NOT NULL DEFAULT 0,
    stop_loss REAL,
    take_profit REAL,
    intent TEXT NOT NULL DEFAULT 'SWING',
    strategy_version INTEGER NOT NULL DEFAULT 0,
    opened_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    max_adverse_excursion REAL NOT NULL DEFAULT 0
)`

func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
