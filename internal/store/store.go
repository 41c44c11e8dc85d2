// Package store wraps the embedded SQLite database behind a thin facade.
// The engine owns exactly one database; every write in the process goes
// through this package, serialized by a single writer lock.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store wraps the database connection with production-grade configuration
type Store struct {
	conn    *sql.DB
	path    string
	log     zerolog.Logger
	writeMu sync.Mutex
}

// Open creates the store, applying WAL mode and the engine PRAGMAs.
// Paths are resolved to absolute and parent directories created; ":memory:"
// and "file:" URIs are used as-is.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = absPath
	}

	conn, err := sql.Open("sqlite", buildConnectionString(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: together with writeMu this enforces the
	// single-writer discipline end to end.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(24 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		conn: conn,
		path: path,
		log:  log.With().Str("component", "store").Logger(),
	}, nil
}

// OpenMemory opens a throwaway in-memory store with the canonical schema
// applied. The sandbox uses this to give analysis code a real, empty store.
func OpenMemory(log zerolog.Logger) (*Store, error) {
	s, err := Open(":memory:", log)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// buildConnectionString creates the SQLite connection string with PRAGMAs
func buildConnectionString(path string) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=busy_timeout(5000)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-64000)"
	return connStr
}

// DB returns the underlying connection. Used by repositories for typed
// scans; writes made through it must hold no expectations about ordering
// with respect to Exec callers.
func (s *Store) DB() *sql.DB {
	return s.conn
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Exec executes a write statement under the writer lock
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Exec(query, args...)
}

// FetchOne returns the first row as a column→value map, or nil when the
// query matches nothing.
func (s *Store) FetchOne(query string, args ...any) (map[string]any, error) {
	rows, err := s.FetchAll(query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FetchAll returns every row as a column→value map
func (s *Store) FetchAll(query string, args ...any) ([]map[string]any, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// WithTransaction executes fn inside a transaction under the writer lock.
// It handles begin, commit, rollback and panic recovery; a panic inside fn
// is converted to an error after rollback.
func (s *Store) WithTransaction(fn func(*sql.Tx) error) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rollbackErr)
			} else {
				err = fmt.Errorf("transaction failed: %w", err)
			}
		} else {
			if commitErr := tx.Commit(); commitErr != nil {
				err = fmt.Errorf("failed to commit transaction: %w", commitErr)
			}
		}
	}()

	err = fn(tx)
	return err
}

// HealthCheck pings the database and runs an integrity check
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	var result string
	if err := s.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// WALCheckpoint forces a WAL checkpoint. Modes: PASSIVE, FULL, RESTART,
// TRUNCATE; TRUNCATE resets the WAL file to minimal size.
func (s *Store) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}
	return nil
}

// VacuumInto writes a compacted snapshot of the database to destPath.
// Used by the backup uploader; the live database stays untouched.
func (s *Store) VacuumInto(destPath string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("vacuum into failed: %w", err)
	}
	return nil
}

// Close checkpoints and closes the connection
func (s *Store) Close() error {
	if err := s.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Msg("final WAL checkpoint failed")
	}
	return s.conn.Close()
}

// Stats holds database file statistics
type Stats struct {
	SizeBytes    int64
	WALSizeBytes int64
	PageCount    int64
	PageSize     int64
}

// GetStats retrieves database statistics for the health endpoint
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}
	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = fileInfo.Size()
	}
	if fileInfo, err := os.Stat(s.path + "-wal"); err == nil {
		stats.WALSizeBytes = fileInfo.Size()
	}
	if err := s.conn.QueryRow("PRAGMA page_count").Scan(&stats.PageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.conn.QueryRow("PRAGMA page_size").Scan(&stats.PageSize); err != nil {
		return nil, fmt.Errorf("failed to get page size: %w", err)
	}
	return stats, nil
}
