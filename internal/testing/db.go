// Package testing provides shared database helpers and fixtures for tests.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chrysalisfund/chrysalis/internal/store"
)

// NewStore opens a migrated store on a throwaway file and closes it when the
// test finishes. This runs the production driver with the production pragmas,
// so anything that passes here behaves the same at runtime.
func NewStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewMemoryDB opens a raw in-memory database with the canonical schema
// applied, bypassing the Store facade entirely. It uses the cgo driver, so
// schema tests also run against a second SQLite build and catch anything
// that only happens to parse on one of them.
func NewMemoryDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory database: %v", err)
	}
	// An in-memory database lives and dies with its connection; a pool of
	// one keeps every statement on the same database.
	db.SetMaxOpenConns(1)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
