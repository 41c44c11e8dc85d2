package analysis

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/store"
)

func codeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Repository persists analysis modules, versioned per module kind.
type Repository struct {
	store *store.Store
}

// NewRepository wraps the store.
func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s}
}

const moduleColumns = `id, module, version, code_hash, description, deployed_at, retired_at, code`

func scanModule(row interface{ Scan(...any) error }) (*domain.AnalysisModule, error) {
	var m domain.AnalysisModule
	var deployed, retired sql.NullInt64
	err := row.Scan(&m.ID, &m.Module, &m.Version, &m.CodeHash, &m.Description, &deployed, &retired, &m.Code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan analysis module: %w", err)
	}
	if deployed.Valid {
		d := deployed.Int64
		m.DeployedAt = &d
	}
	if retired.Valid {
		r := retired.Int64
		m.RetiredAt = &r
	}
	return &m, nil
}

// Active returns the deployed, unretired version of one module kind, nil
// when none has been deployed yet.
func (r *Repository) Active(module string) (*domain.AnalysisModule, error) {
	row := r.store.DB().QueryRow(`SELECT `+moduleColumns+` FROM analysis_modules
		WHERE module = ? AND deployed_at IS NOT NULL AND retired_at IS NULL
		ORDER BY version DESC LIMIT 1`, module)
	return scanModule(row)
}

// Deploy inserts code as the next version of module and retires the
// previous active version in one transaction.
func (r *Repository) Deploy(module, code, description string, now int64) (int64, error) {
	var version int64
	err := r.store.WithTransaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) + 1 FROM analysis_modules WHERE module = ?`, module)
		if err := row.Scan(&version); err != nil {
			return fmt.Errorf("failed to allocate analysis version: %w", err)
		}
		if _, err := tx.Exec(`UPDATE analysis_modules SET retired_at = ?
			WHERE module = ? AND deployed_at IS NOT NULL AND retired_at IS NULL`, now, module); err != nil {
			return fmt.Errorf("failed to retire analysis module: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO analysis_modules
			(module, version, code_hash, description, deployed_at, code)
			VALUES (?, ?, ?, ?, ?, ?)`,
			module, version, codeHash(code), description, now, code); err != nil {
			return fmt.Errorf("failed to insert analysis module: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// History returns the newest versions of one module kind, newest first.
func (r *Repository) History(module string, limit int) ([]domain.AnalysisModule, error) {
	rows, err := r.store.DB().Query(`SELECT `+moduleColumns+` FROM analysis_modules
		WHERE module = ? ORDER BY version DESC LIMIT ?`, module, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis history: %w", err)
	}
	defer rows.Close()

	var out []domain.AnalysisModule
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
