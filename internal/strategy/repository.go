package strategy

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/store"
)

// Repository persists the strategy lineage and opaque state blobs.
type Repository struct {
	store *store.Store
}

// NewRepository wraps the store.
func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s}
}

const versionColumns = `version, parent_version, code_hash, description, backtest_result, deployed_at, retired_at, code`

func scanVersion(row interface{ Scan(...any) error }) (*domain.StrategyVersion, error) {
	var v domain.StrategyVersion
	var parent, deployed, retired sql.NullInt64
	err := row.Scan(&v.Version, &parent, &v.CodeHash, &v.Description, &v.BacktestResult,
		&deployed, &retired, &v.Code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan strategy version: %w", err)
	}
	if parent.Valid {
		p := parent.Int64
		v.ParentVersion = &p
	}
	if deployed.Valid {
		d := deployed.Int64
		v.DeployedAt = &d
	}
	if retired.Valid {
		r := retired.Int64
		v.RetiredAt = &r
	}
	return &v, nil
}

// Insert records a new lineage row.
func (r *Repository) Insert(v *domain.StrategyVersion) error {
	_, err := r.store.Exec(`INSERT INTO strategy_versions
		(version, parent_version, code_hash, description, backtest_result, deployed_at, retired_at, code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.Version, v.ParentVersion, v.CodeHash, v.Description, v.BacktestResult,
		v.DeployedAt, v.RetiredAt, v.Code)
	if err != nil {
		return fmt.Errorf("failed to insert strategy version %d: %w", v.Version, err)
	}
	return nil
}

// NextVersion allocates the next lineage number.
func (r *Repository) NextVersion() (int64, error) {
	row, err := r.store.FetchOne(`SELECT COALESCE(MAX(version), 0) + 1 AS next FROM strategy_versions`)
	if err != nil {
		return 0, err
	}
	return asI64(row["next"]), nil
}

// Active returns the deployed, unretired version, nil when none exists.
func (r *Repository) Active() (*domain.StrategyVersion, error) {
	row := r.store.DB().QueryRow(`SELECT ` + versionColumns + ` FROM strategy_versions
		WHERE deployed_at IS NOT NULL AND retired_at IS NULL ORDER BY version DESC LIMIT 1`)
	return scanVersion(row)
}

// Latest returns the newest lineage row regardless of deployment state.
func (r *Repository) Latest() (*domain.StrategyVersion, error) {
	row := r.store.DB().QueryRow(`SELECT ` + versionColumns + ` FROM strategy_versions
		ORDER BY version DESC LIMIT 1`)
	return scanVersion(row)
}

// ByVersion returns one lineage row, nil when absent.
func (r *Repository) ByVersion(version int64) (*domain.StrategyVersion, error) {
	row := r.store.DB().QueryRow(`SELECT `+versionColumns+` FROM strategy_versions
		WHERE version = ?`, version)
	return scanVersion(row)
}

// FindByHash resolves a code fingerprint to its lineage row, nil when the
// code was never registered.
func (r *Repository) FindByHash(hash string) (*domain.StrategyVersion, error) {
	row := r.store.DB().QueryRow(`SELECT `+versionColumns+` FROM strategy_versions
		WHERE code_hash = ? ORDER BY version DESC LIMIT 1`, hash)
	return scanVersion(row)
}

// History returns the newest lineage rows, newest first.
func (r *Repository) History(limit int) ([]domain.StrategyVersion, error) {
	rows, err := r.store.DB().Query(`SELECT `+versionColumns+` FROM strategy_versions
		ORDER BY version DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy history: %w", err)
	}
	defer rows.Close()

	var out []domain.StrategyVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Deploy marks version active and retires the previous active row in one
// transaction, preserving the single-active invariant.
func (r *Repository) Deploy(version, now int64) error {
	return r.store.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE strategy_versions SET retired_at = ?
			WHERE deployed_at IS NOT NULL AND retired_at IS NULL AND version != ?`, now, version); err != nil {
			return fmt.Errorf("failed to retire active strategy: %w", err)
		}
		res, err := tx.Exec(`UPDATE strategy_versions SET deployed_at = ?, retired_at = NULL
			WHERE version = ?`, now, version)
		if err != nil {
			return fmt.Errorf("failed to deploy strategy version %d: %w", version, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("strategy version %d not found", version)
		}
		return nil
	})
}

// InstallSeedIfEmpty registers the embedded baseline as deployed version 1
// when the lineage table is empty. Returns true when it installed.
func (r *Repository) InstallSeedIfEmpty(now int64) (bool, error) {
	row, err := r.store.FetchOne(`SELECT COUNT(*) AS n FROM strategy_versions`)
	if err != nil {
		return false, err
	}
	if asI64(row["n"]) > 0 {
		return false, nil
	}
	v := &domain.StrategyVersion{
		Version:     SeedVersion,
		CodeHash:    HashCode(SeedCode),
		Description: SeedDescription,
		DeployedAt:  &now,
		Code:        SeedCode,
	}
	return true, r.Insert(v)
}

// SaveState upserts the opaque state blob for a version.
func (r *Repository) SaveState(version int64, blob []byte, now int64) error {
	_, err := r.store.Exec(`INSERT INTO strategy_state (version, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		version, blob, now)
	if err != nil {
		return fmt.Errorf("failed to save strategy state v%d: %w", version, err)
	}
	return nil
}

// LoadState returns the saved blob for a version, nil when none exists.
func (r *Repository) LoadState(version int64) ([]byte, error) {
	var blob []byte
	err := r.store.DB().QueryRow(`SELECT state FROM strategy_state WHERE version = ?`, version).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy state v%d: %w", version, err)
	}
	return blob, nil
}

// SQLite reports aggregates as int64 or float64 depending on affinity.
func asI64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
