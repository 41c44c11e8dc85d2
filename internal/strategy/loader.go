package strategy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

// ErrNoStrategy means the load ladder was exhausted: no usable file and no
// version in the store.
var ErrNoStrategy = errors.New("no strategy available from file or store")

// Loader resolves the active strategy through the file -> store ladder and
// produces initialized instances.
type Loader struct {
	repo *Repository
	file string
	log  zerolog.Logger
}

// NewLoader builds a loader for the configured strategy file.
func NewLoader(repo *Repository, file string, log zerolog.Logger) *Loader {
	return &Loader{
		repo: repo,
		file: file,
		log:  log.With().Str("component", "strategy_loader").Logger(),
	}
}

// Path returns the on-disk strategy location.
func (l *Loader) Path() string { return l.file }

// Load builds, initializes, and state-restores the fund strategy. The file
// is tried first; when it is missing or its code will not load, the newest
// deployed version in the store takes over. A rejected state blob is logged
// and dropped rather than failing the load.
func (l *Loader) Load(limits domain.RiskLimits, symbols []string) (*Instance, error) {
	inst, err := l.fromFile()
	if err != nil {
		l.log.Warn().Err(err).Str("file", l.file).Msg("strategy file unusable, falling back to store")
		inst, err = l.fromStore()
		if err != nil {
			return nil, err
		}
	}

	if err := inst.Initialize(limits, symbols); err != nil {
		return nil, err
	}

	blob, err := l.repo.LoadState(inst.Version())
	if err != nil {
		l.log.Warn().Err(err).Msg("failed to read strategy state, starting fresh")
	} else if blob != nil {
		if err := inst.LoadState(blob); err != nil {
			l.log.Warn().Err(err).Int64("version", inst.Version()).
				Msg("strategy rejected saved state, starting fresh")
		}
	}

	l.log.Info().Int64("version", inst.Version()).Str("hash", inst.CodeHash()[:12]).
		Msg("strategy loaded")
	return inst, nil
}

func (l *Loader) fromFile() (*Instance, error) {
	raw, err := os.ReadFile(l.file)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file: %w", err)
	}
	code := string(raw)
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("strategy file %s is empty", l.file)
	}
	return NewInstance(code, l.versionFor(code), l.log)
}

// versionFor attributes file code to its lineage row by hash. A hand-edited
// file that matches nothing is attributed to the active version so its
// trades stay traceable.
func (l *Loader) versionFor(code string) int64 {
	if v, err := l.repo.FindByHash(HashCode(code)); err == nil && v != nil {
		return v.Version
	}
	if active, err := l.repo.Active(); err == nil && active != nil {
		l.log.Warn().Int64("active_version", active.Version).
			Msg("strategy file matches no recorded version, attributing to active version")
		return active.Version
	}
	return SeedVersion
}

func (l *Loader) fromStore() (*Instance, error) {
	row, err := l.repo.Active()
	if err != nil {
		return nil, err
	}
	if row == nil {
		row, err = l.repo.Latest()
		if err != nil {
			return nil, err
		}
		if row != nil {
			l.log.Warn().Int64("version", row.Version).
				Msg("no deployed strategy version, using newest row")
		}
	}
	if row == nil {
		return nil, ErrNoStrategy
	}
	return NewInstance(row.Code, row.Version, l.log)
}

// WriteFile syncs deployed strategy code to disk so the next boot loads it
// without touching the store.
func (l *Loader) WriteFile(code string) error {
	if dir := filepath.Dir(l.file); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create strategy dir: %w", err)
		}
	}
	if err := os.WriteFile(l.file, []byte(code), 0o644); err != nil {
		return fmt.Errorf("failed to write strategy file: %w", err)
	}
	return nil
}
