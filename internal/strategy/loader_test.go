package strategy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	testingpkg "github.com/chrysalisfund/chrysalis/internal/testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	return NewRepository(testingpkg.NewStore(t))
}

func insertVersion(t *testing.T, repo *Repository, version int64, code string, deployed bool) {
	t.Helper()
	v := &domain.StrategyVersion{
		Version:     version,
		CodeHash:    HashCode(code),
		Description: "test",
		Code:        code,
	}
	if deployed {
		now := int64(1700000000 + version)
		v.DeployedAt = &now
	}
	require.NoError(t, repo.Insert(v))
}

func TestInstallSeedIfEmpty(t *testing.T) {
	repo := newTestRepo(t)

	installed, err := repo.InstallSeedIfEmpty(1700000000)
	require.NoError(t, err)
	assert.True(t, installed)

	again, err := repo.InstallSeedIfEmpty(1700000001)
	require.NoError(t, err)
	assert.False(t, again)

	active, err := repo.Active()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.EqualValues(t, SeedVersion, active.Version)
	assert.Equal(t, SeedCode, active.Code)
	require.NotNil(t, active.DeployedAt)
	assert.EqualValues(t, 1700000000, *active.DeployedAt)
}

func TestLoaderFallsBackToStore(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.InstallSeedIfEmpty(1700000000)
	require.NoError(t, err)

	loader := NewLoader(repo, filepath.Join(t.TempDir(), "missing.js"), zerolog.Nop())
	inst, err := loader.Load(testLimits(), []string{"BTC/USD"})
	require.NoError(t, err)
	assert.EqualValues(t, SeedVersion, inst.Version())
	assert.Equal(t, HashCode(SeedCode), inst.CodeHash())
}

func TestLoaderPrefersFile(t *testing.T) {
	repo := newTestRepo(t)
	insertVersion(t, repo, 3, quietStrategy, true)

	file := filepath.Join(t.TempDir(), "strategy.js")
	require.NoError(t, os.WriteFile(file, []byte(quietStrategy), 0o644))

	loader := NewLoader(repo, file, zerolog.Nop())
	inst, err := loader.Load(testLimits(), []string{"BTC/USD"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, inst.Version())
}

func TestLoaderAttributesUnknownFileToActive(t *testing.T) {
	repo := newTestRepo(t)
	insertVersion(t, repo, 2, quietStrategy, true)

	// File content was never registered; its trades are attributed to the
	// active version.
	file := filepath.Join(t.TempDir(), "strategy.js")
	require.NoError(t, os.WriteFile(file, []byte(echoStrategy), 0o644))

	loader := NewLoader(repo, file, zerolog.Nop())
	inst, err := loader.Load(testLimits(), []string{"BTC/USD"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, inst.Version())
	assert.Equal(t, HashCode(echoStrategy), inst.CodeHash())
}

func TestLoaderBrokenFileFallsBack(t *testing.T) {
	repo := newTestRepo(t)
	insertVersion(t, repo, 2, quietStrategy, true)

	file := filepath.Join(t.TempDir(), "strategy.js")
	require.NoError(t, os.WriteFile(file, []byte(`class Strategy {`), 0o644))

	loader := NewLoader(repo, file, zerolog.Nop())
	inst, err := loader.Load(testLimits(), []string{"BTC/USD"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, inst.Version())
	assert.Equal(t, HashCode(quietStrategy), inst.CodeHash())
}

func TestLoaderUsesNewestRowWhenNothingDeployed(t *testing.T) {
	repo := newTestRepo(t)
	insertVersion(t, repo, 4, quietStrategy, false)

	loader := NewLoader(repo, filepath.Join(t.TempDir(), "missing.js"), zerolog.Nop())
	inst, err := loader.Load(testLimits(), []string{"BTC/USD"})
	require.NoError(t, err)
	assert.EqualValues(t, 4, inst.Version())
}

func TestLoaderExhaustedLadder(t *testing.T) {
	repo := newTestRepo(t)
	loader := NewLoader(repo, filepath.Join(t.TempDir(), "missing.js"), zerolog.Nop())

	_, err := loader.Load(testLimits(), []string{"BTC/USD"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoStrategy)
}

func TestLoaderRestoresState(t *testing.T) {
	repo := newTestRepo(t)
	insertVersion(t, repo, 5, statefulStrategy, true)

	blob, err := msgpack.Marshal(map[string]any{"n": 9})
	require.NoError(t, err)
	require.NoError(t, repo.SaveState(5, blob, 1700000000))

	loader := NewLoader(repo, filepath.Join(t.TempDir(), "missing.js"), zerolog.Nop())
	inst, err := loader.Load(testLimits(), []string{"BTC/USD"})
	require.NoError(t, err)

	sigs, err := inst.Analyze(map[string]domain.SymbolData{}, domain.Portfolio{}, time.Now())
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "S9", sigs[0].Symbol)
}

func TestLoaderWriteFile(t *testing.T) {
	repo := newTestRepo(t)
	file := filepath.Join(t.TempDir(), "nested", "strategy.js")
	loader := NewLoader(repo, file, zerolog.Nop())

	require.NoError(t, loader.WriteFile(quietStrategy))
	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, quietStrategy, string(raw))
}

func TestDeployRetiresPrevious(t *testing.T) {
	repo := newTestRepo(t)
	insertVersion(t, repo, 1, quietStrategy, true)
	insertVersion(t, repo, 2, echoStrategy, false)

	require.NoError(t, repo.Deploy(2, 1700001000))

	active, err := repo.Active()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.EqualValues(t, 2, active.Version)

	v1, err := repo.ByVersion(1)
	require.NoError(t, err)
	require.NotNil(t, v1)
	require.NotNil(t, v1.RetiredAt)
	assert.EqualValues(t, 1700001000, *v1.RetiredAt)

	v2, err := repo.ByVersion(2)
	require.NoError(t, err)
	require.NotNil(t, v2.DeployedAt)
	assert.Nil(t, v2.RetiredAt)

	require.Error(t, repo.Deploy(99, 1700002000))

	next, err := repo.NextVersion()
	require.NoError(t, err)
	assert.EqualValues(t, 3, next)
}

func TestSaveStateUpsert(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.SaveState(1, []byte{0x01}, 1700000000))
	require.NoError(t, repo.SaveState(1, []byte{0x02, 0x03}, 1700000100))

	blob, err := repo.LoadState(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x03}, blob)

	none, err := repo.LoadState(2)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestHistoryAndFindByHash(t *testing.T) {
	repo := newTestRepo(t)
	insertVersion(t, repo, 1, quietStrategy, false)
	insertVersion(t, repo, 2, echoStrategy, true)

	hist, err := repo.History(10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.EqualValues(t, 2, hist[0].Version)
	assert.EqualValues(t, 1, hist[1].Version)

	hist, err = repo.History(1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.EqualValues(t, 2, hist[0].Version)

	found, err := repo.FindByHash(HashCode(quietStrategy))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.EqualValues(t, 1, found.Version)

	missing, err := repo.FindByHash("deadbeef")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
