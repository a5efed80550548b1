package apikey

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nulzo/model-publisher/internal/core/domain"
	"github.com/nulzo/model-publisher/internal/store"
	"github.com/nulzo/model-publisher/internal/store/cache/memory"
	"github.com/nulzo/model-publisher/internal/store/sqlite"
)

func newTestManager(t *testing.T) (*Manager, store.Repository) {
	t.Helper()

	repo, err := sqlite.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return NewManager(repo, memory.NewMemoryCache(), zap.NewNop()), repo
}

func TestIssue_ReturnsPlaintextOnce(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Issue(ctx, "tenant-a", "sklearn-iris")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(issued.Plaintext, "mp-"))
	assert.True(t, strings.HasPrefix(issued.Plaintext, issued.Prefix))
	assert.NotEmpty(t, issued.ID)

	// The store keeps only the hash
	row, err := repo.APIKeys().GetActive(ctx, "tenant-a", "sklearn-iris")
	require.NoError(t, err)
	assert.NotEqual(t, issued.Plaintext, row.KeyHash)
	assert.NotContains(t, row.KeyHash, issued.Plaintext)
}

func TestValidate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Issue(ctx, "tenant-a", "sklearn-iris")
	require.NoError(t, err)

	ok, err := m.Validate(ctx, "tenant-a", "sklearn-iris", issued.Plaintext)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Validate(ctx, "tenant-a", "sklearn-iris", "mp-wrong-key")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown publication validates false, not error
	ok, err = m.Validate(ctx, "tenant-a", "ghost", issued.Plaintext)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRotate_HardCutover(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Issue(ctx, "tenant-a", "sklearn-iris")
	require.NoError(t, err)

	second, err := m.Rotate(ctx, "tenant-a", "sklearn-iris")
	require.NoError(t, err)
	assert.NotEqual(t, first.Plaintext, second.Plaintext)

	// Old key must fail, new key must succeed
	ok, err := m.Validate(ctx, "tenant-a", "sklearn-iris", first.Plaintext)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Validate(ctx, "tenant-a", "sklearn-iris", second.Plaintext)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRotate_StaleCacheWriteCannotReviveOldKey(t *testing.T) {
	repo, err := sqlite.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	c := memory.NewMemoryCache()
	m := NewManager(repo, c, zap.NewNop())
	ctx := context.Background()

	first, err := m.Issue(ctx, "tenant-a", "sklearn-iris")
	require.NoError(t, err)

	second, err := m.Rotate(ctx, "tenant-a", "sklearn-iris")
	require.NoError(t, err)

	// A validation racing the rotation can read the old hash from the store
	// before the cutover commits and land its cache write afterwards. Replay
	// that late write by hand: it must not make the old key validate.
	stale := first.ID + ":" + hashKey(first.Plaintext)
	require.NoError(t, c.Set(ctx, validateCacheKey("tenant-a", "sklearn-iris"), stale, validateCacheTTL))

	ok, err := m.Validate(ctx, "tenant-a", "sklearn-iris", first.Plaintext)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Validate(ctx, "tenant-a", "sklearn-iris", second.Plaintext)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRotate_NoActiveKey(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Rotate(context.Background(), "tenant-a", "never-published")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestReissueAfterRevoke_DistinctKey(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Issue(ctx, "tenant-a", "sklearn-iris")
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, "tenant-a", "sklearn-iris"))

	ok, err := m.Validate(ctx, "tenant-a", "sklearn-iris", first.Plaintext)
	require.NoError(t, err)
	assert.False(t, ok)

	second, err := m.Issue(ctx, "tenant-a", "sklearn-iris")
	require.NoError(t, err)
	assert.NotEqual(t, first.Plaintext, second.Plaintext)

	ok, err = m.Validate(ctx, "tenant-a", "sklearn-iris", second.Plaintext)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRevoke_MissingKeyIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	assert.NoError(t, m.Revoke(context.Background(), "tenant-a", "never-published"))
}
