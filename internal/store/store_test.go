package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteForTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "widget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"sqlite": newSQLiteForTest(t),
		"memory": NewMemory(),
	}
}

func TestRepositoryPutGetDelete(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := repo.Get(ctx, "dev-1", "conversation_id")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, repo.Put(ctx, "dev-1", "conversation_id", "abc123"))
			require.NoError(t, repo.Put(ctx, "dev-1", "conversation_id", "abc124"))
			require.NoError(t, repo.Put(ctx, "dev-2", "conversation_id", "other"))

			got, ok, err := repo.Get(ctx, "dev-1", "conversation_id")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "abc124", got)

			require.NoError(t, repo.Delete(ctx, "dev-1", "conversation_id", "chat_messages"))
			_, ok, err = repo.Get(ctx, "dev-1", "conversation_id")
			require.NoError(t, err)
			assert.False(t, ok)

			got, ok, err = repo.Get(ctx, "dev-2", "conversation_id")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "other", got)

			require.NoError(t, repo.Delete(ctx, "missing"))
			require.NoError(t, repo.Ping(ctx))
		})
	}
}

func TestNamespaceScopesKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemory()
	a := Namespace(repo, "a")
	b := Namespace(repo, "b")

	require.NoError(t, a.Set(ctx, "chat_messages", "[]"))
	_, ok, err := b.Get(ctx, "chat_messages")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Remove(ctx, "chat_messages"))
	_, ok, err = a.Get(ctx, "chat_messages")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteValuesSurviveReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "widget.db")

	first, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "dev", "chat_messages", `[{"sender":"user","text":"Hello"}]`))
	require.NoError(t, first.Close())

	second, err := NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	got, ok, err := second.Get(ctx, "dev", "chat_messages")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[{"sender":"user","text":"Hello"}]`, got)
}

func TestCleanupStaleRemovesOnlyIdleNamespaces(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	sqliteRepo := newSQLiteForTest(t)
	memRepo := NewMemory()

	for name, tc := range map[string]struct {
		repo   Repository
		setNow func(time.Time)
	}{
		"sqlite": {repo: sqliteRepo, setNow: func(now time.Time) { sqliteRepo.now = func() time.Time { return now } }},
		"memory": {repo: memRepo, setNow: func(now time.Time) { memRepo.now = func() time.Time { return now } }},
	} {
		tc.setNow(base)
		require.NoError(t, tc.repo.Put(ctx, "old", "conversation_id", "x"), name)
		require.NoError(t, tc.repo.Put(ctx, "old", "chat_messages", "[]"), name)
		require.NoError(t, tc.repo.Put(ctx, "fresh", "conversation_id", "y"), name)

		tc.setNow(base.Add(48 * time.Hour))
		require.NoError(t, tc.repo.Put(ctx, "fresh", "chat_messages", "[]"), name)

		removed, err := tc.repo.CleanupStale(ctx, 24*time.Hour)
		require.NoError(t, err, name)
		assert.Equal(t, int64(2), removed, name)

		_, ok, err := tc.repo.Get(ctx, "old", "conversation_id")
		require.NoError(t, err, name)
		assert.False(t, ok, name)

		_, ok, err = tc.repo.Get(ctx, "fresh", "conversation_id")
		require.NoError(t, err, name)
		assert.True(t, ok, name)
	}
}
