package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapebot/internal/cache/diskstore"
)

func TestNewCreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "cache")
	store, err := New(Config{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, store.Location())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewRejectsBadPaths(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Dir: "  "})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = New(Config{Dir: file})
	require.Error(t, err)
}

func TestStoreLoadDeleteRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Load(ctx, "abc")
	require.ErrorIs(t, err, diskstore.ErrNotFound)

	require.NoError(t, store.Store(ctx, "abc", []byte(`{"key":"abc"}`)))
	require.NoError(t, store.Store(ctx, "abc", []byte(`{"key":"abc","v":2}`)))

	data, err := store.Load(ctx, "abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"abc","v":2}`, string(data))
	assert.FileExists(t, filepath.Join(store.Location(), "abc.json"))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.Delete(ctx, "abc"))
	require.NoError(t, store.Delete(ctx, "abc"))
	_, err = store.Load(ctx, "abc")
	require.ErrorIs(t, err, diskstore.ErrNotFound)
}

func TestClearRemovesOnlyRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	store, err := New(Config{Dir: dir})
	require.NoError(t, err)

	require.NoError(t, store.Store(ctx, "a", []byte("{}")))
	require.NoError(t, store.Store(ctx, "b", []byte("{}")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "http_cache.sqlite"), []byte("db"), 0o600))

	require.NoError(t, store.Clear(ctx))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.FileExists(t, filepath.Join(dir, "http_cache.sqlite"))
}

func TestRejectsTraversalKeys(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	for _, key := range []string{"", "..", "../escape", `a\b`} {
		require.Error(t, store.Store(context.Background(), key, []byte("{}")), key)
	}
}
