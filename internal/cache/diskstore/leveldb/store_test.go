package leveldb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapebot/internal/cache/diskstore"
)

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entries.ldb")
	store, err := Open(Config{Path: path})
	require.NoError(t, err)

	_, err = store.Load(ctx, "k1")
	require.ErrorIs(t, err, diskstore.ErrNotFound)

	require.NoError(t, store.Store(ctx, "k1", []byte("one")))
	require.NoError(t, store.Store(ctx, "k2", []byte("two")))

	data, err := store.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.Delete(ctx, "k1"))
	require.NoError(t, store.Delete(ctx, "missing"))
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.Clear(ctx))
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	require.NoError(t, store.Close())
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entries.ldb")

	store, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, "k", []byte("persisted")))
	require.NoError(t, store.Close())

	reopened, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	data, err := reopened.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(data))
	assert.Equal(t, path, reopened.Location())
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{})
	require.Error(t, err)
}
