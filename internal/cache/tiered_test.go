package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	fsstore "github.com/JakeFAU/scrapebot/internal/cache/diskstore/fs"
	ldbstore "github.com/JakeFAU/scrapebot/internal/cache/diskstore/leveldb"
	"github.com/JakeFAU/scrapebot/internal/scrape"
	"github.com/JakeFAU/scrapebot/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubHTTPCache struct {
	cleared int
	stats   transport.Stats
}

func (s *stubHTTPCache) Stats(context.Context) (transport.Stats, error) { return s.stats, nil }

func (s *stubHTTPCache) Clear(context.Context) error {
	s.cleared++
	s.stats = transport.Stats{}
	return nil
}

func newFileCache(t *testing.T, dir string, cfg Config, opts ...Option) *Tiered {
	t.Helper()
	store, err := fsstore.New(fsstore.Config{Dir: dir})
	require.NoError(t, err)
	c, err := New(cfg, store, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	store, err := fsstore.New(fsstore.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = New(Config{TTL: time.Hour}, nil, nil)
	require.Error(t, err)

	_, err = New(Config{}, store, nil)
	require.Error(t, err)
	assert.Equal(t, scrape.KindConfiguration, scrape.KindOf(err))
}

func TestSetThenGetHitsMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	c := newFileCache(t, t.TempDir(), Config{TTL: time.Hour, SyncWrites: true}, WithClock(clock))

	key := DeriveKey("https://example.com/p", map[string]string{"q": "1"})
	payload := scrape.Payload{"title": "Widget", "price": 9.99}
	set := c.Set(ctx, key, "https://example.com/p", map[string]string{"q": "1"}, payload, 0)
	assert.Equal(t, clock.Now().Add(time.Hour), set.ExpiresAt)

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, "https://example.com/p", got.URL)

	stats := c.Stats(ctx)
	assert.Equal(t, 1, stats.MemoryEntries)
	assert.Equal(t, 1, stats.DiskEntries)
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, time.Hour, stats.TTL)
}

func TestGetMissOnUnknownKey(t *testing.T) {
	t.Parallel()

	c := newFileCache(t, t.TempDir(), Config{TTL: time.Hour})
	_, ok := c.Get(context.Background(), DeriveKey("https://example.com", nil))
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats(context.Background()).Misses)
}

func TestExpiredEntriesAreRemovedFromBothTiers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	c := newFileCache(t, t.TempDir(), Config{TTL: 100 * time.Millisecond, SyncWrites: true}, WithClock(clock))

	key := DeriveKey("https://example.com", nil)
	c.Set(ctx, key, "https://example.com", nil, scrape.Payload{"a": "b"}, 0)

	clock.Advance(99 * time.Millisecond)
	_, ok := c.Get(ctx, key)
	require.True(t, ok)

	clock.Advance(time.Millisecond)
	_, ok = c.Get(ctx, key)
	require.False(t, ok, "entry must be invalid exactly at expiry")

	stats := c.Stats(ctx)
	assert.Zero(t, stats.MemoryEntries)
	assert.Zero(t, stats.DiskEntries)
}

func TestDiskHitIsPromotedToMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	clock := newFakeClock()
	key := DeriveKey("https://example.com/item", nil)

	writer := newFileCache(t, dir, Config{TTL: time.Hour, SyncWrites: true}, WithClock(clock))
	writer.Set(ctx, key, "https://example.com/item", nil, scrape.Payload{"title": "Persisted"}, 0)
	require.NoError(t, writer.Close())

	reader := newFileCache(t, dir, Config{TTL: time.Hour, SyncWrites: true}, WithClock(clock))
	assert.Zero(t, reader.Stats(ctx).MemoryEntries)

	got, ok := reader.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "Persisted", got.Payload["title"])

	stats := reader.Stats(ctx)
	assert.Equal(t, 1, stats.MemoryEntries)
	assert.Equal(t, int64(1), stats.DiskHits)

	_, ok = reader.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, int64(1), reader.Stats(ctx).MemoryHits)
}

func TestCorruptDiskRecordIsDiscarded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	c := newFileCache(t, dir, Config{TTL: time.Hour, SyncWrites: true})

	key := DeriveKey("https://example.com/broken", nil)
	path := filepath.Join(dir, key+".json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
	assert.NoFileExists(t, path)
}

func TestRecordWithForeignKeyIsDiscarded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	clock := newFakeClock()
	c := newFileCache(t, dir, Config{TTL: time.Hour, SyncWrites: true}, WithClock(clock))

	entry := Entry{Key: "other", CreatedAt: clock.Now(), ExpiresAt: clock.Now().Add(time.Hour)}
	data, err := encodeRecord(entry)
	require.NoError(t, err)
	path := filepath.Join(dir, "target.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, ok := c.Get(ctx, "target")
	assert.False(t, ok)
	assert.NoFileExists(t, path)
}

func TestDiskRecordLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	clock := newFakeClock()
	c := newFileCache(t, dir, Config{TTL: time.Hour, SyncWrites: true}, WithClock(clock))

	stamp := time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)
	key := DeriveKey("https://example.com", nil)
	c.Set(ctx, key, "https://example.com", map[string]string{"q": "x"}, scrape.Payload{"timestamp": stamp}, 0)

	raw, err := os.ReadFile(filepath.Join(dir, key+".json"))
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "https://example.com", rec["url"])
	assert.Equal(t, map[string]any{"q": "x"}, rec["params"])
	assert.InDelta(t, float64(clock.Now().Add(time.Hour).Unix()), rec["expiry"], 0.001)
	assert.Equal(t, clock.Now().Format(time.RFC3339Nano), rec["timestamp"])
	assert.Equal(t, map[string]any{"timestamp": "2024-04-30T08:00:00Z"}, rec["data"])

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "2024-04-30T08:00:00Z", got.Payload["timestamp"])
}

func TestClearIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newFileCache(t, t.TempDir(), Config{TTL: time.Hour})

	key := DeriveKey("https://example.com", nil)
	c.Set(ctx, key, "https://example.com", nil, scrape.Payload{"x": 1}, 0)

	c.Clear(ctx, key)
	c.Clear(ctx, key)
	c.Clear(ctx, "never-set")

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
	stats := c.Stats(ctx)
	assert.Zero(t, stats.MemoryEntries)
	assert.Zero(t, stats.DiskEntries)
}

func TestClearAllCoversTransportAndCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	httpCache := &stubHTTPCache{stats: transport.Stats{Hits: 3, Misses: 2, Entries: 2}}
	c := newFileCache(t, t.TempDir(), Config{TTL: time.Hour}, WithTransport(httpCache))

	for i := 0; i < 3; i++ {
		url := fmt.Sprintf("https://example.com/%d", i)
		c.Set(ctx, DeriveKey(url, nil), url, nil, scrape.Payload{"i": i}, 0)
	}
	_, _ = c.Get(ctx, DeriveKey("https://example.com/0", nil))

	stats := c.Stats(ctx)
	require.NotNil(t, stats.Transport)
	assert.Equal(t, int64(3), stats.Transport.Hits)
	assert.Equal(t, 3, stats.DiskEntries)

	c.ClearAll(ctx)
	c.ClearAll(ctx)

	stats = c.Stats(ctx)
	assert.Zero(t, stats.MemoryEntries)
	assert.Zero(t, stats.DiskEntries)
	assert.Zero(t, stats.MemoryHits)
	assert.Equal(t, 2, httpCache.cleared)
	assert.Equal(t, transport.Stats{}, *stats.Transport)
}

func TestAsyncWritesAreVisibleAfterFlush(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	c := newFileCache(t, dir, Config{TTL: time.Hour, WriteQueue: 4})

	keys := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		url := fmt.Sprintf("https://example.com/%d", i)
		key := DeriveKey(url, nil)
		keys = append(keys, key)
		c.Set(ctx, key, url, nil, scrape.Payload{"i": i}, 0)
		_, ok := c.Get(ctx, key)
		require.True(t, ok, "memory tier must reflect Set immediately")
	}
	require.NoError(t, c.Flush(ctx))

	for _, key := range keys {
		assert.FileExists(t, filepath.Join(dir, key+".json"))
	}
}

func TestCloseDrainsPendingWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	store, err := fsstore.New(fsstore.Config{Dir: dir})
	require.NoError(t, err)
	c, err := New(Config{TTL: time.Hour}, store, zap.NewNop())
	require.NoError(t, err)

	key := DeriveKey("https://example.com/close", nil)
	c.Set(ctx, key, "https://example.com/close", nil, scrape.Payload{"ok": true}, 0)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.FileExists(t, filepath.Join(dir, key+".json"))

	c.Set(ctx, "after-close", "https://example.com", nil, scrape.Payload{}, 0)
	assert.FileExists(t, filepath.Join(dir, "after-close.json"))
}

func TestLevelDBBackedTier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entries.ldb")
	clock := newFakeClock()

	store, err := ldbstore.Open(ldbstore.Config{Path: path})
	require.NoError(t, err)
	c, err := New(Config{TTL: time.Minute}, store, zap.NewNop(), WithClock(clock))
	require.NoError(t, err)

	key := DeriveKey("https://example.com", nil)
	c.Set(ctx, key, "https://example.com", nil, scrape.Payload{"v": "x"}, 0)
	require.NoError(t, c.Close())

	store, err = ldbstore.Open(ldbstore.Config{Path: path})
	require.NoError(t, err)
	c, err = New(Config{TTL: time.Minute}, store, zap.NewNop(), WithClock(clock))
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close()) }()

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "x", got.Payload["v"])
	assert.Equal(t, path, c.Stats(ctx).Location)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newFileCache(t, t.TempDir(), Config{TTL: time.Hour})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				url := fmt.Sprintf("https://example.com/%d", i%5)
				key := DeriveKey(url, nil)
				c.Set(ctx, key, url, nil, scrape.Payload{"w": w}, 0)
				c.Get(ctx, key)
				if i%10 == 0 {
					c.Clear(ctx, key)
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, c.Flush(ctx))
	assert.LessOrEqual(t, c.Stats(ctx).MemoryEntries, 5)
}

// pausingDisk holds Load open after reading, once armed, until released.
type pausingDisk struct {
	DiskStore
	armed   atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func newPausingDisk(t *testing.T) *pausingDisk {
	t.Helper()
	store, err := fsstore.New(fsstore.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	return &pausingDisk{
		DiskStore: store,
		loaded:    make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (d *pausingDisk) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := d.DiskStore.Load(ctx, key)
	if d.armed.CompareAndSwap(true, false) {
		close(d.loaded)
		<-d.release
	}
	return data, err
}

func TestGetPromotionDoesNotOverrideConcurrentWrites(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		op        func(c *Tiered, key string)
		wantFound bool
		wantValue string
	}{
		"clear": {
			op:        func(c *Tiered, key string) { c.Clear(context.Background(), key) },
			wantFound: false,
		},
		"clear all": {
			op:        func(c *Tiered, _ string) { c.ClearAll(context.Background()) },
			wantFound: false,
		},
		"set": {
			op: func(c *Tiered, key string) {
				c.Set(context.Background(), key, "https://example.com", nil, scrape.Payload{"v": "new"}, 0)
			},
			wantFound: true,
			wantValue: "new",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			disk := newPausingDisk(t)
			c, err := New(Config{TTL: time.Hour, SyncWrites: true}, disk, zap.NewNop(), WithClock(newFakeClock()))
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })

			key := DeriveKey("https://example.com", nil)
			c.Set(ctx, key, "https://example.com", nil, scrape.Payload{"v": "old"}, 0)
			c.memory.Clear()
			disk.armed.Store(true)

			gotOld := make(chan Entry, 1)
			go func() {
				entry, _ := c.Get(ctx, key)
				gotOld <- entry
			}()
			<-disk.loaded

			opDone := make(chan struct{})
			go func() {
				tc.op(c, key)
				close(opDone)
			}()
			select {
			case <-opDone:
				t.Fatal("write finished while a disk read of the same key was in flight")
			case <-time.After(50 * time.Millisecond):
			}
			close(disk.release)
			assert.Equal(t, "old", (<-gotOld).Payload["v"])
			<-opDone

			got, ok := c.Get(ctx, key)
			require.Equal(t, tc.wantFound, ok)
			if tc.wantFound {
				assert.Equal(t, tc.wantValue, got.Payload["v"])
				return
			}
			assert.Zero(t, c.memory.Len())
		})
	}
}

func TestGetReturnsIndependentPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newFileCache(t, t.TempDir(), Config{TTL: time.Hour, SyncWrites: true})
	key := DeriveKey("https://example.com", nil)

	set := c.Set(ctx, key, "https://example.com", map[string]string{"a": "1"}, scrape.Payload{"v": "x"}, 0)
	set.Payload["v"] = "changed"

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	got.Payload["v"] = "changed"
	got.Params["a"] = "2"

	again, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "x", again.Payload["v"])
	assert.Equal(t, "1", again.Params["a"])
}
