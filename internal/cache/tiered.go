// Package cache implements the two-level scrape cache: an in-process memory
// tier in front of a persistent disk tier, with disk hits promoted to memory.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapebot/internal/cache/diskstore"
	"github.com/JakeFAU/scrapebot/internal/clock/system"
	"github.com/JakeFAU/scrapebot/internal/metrics"
	"github.com/JakeFAU/scrapebot/internal/scrape"
	"github.com/JakeFAU/scrapebot/internal/transport"
)

const (
	tierMemory = "memory"
	tierDisk   = "disk"

	defaultWriteQueue = 256
)

// DiskStore persists encoded records by key. Load returns
// diskstore.ErrNotFound for absent keys; Delete ignores them.
type DiskStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Location() string
	Close() error
}

// HTTPCache is the transport-level cache reported alongside the tiers.
type HTTPCache interface {
	Stats(ctx context.Context) (transport.Stats, error)
	Clear(ctx context.Context) error
}

// Config controls expiry and disk write behavior.
type Config struct {
	TTL time.Duration
	// SyncWrites makes Set write the disk tier before returning.
	SyncWrites bool
	// WriteQueue bounds pending asynchronous disk writes.
	WriteQueue int
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	MemoryEntries int              `json:"memory_entries"`
	DiskEntries   int              `json:"disk_entries"`
	TTL           time.Duration    `json:"-"`
	TTLSeconds    float64          `json:"ttl_seconds"`
	Location      string           `json:"cache_dir"`
	MemoryHits    int64            `json:"memory_hits"`
	DiskHits      int64            `json:"disk_hits"`
	Misses        int64            `json:"misses"`
	Transport     *transport.Stats `json:"http_cache,omitempty"`
}

// Option customizes a Tiered cache.
type Option func(*Tiered)

// WithClock overrides the clock used for expiry.
func WithClock(clock scrape.Clock) Option {
	return func(t *Tiered) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithMemoryStore replaces the default unbounded memory tier.
func WithMemoryStore(store MemoryStore) Option {
	return func(t *Tiered) {
		if store != nil {
			t.memory = store
		}
	}
}

// WithTransport attaches the HTTP cache so ClearAll and Stats cover it.
func WithTransport(httpCache HTTPCache) Option {
	return func(t *Tiered) {
		t.transport = httpCache
	}
}

type diskOp struct {
	key  string
	data []byte
	done chan struct{}
}

// Tiered is the memory + disk cache. It is safe for concurrent use.
type Tiered struct {
	cfg       Config
	memory    MemoryStore
	disk      DiskStore
	transport HTTPCache
	clock     scrape.Clock
	logger    *zap.Logger

	// keys serializes Get, Set and Clear per key; gate lets ClearAll
	// exclude all of them at once.
	keys *keyLocks
	gate sync.RWMutex

	memoryHits atomic.Int64
	diskHits   atomic.Int64
	misses     atomic.Int64

	opsMu  sync.RWMutex
	ops    chan diskOp
	closed bool
	wg     sync.WaitGroup
}

// New builds a Tiered cache over disk. Unless cfg.SyncWrites is set, disk
// writes are applied by a background writer; Close drains it.
func New(cfg Config, disk DiskStore, logger *zap.Logger, opts ...Option) (*Tiered, error) {
	if disk == nil {
		return nil, errors.New("disk store is required")
	}
	if cfg.TTL <= 0 {
		return nil, &scrape.ConfigurationError{Setting: "cache.ttl", Reason: "must be > 0"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	t := &Tiered{
		cfg:    cfg,
		memory: NewMemoryTier(),
		disk:   disk,
		clock:  system.New(),
		logger: logger,
		keys:   newKeyLocks(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if !cfg.SyncWrites {
		size := cfg.WriteQueue
		if size <= 0 {
			size = defaultWriteQueue
		}
		t.ops = make(chan diskOp, size)
		t.wg.Add(1)
		go t.writerLoop()
	}
	return t, nil
}

// TTL returns the configured time-to-live.
func (t *Tiered) TTL() time.Duration {
	return t.cfg.TTL
}

// Get returns the live entry for key, checking memory then disk. Expired and
// corrupt records are removed and reported as absent. The returned payload is
// a copy; mutating it does not change the cached entry.
func (t *Tiered) Get(ctx context.Context, key string) (Entry, bool) {
	if entry, ok := t.memoryHit(key, t.clock.Now()); ok {
		return entry.clone(), true
	}

	unlock := t.lockKey(key)
	defer unlock()

	// A Set may have landed while waiting for the lock.
	now := t.clock.Now()
	if entry, ok := t.memoryHit(key, now); ok {
		return entry.clone(), true
	}
	if entry, ok := t.memory.Get(key); ok && !entry.Valid(now) {
		t.memory.Delete(key)
		metrics.ObserveCacheLookup(tierMemory, "expired")
	}

	data, err := t.disk.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, diskstore.ErrNotFound) {
			t.logger.Warn("cache disk read failed", zap.String("key", key), zap.Error(err))
		}
		return t.miss()
	}
	entry, err := decodeRecord(data)
	if err == nil && entry.Key != key {
		err = fmt.Errorf("%w: key mismatch %q", errCorruptRecord, entry.Key)
	}
	if err != nil {
		t.logger.Warn("discarding corrupt cache record", zap.String("key", key), zap.Error(err))
		metrics.ObserveCacheLookup(tierDisk, "corrupt")
		t.deleteDisk(ctx, key)
		return t.miss()
	}
	if !entry.Valid(now) {
		metrics.ObserveCacheLookup(tierDisk, "expired")
		t.deleteDisk(ctx, key)
		return t.miss()
	}
	t.memory.Put(entry)
	t.diskHits.Add(1)
	metrics.ObserveCacheLookup(tierDisk, "hit")
	return entry.clone(), true
}

func (t *Tiered) memoryHit(key string, now time.Time) (Entry, bool) {
	entry, ok := t.memory.Get(key)
	if !ok || !entry.Valid(now) {
		return Entry{}, false
	}
	t.memoryHits.Add(1)
	metrics.ObserveCacheLookup(tierMemory, "hit")
	return entry, true
}

func (t *Tiered) lockKey(key string) func() {
	t.gate.RLock()
	unlock := t.keys.lock(key)
	return func() {
		unlock()
		t.gate.RUnlock()
	}
}

func (t *Tiered) miss() (Entry, bool) {
	t.misses.Add(1)
	metrics.ObserveCacheLookup(tierDisk, "miss")
	return Entry{}, false
}

// Set stores payload under key with expiry now+ttl (the configured TTL when
// ttl <= 0). Memory is updated before Set returns; disk failures are logged.
func (t *Tiered) Set(
	ctx context.Context,
	key, url string,
	params map[string]string,
	payload scrape.Payload,
	ttl time.Duration,
) Entry {
	if ttl <= 0 {
		ttl = t.cfg.TTL
	}
	unlock := t.lockKey(key)
	defer unlock()

	now := t.clock.Now()
	entry := Entry{
		Key:       key,
		URL:       url,
		Params:    cloneParams(params),
		Payload:   normalizePayload(payload),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	t.memory.Put(entry)

	data, err := encodeRecord(entry)
	if err != nil {
		t.logger.Warn("cache record not persisted", zap.String("key", key), zap.Error(err))
		return entry.clone()
	}
	if !t.enqueue(diskOp{key: key, data: data}) {
		t.storeDisk(ctx, key, data)
	}
	return entry.clone()
}

// Clear removes key from both tiers. Clearing an absent key is a no-op.
func (t *Tiered) Clear(ctx context.Context, key string) {
	unlock := t.lockKey(key)
	defer unlock()

	t.memory.Delete(key)
	t.flush(ctx)
	t.deleteDisk(ctx, key)
}

// ClearAll empties both tiers and the attached HTTP cache, and resets counters.
func (t *Tiered) ClearAll(ctx context.Context) {
	t.gate.Lock()
	defer t.gate.Unlock()

	t.memory.Clear()
	t.flush(ctx)
	if err := t.disk.Clear(ctx); err != nil {
		t.logger.Warn("cache disk clear failed", zap.Error(err))
	}
	if t.transport != nil {
		if err := t.transport.Clear(ctx); err != nil {
			t.logger.Warn("http cache clear failed", zap.Error(err))
		}
	}
	t.memoryHits.Store(0)
	t.diskHits.Store(0)
	t.misses.Store(0)
}

// Stats reports entry counts and hit counters at call time.
func (t *Tiered) Stats(ctx context.Context) Stats {
	t.flush(ctx)
	stats := Stats{
		MemoryEntries: t.memory.Len(),
		TTL:           t.cfg.TTL,
		TTLSeconds:    t.cfg.TTL.Seconds(),
		Location:      t.disk.Location(),
		MemoryHits:    t.memoryHits.Load(),
		DiskHits:      t.diskHits.Load(),
		Misses:        t.misses.Load(),
	}
	count, err := t.disk.Count(ctx)
	if err != nil {
		t.logger.Warn("cache disk count failed", zap.Error(err))
	}
	stats.DiskEntries = count
	if t.transport != nil {
		httpStats, err := t.transport.Stats(ctx)
		if err != nil {
			t.logger.Warn("http cache stats failed", zap.Error(err))
		} else {
			stats.Transport = &httpStats
		}
	}
	return stats
}

// Flush blocks until queued disk writes are applied or ctx ends.
func (t *Tiered) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !t.enqueue(diskOp{done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush cache writes: %w", ctx.Err())
	}
}

func (t *Tiered) flush(ctx context.Context) {
	if err := t.Flush(ctx); err != nil {
		t.logger.Warn("cache flush interrupted", zap.Error(err))
	}
}

// Close drains pending writes and closes the disk store.
func (t *Tiered) Close() error {
	t.opsMu.Lock()
	if t.closed {
		t.opsMu.Unlock()
		return nil
	}
	t.closed = true
	if t.ops != nil {
		close(t.ops)
	}
	t.opsMu.Unlock()
	t.wg.Wait()
	if err := t.disk.Close(); err != nil {
		return fmt.Errorf("close disk store: %w", err)
	}
	return nil
}

// enqueue hands op to the writer. It returns false when writes are
// synchronous or the cache is closed, in which case the caller applies op.
func (t *Tiered) enqueue(op diskOp) bool {
	t.opsMu.RLock()
	defer t.opsMu.RUnlock()
	if t.ops == nil || t.closed {
		return false
	}
	t.ops <- op
	return true
}

func (t *Tiered) writerLoop() {
	defer t.wg.Done()
	for op := range t.ops {
		if op.done != nil {
			close(op.done)
			continue
		}
		t.storeDisk(context.Background(), op.key, op.data)
	}
}

func (t *Tiered) storeDisk(ctx context.Context, key string, data []byte) {
	if err := t.disk.Store(ctx, key, data); err != nil {
		t.logger.Warn("cache disk write failed", zap.String("key", key), zap.Error(err))
	}
}

func (t *Tiered) deleteDisk(ctx context.Context, key string) {
	if err := t.disk.Delete(ctx, key); err != nil {
		t.logger.Warn("cache disk delete failed", zap.String("key", key), zap.Error(err))
	}
}
