// Package transport provides a persistent, caching http.RoundTripper backed
// by SQLite. It sits under the plain fetch strategy's HTTP client.
package transport

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/scrapebot/internal/hash/sha256"
	"github.com/JakeFAU/scrapebot/internal/metrics"
)

// FromCacheHeader is set on responses served from the store.
const FromCacheHeader = "X-From-Cache"

// DefaultFileName is the database file created inside the cache directory.
const DefaultFileName = "http_cache.sqlite"

// varyHeaders are the request headers that participate in the cache key.
var varyHeaders = []string{"Accept", "Accept-Language", "User-Agent"}

const schema = `
CREATE TABLE IF NOT EXISTS responses (
	key        TEXT PRIMARY KEY,
	method     TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     BLOB NOT NULL,
	body       BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS responses_expires_at ON responses (expires_at);
`

// Config configures the transport cache. It is applied once at Open.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// TTL bounds how long a stored response is served.
	TTL time.Duration
	// Base performs requests on a miss. Defaults to http.DefaultTransport.
	Base   http.RoundTripper
	Logger *zap.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Stats reports transport cache activity since Open or the last Clear.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// Cache is a caching http.RoundTripper. GET and HEAD responses with status
// 200 are stored; everything else passes through.
type Cache struct {
	db     *sql.DB
	path   string
	ttl    time.Duration
	base   http.RoundTripper
	logger *zap.Logger
	now    func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// Open creates the database and schema if needed.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("http cache path is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("http cache ttl must be > 0")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create http cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open http cache: %w", err)
	}
	// SQLite allows one writer; serializing on one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create http cache schema: %w", err)
	}

	base := cfg.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	metrics.Init()
	return &Cache{
		db:     db,
		path:   cfg.Path,
		ttl:    cfg.TTL,
		base:   base,
		logger: logger,
		now:    now,
	}, nil
}

// Path returns the database file location.
func (c *Cache) Path() string {
	return c.path
}

// RoundTrip serves req from the store when a live response exists, otherwise
// forwards it to the base transport and stores a cacheable response.
func (c *Cache) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return c.base.RoundTrip(req)
	}
	ctx := req.Context()
	key := requestKey(req)

	resp, err := c.lookup(ctx, key, req)
	if err != nil {
		c.logger.Warn("http cache lookup failed", zap.String("url", req.URL.String()), zap.Error(err))
	}
	if resp != nil {
		c.hits.Add(1)
		metrics.ObserveTransportLookup("hit")
		return resp, nil
	}
	c.misses.Add(1)
	metrics.ObserveTransportLookup("miss")

	resp, err = c.base.RoundTrip(req)
	if err != nil {
		return nil, err //nolint:wrapcheck // RoundTrippers must not alter transport errors
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err := c.store(ctx, key, req, resp, body); err != nil {
		c.logger.Warn("http cache store failed", zap.String("url", req.URL.String()), zap.Error(err))
	}
	return resp, nil
}

// Stats returns hit and miss counters plus the stored entry count.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var entries int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses`).Scan(&entries); err != nil {
		return Stats{}, fmt.Errorf("count http cache entries: %w", err)
	}
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
	}, nil
}

// Clear deletes every stored response and resets the counters.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM responses`); err != nil {
		return fmt.Errorf("clear http cache: %w", err)
	}
	c.hits.Store(0)
	c.misses.Store(0)
	return nil
}

// Purge deletes expired responses and returns how many were removed.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM responses WHERE expires_at <= ?`, c.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge http cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge http cache rows: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close http cache: %w", err)
	}
	return nil
}

func (c *Cache) lookup(ctx context.Context, key string, req *http.Request) (*http.Response, error) {
	var (
		status    int
		rawHeader []byte
		body      []byte
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT status, header, body FROM responses WHERE key = ? AND expires_at > ?`,
		key, c.now().UnixNano(),
	).Scan(&status, &rawHeader, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query http cache: %w", err)
	}
	header := http.Header{}
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	header.Set(FromCacheHeader, "1")
	if req.Method == http.MethodHead {
		body = nil
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func (c *Cache) store(ctx context.Context, key string, req *http.Request, resp *http.Response, body []byte) error {
	rawHeader, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	now := c.now()
	_, err = c.db.ExecContext(ctx, `
INSERT INTO responses (key, method, url, status, header, body, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
	status = excluded.status,
	header = excluded.header,
	body = excluded.body,
	created_at = excluded.created_at,
	expires_at = excluded.expires_at`,
		key, req.Method, req.URL.String(), resp.StatusCode, rawHeader, body,
		now.UnixNano(), now.Add(c.ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert http cache entry: %w", err)
	}
	return nil
}

func requestKey(req *http.Request) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.URL.String())
	for _, name := range varyHeaders {
		b.WriteByte('\n')
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(req.Header.Get(name))
	}
	return sha256.SumString(b.String())
}
