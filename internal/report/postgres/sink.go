// Package postgres implements a ResultSink backed by a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrapebot/internal/scrape"
)

// DefaultTable receives result rows unless Config.Table is set.
const DefaultTable = "scrape_results"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for result rows.
//
// The table is expected to look like:
//
//	CREATE TABLE scrape_results (
//		id            UUID PRIMARY KEY,
//		run_id        TEXT NOT NULL,
//		name          TEXT NOT NULL,
//		url           TEXT NOT NULL,
//		cache_key     TEXT NOT NULL,
//		provenance    TEXT NOT NULL,
//		payload       JSONB,
//		error_type    TEXT NOT NULL,
//		error_message TEXT NOT NULL,
//		attempts      INTEGER NOT NULL,
//		status_code   INTEGER NOT NULL,
//		resolved_at   TIMESTAMPTZ NOT NULL
//	);
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Sink writes result rows into Postgres.
type Sink struct {
	pool  execCloser
	table string
	ids   scrape.IDGenerator
	clock scrape.Clock
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, ids scrape.IDGenerator, clock scrape.Clock) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, &scrape.ConfigurationError{Setting: "report.postgres.dsn", Reason: "is required"}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &scrape.ConfigurationError{Setting: "report.postgres.dsn", Reason: "is invalid", Err: err}
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sink, err := NewWithPool(pool, cfg.Table, ids, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string, ids scrape.IDGenerator, clock scrape.Clock) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, &scrape.ConfigurationError{Setting: "report.postgres.table", Reason: fmt.Sprintf("%q is not a valid table name", table)}
	}
	return &Sink{pool: pool, table: table, ids: ids, clock: clock}, nil
}

// Write inserts one row for result.
func (s *Sink) Write(ctx context.Context, runID string, result scrape.Result) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate row id: %w", err)
	}
	var payload []byte
	if result.Payload != nil {
		payload, err = json.Marshal(result.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}
	var (
		errType, errMsg     string
		attempts, statusCode int
	)
	if result.Error != nil {
		errType = string(result.Error.Kind)
		errMsg = result.Error.Message
		attempts = result.Error.Attempts
		statusCode = result.Error.StatusCode
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	name,
	url,
	cache_key,
	provenance,
	payload,
	error_type,
	error_message,
	attempts,
	status_code,
	resolved_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.table)

	args := []any{
		id,
		runID,
		result.Name,
		result.URL,
		result.Key,
		string(result.Provenance),
		payload,
		errType,
		errMsg,
		attempts,
		statusCode,
		s.clock.Now(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}
