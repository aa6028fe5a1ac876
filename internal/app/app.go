// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI and the API server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapebot/internal/cache"
	fsstore "github.com/JakeFAU/scrapebot/internal/cache/diskstore/fs"
	leveldbstore "github.com/JakeFAU/scrapebot/internal/cache/diskstore/leveldb"
	"github.com/JakeFAU/scrapebot/internal/clock/system"
	"github.com/JakeFAU/scrapebot/internal/config"
	"github.com/JakeFAU/scrapebot/internal/dispatcher"
	"github.com/JakeFAU/scrapebot/internal/extract"
	"github.com/JakeFAU/scrapebot/internal/fetcher"
	collyfetcher "github.com/JakeFAU/scrapebot/internal/fetcher/colly"
	"github.com/JakeFAU/scrapebot/internal/fetcher/headless"
	"github.com/JakeFAU/scrapebot/internal/id/uuid"
	"github.com/JakeFAU/scrapebot/internal/orchestrator"
	"github.com/JakeFAU/scrapebot/internal/policy/ratelimit"
	"github.com/JakeFAU/scrapebot/internal/report"
	"github.com/JakeFAU/scrapebot/internal/report/jsonl"
	"github.com/JakeFAU/scrapebot/internal/report/postgres"
	"github.com/JakeFAU/scrapebot/internal/scrape"
	"github.com/JakeFAU/scrapebot/internal/transport"
)

// LevelDBDirName is the LevelDB directory under cache.dir.
const LevelDBDirName = "entries.ldb"

// App holds the shared, long-lived services. It is built once at startup.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  scrape.Clock
	ids    scrape.IDGenerator

	disk         cache.DiskStore
	httpCache    *transport.Cache
	renderer     *headless.Fetcher
	executor     *fetcher.Executor
	cache        *cache.Tiered
	orchestrator *orchestrator.Orchestrator
	dispatcher   *dispatcher.Dispatcher
}

// Batch is the outcome of one Run.
type Batch struct {
	RunID   string
	Results []scrape.Result
	Summary report.Summary
}

// New builds every service described by cfg. It fails fast; services built
// before the failure are closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	if err := a.init(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("cleanup after failed init", zap.Error(cerr))
		}
		return nil, err
	}
	logger.Info("services initialized",
		zap.String("cache_dir", cfg.Cache.Dir),
		zap.String("disk_backend", cfg.Cache.DiskBackend),
		zap.Bool("http_cache", a.httpCache != nil),
		zap.Bool("rendering", a.executor.RenderingAvailable()),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
	)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	disk, err := openDiskStore(cfg.Cache)
	if err != nil {
		return err
	}
	a.disk = disk

	base, err := collyfetcher.NewHTTPTransport(cfg.Fetch.Proxies)
	if err != nil {
		return err
	}
	var rt http.RoundTripper = base
	if cfg.Cache.TransportEnabled {
		a.httpCache, err = transport.Open(ctx, transport.Config{
			Path:   filepath.Join(cfg.Cache.Dir, transport.DefaultFileName),
			TTL:    cfg.Cache.TTL,
			Base:   base,
			Logger: a.logger.Named("http_cache"),
		})
		if err != nil {
			return fmt.Errorf("open http cache: %w", err)
		}
		rt = a.httpCache
	}

	plain, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.Fetch.Timeout,
		Transport:     rt,
	})
	if err != nil {
		return fmt.Errorf("init plain fetcher: %w", err)
	}

	var render scrape.Strategy
	if cfg.Render.Enabled {
		renderer, err := newRenderer(cfg)
		if err != nil {
			return fmt.Errorf("init render fetcher: %w", err)
		}
		if err := renderer.Start(ctx); err != nil {
			a.logger.Warn("rendering unavailable, using plain HTTP only", zap.Error(err))
			renderer.Close()
		} else {
			a.renderer = renderer
			render = renderer
		}
	}

	var fetchOpts []fetcher.Option
	if cfg.Render.AutoPromote {
		fetchOpts = append(fetchOpts, fetcher.WithPromoter(fetcher.NewShellDetector(cfg.Render.PromoteThreshold)))
	}
	a.executor, err = fetcher.NewExecutor(fetcher.Config{
		MaxRetries:      cfg.Fetch.MaxRetries,
		Timeout:         cfg.Fetch.Timeout,
		Delay:           cfg.Delay(),
		UseRendering:    cfg.Fetch.UseRendering,
		RenderWait:      cfg.Render.WaitTime,
		BlockIndicators: cfg.Fetch.BlockIndicators,
	}, plain, render, a.logger.Named("fetch"), fetchOpts...)
	if err != nil {
		return err
	}

	opts := []cache.Option{cache.WithClock(a.clock)}
	if a.httpCache != nil {
		opts = append(opts, cache.WithTransport(a.httpCache))
	}
	a.cache, err = cache.New(cache.Config{
		TTL:        cfg.Cache.TTL,
		SyncWrites: cfg.Cache.SyncDiskWrites,
		WriteQueue: cfg.Cache.WriteQueue,
	}, disk, a.logger.Named("cache"), opts...)
	if err != nil {
		return err
	}

	a.orchestrator = orchestrator.New(
		orchestrator.Config{Delay: cfg.Delay(), TTL: cfg.Cache.TTL},
		a.cache,
		a.executor,
		extract.New(a.logger.Named("extract")),
		a.clock,
		a.logger.Named("orchestrator"),
	)
	a.dispatcher = dispatcher.New(a.orchestrator, cfg.Crawler.Concurrency, a.logger.Named("dispatcher"))
	return nil
}

func openDiskStore(cfg config.CacheConfig) (cache.DiskStore, error) {
	switch cfg.DiskBackend {
	case config.BackendLevelDB:
		store, err := leveldbstore.Open(leveldbstore.Config{Path: filepath.Join(cfg.Dir, LevelDBDirName)})
		if err != nil {
			return nil, fmt.Errorf("open leveldb cache: %w", err)
		}
		return store, nil
	case config.BackendFile, "":
		store, err := fsstore.New(fsstore.Config{Dir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("open file cache: %w", err)
		}
		return store, nil
	default:
		return nil, &scrape.ConfigurationError{Setting: "cache.disk_backend", Reason: fmt.Sprintf("unknown backend %q", cfg.DiskBackend)}
	}
}

func newRenderer(cfg config.Config) (*headless.Fetcher, error) {
	hcfg := headless.Config{
		MaxParallel:       cfg.Render.MaxParallel,
		UserAgent:         cfg.Fetch.UserAgent,
		NavigationTimeout: cfg.Render.NavTimeout,
		Headless:          cfg.Render.Headless,
		Proxy:             cfg.Fetch.Proxies["http"],
		ExecPath:          cfg.Render.ExecPath,
	}
	if cfg.Render.DomainQPS > 0 {
		hcfg.Limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Render.DomainQPS,
			DefaultBurst: cfg.Render.DomainBurst,
		})
	}
	return headless.NewChromedp(hcfg)
}

// Config returns the configuration the app was built with.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Cache returns the tiered cache.
func (a *App) Cache() *cache.Tiered { return a.cache }

// Orchestrator returns the cache-first resolver.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// NewSink opens the result sink selected by report.sink. It returns nil for
// the "none" sink.
func (a *App) NewSink(ctx context.Context) (scrape.ResultSink, error) {
	switch a.cfg.Report.Sink {
	case config.SinkJSONL:
		sink, err := jsonl.New(jsonl.Config{Dir: a.cfg.Crawler.OutputDir}, a.clock)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.SinkPostgres:
		sink, err := postgres.New(ctx, a.cfg.Report.Postgres, a.ids, a.clock)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.SinkNone, "":
		return nil, nil
	default:
		return nil, &scrape.ConfigurationError{Setting: "report.sink", Reason: fmt.Sprintf("unknown sink %q", a.cfg.Report.Sink)}
	}
}

// Run resolves resources on the worker pool and writes every result to sink
// when it is not nil. Sink failures are returned after the whole batch has
// been written; they never stop resolution.
func (a *App) Run(ctx context.Context, resources []scrape.Resource, sink scrape.ResultSink) (Batch, error) {
	runID, err := a.ids.NewID()
	if err != nil {
		return Batch{}, fmt.Errorf("generate run id: %w", err)
	}
	log := a.logger.With(zap.String("run_id", runID))
	log.Info("batch started", zap.Int("resources", len(resources)))

	results := a.dispatcher.Run(ctx, resources)
	if err := a.cache.Flush(ctx); err != nil {
		log.Warn("cache flush after batch", zap.Error(err))
	}

	var errs []error
	if sink != nil {
		for _, result := range results {
			// Writes use a fresh context so a cancelled batch still records
			// what it resolved.
			if err := sink.Write(context.WithoutCancel(ctx), runID, result); err != nil {
				errs = append(errs, err)
			}
		}
	}

	summary := report.Summarize(results)
	log.Info("batch finished",
		zap.Int("total", summary.Total),
		zap.Int("cached", summary.Cached),
		zap.Int("fetched", summary.Fetched),
		zap.Int("failed", summary.Failed),
		zap.Int("unresolved", len(resources)-summary.Total),
	)
	batch := Batch{RunID: runID, Results: results, Summary: summary}
	if len(errs) > 0 {
		return batch, fmt.Errorf("write results: %w", errors.Join(errs...))
	}
	return batch, nil
}

// Close shuts down services in reverse order of construction.
func (a *App) Close() error {
	var errs []error
	if a.renderer != nil {
		a.renderer.Close()
	}
	switch {
	case a.cache != nil:
		if err := a.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	case a.disk != nil:
		if err := a.disk.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close disk store: %w", err))
		}
	}
	if a.httpCache != nil {
		if err := a.httpCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close http cache: %w", err))
		}
	}
	return errors.Join(errs...)
}
