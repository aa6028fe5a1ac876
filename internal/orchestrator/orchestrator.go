// Package orchestrator resolves scrape resources through the tiered cache,
// falling back to a live fetch and extraction on a miss.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapebot/internal/cache"
	"github.com/JakeFAU/scrapebot/internal/metrics"
	"github.com/JakeFAU/scrapebot/internal/politeness"
	"github.com/JakeFAU/scrapebot/internal/scrape"
)

// Cache is the subset of the tiered cache the orchestrator needs.
type Cache interface {
	Get(ctx context.Context, key string) (cache.Entry, bool)
	Set(
		ctx context.Context,
		key, url string,
		params map[string]string,
		payload scrape.Payload,
		ttl time.Duration,
	) cache.Entry
}

// Config controls orchestration.
type Config struct {
	// Delay is drawn once before every live fetch.
	Delay politeness.Range
	// TTL applies to stored payloads. Zero uses the cache default.
	TTL time.Duration
}

// Orchestrator implements cache-first resolution.
type Orchestrator struct {
	cfg       Config
	cache     Cache
	fetcher   scrape.Fetcher
	extractor scrape.Extractor
	clock     scrape.Clock
	pauser    politeness.Pauser
	logger    *zap.Logger
}

// New builds an Orchestrator.
func New(
	cfg Config,
	c Cache,
	fetcher scrape.Fetcher,
	extractor scrape.Extractor,
	clock scrape.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Orchestrator{
		cfg:       cfg,
		cache:     c,
		fetcher:   fetcher,
		extractor: extractor,
		clock:     clock,
		pauser:    politeness.TimerPauser{},
		logger:    logger,
	}
}

// Resolve returns the payload for res, from cache when a live entry exists.
// Failures are reported in Result.Error and never cached.
func (o *Orchestrator) Resolve(ctx context.Context, res scrape.Resource) scrape.Result {
	result := scrape.Result{Name: res.Name, URL: res.URL}
	if err := validate(res); err != nil {
		return o.failed(result, err)
	}

	params := cache.ResourceParams(res)
	result.Key = cache.DeriveKey(res.URL, params)
	log := o.logger.With(zap.String("url", res.URL), zap.String("key", result.Key))

	if entry, ok := o.cache.Get(ctx, result.Key); ok {
		log.Debug("resolved from cache")
		result.Provenance = scrape.ProvenanceCached
		result.Payload = entry.Payload
		metrics.ObserveResolve(string(scrape.ProvenanceCached))
		return result
	}

	o.pauser.Pause(ctx, o.cfg.Delay.Next())

	resp, err := o.fetcher.Fetch(ctx, fetchRequest(res))
	if err != nil {
		log.Warn("fetch failed", zap.String("error_type", string(scrape.KindOf(err))), zap.Error(err))
		return o.failed(result, err)
	}

	fields, err := o.extractor.Extract(ctx, resp.URL, resp.Body, res.Selectors)
	if err != nil {
		if _, ok := scrape.AsFetchError(err); !ok {
			err = &scrape.ScrapingError{URL: res.URL, Attempts: resp.Attempts, Err: err}
		}
		log.Warn("extraction failed", zap.Error(err))
		return o.failed(result, err)
	}

	payload := make(scrape.Payload, len(fields)+2)
	payload["url"] = res.URL
	payload["timestamp"] = o.clock.Now().Format(time.RFC3339)
	for k, v := range fields {
		payload[k] = v
	}

	entry := o.cache.Set(ctx, result.Key, res.URL, params, payload, o.cfg.TTL)
	log.Info("resolved from fetch",
		zap.String("strategy", string(resp.Strategy)),
		zap.Int("attempts", resp.Attempts),
		zap.Bool("http_cache", resp.FromCache),
	)
	result.Provenance = scrape.ProvenanceFetched
	result.Payload = entry.Payload
	metrics.ObserveResolve(string(scrape.ProvenanceFetched))
	return result
}

// ResolveAll resolves resources in order. A failed resource does not stop the
// batch; a cancelled ctx does, and the unattempted resources are omitted.
func (o *Orchestrator) ResolveAll(ctx context.Context, resources []scrape.Resource) []scrape.Result {
	results := make([]scrape.Result, 0, len(resources))
	for _, res := range resources {
		if ctx.Err() != nil {
			o.logger.Warn("batch interrupted",
				zap.Int("resolved", len(results)),
				zap.Int("remaining", len(resources)-len(results)),
			)
			break
		}
		results = append(results, o.Resolve(ctx, res))
	}
	return results
}

func (o *Orchestrator) failed(result scrape.Result, err error) scrape.Result {
	result.Error = scrape.NewErrorRecord(result.URL, err, o.clock.Now())
	metrics.ObserveResolve("failed")
	return result
}

func validate(res scrape.Resource) error {
	if strings.TrimSpace(res.URL) == "" {
		return &scrape.ConfigurationError{Setting: "resource.url", Reason: "is required"}
	}
	u, err := url.Parse(res.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &scrape.ConfigurationError{Setting: "resource.url", Reason: "must be an absolute http(s) URL", Err: err}
	}
	if len(res.Selectors) == 0 {
		return &scrape.ConfigurationError{Setting: "resource.selectors", Reason: "must not be empty"}
	}
	var errs []error
	for name, spec := range res.Selectors {
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return &scrape.ConfigurationError{Setting: "resource.selectors", Reason: "are invalid", Err: errors.Join(errs...)}
	}
	return nil
}

func fetchRequest(res scrape.Resource) scrape.FetchRequest {
	req := scrape.FetchRequest{
		URL:      res.URL,
		Params:   res.Params,
		Strategy: res.Strategy(),
		WaitFor:  res.WaitFor,
	}
	if res.WaitSeconds > 0 {
		req.WaitTime = time.Duration(res.WaitSeconds) * time.Second
	}
	if len(res.Headers) > 0 {
		req.Headers = make(http.Header, len(res.Headers))
		for k, v := range res.Headers {
			req.Headers.Set(k, v)
		}
	}
	return req
}
