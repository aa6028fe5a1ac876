// Package fetcher runs fetch attempts through a plain or rendering strategy,
// retrying transient failures and classifying terminal ones as FetchErrors.
package fetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapebot/internal/metrics"
	"github.com/JakeFAU/scrapebot/internal/politeness"
	"github.com/JakeFAU/scrapebot/internal/scrape"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRenderWait = 10 * time.Second
)

type outcome string

const (
	outcomeSuccess     outcome = "success"
	outcomeRetryable   outcome = "retryable"
	outcomeRateLimited outcome = "rate_limited"
	outcomeHTTPError   outcome = "http_error"
	outcomeBlocked     outcome = "blocked"
	outcomeCanceled    outcome = "canceled"
	outcomeRejected    outcome = "rejected"
)

// Config controls retry and strategy selection.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// Delay is drawn before every retry.
	Delay politeness.Range
	// UseRendering selects the render strategy when a request does not
	// choose one.
	UseRendering bool
	// RenderWait bounds a wait_for selector when the request leaves it unset.
	RenderWait time.Duration
	// BlockIndicators overrides DefaultBlockIndicators.
	BlockIndicators []string
}

// Executor implements scrape.Fetcher.
type Executor struct {
	cfg      Config
	plain    scrape.Strategy
	render   scrape.Strategy
	detector *BlockDetector
	promoter Promoter
	pauser   politeness.Pauser
	logger   *zap.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithPromoter re-fetches plain responses with the render strategy when p
// flags them and the request left the strategy unset.
func WithPromoter(p Promoter) Option {
	return func(e *Executor) {
		e.promoter = p
	}
}

// NewExecutor builds an Executor. render may be nil when no browser is
// available; rendering requests then fall back to plain with a warning.
func NewExecutor(cfg Config, plain, render scrape.Strategy, logger *zap.Logger, opts ...Option) (*Executor, error) {
	if plain == nil {
		return nil, errors.New("plain strategy is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, &scrape.ConfigurationError{Setting: "fetch.max_retries", Reason: "must be >= 0"}
	}
	if cfg.Delay.Min < 0 || cfg.Delay.Max < cfg.Delay.Min {
		return nil, &scrape.ConfigurationError{Setting: "fetch.delay_max", Reason: "must be >= fetch.delay_min >= 0"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RenderWait <= 0 {
		cfg.RenderWait = defaultRenderWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	e := &Executor{
		cfg:      cfg,
		plain:    plain,
		render:   render,
		detector: NewBlockDetector(cfg.BlockIndicators),
		pauser:   politeness.TimerPauser{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RenderingAvailable reports whether a render strategy is configured.
func (e *Executor) RenderingAvailable() bool {
	return e.render != nil
}

// Fetch performs up to MaxRetries+1 attempts. Connection failures and
// timeouts are retried; 429, other HTTP errors and blocked pages end the
// fetch immediately.
func (e *Executor) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	strategy, kind := e.pick(request)
	if request.WaitFor != "" && request.WaitTime <= 0 {
		request.WaitTime = e.cfg.RenderWait
	}
	resp, err := e.run(ctx, strategy, kind, request)
	if err != nil || !e.shouldPromote(request, kind, resp) {
		return resp, err
	}

	e.logger.Info("promoting to rendered fetch", zap.String("url", request.URL))
	rendered, rerr := e.run(ctx, e.render, scrape.StrategyRender, request)
	if rerr != nil {
		e.logger.Warn("rendered fetch failed, keeping plain response",
			zap.String("url", request.URL),
			zap.Error(rerr),
		)
		return resp, nil
	}
	rendered.Attempts += resp.Attempts
	return rendered, nil
}

func (e *Executor) shouldPromote(request scrape.FetchRequest, kind scrape.StrategyKind, resp scrape.FetchResponse) bool {
	return e.promoter != nil &&
		e.render != nil &&
		kind == scrape.StrategyPlain &&
		request.Strategy == scrape.StrategyAuto &&
		e.promoter.ShouldPromote(resp)
}

func (e *Executor) run(
	ctx context.Context,
	strategy scrape.Strategy,
	kind scrape.StrategyKind,
	request scrape.FetchRequest,
) (scrape.FetchResponse, error) {
	maxAttempts := e.cfg.MaxRetries + 1

	var (
		lastErr     error
		lastNetwork bool
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			e.pauser.Pause(ctx, e.cfg.Delay.Next())
		}
		if err := ctx.Err(); err != nil {
			return scrape.FetchResponse{}, e.fail(&scrape.ScrapingError{URL: request.URL, Attempts: attempt - 1, Err: err})
		}

		start := time.Now()
		resp, err := e.attempt(ctx, strategy, request)
		elapsed := time.Since(start)

		result, fetchErr := e.classify(ctx, request.URL, attempt, resp, err)
		metrics.ObserveFetchAttempt(string(kind), string(result), elapsed)
		e.logAttempt(request.URL, kind, attempt, maxAttempts, result, resp.StatusCode, elapsed, err)

		switch result {
		case outcomeSuccess:
			resp.Attempts = attempt
			resp.Strategy = kind
			return resp, nil
		case outcomeRetryable:
			lastErr = err
			lastNetwork = isNetworkFailure(err)
		default:
			return scrape.FetchResponse{}, e.fail(fetchErr)
		}
	}

	if lastNetwork {
		return scrape.FetchResponse{}, e.fail(&scrape.NetworkError{URL: request.URL, Attempts: maxAttempts, Err: lastErr})
	}
	return scrape.FetchResponse{}, e.fail(&scrape.ScrapingError{URL: request.URL, Attempts: maxAttempts, Err: lastErr})
}

func (e *Executor) pick(request scrape.FetchRequest) (scrape.Strategy, scrape.StrategyKind) {
	wantRender := request.Strategy == scrape.StrategyRender ||
		(request.Strategy == scrape.StrategyAuto && e.cfg.UseRendering)
	if wantRender {
		if e.render != nil {
			return e.render, scrape.StrategyRender
		}
		e.logger.Warn("rendering unavailable, falling back to plain HTTP", zap.String("url", request.URL))
	}
	return e.plain, scrape.StrategyPlain
}

func (e *Executor) attempt(
	ctx context.Context,
	strategy scrape.Strategy,
	request scrape.FetchRequest,
) (scrape.FetchResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return strategy.Fetch(attemptCtx, request) //nolint:wrapcheck // classified by the caller
}

func (e *Executor) classify(
	ctx context.Context,
	rawURL string,
	attempt int,
	resp scrape.FetchResponse,
	err error,
) (outcome, error) {
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCanceled, &scrape.ScrapingError{URL: rawURL, Attempts: attempt, Err: err}
		}
		// Strategies that already classified the failure end the fetch.
		if fe, ok := scrape.AsFetchError(err); ok {
			return outcomeRejected, fe
		}
		return outcomeRetryable, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return outcomeRateLimited, &scrape.RateLimitError{URL: rawURL, Attempts: attempt}
	case resp.StatusCode >= http.StatusBadRequest:
		return outcomeHTTPError, &scrape.NetworkError{URL: rawURL, StatusCode: resp.StatusCode, Attempts: attempt}
	}
	if indicator, blocked := e.detector.Detect(resp.Body); blocked {
		return outcomeBlocked, &scrape.BlockedError{URL: rawURL, Indicator: indicator, Attempts: attempt}
	}
	return outcomeSuccess, nil
}

func (e *Executor) fail(err error) error {
	metrics.ObserveFetchError(string(scrape.KindOf(err)))
	return err
}

func (e *Executor) logAttempt(
	rawURL string,
	kind scrape.StrategyKind,
	attempt, maxAttempts int,
	result outcome,
	status int,
	elapsed time.Duration,
	err error,
) {
	fields := []zap.Field{
		zap.String("url", rawURL),
		zap.String("strategy", string(kind)),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", maxAttempts),
		zap.String("outcome", string(result)),
		zap.Duration("elapsed", elapsed),
	}
	if status > 0 {
		fields = append(fields, zap.Int("status", status))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if result == outcomeSuccess {
		e.logger.Info("fetch attempt succeeded", fields...)
		return
	}
	e.logger.Warn("fetch attempt failed", fields...)
}

func isNetworkFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, scrape.ErrTransport) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
