// Package collyfetcher implements the plain HTTP fetch strategy using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/scrapebot/internal/scrape"
	"github.com/JakeFAU/scrapebot/internal/transport"
)

// DefaultHeaders are sent with every request unless the request overrides them.
var DefaultHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.5",
	"Upgrade-Insecure-Requests": "1",
	"Cache-Control":             "max-age=0",
}

// Config controls collector behavior. It is applied once in New.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// Headers replaces DefaultHeaders when non-nil.
	Headers map[string]string
	// Transport performs requests. Defaults to NewHTTPTransport(nil).
	Transport http.RoundTripper
}

// Fetcher implements scrape.Strategy using the Colly collector.
type Fetcher struct {
	cfg           Config
	headers       http.Header
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. The collector's transport, cookie jar and timeout are
// shared by every fetch.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	rt := cfg.Transport
	if rt == nil {
		base, err := NewHTTPTransport(nil)
		if err != nil {
			return nil, err
		}
		rt = base
	}
	if cfg.RespectRobots {
		rt = &robotsFallbackTransport{base: rt}
	}
	c.WithTransport(rt)
	c.SetRequestTimeout(cfg.Timeout)

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c.SetCookieJar(jar)

	defaults := cfg.Headers
	if defaults == nil {
		defaults = DefaultHeaders
	}
	headers := http.Header{}
	for k, v := range defaults {
		headers.Set(k, v)
	}

	return &Fetcher{
		cfg:           cfg,
		headers:       headers,
		baseCollector: c,
	}, nil
}

// Fetch executes a single HTTP GET. Responses of any status are returned;
// connection failures are wrapped with scrape.ErrTransport.
func (f *Fetcher) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	target, err := request.Target()
	if err != nil {
		return scrape.FetchResponse{}, err
	}
	var (
		result   scrape.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return scrape.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request scrape.FetchRequest,
	start time.Time,
	result *scrape.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request scrape.FetchRequest,
	start time.Time,
	result *scrape.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = scrape.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			Strategy:   scrape.StrategyPlain,
			FromCache:  headers.Get(transport.FromCacheHeader) != "",
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return &scrape.BlockedError{URL: target, Indicator: "robots.txt"}
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", errors.Join(scrape.ErrTransport, err))
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", errors.Join(scrape.ErrTransport, *fetchErr))
		}
		return nil
	}
}

// copyHeaders applies the default headers, then the request's own.
func (f *Fetcher) copyHeaders(request scrape.FetchRequest, r *colly.Request) {
	for key, values := range f.headers {
		if r.Headers.Get(key) == "" {
			(*r.Headers)[key] = append([]string(nil), values...)
		}
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// NewHTTPTransport builds the pooled base transport. proxies maps a URL
// scheme ("http", "https") to a proxy URL; schemes without an entry fall back
// to the environment.
func NewHTTPTransport(proxies map[string]string) (*http.Transport, error) {
	proxyFunc, err := proxyFor(proxies)
	if err != nil {
		return nil, err
	}
	return &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}, nil
}

func proxyFor(proxies map[string]string) (func(*http.Request) (*url.URL, error), error) {
	if len(proxies) == 0 {
		return http.ProxyFromEnvironment, nil
	}
	parsed := make(map[string]*url.URL, len(proxies))
	for scheme, raw := range proxies {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, &scrape.ConfigurationError{Setting: "fetch.proxies." + scheme, Reason: "must be an absolute URL", Err: err}
		}
		parsed[scheme] = u
	}
	return func(req *http.Request) (*url.URL, error) {
		if u, ok := parsed[req.URL.Scheme]; ok {
			return u, nil
		}
		return http.ProxyFromEnvironment(req)
	}, nil
}
