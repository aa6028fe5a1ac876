package scrape

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// StrategyKind names a fetch strategy.
type StrategyKind string

const (
	// StrategyAuto lets the executor pick based on its configuration.
	StrategyAuto StrategyKind = ""
	// StrategyPlain issues a plain HTTP request.
	StrategyPlain StrategyKind = "plain"
	// StrategyRender drives a headless browser and returns the rendered DOM.
	StrategyRender StrategyKind = "render"
)

// Provenance records whether a result came from the cache or a live fetch.
type Provenance string

const (
	// ProvenanceCached marks a result served from the tiered cache.
	ProvenanceCached Provenance = "cached"
	// ProvenanceFetched marks a result produced by a live fetch.
	ProvenanceFetched Provenance = "fetched"
)

// Payload is the extracted field map for a resource. Values are JSON-compatible.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Resource describes one scrape target.
type Resource struct {
	Name         string                  `json:"name,omitempty" yaml:"name"`
	URL          string                  `json:"url" yaml:"url"`
	Selectors    map[string]SelectorSpec `json:"selectors" yaml:"selectors"`
	Params       map[string]string       `json:"params,omitempty" yaml:"params"`
	Headers      map[string]string       `json:"headers,omitempty" yaml:"headers"`
	UseRendering *bool                   `json:"use_rendering,omitempty" yaml:"use_rendering"`
	WaitFor      string                  `json:"wait_for,omitempty" yaml:"wait_for"`
	WaitSeconds  int                     `json:"wait_seconds,omitempty" yaml:"wait_seconds"`
}

// Strategy returns the strategy requested by the resource, if any.
func (r Resource) Strategy() StrategyKind {
	if r.UseRendering == nil {
		return StrategyAuto
	}
	if *r.UseRendering {
		return StrategyRender
	}
	return StrategyPlain
}

// FetchRequest is the executor input.
type FetchRequest struct {
	URL      string
	Params   map[string]string
	Headers  http.Header
	Strategy StrategyKind
	WaitFor  string
	WaitTime time.Duration
}

// Target returns URL with Params merged into its query string.
func (r FetchRequest) Target() (string, error) {
	if len(r.Params) == 0 {
		return r.URL, nil
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", r.URL, err)
	}
	q := u.Query()
	for k, v := range r.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchResponse captures the data returned by a fetch strategy.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Strategy   StrategyKind
	Attempts   int
	FromCache  bool
}

// Result is the outcome of resolving a single resource.
type Result struct {
	Name       string       `json:"name,omitempty"`
	URL        string       `json:"url"`
	Key        string       `json:"key,omitempty"`
	Provenance Provenance   `json:"provenance,omitempty"`
	Payload    Payload      `json:"data,omitempty"`
	Error      *ErrorRecord `json:"error,omitempty"`
}

// OK reports whether the result carries a payload rather than an error.
func (r Result) OK() bool {
	return r.Error == nil
}

// ErrorRecord is the serializable form of a failed resolution.
type ErrorRecord struct {
	URL        string    `json:"url"`
	Kind       ErrorKind `json:"error_type"`
	Message    string    `json:"error"`
	Attempts   int       `json:"attempts,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	OccurredAt time.Time `json:"timestamp"`
}
