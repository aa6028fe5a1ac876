package scrape

import (
	"context"
	"time"
)

// Strategy performs a single fetch attempt. Implementations return the
// response for any HTTP status; classification belongs to the executor.
type Strategy interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Fetcher performs a fetch with retries and returns a FetchError on failure.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns a response body into a payload.
type Extractor interface {
	Extract(ctx context.Context, url string, body []byte, selectors map[string]SelectorSpec) (Payload, error)
}

// ResultSink persists resolution results.
type ResultSink interface {
	Write(ctx context.Context, runID string, result Result) error
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
