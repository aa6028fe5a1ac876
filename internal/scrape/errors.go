package scrape

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind names a FetchError variant.
type ErrorKind string

// Error kinds, as reported in ErrorRecord.Kind.
const (
	KindNetwork       ErrorKind = "NetworkError"
	KindRateLimit     ErrorKind = "RateLimitError"
	KindBlocked       ErrorKind = "BlockedError"
	KindParsing       ErrorKind = "ParsingError"
	KindScraping      ErrorKind = "ScrapingError"
	KindConfiguration ErrorKind = "ConfigurationError"
)

var (
	// ErrTransport marks connection-level failures (refused, reset, timeout,
	// browser navigation failures). Strategies wrap such errors with it.
	ErrTransport = errors.New("transport failure")
	// ErrRendererUnavailable is returned when rendering is requested but no
	// browser strategy is configured.
	ErrRendererUnavailable = errors.New("renderer unavailable")
)

// FetchError is the closed family of terminal failures. Only the types in this
// file implement it.
type FetchError interface {
	error
	Kind() ErrorKind
	fetchError()
}

// NetworkError reports exhausted connection retries or an HTTP status >= 400.
// StatusCode is zero when no response was received.
type NetworkError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error fetching %s: http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("network error fetching %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error   { return e.Err }
func (e *NetworkError) Kind() ErrorKind { return KindNetwork }
func (*NetworkError) fetchError()       {}

// RateLimitError reports an HTTP 429 response.
type RateLimitError struct {
	URL      string
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.URL)
}

func (e *RateLimitError) Kind() ErrorKind { return KindRateLimit }
func (*RateLimitError) fetchError()       {}

// BlockedError reports a successful response whose body looks like a
// bot-protection page.
type BlockedError struct {
	URL       string
	Indicator string
	Attempts  int
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("access blocked for %s (indicator %q)", e.URL, e.Indicator)
}

func (e *BlockedError) Kind() ErrorKind { return KindBlocked }
func (*BlockedError) fetchError()       {}

// ParsingError reports markup that could not be processed.
type ParsingError struct {
	URL string
	Err error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParsingError) Unwrap() error   { return e.Err }
func (e *ParsingError) Kind() ErrorKind { return KindParsing }
func (*ParsingError) fetchError()       {}

// ScrapingError is the catch-all for unexpected failures on the final attempt.
type ScrapingError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ScrapingError) Error() string {
	return fmt.Sprintf("scrape %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ScrapingError) Unwrap() error   { return e.Err }
func (e *ScrapingError) Kind() ErrorKind { return KindScraping }
func (*ScrapingError) fetchError()       {}

// ConfigurationError reports an invalid setting.
type ConfigurationError struct {
	Setting string
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := e.Setting + " " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error   { return e.Err }
func (e *ConfigurationError) Kind() ErrorKind { return KindConfiguration }
func (*ConfigurationError) fetchError()       {}

// AsFetchError extracts the FetchError from err's chain.
func AsFetchError(err error) (FetchError, bool) {
	var fe FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf classifies err. Errors outside the family count as ScrapingError.
func KindOf(err error) ErrorKind {
	if fe, ok := AsFetchError(err); ok {
		return fe.Kind()
	}
	return KindScraping
}

// NewErrorRecord converts a terminal error into its serializable record.
func NewErrorRecord(url string, err error, at time.Time) *ErrorRecord {
	rec := &ErrorRecord{
		URL:        url,
		Kind:       KindOf(err),
		Message:    err.Error(),
		OccurredAt: at,
	}
	fe, _ := AsFetchError(err)
	switch e := fe.(type) {
	case *NetworkError:
		rec.Attempts = e.Attempts
		rec.StatusCode = e.StatusCode
	case *RateLimitError:
		rec.Attempts = e.Attempts
		rec.StatusCode = 429
	case *BlockedError:
		rec.Attempts = e.Attempts
	case *ScrapingError:
		rec.Attempts = e.Attempts
	}
	return rec
}
