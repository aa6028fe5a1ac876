package fetcher

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/scrapebot/internal/scrape"
)

const defaultShellThreshold = 2048

// Promoter decides whether a plain response should be fetched again with the
// render strategy.
type Promoter interface {
	ShouldPromote(resp scrape.FetchResponse) bool
}

// ShellDetector flags pages that are client-rendered shells: empty bodies,
// framework mount points, and short documents dominated by script.
type ShellDetector struct {
	// Threshold is the body size below which script density is checked.
	Threshold int
	// Markers are byte sequences that identify a client-side app root.
	Markers [][]byte
}

var defaultShellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
	[]byte("window.__apollo_state__"),
}

// NewShellDetector returns a detector with the default markers. A
// non-positive threshold uses 2048 bytes.
func NewShellDetector(threshold int) *ShellDetector {
	if threshold <= 0 {
		threshold = defaultShellThreshold
	}
	return &ShellDetector{Threshold: threshold, Markers: defaultShellMarkers}
}

// ShouldPromote reports whether resp looks like an unrendered shell. Only 200
// responses are considered.
func (d *ShellDetector) ShouldPromote(resp scrape.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range d.Markers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	return len(body) < d.Threshold && scriptShare(lower) >= 25
}

// scriptShare returns the percentage of lower covered by <script> elements.
// An unterminated element runs to the end of the document.
func scriptShare(lower []byte) int {
	var (
		covered int
		rest    = lower
	)
	for {
		start := bytes.Index(rest, []byte("<script"))
		if start < 0 {
			break
		}
		rest = rest[start:]
		end := bytes.Index(rest, []byte("</script>"))
		if end < 0 {
			covered += len(rest)
			break
		}
		end += len("</script>")
		covered += end
		rest = rest[end:]
	}
	return covered * 100 / len(lower)
}
