package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	configPath  string
	targetsPath string
	outputDir   string
	hits        *atomic.Int32
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/busy" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`<html><h1>Whole Milk</h1><span class="price">$3.49</span></html>`))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	f := fixture{
		configPath:  filepath.Join(dir, "config.yaml"),
		targetsPath: filepath.Join(dir, "targets.yaml"),
		outputDir:   filepath.Join(dir, "out"),
		hits:        &hits,
	}
	config := fmt.Sprintf(`
cache:
  dir: %s
  sync_disk_writes: true
fetch:
  max_retries: 0
  delay_min: 0s
  delay_max: 0s
render:
  enabled: false
crawler:
  targets_file: %s
  output_dir: %s
logging:
  development: false
  level: error
`, filepath.Join(dir, "cache"), f.targetsPath, f.outputDir)
	require.NoError(t, os.WriteFile(f.configPath, []byte(config), 0o600))

	targets := fmt.Sprintf(`
targets:
  - name: milk
    url: %[1]s/milk
    selectors:
      title: h1
      price: {css: .price, transform: float}
  - name: busy
    url: %[1]s/busy
    selectors:
      price: .price
`, srv.URL)
	require.NoError(t, os.WriteFile(f.targetsPath, []byte(targets), 0o600))
	return f
}

func (f fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	base := []string{"--config", f.configPath, "--env-file", ""}
	err := run(context.Background(), append(args, base...), &stdout, &stderr)
	return stdout.String(), err
}

func TestScrapeReportsFailuresAfterWholeBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, err := f.run(t, "scrape")
	require.EqualError(t, err, "1 of 2 resources failed")
	assert.Contains(t, out, "1/2 succeeded (cached 0, fetched 1, failed 1)")
	assert.Contains(t, out, "failures: RateLimitError=1")
	assert.Equal(t, int32(2), f.hits.Load())

	files, err := filepath.Glob(filepath.Join(f.outputDir, "results_*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCacheStatsAndClear(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.run(t, "scrape")
	require.Error(t, err)

	out, err := f.run(t, "cache", "stats")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.EqualValues(t, 1, stats["disk_entries"])
	assert.EqualValues(t, 0, stats["memory_entries"])

	out, err = f.run(t, "cache", "clear", "--target", "milk")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared ")

	out, err = f.run(t, "cache", "stats")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.EqualValues(t, 0, stats["disk_entries"])

	_, err = f.run(t, "cache", "clear", "--target", "eggs")
	require.ErrorContains(t, err, `target "eggs" not found`)

	out, err = f.run(t, "cache", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared all cache entries")
}

func TestScrapeServesSecondRunFromDisk(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.run(t, "scrape")
	require.Error(t, err)

	out, err := f.run(t, "scrape")
	require.Error(t, err)
	assert.Contains(t, out, "(cached 1, fetched 0, failed 1)")
	assert.Equal(t, int32(3), f.hits.Load())
}

func TestInvalidConfigFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch:\n  max_retries: -1\n"), 0o600))
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"cache", "stats", "--config", path, "--env-file", ""}, &stdout, &stderr)
	require.ErrorContains(t, err, "fetch.max_retries must be >= 0")
}
