package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapebot/internal/scrape"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestSinkAppendsLines(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sink, err := New(Config{Dir: t.TempDir()}, fixedClock{now: now})
	require.NoError(t, err)

	ok := scrape.Result{
		URL:        "https://shop.example/milk",
		Key:        "abc",
		Provenance: scrape.ProvenanceFetched,
		Payload:    scrape.Payload{"price": 1.5},
	}
	failed := scrape.Result{
		URL: "https://shop.example/bread",
		Error: &scrape.ErrorRecord{
			URL:        "https://shop.example/bread",
			Kind:       scrape.KindBlocked,
			Message:    "access blocked",
			Attempts:   1,
			OccurredAt: now,
		},
	}
	require.NoError(t, sink.Write(context.Background(), "run-1", ok))
	require.NoError(t, sink.Write(context.Background(), "run-1", failed))
	require.NoError(t, sink.Close())

	f, err := os.Open(sink.Path("run-1"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)

	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, "fetched", lines[0]["provenance"])
	assert.Equal(t, map[string]any{"price": 1.5}, lines[0]["data"])
	assert.Equal(t, "2024-05-01T12:00:00Z", lines[0]["resolved_at"])

	errRecord, isMap := lines[1]["error"].(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, "BlockedError", errRecord["error_type"])
	assert.Equal(t, "access blocked", errRecord["error"])
}

func TestSinkRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, fixedClock{})
	var cfgErr *scrape.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	sink, err := New(Config{Dir: t.TempDir()}, fixedClock{})
	require.NoError(t, err)
	require.Error(t, sink.Write(context.Background(), "../escape", scrape.Result{}))
	require.Error(t, sink.Write(context.Background(), "", scrape.Result{}))
	require.NoError(t, sink.Close())
}
