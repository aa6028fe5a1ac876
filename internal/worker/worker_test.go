package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapebot/internal/queue"
	"github.com/JakeFAU/scrapebot/internal/queue/memory"
	"github.com/JakeFAU/scrapebot/internal/scrape"
)

type echoResolver struct{}

func (echoResolver) Resolve(_ context.Context, res scrape.Resource) scrape.Result {
	return scrape.Result{URL: res.URL, Provenance: scrape.ProvenanceFetched}
}

func TestWorkerDrainsQueue(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(3)
	for i, u := range []string{"https://a", "https://b", "https://c"} {
		require.NoError(t, q.Enqueue(context.Background(), queue.Item{Index: i, Resource: scrape.Resource{URL: u}}))
	}
	q.Close()

	var mu sync.Mutex
	got := map[int]string{}
	w := New(1, q, echoResolver{}, func(i int, r scrape.Result) {
		mu.Lock()
		got[i] = r.URL
		mu.Unlock()
	}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue drained")
	}
	assert.Equal(t, map[int]string{0: "https://a", 1: "https://b", 2: "https://c"}, got)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	w := New(1, q, echoResolver{}, nil, nil)

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}
