// Package dispatcher fans a batch of resources out to a pool of workers.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapebot/internal/queue"
	"github.com/JakeFAU/scrapebot/internal/queue/memory"
	"github.com/JakeFAU/scrapebot/internal/scrape"
	"github.com/JakeFAU/scrapebot/internal/worker"
)

// Dispatcher resolves batches with a fixed number of workers.
type Dispatcher struct {
	resolver worker.Resolver
	workers  int
	logger   *zap.Logger
}

// New creates a Dispatcher. workers below 1 means one worker.
func New(resolver worker.Resolver, workers int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		resolver: resolver,
		workers:  workers,
		logger:   logger,
	}
}

// Run resolves resources and returns their results in input order. A failed
// resource does not stop the batch. When ctx ends, resources not yet started
// are skipped and omitted from the results.
func (d *Dispatcher) Run(ctx context.Context, resources []scrape.Resource) []scrape.Result {
	if len(resources) == 0 {
		return nil
	}
	q := memory.NewQueue(len(resources))
	for i, res := range resources {
		// Capacity covers the batch, so this never blocks.
		_ = q.Enqueue(context.Background(), queue.Item{Index: i, Resource: res})
	}
	q.Close()

	var (
		mu       sync.Mutex
		results  = make([]scrape.Result, len(resources))
		resolved = make([]bool, len(resources))
	)
	handle := func(i int, result scrape.Result) {
		mu.Lock()
		results[i] = result
		resolved[i] = true
		mu.Unlock()
	}

	n := min(d.workers, len(resources))
	var wg sync.WaitGroup
	for id := 1; id <= n; id++ {
		w := worker.New(id, q, d.resolver, handle, d.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()

	out := make([]scrape.Result, 0, len(resources))
	for i, ok := range resolved {
		if ok {
			out = append(out, results[i])
		}
	}
	if skipped := len(resources) - len(out); skipped > 0 {
		d.logger.Warn("batch interrupted", zap.Int("resolved", len(out)), zap.Int("skipped", skipped))
	}
	return out
}
