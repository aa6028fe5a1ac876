// Package worker implements the resolution loop run by each pool worker.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapebot/internal/metrics"
	"github.com/JakeFAU/scrapebot/internal/queue"
	"github.com/JakeFAU/scrapebot/internal/scrape"
)

// Resolver resolves one resource. *orchestrator.Orchestrator implements it.
type Resolver interface {
	Resolve(ctx context.Context, res scrape.Resource) scrape.Result
}

// Handler receives each result with the index of its queue item.
type Handler func(index int, result scrape.Result)

// Worker consumes queue items and resolves them.
type Worker struct {
	id       int
	queue    queue.Queue
	resolver Resolver
	handle   Handler
	logger   *zap.Logger
}

// New constructs a Worker.
func New(id int, q queue.Queue, resolver Resolver, handle Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		id:       id,
		queue:    q,
		resolver: resolver,
		handle:   handle,
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, resolving items until the queue is drained or ctx ends. An item
// dequeued after ctx ends is dropped unresolved.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			return
		}
		w.logger.Debug("dequeued resource", zap.Int("index", item.Index), zap.String("url", item.Resource.URL))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item queue.Item) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	result := w.resolver.Resolve(ctx, item.Resource)
	if w.handle != nil {
		w.handle(item.Index, result)
	}
}
