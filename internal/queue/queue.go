// Package queue defines the work queue that feeds resolution workers.
package queue

import (
	"context"
	"errors"

	"github.com/JakeFAU/scrapebot/internal/scrape"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Item is one resource to resolve. Index is its position in the batch.
type Item struct {
	Index    int
	Resource scrape.Resource
}

// Queue hands items to workers.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
	Close()
}
