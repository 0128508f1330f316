// Package memory provides the in-process scan queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

// Queue is a bounded in-memory scan queue with context-aware operations.
// Closing it never blocks on producers: the item channel stays open and
// done signals shutdown instead.
type Queue struct {
	ch        chan crawler.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue holding up to capacity waiting scans.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan crawler.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a scan, blocking while the queue is full until ctx ends or
// the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	select {
	case <-q.done:
		return crawler.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.ErrQueueClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next scan, respecting context cancellation. After Close,
// queued scans are still returned until none remain.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return crawler.QueueItem{}, crawler.ErrQueueClosed
		}
	}
}

// Len reports the number of scans waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting scans and releases blocked producers.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
