// Package memory provides a job queue for local development and tests. Jobs
// live only in process memory and Ack is a no-op.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan bundle.Job
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan bundle.Job, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends or the
// queue closes while it waits for room.
func (q *Queue) Enqueue(ctx context.Context, job bundle.Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return bundle.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return bundle.ErrQueueClosed
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (*bundle.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return nil, bundle.ErrQueueClosed
		}
		return bundle.NewDelivery(job, 1, nil), nil
	}
}

// Len reports the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Buffered jobs can still
// be dequeued.
func (q *Queue) Close() {
	// Wake blocked senders so they release the read lock.
	q.closeOnce.Do(func() { close(q.done) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
