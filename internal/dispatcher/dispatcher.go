// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zipmailer/internal/bundle"
	"github.com/JakeFAU/zipmailer/internal/worker"
)

const defaultRequeueInterval = 30 * time.Second

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue           bundle.Queue
	workers         []*worker.Worker
	requeueInterval time.Duration
	logger          *zap.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithRequeueInterval sets how often expired deliveries are returned to the
// queue when the backend supports it.
func WithRequeueInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.requeueInterval = d
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(disp *Dispatcher) {
		if logger != nil {
			disp.logger = logger
		}
	}
}

// New creates a Dispatcher.
func New(queue bundle.Queue, workers []*worker.Worker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:           queue,
		workers:         workers,
		requeueInterval: defaultRequeueInterval,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if rq, ok := d.queue.(bundle.Requeuer); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.reap(ctx, rq)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) reap(ctx context.Context, rq bundle.Requeuer) {
	ticker := time.NewTicker(d.requeueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rq.RequeueExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("requeue expired deliveries failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				d.logger.Info("requeued expired deliveries", zap.Int("count", n))
			}
		}
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job bundle.Job) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
