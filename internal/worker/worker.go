// Package worker implements the job consumption loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zipmailer/internal/bundle"
	"github.com/JakeFAU/zipmailer/internal/metrics"
)

// Handler executes one job.
type Handler interface {
	Handle(ctx context.Context, job bundle.Job) (bundle.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	// Concurrency is the number of jobs this worker runs at once.
	Concurrency int
	// RetryDelay is the pause after a failed Dequeue.
	RetryDelay time.Duration
}

// Worker consumes deliveries and runs the handler on each. Every delivery is
// acknowledged once the handler returns, whatever the outcome; only an
// interrupted handler leaves its delivery for redelivery.
type Worker struct {
	name    string
	queue   bundle.Queue
	handler Handler
	jobs    bundle.JobStore
	now     func() time.Time
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. jobs and clock may be nil.
func New(
	name string,
	queue bundle.Queue,
	handler Handler,
	jobs bundle.JobStore,
	clock bundle.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Worker{
		name:    name,
		queue:   queue,
		handler: handler,
		jobs:    jobs,
		now:     now,
		cfg:     cfg,
		logger:  logger.With(zap.String("worker", name)),
	}
}

// Run blocks, consuming deliveries until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bundle.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.RetryDelay):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", d.Job.ID), zap.Int("attempt", d.Attempt))
		w.process(ctx, d)
	}
}

func (w *Worker) process(ctx context.Context, d *bundle.Delivery) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	job := d.Job
	logger := w.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", d.Attempt))
	w.markRunning(ctx, logger, job)

	stopRenew := w.keepLease(ctx, logger, d)
	res, err := w.safeHandle(ctx, job)
	stopRenew()
	if ctx.Err() != nil {
		logger.Warn("job interrupted, leaving delivery for redelivery", zap.Error(err))
		return
	}

	status := bundle.JobStatusSucceeded
	errText := ""
	if err != nil {
		status = bundle.JobStatusFailed
		errText = err.Error()
	}
	metrics.ObserveJob(string(status))
	if w.jobs != nil {
		if cerr := w.jobs.Complete(ctx, job.ID, status, errText, res.Summary(), w.now().UTC()); cerr != nil {
			logger.Error("final job status update failed", zap.Error(cerr))
		}
	}
	if aerr := d.Ack(ctx); aerr != nil {
		logger.Error("ack failed", zap.Error(aerr))
	}
}

// keepLease renews d's lease until the returned stop function is called.
func (w *Worker) keepLease(ctx context.Context, logger *zap.Logger, d *bundle.Delivery) func() {
	every := d.RenewEvery()
	if every <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Renew(ctx); err != nil {
					if errors.Is(err, bundle.ErrLeaseLost) {
						logger.Warn("delivery lease lost, job may run twice")
						return
					}
					if ctx.Err() == nil {
						logger.Error("lease renewal failed", zap.Error(err))
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) markRunning(ctx context.Context, logger *zap.Logger, job bundle.Job) {
	if w.jobs == nil {
		return
	}
	err := w.jobs.MarkRunning(ctx, job.ID, w.now().UTC())
	if errors.Is(err, bundle.ErrJobNotFound) {
		if cerr := w.jobs.CreateJob(ctx, bundle.NewJobRecord(job)); cerr != nil && !errors.Is(cerr, bundle.ErrJobExists) {
			logger.Error("create job record failed", zap.Error(cerr))
			return
		}
		err = w.jobs.MarkRunning(ctx, job.ID, w.now().UTC())
	}
	if err != nil {
		logger.Error("update job status failed", zap.Error(err))
	}
}

// safeHandle converts a handler panic into an error so the loop survives.
func (w *Worker) safeHandle(ctx context.Context, job bundle.Job) (res bundle.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			res.JobID = job.ID
			res.Err = err
			w.logger.Error("job panicked", zap.String("job_id", job.ID), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return w.handler.Handle(ctx, job)
}
