// Package downloader populates a job's working directory with one file per
// link. Every link is scheduled up front with a randomized start delay, then
// passes a per-host token bucket and an in-flight semaphore before its fetch
// runs under a per-task deadline. Run joins on every task reaching a terminal
// outcome.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/zipmailer/internal/bundle"
	"github.com/JakeFAU/zipmailer/internal/metrics"
	"github.com/JakeFAU/zipmailer/internal/origin"
)

// HostWaiter blocks until a fetch against link's host may start.
type HostWaiter interface {
	Wait(ctx context.Context, link string) error
}

// TaskObserver is called once per task when it reaches a terminal outcome.
type TaskObserver func(jobID string, task bundle.DownloadTask)

// Config controls scheduling and failure policy.
type Config struct {
	MaxInFlight int
	TaskTimeout time.Duration
	// FailFast cancels sibling tasks on the first failure and fails the batch.
	// When false, failures are recorded per task and the batch succeeds.
	FailFast         bool
	SupportedFormats []bundle.Format
}

// Downloader executes the scatter/gather download stage.
type Downloader struct {
	classifier bundle.Classifier
	strategies origin.Strategies
	limiter    HostWaiter
	jitter     *Jitter
	cfg        Config
	supported  map[bundle.Format]struct{}
	observe    TaskObserver
	logger     *zap.Logger
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithHostWaiter installs a per-host limiter.
func WithHostWaiter(w HostWaiter) Option {
	return func(d *Downloader) { d.limiter = w }
}

// WithObserver registers a callback for terminal task outcomes.
func WithObserver(fn TaskObserver) Option {
	return func(d *Downloader) { d.observe = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Downloader) {
		if l != nil {
			d.logger = l
		}
	}
}

// New constructs a Downloader.
func New(classifier bundle.Classifier, strategies origin.Strategies, jitter *Jitter, cfg Config, opts ...Option) *Downloader {
	supported := make(map[bundle.Format]struct{}, len(cfg.SupportedFormats))
	for _, f := range cfg.SupportedFormats {
		supported[f] = struct{}{}
	}
	d := &Downloader{
		classifier: classifier,
		strategies: strategies,
		jitter:     jitter,
		cfg:        cfg,
		supported:  supported,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Plan builds the pending task list for job without touching the filesystem.
func (d *Downloader) Plan(job bundle.Job) []bundle.DownloadTask {
	names := newNamer()
	delays := d.jitter.Delays(len(job.Links))
	tasks := make([]bundle.DownloadTask, len(job.Links))
	for i, link := range job.Links {
		tasks[i] = bundle.DownloadTask{
			Link:            link,
			Origin:          d.classifier.Classify(link),
			DestinationPath: filepath.Join(job.WorkingDir, names.unique(FileName(link, job.Format, d.supported))),
			Delay:           delays[i],
			Outcome:         bundle.OutcomePending,
		}
	}
	return tasks
}

// Run creates the working directory, schedules every link, and returns once
// all tasks are terminal. The returned error is non-nil only when the
// directory cannot be created or FailFast is set and a task failed.
func (d *Downloader) Run(ctx context.Context, job bundle.Job) ([]bundle.DownloadTask, error) {
	if err := os.MkdirAll(job.WorkingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working dir: %w", err)
	}
	tasks := d.Plan(job)

	var sem *semaphore.Weighted
	if d.cfg.MaxInFlight > 0 {
		sem = semaphore.NewWeighted(int64(d.cfg.MaxInFlight))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range tasks {
		task := &tasks[i]
		g.Go(func() error {
			d.runTask(gctx, job, task, sem)
			if d.observe != nil {
				d.observe(job.ID, *task)
			}
			if task.Outcome == bundle.OutcomeFailed && d.cfg.FailFast {
				return fmt.Errorf("%s: %w", task.Link, task.Err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tasks, fmt.Errorf("%w: %w", bundle.ErrDownload, err)
	}
	return tasks, nil
}

func (d *Downloader) runTask(ctx context.Context, job bundle.Job, task *bundle.DownloadTask, sem *semaphore.Weighted) {
	logger := d.logger.With(
		zap.String("job_id", job.ID),
		zap.String("url", task.Link),
		zap.String("origin", string(task.Origin)),
	)
	metrics.ObserveJitterDelay(task.Delay)

	start := time.Now()
	n, err := d.fetch(ctx, job, task, sem)
	task.Duration = time.Since(start)
	task.Bytes = n
	if err != nil {
		task.Outcome = bundle.OutcomeFailed
		task.Err = err
		metrics.ObserveDownload(string(task.Origin), string(task.Outcome), 0)
		logger.Warn("download failed", zap.Error(err))
		return
	}
	task.Outcome = bundle.OutcomeSuccess
	metrics.ObserveDownload(string(task.Origin), string(task.Outcome), n)
	logger.Debug("download finished", zap.Int64("bytes", n), zap.Duration("dur", task.Duration))
}

func (d *Downloader) fetch(ctx context.Context, job bundle.Job, task *bundle.DownloadTask, sem *semaphore.Weighted) (int64, error) {
	if err := sleep(ctx, task.Delay); err != nil {
		return 0, fmt.Errorf("jitter wait: %w", err)
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, task.Link); err != nil {
			return 0, err
		}
	}
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return 0, fmt.Errorf("acquire download slot: %w", err)
		}
		defer sem.Release(1)
	}

	fetcher, err := d.strategies.For(task.Origin)
	if err != nil {
		return 0, err
	}

	taskCtx := ctx
	if d.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, d.cfg.TaskTimeout)
		defer cancel()
	}

	f, err := os.OpenFile(task.DestinationPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create destination: %w", err)
	}
	n, fetchErr := fetcher.Fetch(taskCtx, task.Link, job.Format, f)
	closeErr := f.Close()
	if err := errors.Join(fetchErr, closeErr); err != nil {
		if rmErr := os.Remove(task.DestinationPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("remove partial file: %w", rmErr))
		}
		return 0, err
	}
	return n, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
