// Package pipeline runs one job end to end: download, archive, publish,
// notify, and a cleanup step that runs whatever the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/zipmailer/internal/bundle"
	"github.com/JakeFAU/zipmailer/internal/metrics"
	"github.com/JakeFAU/zipmailer/internal/progress"
)

// Downloader populates a job's working directory.
type Downloader interface {
	Run(ctx context.Context, job bundle.Job) ([]bundle.DownloadTask, error)
}

// Archiver builds the job's archive from its working directory.
type Archiver interface {
	Build(ctx context.Context, srcDir, destPath string) (bundle.ArchiveArtifact, error)
}

// Cleaner removes local job state.
type Cleaner interface {
	Finalize(jobID, workingDir, archivePath string) error
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Downloader Downloader
	Archiver   Archiver
	Publisher  bundle.Publisher
	Notifier   bundle.Notifier
	Finalizer  Cleaner
	Emitter    progress.Emitter
	Clock      bundle.Clock
	Logger     *zap.Logger
}

// Config holds pipeline policy.
type Config struct {
	// CompensateOnGrantFailure deletes the uploaded object when the public
	// read grant fails.
	CompensateOnGrantFailure bool
}

// Pipeline is the per-job handler.
type Pipeline struct {
	downloader Downloader
	archiver   Archiver
	publisher  bundle.Publisher
	notifier   bundle.Notifier
	finalizer  Cleaner
	emitter    progress.Emitter
	now        func() time.Time
	newRun     func() string
	cfg        Config
	logger     *zap.Logger
}

// New validates deps and returns a Pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Downloader == nil:
		return nil, errors.New("downloader is required")
	case deps.Archiver == nil:
		return nil, errors.New("archiver is required")
	case deps.Publisher == nil:
		return nil, errors.New("publisher is required")
	case deps.Notifier == nil:
		return nil, errors.New("notifier is required")
	case deps.Finalizer == nil:
		return nil, errors.New("finalizer is required")
	}
	p := &Pipeline{
		downloader: deps.Downloader,
		archiver:   deps.Archiver,
		publisher:  deps.Publisher,
		notifier:   deps.Notifier,
		finalizer:  deps.Finalizer,
		emitter:    deps.Emitter,
		now:        time.Now,
		newRun:     uuid.NewString,
		cfg:        cfg,
		logger:     deps.Logger,
	}
	if p.emitter == nil {
		p.emitter = progress.Nop
	}
	if deps.Clock != nil {
		p.now = deps.Clock.Now
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// ArchivePath is the local archive location for job: a sibling of its
// working directory.
func ArchivePath(job bundle.Job) string {
	return filepath.Join(filepath.Dir(job.WorkingDir), archiveName(job))
}

// ObjectName is the remote object name for job, relative to the publisher's
// prefix. It is stable across redeliveries of the same job.
func ObjectName(job bundle.Job) string {
	return path.Join(job.ID, archiveName(job))
}

// ForExecution returns a copy of job whose working directory is private to one
// execution: <dir>/<run>/<name> for a job submitted with <dir>/<name>. Two
// deliveries of the same job never share local files.
func ForExecution(job bundle.Job, run string) bundle.Job {
	base := filepath.Base(job.WorkingDir)
	if job.Name != "" {
		base = job.Name
	}
	job.WorkingDir = filepath.Join(filepath.Dir(job.WorkingDir), "run-"+run, base)
	return job
}

func archiveName(job bundle.Job) string {
	name := job.Name
	if name == "" {
		name = filepath.Base(job.WorkingDir)
	}
	return name + ".zip"
}

// Handle executes job. Per-link download failures and notification failures
// are recorded in the Result without failing the job. The returned error is
// the first stage failure, also stored in Result.Err. Each call works in its
// own execution directory, removed before Handle returns in every case.
func (p *Pipeline) Handle(ctx context.Context, job bundle.Job) (res bundle.Result, err error) {
	res = bundle.Result{JobID: job.ID, StartedAt: p.now()}
	run := p.newRun()
	job = ForExecution(job, run)
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("run", run),
		zap.String("idempotency_key", job.IdempotencyKey),
	)
	archivePath := ArchivePath(job)
	logger.Info("job started", zap.Int("links", len(job.Links)), zap.String("format", string(job.Format)))
	p.emit(progress.Event{JobID: job.ID, Stage: progress.StageJobStart})

	defer func() {
		cleanupStart := p.now()
		if cerr := p.finalizer.Finalize(job.ID, job.WorkingDir, archivePath); cerr != nil {
			res.CleanupErr = &bundle.StageError{Stage: bundle.StageCleanup, Err: cerr}
			metrics.ObserveStageFailure(string(bundle.StageCleanup))
		}
		p.emit(progress.Event{
			JobID:   job.ID,
			Stage:   progress.StageCleanupDone,
			Outcome: progress.OutcomeOf(res.CleanupErr),
			Dur:     p.since(cleanupStart),
			Note:    errText(res.CleanupErr),
		})

		res.Err = err
		res.FinishedAt = p.now()
		dur := res.FinishedAt.Sub(res.StartedAt)
		if err != nil {
			if stage, ok := bundle.StageOf(err); ok {
				metrics.ObserveStageFailure(string(stage))
			}
			logger.Error("job failed", zap.Error(err), zap.Duration("dur", dur))
			p.emit(progress.Event{JobID: job.ID, Stage: progress.StageJobError, Dur: dur, Note: err.Error()})
			return
		}
		logger.Info("job finished",
			zap.Int("downloaded", res.Succeeded()),
			zap.Int("failed", res.Failed()),
			zap.Bool("notified", res.Notified),
			zap.Duration("dur", dur),
		)
		p.emit(progress.Event{JobID: job.ID, Stage: progress.StageJobDone, Dur: dur})
	}()

	tasks, err := p.downloader.Run(ctx, job)
	res.Tasks = tasks
	for _, task := range tasks {
		p.emit(progress.Event{
			JobID:   job.ID,
			Stage:   progress.StageDownloadDone,
			URL:     task.Link,
			Origin:  string(task.Origin),
			Outcome: string(task.Outcome),
			Bytes:   task.Bytes,
			Dur:     task.Duration,
			Note:    errText(task.Err),
		})
	}
	if err != nil {
		return res, &bundle.StageError{Stage: bundle.StageDownload, Err: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, &bundle.StageError{Stage: bundle.StageDownload, Err: fmt.Errorf("%w: %w", bundle.ErrDownload, ctxErr)}
	}
	logger.Info("downloads joined", zap.Int("downloaded", res.Succeeded()), zap.Int("failed", res.Failed()))

	archiveStart := p.now()
	artifact, err := p.archiver.Build(ctx, job.WorkingDir, archivePath)
	if err != nil {
		err = &bundle.StageError{Stage: bundle.StageArchive, Err: fmt.Errorf("%w: %w", bundle.ErrArchive, err)}
		p.emit(progress.Event{JobID: job.ID, Stage: progress.StageArchiveDone, Outcome: progress.OutcomeFailed, Note: err.Error()})
		return res, err
	}
	res.Archive = &artifact
	p.emit(progress.Event{
		JobID:   job.ID,
		Stage:   progress.StageArchiveDone,
		Outcome: progress.OutcomeSuccess,
		Bytes:   artifact.SizeBytes,
		Dur:     p.since(archiveStart),
	})
	logger.Info("archive built", zap.String("path", artifact.LocalPath), zap.Int64("bytes", artifact.SizeBytes))

	publishStart := p.now()
	link, err := p.publish(ctx, logger, job, artifact)
	if err != nil {
		p.emit(progress.Event{JobID: job.ID, Stage: progress.StagePublishDone, Outcome: progress.OutcomeFailed, Note: err.Error()})
		return res, err
	}
	res.Link = &link
	p.emit(progress.Event{
		JobID:   job.ID,
		Stage:   progress.StagePublishDone,
		Outcome: progress.OutcomeSuccess,
		URL:     link.ShareableURL,
		Dur:     p.since(publishStart),
	})
	logger.Info("archive published", zap.String("remote_id", link.RemoteID), zap.String("url", link.ShareableURL))

	notifyStart := p.now()
	if nerr := p.notifier.Notify(ctx, job, link); nerr != nil {
		res.NotifyErr = &bundle.StageError{Stage: bundle.StageNotify, Err: fmt.Errorf("%w: %w", bundle.ErrNotify, nerr)}
		metrics.ObserveStageFailure(string(bundle.StageNotify))
		logger.Warn("notification failed", zap.Error(nerr))
	} else {
		res.Notified = true
	}
	p.emit(progress.Event{
		JobID:   job.ID,
		Stage:   progress.StageNotifyDone,
		Outcome: progress.OutcomeOf(res.NotifyErr),
		Dur:     p.since(notifyStart),
		Note:    errText(res.NotifyErr),
	})
	return res, nil
}

// publish uploads the artifact, then grants public read. A grant failure
// optionally triggers a compensating delete of the uploaded object.
func (p *Pipeline) publish(
	ctx context.Context,
	logger *zap.Logger,
	job bundle.Job,
	artifact bundle.ArchiveArtifact,
) (bundle.PublishedLink, error) {
	remoteID, err := p.publisher.Upload(ctx, artifact.LocalPath, ObjectName(job))
	if err != nil {
		return bundle.PublishedLink{}, &bundle.StageError{
			Stage: bundle.StageUpload,
			Err:   fmt.Errorf("%w: %w", bundle.ErrPublishUpload, err),
		}
	}
	link, err := p.publisher.GrantPublicRead(ctx, remoteID)
	if err == nil {
		return link, nil
	}
	grantErr := fmt.Errorf("%w: %s: %w", bundle.ErrPublishGrant, remoteID, err)
	if !p.cfg.CompensateOnGrantFailure {
		logger.Error("uploaded object left without public read", zap.String("remote_id", remoteID), zap.Error(err))
		return bundle.PublishedLink{}, &bundle.StageError{Stage: bundle.StageGrant, Err: grantErr}
	}
	if delErr := p.publisher.Delete(context.WithoutCancel(ctx), remoteID); delErr != nil {
		logger.Error("compensating delete failed", zap.String("remote_id", remoteID), zap.Error(delErr))
		return bundle.PublishedLink{}, &bundle.StageError{
			Stage: bundle.StageGrant,
			Err:   errors.Join(grantErr, fmt.Errorf("compensating delete: %w", delErr)),
		}
	}
	logger.Warn("grant failed, uploaded object deleted", zap.String("remote_id", remoteID), zap.Error(err))
	return bundle.PublishedLink{}, &bundle.StageError{
		Stage: bundle.StageGrant,
		Err:   fmt.Errorf("%w: %w", bundle.ErrGrantCompensated, grantErr),
	}
}

func (p *Pipeline) emit(evt progress.Event) {
	evt.TS = p.now().UTC()
	p.emitter.Emit(evt)
}

func (p *Pipeline) since(t time.Time) time.Duration {
	d := p.now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
