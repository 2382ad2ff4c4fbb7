package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zipmailer/internal/archive"
	"github.com/JakeFAU/zipmailer/internal/bundle"
	"github.com/JakeFAU/zipmailer/internal/downloader"
	"github.com/JakeFAU/zipmailer/internal/finalizer"
	"github.com/JakeFAU/zipmailer/internal/origin"
	"github.com/JakeFAU/zipmailer/internal/progress"
	"github.com/JakeFAU/zipmailer/internal/storage/memory"
)

type fetchFunc func(ctx context.Context, link string, w io.Writer) (int64, error)

func (f fetchFunc) Fetch(ctx context.Context, link string, _ bundle.Format, w io.Writer) (int64, error) {
	return f(ctx, link, w)
}

// echoFetch writes the link's base name as the file body.
func echoFetch(_ context.Context, link string, w io.Writer) (int64, error) {
	n, err := io.WriteString(w, path.Base(link))
	return int64(n), err
}

type archiverFunc func(ctx context.Context, srcDir, destPath string) (bundle.ArchiveArtifact, error)

func (f archiverFunc) Build(ctx context.Context, srcDir, destPath string) (bundle.ArchiveArtifact, error) {
	return f(ctx, srcDir, destPath)
}

type sentNotice struct {
	recipient string
	link      bundle.PublishedLink
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, job bundle.Job, link bundle.PublishedLink) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotice{recipient: job.Recipient, link: link})
	return nil
}

func (n *recordingNotifier) Sent() []sentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotice(nil), n.sent...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, len(e.events))
	for i, evt := range e.events {
		out[i] = evt.Stage
	}
	return out
}

type harness struct {
	root      string
	publisher *memory.Publisher
	notifier  *recordingNotifier
	emitter   *recordingEmitter
	archiver  Archiver
	fetch     fetchFunc
	failFast  bool
	cfg       Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		root:      t.TempDir(),
		publisher: memory.NewPublisher(""),
		notifier:  &recordingNotifier{},
		emitter:   &recordingEmitter{},
		archiver:  archive.New(),
		fetch:     echoFetch,
		cfg:       Config{CompensateOnGrantFailure: true},
	}
}

func (h *harness) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	dl := downloader.New(
		origin.New(),
		origin.Strategies{bundle.OriginGeneric: h.fetch},
		downloader.NewJitter(0, 0, 0, nil),
		downloader.Config{
			MaxInFlight:      4,
			TaskTimeout:      5 * time.Second,
			FailFast:         h.failFast,
			SupportedFormats: []bundle.Format{bundle.FormatMP3, bundle.FormatMP4},
		},
	)
	p, err := New(Deps{
		Downloader: dl,
		Archiver:   h.archiver,
		Publisher:  h.publisher,
		Notifier:   h.notifier,
		Finalizer:  finalizer.New(nil, finalizer.WithRoot(h.root)),
		Emitter:    h.emitter,
	}, h.cfg)
	require.NoError(t, err)
	return p
}

func (h *harness) job(links ...string) bundle.Job {
	return bundle.Job{
		ID:         "job-1",
		Name:       "bundle",
		Links:      links,
		WorkingDir: filepath.Join(h.root, "job-1", "bundle"),
		Recipient:  "x@y.com",
		Format:     bundle.FormatMP4,
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
	}
}

func (h *harness) requireLocalStateGone(t *testing.T, job bundle.Job) {
	t.Helper()
	_, err := os.Stat(job.WorkingDir)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(ArchivePath(job))
	require.ErrorIs(t, err, os.ErrNotExist)
	entries, err := os.ReadDir(h.root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func zipEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string]string, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(body)
	}
	return out
}

func TestHandleEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	job := h.job("https://cdn.example.com/media/a.mp4", "https://cdn.example.com/media/b.mp4")

	res, err := h.pipeline(t).Handle(context.Background(), job)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Equal(t, 2, res.Succeeded())
	require.True(t, res.Notified)
	require.NoError(t, res.CleanupErr)
	require.NotNil(t, res.Link)
	require.Equal(t, "job-1/bundle.zip", res.Link.RemoteID)

	obj, ok := h.publisher.Object(res.Link.RemoteID)
	require.True(t, ok)
	require.True(t, obj.Public)
	require.Equal(t, map[string]string{"a.mp4": "a.mp4", "b.mp4": "b.mp4"}, zipEntries(t, obj.Data))

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "x@y.com", sent[0].recipient)
	require.Equal(t, "memory://zips/job-1/bundle.zip", sent[0].link.ShareableURL)

	h.requireLocalStateGone(t, job)
}

func TestHandlePartialDownloadStillNotifies(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetch = func(ctx context.Context, link string, w io.Writer) (int64, error) {
		if path.Base(link) == "b.mp4" {
			return 0, errors.New("connection reset")
		}
		return echoFetch(ctx, link, w)
	}
	job := h.job("https://cdn.example.com/a.mp4", "https://cdn.example.com/b.mp4")

	res, err := h.pipeline(t).Handle(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded())
	require.Equal(t, 1, res.Failed())

	obj, ok := h.publisher.Object(res.Link.RemoteID)
	require.True(t, ok)
	entries := zipEntries(t, obj.Data)
	require.Len(t, entries, 1)
	require.Contains(t, entries, "a.mp4")
	require.Len(t, h.notifier.Sent(), 1)
	h.requireLocalStateGone(t, job)
}

func TestHandleAllDownloadsFailYieldsEmptyArchive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetch = func(context.Context, string, io.Writer) (int64, error) {
		return 0, errors.New("404")
	}
	job := h.job("https://cdn.example.com/a.mp4")

	res, err := h.pipeline(t).Handle(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, res.Archive)
	require.Equal(t, 0, res.Archive.Entries)
	obj, ok := h.publisher.Object(res.Link.RemoteID)
	require.True(t, ok)
	require.Empty(t, zipEntries(t, obj.Data))
	h.requireLocalStateGone(t, job)
}

func TestHandleFinalizerRunsForEveryFailingStage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		setup     func(h *harness)
		wantStage bundle.Stage
		wantErr   error
		jobFails  bool
	}{
		{
			name: "download",
			setup: func(h *harness) {
				h.failFast = true
				h.fetch = func(context.Context, string, io.Writer) (int64, error) {
					return 0, errors.New("dns failure")
				}
			},
			wantStage: bundle.StageDownload,
			wantErr:   bundle.ErrDownload,
			jobFails:  true,
		},
		{
			name: "archive",
			setup: func(h *harness) {
				h.archiver = archiverFunc(func(_ context.Context, _, destPath string) (bundle.ArchiveArtifact, error) {
					_ = os.WriteFile(destPath, []byte("partial"), 0o644)
					return bundle.ArchiveArtifact{}, errors.New("disk full")
				})
			},
			wantStage: bundle.StageArchive,
			wantErr:   bundle.ErrArchive,
			jobFails:  true,
		},
		{
			name:      "upload",
			setup:     func(h *harness) { h.publisher.UploadErr = memory.ErrInjected },
			wantStage: bundle.StageUpload,
			wantErr:   bundle.ErrPublishUpload,
			jobFails:  true,
		},
		{
			name:      "grant",
			setup:     func(h *harness) { h.publisher.GrantErr = memory.ErrInjected },
			wantStage: bundle.StageGrant,
			wantErr:   bundle.ErrPublishGrant,
			jobFails:  true,
		},
		{
			name:      "notify",
			setup:     func(h *harness) { h.notifier.err = errors.New("smtp unavailable") },
			wantStage: bundle.StageNotify,
			wantErr:   bundle.ErrNotify,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			tc.setup(h)
			job := h.job("https://cdn.example.com/a.mp4", "https://cdn.example.com/b.mp4")

			res, err := h.pipeline(t).Handle(context.Background(), job)
			if tc.jobFails {
				require.ErrorIs(t, err, tc.wantErr)
				require.ErrorIs(t, res.Err, tc.wantErr)
				stage, ok := bundle.StageOf(err)
				require.True(t, ok)
				require.Equal(t, tc.wantStage, stage)
				require.Empty(t, h.notifier.Sent())
			} else {
				require.NoError(t, err)
				require.ErrorIs(t, res.NotifyErr, tc.wantErr)
				require.False(t, res.Notified)
				stage, ok := bundle.StageOf(res.NotifyErr)
				require.True(t, ok)
				require.Equal(t, tc.wantStage, stage)
			}
			h.requireLocalStateGone(t, job)

			stages := h.emitter.Stages()
			require.Contains(t, stages, progress.StageCleanupDone)
		})
	}
}

func TestHandlePartialPublishLeavesObjectUngranted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cfg.CompensateOnGrantFailure = false
	h.publisher.GrantErr = memory.ErrInjected
	job := h.job("https://cdn.example.com/a.mp4")

	res, err := h.pipeline(t).Handle(context.Background(), job)
	require.ErrorIs(t, err, bundle.ErrPublishGrant)
	require.NotErrorIs(t, err, bundle.ErrGrantCompensated)
	require.Nil(t, res.Link)
	require.Empty(t, h.notifier.Sent())

	obj, ok := h.publisher.Object(ObjectName(job))
	require.True(t, ok, "uploaded object stays behind")
	require.False(t, obj.Public)
	require.Empty(t, h.publisher.Deleted())
	h.requireLocalStateGone(t, job)
}

func TestHandleCompensatesGrantFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.publisher.GrantErr = memory.ErrInjected
	job := h.job("https://cdn.example.com/a.mp4")

	_, err := h.pipeline(t).Handle(context.Background(), job)
	require.ErrorIs(t, err, bundle.ErrPublishGrant)
	require.ErrorIs(t, err, bundle.ErrGrantCompensated)
	require.ErrorIs(t, err, memory.ErrInjected)

	_, ok := h.publisher.Object(ObjectName(job))
	require.False(t, ok)
	require.Equal(t, []string{"job-1/bundle.zip"}, h.publisher.Deleted())
	require.Empty(t, h.notifier.Sent())
}

func TestHandleCompensatingDeleteFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.publisher.GrantErr = memory.ErrInjected
	h.publisher.DeleteErr = errors.New("permission denied")
	job := h.job("https://cdn.example.com/a.mp4")

	_, err := h.pipeline(t).Handle(context.Background(), job)
	require.ErrorIs(t, err, bundle.ErrPublishGrant)
	require.NotErrorIs(t, err, bundle.ErrGrantCompensated)
	require.ErrorContains(t, err, "permission denied")
}

func TestHandleRedeliveryIsSafe(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	p := h.pipeline(t)
	job := h.job("https://cdn.example.com/a.mp4", "https://cdn.example.com/b.mp4")

	for range 2 {
		res, err := p.Handle(context.Background(), job)
		require.NoError(t, err)
		require.True(t, res.Notified)
		h.requireLocalStateGone(t, job)
	}

	names, err := h.publisher.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"job-1/bundle.zip"}, names)
	require.Len(t, h.notifier.Sent(), 2)
}

func TestHandleOverlappingExecutionsKeepTheirOwnFiles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	release := make(chan struct{})
	blocked := make(chan struct{})
	var slowCalls atomic.Int32
	h.fetch = func(ctx context.Context, link string, w io.Writer) (int64, error) {
		if path.Base(link) == "b.mp4" && slowCalls.Add(1) == 1 {
			close(blocked)
			select {
			case <-release:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		return echoFetch(ctx, link, w)
	}
	p := h.pipeline(t)
	job := h.job("https://cdn.example.com/a.mp4", "https://cdn.example.com/b.mp4")

	type outcome struct {
		res bundle.Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := p.Handle(context.Background(), job)
		first <- outcome{res, err}
	}()
	<-blocked

	res, err := p.Handle(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 2, res.Succeeded())
	obj, ok := h.publisher.Object(res.Link.RemoteID)
	require.True(t, ok)
	require.Equal(t, map[string]string{"a.mp4": "a.mp4", "b.mp4": "b.mp4"}, zipEntries(t, obj.Data))

	close(release)
	var late outcome
	select {
	case late = <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first execution did not finish")
	}
	require.NoError(t, late.err)
	require.Equal(t, 2, late.res.Succeeded())
	require.Equal(t, 2, late.res.Archive.Entries)

	obj, ok = h.publisher.Object(ObjectName(job))
	require.True(t, ok)
	require.Equal(t, map[string]string{"a.mp4": "a.mp4", "b.mp4": "b.mp4"}, zipEntries(t, obj.Data))
	require.Len(t, h.notifier.Sent(), 2)
	h.requireLocalStateGone(t, job)
}

func TestForExecutionIsolatesWorkingDir(t *testing.T) {
	t.Parallel()

	job := bundle.Job{ID: "abc", Name: "trip", WorkingDir: filepath.Join("/tmp", "zipmailer", "abc", "trip")}
	a := ForExecution(job, "1")
	b := ForExecution(job, "2")
	require.Equal(t, filepath.Join("/tmp", "zipmailer", "abc", "run-1", "trip"), a.WorkingDir)
	require.NotEqual(t, ArchivePath(a), ArchivePath(b))
	require.Equal(t, ObjectName(a), ObjectName(b))
	require.Equal(t, filepath.Join("/tmp", "zipmailer", "abc", "trip"), job.WorkingDir)
}

func TestHandleArchiveWaitsForBatchJoin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	release := make(chan struct{})
	h.fetch = func(ctx context.Context, link string, w io.Writer) (int64, error) {
		if path.Base(link) == "slow.mp4" {
			select {
			case <-release:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		return echoFetch(ctx, link, w)
	}
	var archiveStarted atomic.Bool
	var seen []string
	h.archiver = archiverFunc(func(ctx context.Context, srcDir, destPath string) (bundle.ArchiveArtifact, error) {
		archiveStarted.Store(true)
		entries, err := os.ReadDir(srcDir)
		if err != nil {
			return bundle.ArchiveArtifact{}, err
		}
		for _, e := range entries {
			seen = append(seen, e.Name())
		}
		return archive.New().Build(ctx, srcDir, destPath)
	})
	job := h.job("https://cdn.example.com/fast.mp4", "https://cdn.example.com/slow.mp4")

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline(t).Handle(context.Background(), job)
		done <- err
	}()

	require.Never(t, archiveStarted.Load, 150*time.Millisecond, 10*time.Millisecond)
	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}
	sort.Strings(seen)
	require.Equal(t, []string{"fast.mp4", "slow.mp4"}, seen)
}

func TestHandleEmitsStageEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	job := h.job("https://cdn.example.com/a.mp4", "https://cdn.example.com/b.mp4")

	_, err := h.pipeline(t).Handle(context.Background(), job)
	require.NoError(t, err)

	require.Equal(t, []progress.Stage{
		progress.StageJobStart,
		progress.StageDownloadDone,
		progress.StageDownloadDone,
		progress.StageArchiveDone,
		progress.StagePublishDone,
		progress.StageNotifyDone,
		progress.StageCleanupDone,
		progress.StageJobDone,
	}, h.emitter.Stages())
	for _, evt := range h.emitter.events {
		require.NoError(t, evt.Validate(), fmt.Sprint(evt.Stage))
	}
}

func TestHandleCanceledContextFailsDownloadStage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := h.job("https://cdn.example.com/a.mp4")

	_, err := h.pipeline(t).Handle(ctx, job)
	require.ErrorIs(t, err, bundle.ErrDownload)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.notifier.Sent())
	h.requireLocalStateGone(t, job)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

func TestArchivePathAndObjectName(t *testing.T) {
	t.Parallel()

	job := bundle.Job{ID: "abc", Name: "trip", WorkingDir: filepath.Join("/tmp", "zipmailer", "abc", "trip")}
	require.Equal(t, filepath.Join("/tmp", "zipmailer", "abc", "trip.zip"), ArchivePath(job))
	require.Equal(t, "abc/trip.zip", ObjectName(job))
}
