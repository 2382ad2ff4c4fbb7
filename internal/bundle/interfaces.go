package bundle

import (
	"context"
	"io"
	"sync"
	"time"
)

// Queue provides at-least-once enqueue/dequeue semantics for jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (*Delivery, error)
}

// Requeuer is implemented by queues that need a periodic reaper to return
// expired, unacknowledged deliveries to the pending set.
type Requeuer interface {
	RequeueExpired(ctx context.Context) (int, error)
}

// Delivery is one hand-off of a job to a worker. Ack must be called once the
// handler returns; an unacknowledged delivery is eventually redelivered.
type Delivery struct {
	Job     Job
	Attempt int

	ackOnce    sync.Once
	ackErr     error
	ack        func(ctx context.Context) error
	renew      func(ctx context.Context) error
	renewEvery time.Duration
}

// DeliveryOption configures a Delivery.
type DeliveryOption func(*Delivery)

// WithLease marks a delivery whose hold on the job expires unless renew is
// called at least every interval while the handler runs.
func WithLease(every time.Duration, renew func(ctx context.Context) error) DeliveryOption {
	return func(d *Delivery) {
		d.renewEvery = every
		d.renew = renew
	}
}

// NewDelivery wraps a job with a backend-specific acknowledgement.
func NewDelivery(job Job, attempt int, ack func(ctx context.Context) error, opts ...DeliveryOption) *Delivery {
	d := &Delivery{Job: job, Attempt: attempt, ack: ack}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RenewEvery is the lease renewal interval, or zero when the delivery holds
// no lease.
func (d *Delivery) RenewEvery() time.Duration {
	if d.renew == nil {
		return 0
	}
	return d.renewEvery
}

// Renew extends the delivery's lease. It returns ErrLeaseLost when the job
// has already been handed back to the queue.
func (d *Delivery) Renew(ctx context.Context) error {
	if d.renew == nil {
		return nil
	}
	return d.renew(ctx)
}

// Ack acknowledges the delivery. Repeated calls return the first result.
func (d *Delivery) Ack(ctx context.Context) error {
	d.ackOnce.Do(func() {
		if d.ack != nil {
			d.ackErr = d.ack(ctx)
		}
	})
	return d.ackErr
}

// Fetcher streams a link's content into w and returns the bytes written.
type Fetcher interface {
	Fetch(ctx context.Context, link string, format Format, w io.Writer) (int64, error)
}

// Classifier maps a link to its origin type.
type Classifier interface {
	Classify(link string) OriginType
}

// Publisher is the two-phase cloud publish boundary.
type Publisher interface {
	Upload(ctx context.Context, localPath, objectName string) (string, error)
	GrantPublicRead(ctx context.Context, remoteID string) (PublishedLink, error)
	Delete(ctx context.Context, remoteID string) error
	// RemoteID extracts the remote identifier from a shareable URL issued by
	// this publisher.
	RemoteID(shareableURL string) (string, bool)
}

// Sender delivers one message. Fire-and-forget from the pipeline's view.
type Sender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// Notifier tells a job's recipient where the archive can be fetched.
type Notifier interface {
	Notify(ctx context.Context, job Job, link PublishedLink) error
}

// JobStore persists job status and execution summaries.
type JobStore interface {
	CreateJob(ctx context.Context, rec JobRecord) error
	MarkRunning(ctx context.Context, jobID string, at time.Time) error
	Complete(ctx context.Context, jobID string, status JobStatus, errText string, summary ResultSummary, at time.Time) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
}

// RetentionStore schedules remote deletions.
type RetentionStore interface {
	// Arm records a deletion deadline for remoteID. It returns false when the
	// object was already armed; the original deadline is kept.
	Arm(ctx context.Context, remoteID string, armedAt, deleteAt time.Time) (bool, error)
	Due(ctx context.Context, now time.Time, limit int) ([]RetentionEntry, error)
	MarkDeleted(ctx context.Context, remoteID string, at time.Time) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes hex digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}
