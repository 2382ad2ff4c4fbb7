// Package redis implements a durable job queue on Redis lists using the
// reliable-queue pattern: BLMOVE hands a job from the pending list to a
// processing list, Ack removes it, and RequeueExpired returns deliveries whose
// lease outlived the visibility timeout. Workers renew the lease while a job
// runs. Every list entry carries a delivery token, so a requeued job is a new
// entry and a stale Ack cannot remove it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// Config controls key naming and lease behavior.
type Config struct {
	// Key prefixes the pending, processing, lease, and attempt keys.
	Key               string
	VisibilityTimeout time.Duration
	// PollTimeout bounds each blocking BLMOVE so Dequeue notices cancellation.
	PollTimeout time.Duration
}

const (
	defaultKey               = "zipmailer:jobs"
	defaultVisibilityTimeout = 30 * time.Minute
	defaultPollTimeout       = 2 * time.Second
)

// envelope is the list entry for one delivery of a job.
type envelope struct {
	Token        string     `json:"token"`
	Redeliveries int        `json:"redeliveries"`
	Job          bundle.Job `json:"job"`
}

func encode(env envelope) (string, error) {
	env.Token = uuid.NewString()
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	return string(payload), nil
}

// redeliver builds the entry that replaces an expired payload.
func redeliver(payload string) (string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", fmt.Errorf("decode expired job: %w", err)
	}
	env.Redeliveries++
	return encode(env)
}

// renewLease refreshes a lease only while it still exists.
var renewLease = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// Queue implements bundle.Queue and bundle.Requeuer.
type Queue struct {
	client     redis.UniversalClient
	pending    string
	processing string
	leases     string
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// New wraps client.
func New(client redis.UniversalClient, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:     client,
		pending:    cfg.Key + ":pending",
		processing: cfg.Key + ":processing",
		leases:     cfg.Key + ":leases",
		visibility: cfg.VisibilityTimeout,
		poll:       cfg.PollTimeout,
		now:        time.Now,
		logger:     logger,
	}, nil
}

// Connect parses a redis:// URL and returns a client.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Enqueue appends the job to the pending list.
func (q *Queue) Enqueue(ctx context.Context, job bundle.Job) error {
	payload, err := encode(envelope{Job: job})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("lpush job: %w", err)
	}
	return nil
}

// Dequeue blocks until a job is available or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (*bundle.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dequeue canceled: %w", err)
		}
		payload, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return nil, fmt.Errorf("blmove job: %w", err)
		}
		if err := q.client.HSet(ctx, q.leases, payload, q.now().UnixMilli()).Err(); err != nil {
			return nil, fmt.Errorf("record lease: %w", err)
		}

		var env envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Job.ID == "" {
			q.logger.Error("dropping undecodable job", zap.Error(err), zap.String("payload", payload))
			if ackErr := q.ack(ctx, payload); ackErr != nil {
				return nil, ackErr
			}
			continue
		}
		return bundle.NewDelivery(env.Job, env.Redeliveries+1,
			func(ctx context.Context) error { return q.ack(ctx, payload) },
			bundle.WithLease(q.visibility/3, func(ctx context.Context) error { return q.renew(ctx, payload) }),
		), nil
	}
}

func (q *Queue) ack(ctx context.Context, payload string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, payload)
		pipe.HDel(ctx, q.leases, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

func (q *Queue) renew(ctx context.Context, payload string) error {
	held, err := renewLease.Run(ctx, q.client, []string{q.leases}, payload, q.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if held == 0 {
		return bundle.ErrLeaseLost
	}
	return nil
}

// RequeueExpired moves deliveries whose lease is older than the visibility
// timeout back to the pending list. Processing entries with no lease, left by
// a crash between BLMOVE and the lease write, get a fresh lease.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	leases, err := q.client.HGetAll(ctx, q.leases).Result()
	if err != nil {
		return 0, fmt.Errorf("read leases: %w", err)
	}
	cutoff := q.now().Add(-q.visibility).UnixMilli()
	requeued := 0
	for payload, raw := range leases {
		leasedAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || leasedAt > cutoff {
			continue
		}
		removed, err := q.client.LRem(ctx, q.processing, 1, payload).Result()
		if err != nil {
			return requeued, fmt.Errorf("release expired job: %w", err)
		}
		next := ""
		if removed > 0 {
			if next, err = redeliver(payload); err != nil {
				q.logger.Error("dropping undecodable expired job", zap.Error(err), zap.String("payload", payload))
			}
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next != "" {
				pipe.RPush(ctx, q.pending, next)
			}
			pipe.HDel(ctx, q.leases, payload)
			return nil
		})
		if err != nil {
			return requeued, fmt.Errorf("requeue expired job: %w", err)
		}
		if next != "" {
			requeued++
		}
	}

	inFlight, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return requeued, fmt.Errorf("read processing list: %w", err)
	}
	now := q.now().UnixMilli()
	for _, payload := range inFlight {
		if err := q.client.HSetNX(ctx, q.leases, payload, now).Err(); err != nil {
			return requeued, fmt.Errorf("lease orphaned job: %w", err)
		}
	}
	return requeued, nil
}

// Depth reports pending and in-flight counts.
func (q *Queue) Depth(ctx context.Context) (pending, processing int64, err error) {
	pending, err = q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen pending: %w", err)
	}
	processing, err = q.client.LLen(ctx, q.processing).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen processing: %w", err)
	}
	return pending, processing, nil
}
