// Package pubsub implements the job queue on Google Cloud Pub/Sub. Messages
// stay leased while a worker handles them and are redelivered by the service
// when never acknowledged.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// Config selects the topic and subscription.
type Config struct {
	TopicID        string
	SubscriptionID string
	// MaxOutstanding caps unacknowledged messages held by this process.
	MaxOutstanding int
	// MaxExtension bounds how long a lease is extended while a job runs.
	MaxExtension time.Duration
}

// Queue implements bundle.Queue.
type Queue struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	deliveries chan *bundle.Delivery
	startOnce  sync.Once
	closeOnce  sync.Once
	recvCancel context.CancelFunc
	recvDone   chan struct{}
	recvErr    error
	logger     *zap.Logger
}

// New binds to an existing topic and subscription.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.TopicID == "" || cfg.SubscriptionID == "" {
		return nil, errors.New("pubsub topic and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscription(cfg.SubscriptionID)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	if cfg.MaxExtension > 0 {
		sub.ReceiveSettings.MaxExtension = cfg.MaxExtension
	}
	return &Queue{
		topic:      client.Topic(cfg.TopicID),
		sub:        sub,
		deliveries: make(chan *bundle.Delivery),
		recvDone:   make(chan struct{}),
		logger:     logger,
	}, nil
}

// Enqueue publishes the job and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, job bundle.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"job_id": job.ID},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Dequeue returns the next delivered job. The first call starts the
// background receiver.
func (q *Queue) Dequeue(ctx context.Context) (*bundle.Delivery, error) {
	q.startOnce.Do(q.start)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d := <-q.deliveries:
		return d, nil
	case <-q.recvDone:
		if q.recvErr != nil {
			return nil, fmt.Errorf("pubsub receive: %w", q.recvErr)
		}
		return nil, bundle.ErrQueueClosed
	}
}

func (q *Queue) start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.recvCancel = cancel
	go func() {
		defer close(q.recvDone)
		q.recvErr = q.sub.Receive(ctx, q.receive)
	}()
}

func (q *Queue) receive(ctx context.Context, msg *pubsub.Message) {
	var job bundle.Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.logger.Error("dropping undecodable job", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
		return
	}
	attempt := 1
	if msg.DeliveryAttempt != nil {
		attempt = *msg.DeliveryAttempt
	}
	d := bundle.NewDelivery(job, attempt, func(context.Context) error {
		msg.Ack()
		return nil
	})
	select {
	case q.deliveries <- d:
	case <-ctx.Done():
		msg.Nack()
	}
}

// Close stops receiving and flushes pending publishes. Leased messages that
// were never acknowledged are redelivered by the service.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.startOnce.Do(func() { close(q.recvDone) })
		if q.recvCancel != nil {
			q.recvCancel()
			<-q.recvDone
		}
		q.topic.Stop()
	})
}
