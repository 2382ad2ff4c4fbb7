package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/zipmailer/internal/progress"
)

// PubSubSink publishes every event as a JSON message so downstream systems
// can observe job results without reading logs.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink wraps a topic handle.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// Consume publishes the batch and waits for every message to be accepted.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"job_id": evt.JobID,
				"stage":  string(evt.Stage),
			},
		}))
	}
	var errs []error
	for _, r := range results {
		if _, err := r.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}

// Close flushes pending publishes.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
