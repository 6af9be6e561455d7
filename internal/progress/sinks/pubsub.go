package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/progress"
)

// PubSubSink publishes every progress event as a JSON message on a Pub/Sub topic.
// Attributes carry the stage, tag and gallery for subscription filters plus the trace
// context headers recorded on the event.
type PubSubSink struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubSink wraps an existing topic handle.
func NewPubSubSink(topic *pubsub.Topic, logger *zap.Logger) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{topic: topic, logger: logger}, nil
}

// Consume publishes the batch and waits for every server ack.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		attrs := map[string]string{"stage": string(evt.Stage)}
		if evt.Tag != "" {
			attrs["tag"] = evt.Tag
		}
		if evt.Gallery != "" {
			attrs["gallery"] = evt.Gallery
		}
		for k, v := range evt.Trace {
			attrs[k] = v
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.logger.Warn("progress publish failed", zap.Int("failed", len(errs)), zap.Int("batch", len(batch)))
		return fmt.Errorf("publish progress: %w", errors.Join(errs...))
	}
	return nil
}

// Close flushes outstanding messages and stops the topic's background publisher.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
