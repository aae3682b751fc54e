package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/catalogcrawl/catalogcrawl/internal/progress"
)

// PubSubSink publishes session lifecycle and downshift events to a Pub/Sub
// topic so downstream pipelines can react to crawl completion. Task-level
// events are deliberately filtered out: the topic is a notification
// channel, not a firehose.
type PubSubSink struct {
	topic       *pubsub.Topic
	generalized bool
}

// NewPubSubSink wraps an existing topic handle.
func NewPubSubSink(topic *pubsub.Topic, generalized bool) (*PubSubSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSubSink{topic: topic, generalized: generalized}, nil
}

// Consume publishes notable events. Publishes are fire-and-forget; the
// client batches and retries in the background.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if !notable(evt.Variant) {
			continue
		}
		data, err := json.Marshal(evt.WirePayload(s.generalized))
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"event_name": evt.Name(s.generalized),
				"session_id": evt.SessionID,
			},
		})
	}
	return nil
}

func notable(v progress.Variant) bool {
	switch v {
	case progress.VariantSessionStarted,
		progress.VariantSessionCompleted,
		progress.VariantSessionFailed,
		progress.VariantSessionShuttingDown,
		progress.VariantDownshift,
		progress.VariantCheckpoint:
		return true
	default:
		return false
	}
}

// Close flushes pending publishes and releases topic resources.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
