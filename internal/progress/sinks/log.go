// Package sinks provides side consumers of the crawl event stream.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/catalogcrawl/catalogcrawl/internal/progress"
)

// LogSink emits structured logs for the event stream. Useful during
// development or audits where a durable consumer is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("crawl event",
			zap.Uint64("seq", evt.Seq),
			zap.String("variant", string(evt.Variant)),
			zap.String("session_id", evt.SessionID),
			zap.String("phase", string(evt.Phase)),
			zap.String("task_key", evt.TaskKey),
			zap.String("error_kind", evt.ErrorKind),
			zap.Int("processed", evt.Processed),
			zap.Int("failed", evt.Failed),
			zap.Duration("dur", evt.Dur),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
