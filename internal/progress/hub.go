package progress

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// HubConfig controls batching between the broadcast stream and sinks.
type HubConfig struct {
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
}

func (c HubConfig) withDefaults() HubConfig {
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = 500
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = 500 * time.Millisecond
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 10 * time.Second
	}
	return c
}

// Hub drains one broadcast subscription into the registered sinks in
// batches. It is the bridge between the best-effort event stream and
// side consumers like metrics and the publish topic.
type Hub struct {
	cfg    HubConfig
	sinks  []Sink
	events <-chan Event
	cancel func()
	doneCh chan struct{}
	logger *zap.Logger
}

// NewHub subscribes to the broadcaster and starts the batching goroutine.
func NewHub(cfg HubConfig, b *Broadcaster, logger *zap.Logger, sinks ...Sink) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	events, cancel := b.Subscribe()
	h := &Hub{
		cfg:    cfg.withDefaults(),
		sinks:  append([]Sink(nil), sinks...),
		events: events,
		cancel: cancel,
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go h.run()
	return h
}

// Close unsubscribes, flushes the remaining batch, closes the sinks, and
// waits for the background goroutine bounded by ctx.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.cancel()
	select {
	case <-h.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("hub close wait: %w", ctx.Err())
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("sink close failed", zap.Error(err))
		}
	}
	return nil
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-h.events:
			if !ok {
				h.flush(batch)
				return
			}
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, copyBatch); err != nil {
			h.logger.Warn("sink consume failed", zap.Error(err))
		}
		cancel()
	}
}
