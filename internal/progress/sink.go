package progress

import "context"

// Sink consumes batches of events. Implementations must honor ctx
// deadlines and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
