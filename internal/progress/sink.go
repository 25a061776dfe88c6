package progress

import "context"

// Sink consumes batches of applied events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and must never assume cross-job
// ordering.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
