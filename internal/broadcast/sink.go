package broadcast

import "context"

// Sink consumes batches of messages. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Name() string
	Consume(ctx context.Context, batch []Message) error
	Close(ctx context.Context) error
}
