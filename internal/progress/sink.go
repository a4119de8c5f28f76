package progress

import "context"

// Sink receives batches of run and notebook events from the Hub. The Hub calls
// Consume from a single goroutine with a per-batch deadline in ctx; Close is
// called once after the final batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what the sequencer and worker report run milestones to.
type Emitter interface {
	Emit(evt Event)
}
