package pipeline

import (
	"context"
	"errors"
	"io"
	"time"
)

// BlobStore writes executed notebook artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue errors shared by implementations.
var (
	// ErrQueueFull is returned by Enqueue when no capacity is left.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned once the queue has been shut down.
	ErrQueueClosed = errors.New("queue closed")
)

// Queue provides enqueue/dequeue semantics for stage runs. Enqueue never
// blocks: a full queue fails with ErrQueueFull.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for artifact integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
