package broker

import (
	"context"
	"time"
)

// Broker is the message plane between the controller and workers: a FIFO main
// queue of dispatch envelopes, a per-task processing set, a dead-letter queue,
// a blob space for parameter files, and a TTL lease used for leader election.
type Broker interface {
	// PushMain appends an envelope to the tail of the main queue
	PushMain(ctx context.Context, env Envelope) error

	// PopMain removes and returns the head of the main queue.
	// Returns errors.ErrNotFound when the queue is empty.
	PopMain(ctx context.Context) (Envelope, error)

	// MainDepth returns the number of envelopes waiting in the main queue
	MainDepth(ctx context.Context) (int, error)

	// ListMain returns the waiting envelopes in queue order without consuming
	ListMain(ctx context.Context) ([]Envelope, error)

	// MoveToProcessing records that a worker picked up the task
	MoveToProcessing(ctx context.Context, env Envelope) error

	// ListProcessing returns envelopes currently held by workers
	ListProcessing(ctx context.Context) ([]Envelope, error)

	// DeleteProcessing clears a task's processing entry (completion or recovery)
	DeleteProcessing(ctx context.Context, taskID int64) error

	// PushDeadLetter appends an envelope to the dead-letter queue
	PushDeadLetter(ctx context.Context, env Envelope, reason string) error

	// ListDeadLetters returns dead-lettered envelopes in arrival order
	ListDeadLetters(ctx context.Context) ([]DeadLetter, error)

	// SetInputBlob stores a task's parameter file under key
	SetInputBlob(ctx context.Context, key string, blob []byte) error

	// GetInputBlob returns the blob under key, or errors.ErrNotFound
	GetInputBlob(ctx context.Context, key string) ([]byte, error)

	// DeleteInputBlob removes the blob under key; missing keys are a no-op
	DeleteInputBlob(ctx context.Context, key string) error

	// AcquireLease takes the controller leader lease for holder with the
	// given TTL. Returns false when another live holder owns it.
	AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// RenewLease extends the lease if holder still owns it.
	// Returns errors.ErrLeaseLost when ownership has passed to someone else.
	RenewLease(ctx context.Context, holder string, ttl time.Duration) error

	// ReleaseLease drops the lease if holder owns it
	ReleaseLease(ctx context.Context, holder string) error

	// Close flushes and closes the underlying store
	Close() error
}

// DeadLetter is an envelope that exhausted its attempts, with the reason it
// was parked.
type DeadLetter struct {
	Envelope Envelope  `json:"envelope"`
	Reason   string    `json:"reason"`
	ParkedAt time.Time `json:"parked_at"`
}
