package harvest

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound signals that a requested document does not exist.
	ErrNotFound = errors.New("harvest: not found")
	// ErrAlreadyExists signals a create of a document that already exists.
	ErrAlreadyExists = errors.New("harvest: already exists")
	// ErrRevisionMismatch signals a conditional put that lost a race: the
	// document changed since the revision was read.
	ErrRevisionMismatch = errors.New("harvest: revision mismatch")
)

// Revision is an opaque document version token. Conditional puts succeed
// only when the stored document still carries the revision that was read.
type Revision int64

// StatusStore persists the aggregate collection document and per-execution
// task statuses. There is no atomic increment; aggregate updates are
// read-modify-write guarded by revisions.
type StatusStore interface {
	// CreateCollection stores a new aggregate document. Returns
	// ErrAlreadyExists if the collection is already present.
	CreateCollection(ctx context.Context, c Collection) error
	// GetCollection fetches the aggregate and its current revision.
	GetCollection(ctx context.Context, collectionID string) (Collection, Revision, error)
	// PutCollection overwrites the aggregate if its stored revision still
	// matches rev. Returns ErrRevisionMismatch when a concurrent writer won.
	PutCollection(ctx context.Context, c Collection, rev Revision) error
	// PutTask creates or overwrites a task status document by API call ID.
	PutTask(ctx context.Context, t TaskStatus) error
	// GetTask fetches one task status document.
	GetTask(ctx context.Context, apiCallID string) (TaskStatus, error)
	// ListTasks returns all task statuses recorded for a collection.
	ListTasks(ctx context.Context, collectionID string) ([]TaskStatus, error)
}

// ArtifactStore writes collected article artifacts and returns a URI.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, a Artifact) (string, error)
	GetArtifact(ctx context.Context, collectionID string, year, month int, region string) (Artifact, error)
}

// Delivery is one received queue message. The holder must settle it with
// exactly one of Ack (delete) or Nack (make redeliverable).
type Delivery interface {
	Unit() WorkUnit
	// Attempt is the 1-based delivery attempt for this message.
	Attempt() int
	Ack()
	Nack()
}

// Receiver pulls deliveries, blocking until one is available or the context
// finishes.
type Receiver interface {
	Receive(ctx context.Context) (Delivery, error)
}

// TaskQueue provides durable at-least-once work unit distribution.
type TaskQueue interface {
	Receiver
	Enqueue(ctx context.Context, unit WorkUnit) error
}

// Fetcher retrieves articles for one work unit from the upstream source.
// Upstream degradation (non-200, timeout, malformed payload) is recovered as
// an empty result; the error return is reserved for context cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, unit WorkUnit) (FetchResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces collection and API call IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
