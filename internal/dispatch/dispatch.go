// Package dispatch defines the boundary between the orchestration engine and
// the network/storage collaborators that make operations durable.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/wellsync/internal/model"
)

// Request is one dispatch: a batch of non-crisis operations or a single
// crisis operation, annotated with the deadline the ack must beat.
type Request struct {
	BatchID    string
	Tier       model.Tier
	Operations []*model.Operation

	// Body is the canonical payload set, gzip-compressed when Compressed.
	Body       []byte
	Compressed bool

	Deadline time.Time
	Crisis   bool
}

// Ack is the collaborator's durable acknowledgment.
type Ack struct {
	BatchID string
	Durable bool
	AckedAt time.Time

	// Conflicts lists operations whose record was concurrently modified
	// elsewhere. They are not durable until resolved.
	Conflicts []Conflict
}

// Conflict pairs a dispatched operation with the divergent version the
// remote store already holds.
type Conflict struct {
	Local  *model.Operation
	Remote *model.Operation

	// Meta carries per-replica context the remote side knows (presence,
	// primary device).
	RemotePrimary     bool
	RemoteUserPresent bool
}

// Dispatcher delivers requests to a collaborator.
// Implementations must honor ctx cancellation and the request deadline.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Ack, error)
}

// Func adapts a function to the Dispatcher interface.
type Func func(ctx context.Context, req Request) (Ack, error)

// Dispatch calls f.
func (f Func) Dispatch(ctx context.Context, req Request) (Ack, error) {
	return f(ctx, req)
}

// ErrTransient marks failures worth retrying (timeouts, dropped links).
var ErrTransient = errors.New("transient network failure")

// ErrRejected marks a permanent collaborator rejection.
var ErrRejected = errors.New("dispatch rejected")

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// DurableRecord notes that an operation is durable, either as sent or
// through a conflict-resolved merge.
type DurableRecord struct {
	OperationID string
	RecordID    string
	BatchID     string

	// Digest is the content digest of what became durable: the operation's
	// payload, or the merged record when ConflictID is set.
	Digest     string
	ConflictID string
	AckedAt    time.Time
}

// Recorder persists durable records. The engine retires an operation only
// after its record is written.
type Recorder interface {
	RecordDurable(ctx context.Context, rec DurableRecord) error
}
