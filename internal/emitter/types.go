package emitter

import (
	"context"
	"time"

	"github.com/livinlefevreloca/deferral/internal/operation"
)

// Store is the persistence contract the emitter relies on.
//
// Implementations must be safe for concurrent use, and ExtractDue must be
// atomic in the storage layer itself (conditional update / compare-and-set),
// not merely behind an in-process mutex, because the store may be shared by
// several processes.
type Store interface {
	// Insert persists a new pending operation.
	// Returns operation.ErrDuplicateID if the identifier was ever stored.
	Insert(ctx context.Context, op *operation.ScheduledOperation) error

	// ExtractDue marks the pending operation sent and returns it, as one
	// atomic step. Of any number of concurrent callers for the same id
	// exactly one succeeds; the rest get operation.ErrNotFound. A pending
	// operation due after now is left untouched and reported as
	// operation.ErrNotDue.
	ExtractDue(ctx context.Context, id operation.ID, now time.Time) (*operation.ScheduledOperation, error)

	// FindEarliestPending returns the pending operation with the smallest
	// due instant, ties broken by identifier, or nil when none is pending.
	// The result is consistent as of the start of the call.
	FindEarliestPending(ctx context.Context) (*operation.NextOperation, error)
}

// DeliveryContext describes the scheduled operation a command came from.
type DeliveryContext struct {
	OperationID operation.ID
	Type        string
	DueAt       time.Time
	EmittedAt   time.Time
}

// Sink delivers a decoded command to the outside world.
type Sink interface {
	Send(ctx context.Context, cmd any, dc DeliveryContext) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, cmd any, dc DeliveryContext) error

func (f SinkFunc) Send(ctx context.Context, cmd any, dc DeliveryContext) error {
	return f(ctx, cmd, dc)
}

// Announcer receives every WakeEvent the emitter produces.
type Announcer interface {
	Announce(ctx context.Context, ev operation.WakeEvent) error
}

// AnnouncerFunc adapts a function to the Announcer interface.
type AnnouncerFunc func(ctx context.Context, ev operation.WakeEvent) error

func (f AnnouncerFunc) Announce(ctx context.Context, ev operation.WakeEvent) error {
	return f(ctx, ev)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
