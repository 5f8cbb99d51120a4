package operation

import (
	"fmt"
	"time"
)

// ScheduledOperation is the persisted unit of work: a command that must be
// handed to the bus at or after DueAt, exactly once.
//
// The entity is immutable apart from Sent, which flips false -> true inside
// the store's extract step and never goes back.
type ScheduledOperation struct {
	ID      ID
	Payload Envelope
	DueAt   time.Time
	Sent    bool
}

// New admits a new operation. dueAt must be strictly after now; this is the
// only time the due instant is validated, so an operation that becomes
// overdue while queued stays valid and is dispatched immediately.
func New(id ID, payload Envelope, dueAt, now time.Time) (*ScheduledOperation, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if !dueAt.After(now) {
		return nil, fmt.Errorf("%w: due %s, now %s",
			ErrInvalidDueTime, dueAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	}

	return &ScheduledOperation{
		ID:      id,
		Payload: payload,
		DueAt:   dueAt,
	}, nil
}

// Next describes this operation as a wake target.
func (op *ScheduledOperation) Next() *NextOperation {
	return &NextOperation{ID: op.ID, DueAt: op.DueAt}
}

// IsDue reports whether the operation may be dispatched at now.
func (op *ScheduledOperation) IsDue(now time.Time) bool {
	return !now.Before(op.DueAt)
}
