package operation

import "time"

// NextOperation is the earliest pending operation in a store at query time.
// It is derived on demand and never persisted. A nil *NextOperation means no
// operation is pending.
type NextOperation struct {
	ID    ID        `json:"id"`
	DueAt time.Time `json:"due_at"`
}

// Before orders wake targets by due instant, then by identifier.
func (n *NextOperation) Before(other *NextOperation) bool {
	if n.DueAt.Equal(other.DueAt) {
		return n.ID < other.ID
	}
	return n.DueAt.Before(other.DueAt)
}

// Delay returns how long until the target is due; zero when already due.
func (n *NextOperation) Delay(now time.Time) time.Duration {
	d := n.DueAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Earliest returns whichever of a and b is due first. Either may be nil.
func Earliest(a, b *NextOperation) *NextOperation {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

// WakeEvent tells the host which operation just closed (if any) and what to
// arm its timer for next (if anything).
type WakeEvent struct {
	ClosedID ID             `json:"closed_id,omitempty"`
	Next     *NextOperation `json:"next"`
}

// HasClosed reports whether this event closed an operation.
func (w WakeEvent) HasClosed() bool { return !w.ClosedID.IsZero() }

// HasNext reports whether an operation is still pending.
func (w WakeEvent) HasNext() bool { return w.Next != nil }
