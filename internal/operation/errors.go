package operation

import (
	"errors"
	"fmt"
)

// Standard errors
var (
	// ErrInvalidDueTime is returned by New when the due instant is not in the future.
	ErrInvalidDueTime = errors.New("operation: due time must be after the current time")

	// ErrInvalidID is returned for empty or malformed identifiers.
	ErrInvalidID = errors.New("operation: invalid identifier")

	ErrDuplicateID = errors.New("operation: duplicate identifier")
	ErrNotFound    = errors.New("operation: not found")

	// ErrNotDue is returned by ExtractDue for a pending operation whose due
	// instant is still ahead. The operation stays pending.
	ErrNotDue = errors.New("operation: not yet due")

	// ErrDeserializationFailed signals a persisted record that can no longer be
	// read back. It indicates data corruption and is never retried.
	ErrDeserializationFailed = errors.New("operation: deserialization failed")

	// ErrStoreUnavailable marks transient storage failures. Safe to retry.
	ErrStoreUnavailable = errors.New("operation: store unavailable")

	ErrDeliveryFailed = errors.New("operation: delivery failed")
	ErrEmitFailed     = errors.New("operation: emit failed")
)

// unavailableError keeps the backend cause reachable through errors.Is/As
// while also matching ErrStoreUnavailable.
type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%v: %v", ErrStoreUnavailable, e.cause)
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.cause}
}

// Unavailable wraps a backend failure as a transient store error.
// A nil error stays nil; an error already classified is returned unchanged.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &unavailableError{cause: err}
}

// Corrupt wraps a decoding failure of the record identified by id.
func Corrupt(id ID, err error) error {
	if id == "" {
		return fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
	}
	return fmt.Errorf("%w: record %s: %v", ErrDeserializationFailed, id, err)
}

// Error classification functions

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNotDue checks if error rejects an extraction ahead of the due instant
func IsNotDue(err error) bool {
	return errors.Is(err, ErrNotDue)
}

// IsDuplicate checks if error is a duplicate identifier error
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateID)
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsCorrupt checks if error signals an unreadable persisted record
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrDeserializationFailed)
}
