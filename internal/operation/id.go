package operation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID names one scheduled operation. IDs are opaque; only equality and the
// string form are meaningful. An ID is never reused once its operation closes.
type ID string

// NewID returns a fresh identifier. UUIDv7 keeps ids roughly time ordered,
// which makes the tie-break on equal due instants follow creation order in
// practice.
func NewID() ID {
	u, err := uuid.NewV7()
	if err != nil {
		return ID(uuid.NewString())
	}
	return ID(u.String())
}

// ParseID validates s and returns it as an ID.
// Allowed characters are the ones every backend can key on:
// letters, digits, '-', '_', '=' and '.', with no empty '.'-separated token.
func ParseID(s string) (ID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	for i := 0; i < len(s); i++ {
		if !validIDByte(s[i]) {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidID, s, s[i])
		}
	}
	if s[0] == '.' || s[len(s)-1] == '.' || strings.Contains(s, "..") {
		return "", fmt.Errorf("%w: %q has an empty '.'-separated token", ErrInvalidID, s)
	}
	return ID(s), nil
}

func validIDByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '=' || c == '.':
		return true
	}
	return false
}

func (id ID) String() string { return string(id) }

// IsZero reports whether id is the empty "none" value.
func (id ID) IsZero() bool { return id == "" }
