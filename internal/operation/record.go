package operation

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// TimeFormat is the fixed-width UTC layout used for persisted due instants.
// Fixed width keeps lexical order equal to chronological order, which lets
// SQL and key/value backends sort on the raw string.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// Record is the backend-neutral persisted layout of a ScheduledOperation.
// Every backend stores exactly these four fields.
type Record struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
	DueAt   string `json:"due_at"`
	Sent    bool   `json:"sent"`
}

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime reads a persisted instant. RFC 3339 (any precision) and integer
// epoch milliseconds are accepted.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ToRecord serializes the operation for persistence.
func (op *ScheduledOperation) ToRecord() (Record, error) {
	env, err := op.Payload.MarshalBinary()
	if err != nil {
		return Record{}, fmt.Errorf("encode payload for %s: %w", op.ID, err)
	}
	return Record{
		ID:      string(op.ID),
		Payload: base64.StdEncoding.EncodeToString(env),
		DueAt:   FormatTime(op.DueAt),
		Sent:    op.Sent,
	}, nil
}

// RestoreFromRecord rebuilds an operation from its persisted form. Any
// unreadable field is reported as ErrDeserializationFailed, never as
// ErrNotFound: a malformed record means stored data lost integrity.
func RestoreFromRecord(rec Record) (*ScheduledOperation, error) {
	id, err := ParseID(rec.ID)
	if err != nil {
		return nil, Corrupt("", err)
	}

	dueAt, err := ParseTime(rec.DueAt)
	if err != nil {
		return nil, Corrupt(id, err)
	}

	raw, err := base64.StdEncoding.DecodeString(rec.Payload)
	if err != nil {
		return nil, Corrupt(id, fmt.Errorf("payload is not base64: %v", err))
	}

	var env Envelope
	if err := env.UnmarshalBinary(raw); err != nil {
		return nil, Corrupt(id, fmt.Errorf("payload envelope: %v", err))
	}

	return &ScheduledOperation{
		ID:      id,
		Payload: env,
		DueAt:   dueAt,
		Sent:    rec.Sent,
	}, nil
}
