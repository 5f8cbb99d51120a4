// Package kv stores scheduled operations in a NATS JetStream key-value
// bucket, one key per operation. Extraction is a compare-and-set on the
// key's revision, so it stays exactly-once across processes.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/livinlefevreloca/deferral/internal/metrics"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// entry is the stored value. Raw keeps the original bytes of a value that
// could not be parsed, once it has been closed.
type entry struct {
	operation.Record
	Raw []byte `json:"raw,omitempty"`
}

// Store implements the operation store on a KV bucket.
type Store struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue, logger *slog.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Insert creates the key; an existing key, pending or closed, is a duplicate.
func (s *Store) Insert(ctx context.Context, op *operation.ScheduledOperation) error {
	key, err := keyFor(op.ID)
	if err != nil {
		return err
	}

	rec, err := op.ToRecord()
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry{Record: rec})
	if err != nil {
		return fmt.Errorf("marshal key %s: %w", key, err)
	}

	if _, err := s.kv.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || isWrongRevision(err) {
			return operation.ErrDuplicateID
		}
		return operation.Unavailable(err)
	}
	return nil
}

// ExtractDue reads the key, then writes it back with sent set, conditional
// on the revision it read. Losing that race means another caller closed it.
// A readable entry due after now is not written at all.
func (s *Store) ExtractDue(ctx context.Context, id operation.ID, now time.Time) (*operation.ScheduledOperation, error) {
	key, err := keyFor(id)
	if err != nil {
		return nil, operation.ErrNotFound
	}

	current, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, operation.ErrNotFound
		}
		return nil, operation.Unavailable(err)
	}

	var e entry
	decodeErr := json.Unmarshal(current.Value(), &e)
	if decodeErr != nil {
		e = entry{Record: operation.Record{ID: key}, Raw: current.Value()}
	}
	if e.Sent {
		return nil, operation.ErrNotFound
	}
	if decodeErr == nil {
		if t, err := operation.ParseTime(e.DueAt); err == nil && t.After(now) {
			return nil, fmt.Errorf("%w: %s is due at %s", operation.ErrNotDue, id, operation.FormatTime(t))
		}
	}

	if err := s.close(ctx, key, e, current.Revision()); err != nil {
		return nil, err
	}

	if decodeErr != nil {
		return nil, operation.Corrupt(id, decodeErr)
	}
	e.Sent = true
	return operation.RestoreFromRecord(e.Record)
}

// FindEarliestPending scans every key. Buckets hold one key per operation
// ever scheduled, so the scan grows with history. Pending values that cannot
// be read are closed as they are found rather than failing the scan.
func (s *Store) FindEarliestPending(ctx context.Context) (*operation.NextOperation, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, operation.Unavailable(err)
	}

	var best *operation.NextOperation
	for _, key := range keys {
		kve, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, operation.Unavailable(err)
		}

		var e entry
		if err := json.Unmarshal(kve.Value(), &e); err != nil {
			bad := entry{Record: operation.Record{ID: key}, Raw: kve.Value()}
			if err := s.closeCorrupt(ctx, key, bad, kve.Revision(), err); err != nil {
				return nil, err
			}
			continue
		}
		if e.Sent {
			continue
		}

		dueAt, err := operation.ParseTime(e.DueAt)
		if err != nil {
			if err := s.closeCorrupt(ctx, key, e, kve.Revision(), err); err != nil {
				return nil, err
			}
			continue
		}
		best = operation.Earliest(best, &operation.NextOperation{ID: operation.ID(key), DueAt: dueAt})
	}
	return best, nil
}

// close writes e back with sent set, conditional on revision. A lost race
// means another caller closed the key first.
func (s *Store) close(ctx context.Context, key string, e entry, revision uint64) error {
	e.Sent = true
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal key %s: %w", key, err)
	}
	if _, err := s.kv.Update(ctx, key, data, revision); err != nil {
		if isWrongRevision(err) || errors.Is(err, jetstream.ErrKeyExists) {
			return operation.ErrNotFound
		}
		return operation.Unavailable(err)
	}
	return nil
}

// closeCorrupt closes a pending value the scan could not schedule. Losing
// the revision race is fine: someone else already changed the key.
func (s *Store) closeCorrupt(ctx context.Context, key string, e entry, revision uint64, cause error) error {
	err := s.close(ctx, key, e, revision)
	if errors.Is(err, operation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.CorruptRecords.Inc()
	s.logger.Error("closed unreadable scheduled operation",
		"operation_id", key,
		"error", cause)
	return nil
}

// keyFor maps an identifier onto a KV key. KV keys are dot-separated
// tokens, so empty tokens are rejected.
func keyFor(id operation.ID) (string, error) {
	key := string(id)
	if key == "" || strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q is not a valid key", operation.ErrInvalidID, key)
	}
	for i := 0; i < len(key); i++ {
		if !validKeyByte(key[i]) {
			return "", fmt.Errorf("%w: %q is not a valid key", operation.ErrInvalidID, key)
		}
	}
	return key, nil
}

func validKeyByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '=', c == '.', c == '/':
		return true
	}
	return false
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
