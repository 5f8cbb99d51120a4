// Package memory is an in-process operation store. It keeps every record in
// its persisted form, so the same decode paths run as with durable backends,
// but nothing survives a restart. Intended for tests and single-process use.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/livinlefevreloca/deferral/internal/index"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// Store holds records in a map plus an ordered index of the pending ones.
type Store struct {
	mu      sync.Mutex
	records map[operation.ID]operation.Record
	pending *index.PendingIndex
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[operation.ID]operation.Record),
		pending: index.NewPendingIndex(nil),
	}
}

// Insert stores op. Closed identifiers stay reserved.
func (s *Store) Insert(ctx context.Context, op *operation.ScheduledOperation) error {
	if err := ctx.Err(); err != nil {
		return operation.Unavailable(err)
	}

	rec, err := op.ToRecord()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[op.ID]; exists {
		return operation.ErrDuplicateID
	}

	s.records[op.ID] = rec
	if !rec.Sent {
		s.pending.Insert(index.Entry{ID: string(op.ID), DueAt: op.DueAt})
	}
	return nil
}

// ExtractDue flips sent under the store lock; the first caller wins.
func (s *Store) ExtractDue(ctx context.Context, id operation.ID, now time.Time) (*operation.ScheduledOperation, error) {
	if err := ctx.Err(); err != nil {
		return nil, operation.Unavailable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Sent {
		return nil, operation.ErrNotFound
	}

	op, err := operation.RestoreFromRecord(rec)
	if err != nil {
		// Unreadable records are closed so they cannot block the head of the queue.
		rec.Sent = true
		s.records[id] = rec
		s.dropPending(id, rec.DueAt)
		return nil, err
	}
	if !op.IsDue(now) {
		return nil, fmt.Errorf("%w: %s is due at %s", operation.ErrNotDue, id, operation.FormatTime(op.DueAt))
	}

	rec.Sent = true
	s.records[id] = rec
	op.Sent = true
	s.pending.Remove(index.Entry{ID: string(op.ID), DueAt: op.DueAt})

	return op, nil
}

// FindEarliestPending reads the head of the pending index.
func (s *Store) FindEarliestPending(ctx context.Context) (*operation.NextOperation, error) {
	if err := ctx.Err(); err != nil {
		return nil, operation.Unavailable(err)
	}

	first, ok := s.pending.First()
	if !ok {
		return nil, nil
	}
	return &operation.NextOperation{ID: operation.ID(first.ID), DueAt: first.DueAt}, nil
}

// Len returns the number of stored records, sent or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// PutRecord stores a raw record as-is, bypassing validation. It exists to
// load data restored from elsewhere and to reproduce corrupt rows in tests.
func (s *Store) PutRecord(rec operation.Record) error {
	id := operation.ID(rec.ID)
	dueAt, err := operation.ParseTime(rec.DueAt)
	if err != nil {
		return operation.Corrupt(id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; exists {
		return operation.ErrDuplicateID
	}
	s.records[id] = rec

	if !rec.Sent {
		s.pending.Insert(index.Entry{ID: rec.ID, DueAt: dueAt})
	}
	return nil
}

// dropPending removes a corrupt record from the index so it cannot block
// the head of the queue.
func (s *Store) dropPending(id operation.ID, dueAt string) {
	t, err := operation.ParseTime(dueAt)
	if err != nil {
		return
	}
	s.pending.Remove(index.Entry{ID: string(id), DueAt: t})
}
