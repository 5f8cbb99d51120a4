package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/deferral/internal/metrics"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// =============================================================================
// Scheduled Operation Store
// =============================================================================

// OperationStore persists scheduled operations in the scheduled_operations
// table. Atomicity of extraction comes from a single conditional UPDATE, so
// it holds across processes sharing the database file.
type OperationStore struct {
	db     *DB
	logger *slog.Logger
}

// NewOperationStore wraps db. The schema must already be migrated.
func NewOperationStore(db *DB, logger *slog.Logger) *OperationStore {
	return &OperationStore{db: db, logger: logger}
}

// Insert adds a pending operation.
func (s *OperationStore) Insert(ctx context.Context, op *operation.ScheduledOperation) error {
	rec, err := op.ToRecord()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO scheduled_operations (id, payload, due_at, sent)
		VALUES (?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query, rec.ID, rec.Payload, rec.DueAt, rec.Sent)
	if err != nil {
		if IsDuplicate(err) {
			return operation.ErrDuplicateID
		}
		return classify(err)
	}
	return nil
}

// ExtractDue flips sent from 0 to 1 and returns the row in one statement.
// Only the caller whose UPDATE matched gets the row back; everyone else sees
// no rows and gets ErrNotFound.
//
// The due check reads due_at first and compares parsed instants, since
// due_at may hold any accepted timestamp form. due_at never changes after
// insert, so the check cannot go stale before the UPDATE.
//
// A row that fails to decode stays closed: a corrupt record must not keep
// resurfacing as the next due operation.
func (s *OperationStore) ExtractDue(ctx context.Context, id operation.ID, now time.Time) (*operation.ScheduledOperation, error) {
	var (
		dueAt string
		sent  bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT due_at, sent FROM scheduled_operations WHERE id = ?`, string(id),
	).Scan(&dueAt, &sent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, operation.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	if sent {
		return nil, operation.ErrNotFound
	}
	if t, err := operation.ParseTime(dueAt); err == nil && t.After(now) {
		return nil, fmt.Errorf("%w: %s is due at %s", operation.ErrNotDue, id, operation.FormatTime(t))
	}

	query := `
		UPDATE scheduled_operations
		SET sent = 1
		WHERE id = ? AND sent = 0
		RETURNING id, payload, due_at, sent
	`

	var rec operation.Record
	err = s.db.QueryRowContext(ctx, query, string(id)).Scan(
		&rec.ID,
		&rec.Payload,
		&rec.DueAt,
		&rec.Sent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, operation.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	return operation.RestoreFromRecord(rec)
}

// FindEarliestPending returns the head of the pending index. A head row
// whose due_at cannot be parsed is closed and the query runs again, so one
// bad row cannot hide every valid operation behind it.
func (s *OperationStore) FindEarliestPending(ctx context.Context) (*operation.NextOperation, error) {
	query := `
		SELECT id, due_at
		FROM scheduled_operations
		WHERE sent = 0
		ORDER BY due_at, id
		LIMIT 1
	`

	for {
		var id, dueAt string
		err := s.db.QueryRowContext(ctx, query).Scan(&id, &dueAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, classify(err)
		}

		t, err := operation.ParseTime(dueAt)
		if err == nil {
			return &operation.NextOperation{ID: operation.ID(id), DueAt: t}, nil
		}

		if err := s.closeCorrupt(ctx, id, err); err != nil {
			return nil, err
		}
	}
}

// closeCorrupt marks a row that cannot be scheduled as sent.
func (s *OperationStore) closeCorrupt(ctx context.Context, id string, cause error) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_operations SET sent = 1 WHERE id = ? AND sent = 0`, id)
	if err != nil {
		return classify(err)
	}
	metrics.CorruptRecords.Inc()
	s.logger.Error("closed unreadable scheduled operation",
		"operation_id", id,
		"error", cause)
	return nil
}

// classify maps driver errors onto the operation error kinds. Busy, locked
// and lost-connection failures are transient; anything else is a statement
// or schema problem and is not worth retrying.
func classify(err error) error {
	if IsTransient(err) {
		return operation.Unavailable(err)
	}
	return fmt.Errorf("scheduled_operations: %w", err)
}
