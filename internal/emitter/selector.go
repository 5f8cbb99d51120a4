package emitter

import (
	"context"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/deferral/internal/metrics"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// Selector answers "which pending operation is due first?". Every code path
// that computes a wake target goes through it, so the host never sees two
// different tie-break rules.
type Selector struct {
	store  Store
	clock  Clock
	logger *slog.Logger
}

// NewSelector creates a selector over store.
func NewSelector(store Store, clock Clock, logger *slog.Logger) *Selector {
	return &Selector{store: store, clock: clock, logger: logger}
}

// Next returns the earliest pending operation, or nil when nothing is pending.
func (s *Selector) Next(ctx context.Context) (*operation.NextOperation, error) {
	next, err := s.store.FindEarliestPending(ctx)
	if err != nil {
		return nil, err
	}

	if next == nil {
		metrics.SetNextDue(time.Time{})
		s.logger.Debug("no pending operations")
		return nil, nil
	}

	metrics.SetNextDue(next.DueAt)
	s.logger.Debug("next pending operation",
		"operation_id", next.ID,
		"due_at", next.DueAt,
		"delay", next.Delay(s.clock.Now()))
	return next, nil
}
