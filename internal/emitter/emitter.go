package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/deferral/internal/metrics"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// Emitter runs wake cycles: extract a due operation, dispatch its command,
// and report the next wake target.
//
// Dispatch is at most once. An operation is marked sent before its command
// reaches the sink, so a sink failure loses that one command instead of
// risking a second delivery. Redelivery, if wanted, means scheduling a new
// operation.
type Emitter struct {
	store    Store
	selector *Selector
	registry *operation.Registry
	sink     Sink
	clock    Clock
	logger   *slog.Logger

	mu         sync.RWMutex
	announcers []Announcer
}

// New creates an emitter. A nil clock defaults to the system clock.
func New(store Store, registry *operation.Registry, sink Sink, clock Clock, logger *slog.Logger) *Emitter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Emitter{
		store:    store,
		selector: NewSelector(store, clock, logger),
		registry: registry,
		sink:     sink,
		clock:    clock,
		logger:   logger,
	}
}

// AddAnnouncer registers a receiver for every WakeEvent produced.
func (e *Emitter) AddAnnouncer(a Announcer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.announcers = append(e.announcers, a)
}

// Selector exposes the next-operation query shared by all wake paths.
func (e *Emitter) Selector() *Selector {
	return e.selector
}

// Next returns the current wake target without announcing it.
func (e *Emitter) Next(ctx context.Context) (*operation.NextOperation, error) {
	return e.selector.Next(ctx)
}

// Schedule admits a new operation and announces the (possibly earlier) next
// wake target. Validation, duplicate and store errors are returned unchanged.
// An error wrapping ErrEmitFailed means the operation was stored but the
// next target could not be recomputed.
func (e *Emitter) Schedule(ctx context.Context, id operation.ID, payload operation.Envelope, dueAt time.Time) (operation.WakeEvent, error) {
	if !e.registry.Known(payload.Type) {
		return operation.WakeEvent{}, fmt.Errorf("%w: no decoder registered for payload type %q",
			operation.ErrDeserializationFailed, payload.Type)
	}

	op, err := operation.New(id, payload, dueAt, e.clock.Now())
	if err != nil {
		return operation.WakeEvent{}, err
	}

	if err := e.store.Insert(ctx, op); err != nil {
		return operation.WakeEvent{}, err
	}

	metrics.OperationsScheduled.Inc()
	e.logger.Info("operation scheduled",
		"operation_id", op.ID,
		"type", op.Payload.Type,
		"due_at", op.DueAt)

	return e.EmitNextOperation(ctx, op.Next())
}

// Emit runs one wake cycle for id.
//
// A missing or already closed id is not an error: duplicate timer fires are
// expected, so Emit still recomputes the next target and returns an event
// with no ClosedID. An operation whose due instant is still ahead is left
// pending and reported as operation.ErrNotDue; nothing is dispatched. Any
// other failure is returned as operation.ErrEmitFailed with the cause
// attached.
func (e *Emitter) Emit(ctx context.Context, id operation.ID) (operation.WakeEvent, error) {
	op, err := e.store.ExtractDue(ctx, id, e.clock.Now())
	if err != nil {
		if operation.IsNotDue(err) {
			e.logger.Info("operation not yet due, skipping dispatch", "operation_id", id, "error", err)
			return operation.WakeEvent{}, err
		}
		if operation.IsNotFound(err) {
			metrics.DuplicateFires.Inc()
			e.logger.Info("operation already handled, skipping dispatch", "operation_id", id)
			return e.announceNext(ctx, "")
		}

		metrics.EmitFailures.WithLabelValues(metrics.ReasonStore).Inc()
		if operation.IsCorrupt(err) {
			e.logger.Error("scheduled operation record is corrupt",
				"operation_id", id,
				"error", err)
		}
		return operation.WakeEvent{}, emitFailed(id, err)
	}

	cmd, err := e.registry.Decode(op.Payload)
	if err != nil {
		metrics.EmitFailures.WithLabelValues(metrics.ReasonDecode).Inc()
		e.logger.Error("failed to decode scheduled command",
			"operation_id", id,
			"type", op.Payload.Type,
			"error", err)
		return operation.WakeEvent{}, emitFailed(id, err)
	}

	now := e.clock.Now()
	dc := DeliveryContext{
		OperationID: op.ID,
		Type:        op.Payload.Type,
		DueAt:       op.DueAt,
		EmittedAt:   now,
	}

	if err := e.sink.Send(ctx, cmd, dc); err != nil {
		metrics.EmitFailures.WithLabelValues(metrics.ReasonDelivery).Inc()
		e.logger.Error("failed to deliver scheduled command, operation stays closed",
			"operation_id", id,
			"type", op.Payload.Type,
			"error", err)
		if !errors.Is(err, operation.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %w", operation.ErrDeliveryFailed, err)
		}
		return operation.WakeEvent{}, emitFailed(id, err)
	}

	metrics.OperationsEmitted.Inc()
	metrics.ObserveLateness(op.DueAt, now)
	e.logger.Info("operation emitted",
		"operation_id", id,
		"type", op.Payload.Type,
		"due_at", op.DueAt,
		"lateness", now.Sub(op.DueAt))

	return e.announceNext(ctx, id)
}

// EmitNextOperation re-announces the current wake target. The hint is only
// used for logging: the target is always recomputed from the store, since
// the caller's view may already be stale. Never dispatches anything.
func (e *Emitter) EmitNextOperation(ctx context.Context, hint *operation.NextOperation) (operation.WakeEvent, error) {
	if hint != nil {
		e.logger.Debug("recomputing next operation", "hint_id", hint.ID, "hint_due_at", hint.DueAt)
	}
	return e.announceNext(ctx, "")
}

func (e *Emitter) announceNext(ctx context.Context, closed operation.ID) (operation.WakeEvent, error) {
	next, err := e.selector.Next(ctx)
	if err != nil {
		metrics.EmitFailures.WithLabelValues(metrics.ReasonStore).Inc()
		return operation.WakeEvent{}, emitFailed(closed, err)
	}

	ev := operation.WakeEvent{ClosedID: closed, Next: next}
	e.announce(ctx, ev)
	return ev, nil
}

func (e *Emitter) announce(ctx context.Context, ev operation.WakeEvent) {
	e.mu.RLock()
	announcers := e.announcers
	e.mu.RUnlock()

	for _, a := range announcers {
		if err := a.Announce(ctx, ev); err != nil {
			e.logger.Warn("failed to announce wake event",
				"closed_id", ev.ClosedID,
				"error", err)
		}
	}
}

// emitFailed wraps cause so that errors.Is matches both ErrEmitFailed and
// whatever the cause matches (ErrStoreUnavailable, ErrDeliveryFailed, ...).
func emitFailed(id operation.ID, cause error) error {
	if errors.Is(cause, operation.ErrEmitFailed) {
		return cause
	}
	if id.IsZero() {
		return fmt.Errorf("%w: %w", operation.ErrEmitFailed, cause)
	}
	return fmt.Errorf("%w: operation %s: %w", operation.ErrEmitFailed, id, cause)
}
