package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/deferral/internal/operation"
)

// ErrInvalidRequest is returned for schedule requests missing required fields.
var ErrInvalidRequest = errors.New("emitter: invalid schedule request")

// ScheduleRequest is the wire form of a schedule command, shared by the HTTP
// API and the bus intake. An empty ID asks the scheduler to generate one.
type ScheduleRequest struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	DueAt   time.Time       `json:"due_at"`
}

// Resolve validates the request shape and returns the operation's parts.
func (r ScheduleRequest) Resolve() (operation.ID, operation.Envelope, time.Time, error) {
	var id operation.ID
	if r.ID == "" {
		id = operation.NewID()
	} else {
		parsed, err := operation.ParseID(r.ID)
		if err != nil {
			return "", operation.Envelope{}, time.Time{}, err
		}
		id = parsed
	}

	if r.Type == "" {
		return "", operation.Envelope{}, time.Time{}, fmt.Errorf("%w: type is required", ErrInvalidRequest)
	}
	if len(r.Payload) == 0 {
		return "", operation.Envelope{}, time.Time{}, fmt.Errorf("%w: payload is required", ErrInvalidRequest)
	}
	if r.DueAt.IsZero() {
		return "", operation.Envelope{}, time.Time{}, fmt.Errorf("%w: due_at is required", ErrInvalidRequest)
	}

	env := operation.Envelope{Type: r.Type, Data: append([]byte(nil), r.Payload...)}
	return id, env, r.DueAt, nil
}

// ScheduleRequest resolves req and schedules it. The generated or given id
// is returned even when only the wake recomputation failed, since the
// operation is stored at that point.
func (e *Emitter) ScheduleRequest(ctx context.Context, req ScheduleRequest) (operation.ID, operation.WakeEvent, error) {
	id, env, dueAt, err := req.Resolve()
	if err != nil {
		return "", operation.WakeEvent{}, err
	}
	ev, err := e.Schedule(ctx, id, env, dueAt)
	return id, ev, err
}

// LogSink writes commands to a logger instead of a broker. Useful when
// running without NATS.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(_ context.Context, cmd any, dc DeliveryContext) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	s.Logger.Info("command dispatched",
		"operation_id", dc.OperationID,
		"type", dc.Type,
		"due_at", dc.DueAt,
		"emitted_at", dc.EmittedAt,
		"command", json.RawMessage(data))
	return nil
}

// Error codes reported to remote callers of ScheduleRequest.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeInvalidDueTime  = "invalid_due_time"
	CodeUnknownType     = "unknown_type"
	CodeDuplicate       = "duplicate"
	CodeUnavailable     = "unavailable"
	CodeWakeUnavailable = "wake_unavailable"
	CodeInternal        = "internal"
)

// ErrorCode maps a ScheduleRequest error onto a stable code.
// CodeWakeUnavailable means the operation was stored anyway.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, operation.ErrEmitFailed):
		return CodeWakeUnavailable
	case errors.Is(err, operation.ErrInvalidDueTime):
		return CodeInvalidDueTime
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, operation.ErrInvalidID):
		return CodeInvalidRequest
	case errors.Is(err, operation.ErrDeserializationFailed):
		return CodeUnknownType
	case operation.IsDuplicate(err):
		return CodeDuplicate
	case operation.IsTransient(err):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
