package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/livinlefevreloca/deferral/internal/emitter"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// intakeQueue is the queue group shared by every scheduler instance, so each
// schedule request is handled once.
const intakeQueue = "deferral-intake"

// Scheduler admits schedule requests.
type Scheduler interface {
	ScheduleRequest(ctx context.Context, req emitter.ScheduleRequest) (operation.ID, operation.WakeEvent, error)
}

// ScheduleReply is sent back when the request carries a reply subject.
type ScheduleReply struct {
	ID    string                   `json:"id,omitempty"`
	Next  *operation.NextOperation `json:"next,omitempty"`
	Error string                   `json:"error,omitempty"`
	Code  string                   `json:"code,omitempty"`
}

// Intake turns messages on {prefix}.schedule into scheduled operations.
type Intake struct {
	nc        *nats.Conn
	scheduler Scheduler
	subject   string
	timeout   time.Duration
	logger    *slog.Logger
	sub       *nats.Subscription
}

// NewIntake creates an intake. Call Start to subscribe.
func NewIntake(nc *nats.Conn, scheduler Scheduler, prefix string, timeout time.Duration, logger *slog.Logger) *Intake {
	return &Intake{
		nc:        nc,
		scheduler: scheduler,
		subject:   ScheduleSubject(prefix),
		timeout:   timeout,
		logger:    logger,
	}
}

// Start subscribes to the intake subject.
func (in *Intake) Start() error {
	sub, err := in.nc.QueueSubscribe(in.subject, intakeQueue, in.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", in.subject, err)
	}
	in.sub = sub
	in.logger.Info("schedule intake listening", "subject", in.subject)
	return nil
}

// Stop unsubscribes. Messages already delivered are still handled.
func (in *Intake) Stop() error {
	if in.sub == nil {
		return nil
	}
	return in.sub.Drain()
}

func (in *Intake) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
	defer cancel()

	reply := in.process(ctx, msg.Data)
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		in.logger.Error("failed to encode schedule reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		in.logger.Warn("failed to send schedule reply", "reply", msg.Reply, "error", err)
	}
}

// process schedules one request and builds the reply.
func (in *Intake) process(ctx context.Context, data []byte) ScheduleReply {
	var req emitter.ScheduleRequest
	if err := json.Unmarshal(data, &req); err != nil {
		in.logger.Warn("malformed schedule request", "error", err)
		return ScheduleReply{Error: err.Error(), Code: emitter.CodeInvalidRequest}
	}

	id, ev, err := in.scheduler.ScheduleRequest(ctx, req)
	if err != nil {
		code := emitter.ErrorCode(err)
		if code == emitter.CodeWakeUnavailable {
			// Stored; only the wake recomputation failed.
			in.logger.Warn("operation scheduled without wake update", "operation_id", id, "error", err)
			return ScheduleReply{ID: string(id)}
		}
		in.logger.Info("schedule request rejected", "code", code, "error", err)
		return ScheduleReply{Error: err.Error(), Code: code}
	}

	return ScheduleReply{ID: string(id), Next: ev.Next}
}
