package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/livinlefevreloca/deferral/internal/emitter"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// Headers set on every dispatched command.
const (
	HeaderOperationID = "Deferral-Operation-Id"
	HeaderDueAt       = "Deferral-Due-At"
	HeaderEmittedAt   = "Deferral-Emitted-At"
)

// Publisher is the JetStream publish call the sink needs.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Sink publishes commands to {prefix}.commands.{type} and waits for the
// stream ack. The operation id is used as Nats-Msg-Id so a duplicate
// publish inside the stream's dedupe window is dropped by the server.
type Sink struct {
	pub     Publisher
	prefix  string
	timeout time.Duration
}

// NewSink creates a sink on pub.
func NewSink(pub Publisher, prefix string, timeout time.Duration) *Sink {
	return &Sink{pub: pub, prefix: prefix, timeout: timeout}
}

// Send implements emitter.Sink. Every failure wraps operation.ErrDeliveryFailed.
func (s *Sink) Send(ctx context.Context, cmd any, dc emitter.DeliveryContext) error {
	if !ValidSubjectToken(dc.Type) {
		return fmt.Errorf("%w: type %q is not a valid subject token", operation.ErrDeliveryFailed, dc.Type)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: encode command: %w", operation.ErrDeliveryFailed, err)
	}

	msg := nats.NewMsg(CommandSubject(s.prefix, dc.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, string(dc.OperationID))
	msg.Header.Set(HeaderOperationID, string(dc.OperationID))
	msg.Header.Set(HeaderDueAt, dc.DueAt.UTC().Format(time.RFC3339Nano))
	msg.Header.Set(HeaderEmittedAt, dc.EmittedAt.UTC().Format(time.RFC3339Nano))

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	// A duplicate ack means an earlier attempt already landed; that counts
	// as delivered.
	if _, err := s.pub.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("%w: publish %s to %s: %w", operation.ErrDeliveryFailed, dc.OperationID, msg.Subject, err)
	}
	return nil
}
