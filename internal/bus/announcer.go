package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/livinlefevreloca/deferral/internal/emitter"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// CorePublisher is the core NATS publish call; *nats.Conn implements it.
type CorePublisher interface {
	Publish(subject string, data []byte) error
}

// Announcer publishes every WakeEvent as JSON on {prefix}.wake, so other
// hosts sharing the store can re-arm their timers.
type Announcer struct {
	pub     CorePublisher
	subject string
}

// NewAnnouncer creates an announcer publishing under prefix.
func NewAnnouncer(pub CorePublisher, prefix string) *Announcer {
	return &Announcer{pub: pub, subject: WakeSubject(prefix)}
}

// Announce implements emitter.Announcer.
func (a *Announcer) Announce(_ context.Context, ev operation.WakeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal wake event: %w", err)
	}
	if err := a.pub.Publish(a.subject, data); err != nil {
		return fmt.Errorf("publish wake event: %w", err)
	}
	return nil
}

// ListenWake forwards wake events announced by other hosts to target, so a
// local waker learns about operations it did not schedule itself. Our own
// announcements come back too; the waker treats them as no-ops.
func ListenWake(nc *nats.Conn, prefix string, target emitter.Announcer, logger *slog.Logger) (*nats.Subscription, error) {
	subject := WakeSubject(prefix)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev operation.WakeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("malformed wake event", "subject", msg.Subject, "error", err)
			return
		}
		if err := target.Announce(context.Background(), ev); err != nil {
			logger.Warn("failed to forward wake event", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
