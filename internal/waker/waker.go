// Package waker is the host-side timer that drives the emitter. It keeps one
// timer armed for the earliest pending operation, fires Emit when it expires,
// and re-arms from the WakeEvent that comes back.
package waker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/deferral/internal/emitter"
	"github.com/livinlefevreloca/deferral/internal/inbox"
	"github.com/livinlefevreloca/deferral/internal/metrics"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// Emitter is the part of the emitter the wake loop drives.
type Emitter interface {
	Emit(ctx context.Context, id operation.ID) (operation.WakeEvent, error)
	EmitNextOperation(ctx context.Context, hint *operation.NextOperation) (operation.WakeEvent, error)
}

// Waker owns the timer. Wake events announced by other code paths (for
// example a newly scheduled operation that is due earlier) arrive through
// Announce and can only pull the timer earlier; the emitter's own results
// replace the target outright.
type Waker struct {
	emitter Emitter
	clock   emitter.Clock
	config  Config
	logger  *slog.Logger

	events *inbox.Inbox[operation.WakeEvent]
	resync chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a waker. It does nothing until Start is called.
func New(em Emitter, clock emitter.Clock, config Config, logger *slog.Logger) (*Waker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid waker config: %w", err)
	}
	if clock == nil {
		clock = emitter.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Waker{
		emitter: em,
		clock:   clock,
		config:  config,
		logger:  logger,
		events:  inbox.New[operation.WakeEvent](config.InboxBufferSize),
		resync:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Announce queues ev for the wake loop. It never blocks: the loop itself
// calls the emitter, which announces back here, so waiting for buffer space
// could stall the loop on its own inbox. An event that does not fit is
// replaced by a resync request.
func (w *Waker) Announce(_ context.Context, ev operation.WakeEvent) error {
	if w.events.TrySend(ev) {
		return nil
	}
	metrics.DroppedWakeEvents.Inc()
	w.logger.Debug("waker inbox full, requesting resync", "closed_id", ev.ClosedID)
	w.Resync()
	return nil
}

// Resync asks the loop to re-read its target from the store.
func (w *Waker) Resync() {
	select {
	case w.resync <- struct{}{}:
	default:
	}
}

// Start launches the wake loop. The first thing the loop does is query the
// store, so operations that came due while the process was down fire
// immediately.
func (w *Waker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		w.logger.Info("starting waker", "max_sleep", w.config.MaxSleep)
		go w.run(ctx)
	})
}

// Stop halts the loop and waits for it to exit. Safe to call more than once,
// and before Start.
func (w *Waker) Stop() {
	w.stopOnce.Do(func() {
		started := true
		w.startOnce.Do(func() {
			started = false
			close(w.done)
		})
		if started {
			w.cancel()
		}
	})
	<-w.done

	stats := w.InboxStats()
	w.logger.Info("waker stopped",
		"events_received", stats.TotalReceived,
		"events_dropped", stats.TotalDropped,
		"max_inbox_depth", stats.MaxDepthSeen)
}

// InboxStats reports how the announce inbox has been used.
func (w *Waker) InboxStats() inbox.Stats {
	return w.events.GetStats()
}

// Done is closed once the loop has exited.
func (w *Waker) Done() <-chan struct{} {
	return w.done
}

// loop is the state owned by the wake goroutine.
type loop struct {
	*Waker
	ctx      context.Context
	timer    *time.Timer
	armed    *operation.NextOperation
	failures int
	retrying bool
}

func (w *Waker) run(ctx context.Context) {
	defer close(w.done)

	l := &loop{Waker: w, ctx: ctx, timer: time.NewTimer(time.Hour)}
	l.timer.Stop()
	defer l.timer.Stop()

	l.refresh()

	for {
		select {
		case <-ctx.Done():
			return

		case <-l.timer.C:
			if l.retrying {
				l.refresh()
			} else {
				l.fire()
			}

		case ev := <-w.events.C():
			w.events.Received()
			l.merge(ev)
			l.rearm()

		case <-w.resync:
			metrics.WakeResyncs.Inc()
			if !l.retrying {
				l.refresh()
			}
		}
	}
}

// fire runs a wake cycle for the armed target. A timer that expired only
// because of the MaxSleep cap re-reads the store instead.
func (l *loop) fire() {
	target := l.armed
	if target == nil || target.DueAt.After(l.clock.Now()) {
		metrics.WakeResyncs.Inc()
		l.refresh()
		return
	}

	ev, err := l.emitter.Emit(l.ctx, target.ID)
	switch {
	case err == nil:
		l.succeed(ev)
	case operation.IsTransient(err):
		l.fail("emit", target.ID, err)
	case operation.IsNotDue(err):
		// The armed target was stale; the store holds a later due instant.
		l.logger.Debug("armed operation not yet due, re-reading target",
			"operation_id", target.ID,
			"error", err)
		l.refresh()
	default:
		// The operation is already closed; nothing to retry. Move on to
		// whatever is next.
		l.logger.Error("operation could not be dispatched",
			"operation_id", target.ID,
			"error", err)
		l.refresh()
	}
}

// refresh replaces the target with the store's current answer.
func (l *loop) refresh() {
	ev, err := l.emitter.EmitNextOperation(l.ctx, l.armed)
	if err != nil {
		l.fail("resync", "", err)
		return
	}
	l.succeed(ev)
}

func (l *loop) succeed(ev operation.WakeEvent) {
	l.failures = 0
	l.retrying = false
	l.armed = ev.Next
	l.rearm()
}

// fail schedules a resync after a backoff. The operation behind a transient
// failure is still pending and comes back as the target.
func (l *loop) fail(stage string, id operation.ID, err error) {
	if l.ctx.Err() != nil {
		return
	}

	l.failures++
	l.retrying = true
	wait := l.config.backoff(l.failures)
	metrics.WakeRetries.Inc()

	l.logger.Warn("wake cycle failed",
		"stage", stage,
		"operation_id", id,
		"transient", operation.IsTransient(err),
		"attempt", l.failures,
		"retry_in", wait,
		"error", err)

	l.timer.Stop()
	l.timer.Reset(wait)
}

// merge folds an externally announced event into the target. Such events
// can only move the target earlier, or clear it when it was just closed.
func (l *loop) merge(ev operation.WakeEvent) {
	if l.armed != nil && ev.HasClosed() && l.armed.ID == ev.ClosedID {
		l.armed = ev.Next
		return
	}
	l.armed = operation.Earliest(l.armed, ev.Next)
}

func (l *loop) rearm() {
	if l.retrying {
		return
	}
	l.timer.Stop()
	if l.armed == nil {
		// Nothing pending here, but another process may insert into a
		// shared store; look again after MaxSleep.
		l.timer.Reset(l.config.MaxSleep)
		return
	}

	d := l.armed.Delay(l.clock.Now())
	if d > l.config.MaxSleep {
		d = l.config.MaxSleep
	}
	l.timer.Reset(d)
	l.logger.Debug("waker armed", "operation_id", l.armed.ID, "due_at", l.armed.DueAt, "sleep", d)
}
