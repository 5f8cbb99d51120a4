// Package inbox is a bounded, typed mailbox used to hand messages to a
// single consuming goroutine without ever blocking producers.
package inbox

import (
	"sync/atomic"
)

// Inbox carries messages of type T to one consumer.
type Inbox[T any] struct {
	ch chan T

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
	maxDepth atomic.Int64
}

// Stats is a snapshot of inbox usage.
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TotalDropped  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates an inbox with the given buffer size.
func New[T any](bufferSize int) *Inbox[T] {
	return &Inbox[T]{ch: make(chan T, bufferSize)}
}

// TrySend delivers msg only if there is buffer space right now. A message
// that does not fit is counted as dropped.
func (ib *Inbox[T]) TrySend(msg T) bool {
	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		ib.observeDepth()
		return true
	default:
		ib.dropped.Add(1)
		return false
	}
}

// C exposes the receive side for use in a select loop. Callers that read
// from it should call Received to keep the counters accurate.
func (ib *Inbox[T]) C() <-chan T {
	return ib.ch
}

// Received records that a message taken from C was consumed.
func (ib *Inbox[T]) Received() {
	ib.received.Add(1)
}

func (ib *Inbox[T]) observeDepth() {
	depth := int64(len(ib.ch))
	for {
		seen := ib.maxDepth.Load()
		if depth <= seen || ib.maxDepth.CompareAndSwap(seen, depth) {
			return
		}
	}
}

// GetStats returns a copy of the current inbox statistics.
func (ib *Inbox[T]) GetStats() Stats {
	return Stats{
		TotalSent:     ib.sent.Load(),
		TotalReceived: ib.received.Load(),
		TotalDropped:  ib.dropped.Load(),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  int(ib.maxDepth.Load()),
	}
}
