// Package storetest holds the behavioural tests every operation store
// backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/livinlefevreloca/deferral/internal/emitter"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) emitter.Store

// MakeTestOperation creates a pending operation due at dueAt.
func MakeTestOperation(t *testing.T, id string, dueAt time.Time) *operation.ScheduledOperation {
	t.Helper()
	env, err := operation.EncodeJSON("test.command", map[string]string{"id": id})
	if err != nil {
		t.Fatalf("EncodeJSON() error = %v", err)
	}
	op, err := operation.New(operation.ID(id), env, dueAt, dueAt.Add(-time.Hour))
	if err != nil {
		t.Fatalf("operation.New() error = %v", err)
	}
	return op
}

// MustInsert inserts op or fails the test.
func MustInsert(t *testing.T, s emitter.Store, op *operation.ScheduledOperation) {
	t.Helper()
	if err := s.Insert(context.Background(), op); err != nil {
		t.Fatalf("Insert(%s) error = %v", op.ID, err)
	}
}

// AssertNext checks the earliest pending operation.
func AssertNext(t *testing.T, s emitter.Store, wantID string) {
	t.Helper()
	next, err := s.FindEarliestPending(context.Background())
	if err != nil {
		t.Fatalf("FindEarliestPending() error = %v", err)
	}
	if wantID == "" {
		if next != nil {
			t.Fatalf("FindEarliestPending() = %s, want none", next.ID)
		}
		return
	}
	if next == nil {
		t.Fatalf("FindEarliestPending() = none, want %s", wantID)
	}
	if string(next.ID) != wantID {
		t.Fatalf("FindEarliestPending() = %s, want %s", next.ID, wantID)
	}
}

// Later is an instant past every due time the suite schedules.
func Later() time.Time {
	return time.Now().Add(48 * time.Hour)
}

// Run executes the conformance suite against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyStoreHasNoNext", func(t *testing.T) {
		AssertNext(t, newStore(t), "")
	})

	t.Run("EarliestOfSeveral", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().Add(time.Hour)

		MustInsert(t, s, MakeTestOperation(t, "op-10", base.Add(10*time.Second)))
		MustInsert(t, s, MakeTestOperation(t, "op-5", base.Add(5*time.Second)))
		MustInsert(t, s, MakeTestOperation(t, "op-20", base.Add(20*time.Second)))

		AssertNext(t, s, "op-5")

		next, err := s.FindEarliestPending(context.Background())
		if err != nil {
			t.Fatalf("FindEarliestPending() error = %v", err)
		}
		if !next.DueAt.Equal(base.Add(5 * time.Second)) {
			t.Errorf("DueAt = %v, want %v", next.DueAt, base.Add(5*time.Second))
		}
	})

	t.Run("TieBreakByIdentifier", func(t *testing.T) {
		s := newStore(t)
		due := time.Now().Add(time.Hour)

		MustInsert(t, s, MakeTestOperation(t, "op-c", due))
		MustInsert(t, s, MakeTestOperation(t, "op-a", due))
		MustInsert(t, s, MakeTestOperation(t, "op-b", due))

		AssertNext(t, s, "op-a")
	})

	t.Run("FindEarliestIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		MustInsert(t, s, MakeTestOperation(t, "op-1", time.Now().Add(time.Minute)))

		ctx := context.Background()
		first, err := s.FindEarliestPending(ctx)
		if err != nil {
			t.Fatalf("FindEarliestPending() error = %v", err)
		}
		second, err := s.FindEarliestPending(ctx)
		if err != nil {
			t.Fatalf("FindEarliestPending() error = %v", err)
		}
		if first.ID != second.ID || !first.DueAt.Equal(second.DueAt) {
			t.Errorf("results differ: %+v vs %+v", first, second)
		}
	})

	t.Run("DuplicateInsert", func(t *testing.T) {
		s := newStore(t)
		op := MakeTestOperation(t, "op-dup", time.Now().Add(time.Minute))
		MustInsert(t, s, op)

		err := s.Insert(context.Background(), op)
		if !errors.Is(err, operation.ErrDuplicateID) {
			t.Fatalf("second Insert() error = %v, want ErrDuplicateID", err)
		}
		if operation.IsTransient(err) {
			t.Error("duplicate must not be transient")
		}
	})

	t.Run("ExtractMarksSentOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		op := MakeTestOperation(t, "op-x", time.Now().Add(time.Minute))
		MustInsert(t, s, op)

		got, err := s.ExtractDue(ctx, op.ID, Later())
		if err != nil {
			t.Fatalf("ExtractDue() error = %v", err)
		}
		if !got.Sent {
			t.Error("extracted operation should be marked sent")
		}
		if got.Payload.Type != op.Payload.Type || string(got.Payload.Data) != string(op.Payload.Data) {
			t.Errorf("payload = %+v, want %+v", got.Payload, op.Payload)
		}
		if !got.DueAt.Equal(op.DueAt) {
			t.Errorf("DueAt = %v, want %v", got.DueAt, op.DueAt)
		}

		if _, err := s.ExtractDue(ctx, op.ID, Later()); !errors.Is(err, operation.ErrNotFound) {
			t.Fatalf("second ExtractDue() error = %v, want ErrNotFound", err)
		}
		AssertNext(t, s, "")
	})

	t.Run("ExtractUnknown", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.ExtractDue(context.Background(), "op-missing", Later()); !errors.Is(err, operation.ErrNotFound) {
			t.Fatalf("ExtractDue() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ExtractAdvancesNext", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().Add(time.Hour)

		MustInsert(t, s, MakeTestOperation(t, "op-10", base.Add(10*time.Second)))
		MustInsert(t, s, MakeTestOperation(t, "op-5", base.Add(5*time.Second)))
		MustInsert(t, s, MakeTestOperation(t, "op-20", base.Add(20*time.Second)))

		if _, err := s.ExtractDue(context.Background(), "op-5", Later()); err != nil {
			t.Fatalf("ExtractDue() error = %v", err)
		}
		AssertNext(t, s, "op-10")
	})

	t.Run("ExtractBeforeDueIsRefused", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		due := time.Now().Add(24 * time.Hour)
		MustInsert(t, s, MakeTestOperation(t, "op-early", due))

		_, err := s.ExtractDue(ctx, "op-early", due.Add(-time.Second))
		if !operation.IsNotDue(err) {
			t.Fatalf("ExtractDue() before due error = %v, want ErrNotDue", err)
		}
		if errors.Is(err, operation.ErrNotFound) || operation.IsTransient(err) {
			t.Errorf("not-due error %v must not read as missing or transient", err)
		}
		AssertNext(t, s, "op-early")

		got, err := s.ExtractDue(ctx, "op-early", due)
		if err != nil {
			t.Fatalf("ExtractDue() at due instant error = %v", err)
		}
		if !got.Sent {
			t.Error("extracted operation should be marked sent")
		}
		AssertNext(t, s, "")
	})

	t.Run("ClosedIdentifierStaysReserved", func(t *testing.T) {
		s := newStore(t)
		op := MakeTestOperation(t, "op-reuse", time.Now().Add(time.Minute))
		MustInsert(t, s, op)

		if _, err := s.ExtractDue(context.Background(), op.ID, Later()); err != nil {
			t.Fatalf("ExtractDue() error = %v", err)
		}

		fresh := MakeTestOperation(t, "op-reuse", time.Now().Add(time.Hour))
		if err := s.Insert(context.Background(), fresh); !errors.Is(err, operation.ErrDuplicateID) {
			t.Fatalf("Insert() of closed id error = %v, want ErrDuplicateID", err)
		}
	})

	t.Run("ConcurrentExtractExactlyOnce", func(t *testing.T) {
		s := newStore(t)
		op := MakeTestOperation(t, "op-race", time.Now().Add(time.Minute))
		MustInsert(t, s, op)

		const callers = 16
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			notFound  atomic.Int32
			start     = make(chan struct{})
			others    = make(chan error, callers)
		)

		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.ExtractDue(context.Background(), op.ID, Later())
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, operation.ErrNotFound):
					notFound.Add(1)
				default:
					others <- err
				}
			}()
		}
		close(start)
		wg.Wait()
		close(others)

		for err := range others {
			t.Errorf("unexpected ExtractDue() error: %v", err)
		}
		if successes.Load() != 1 {
			t.Errorf("successes = %d, want exactly 1", successes.Load())
		}
		if notFound.Load() != callers-1 {
			t.Errorf("not found = %d, want %d", notFound.Load(), callers-1)
		}
	})

	t.Run("ConcurrentInserts", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().Add(time.Hour)

		const producers = 8
		const perProducer = 10

		batches := make([][]*operation.ScheduledOperation, producers)
		for p := range batches {
			for i := 0; i < perProducer; i++ {
				id := fmt.Sprintf("op-%02d-%02d", p, i)
				batches[p] = append(batches[p], MakeTestOperation(t, id, base.Add(time.Duration(p*perProducer+i+1)*time.Second)))
			}
		}

		var wg sync.WaitGroup
		errs := make(chan error, producers*perProducer)
		for _, batch := range batches {
			wg.Add(1)
			go func(batch []*operation.ScheduledOperation) {
				defer wg.Done()
				for _, op := range batch {
					if err := s.Insert(context.Background(), op); err != nil {
						errs <- err
					}
				}
			}(batch)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Errorf("Insert() error = %v", err)
		}
		AssertNext(t, s, "op-00-00")
	})
}
