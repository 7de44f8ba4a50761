package opqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/streamcore/internal/mediaerr"
)

func TestQueueRunsOpsInOrder(t *testing.T) {
	q := New(nil)
	defer q.Destroy()

	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		last := i == 4
		q.Submit(AppendMedia, func(ctx context.Context) error {
			order = append(order, i)
			if last {
				close(done)
			}
			return nil
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ops did not complete in time")
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("ops ran out of order: %v", order)
		}
	}
}

func TestFailedOpDoesNotPoisonQueue(t *testing.T) {
	q := New(nil)
	defer q.Destroy()

	boom := errors.New("boom")
	op1 := q.Submit(AppendMedia, func(ctx context.Context) error { return boom })
	var ran atomic.Bool
	op2 := q.Submit(AppendMedia, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	if err := op1.Wait(); !errors.Is(err, boom) {
		t.Fatalf("op1.Wait() = %v, want boom", err)
	}
	if err := op2.Wait(); err != nil {
		t.Fatalf("op2.Wait() = %v, want nil", err)
	}
	if !ran.Load() {
		t.Fatalf("expected op2 to run after op1 failed")
	}
}

func TestDestroyAbortsPending(t *testing.T) {
	q := New(nil)

	blocker := make(chan struct{})
	first := q.Submit(AppendMedia, func(ctx context.Context) error {
		<-blocker
		return nil
	})
	second := q.Submit(AppendMedia, func(ctx context.Context) error {
		return nil
	})

	q.Destroy()
	close(blocker)

	if err := second.Wait(); !mediaerr.IsAborted(err) {
		t.Fatalf("second.Wait() = %v, want OPERATION_ABORTED", err)
	}
	// first was already running; it either completes with nil or is
	// cancelled, but it must not hang.
	select {
	case err := <-waitChan(first):
		_ = err
	case <-time.After(2 * time.Second):
		t.Fatal("first op never resolved after Destroy")
	}
}

func waitChan(op *Op) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- op.Wait() }()
	return ch
}

func TestSubmitAfterDestroyIsAborted(t *testing.T) {
	q := New(nil)
	q.Destroy()

	op := q.Submit(AppendMedia, func(ctx context.Context) error { return nil })
	if err := op.Wait(); !mediaerr.IsAborted(err) {
		t.Fatalf("expected OPERATION_ABORTED for submit-after-destroy, got %v", err)
	}
}
