// Package opqueue implements the per-track serialized FIFO queue of
// asynchronous media-sink operations described by the streaming core:
// append/remove/setDuration and friends execute one at a time, in
// submission order, and a Destroy cancels everything outstanding without
// poisoning the queue for ops that already completed.
package opqueue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zsiec/streamcore/internal/mediaerr"
)

// Kind tags the operation carried by an Op so observers (and tests) can
// distinguish append-vs-remove-vs-housekeeping without inspecting the
// closure.
type Kind int

const (
	AppendInit Kind = iota
	AppendMedia
	Remove
	SetDuration
	SetAppendWindow
	SetTimestampOffset
	ResetCaptionParser
	EndOfStream
	ChangeType
	Clear
)

func (k Kind) String() string {
	switch k {
	case AppendInit:
		return "AppendInit"
	case AppendMedia:
		return "AppendMedia"
	case Remove:
		return "Remove"
	case SetDuration:
		return "SetDuration"
	case SetAppendWindow:
		return "SetAppendWindow"
	case SetTimestampOffset:
		return "SetTimestampOffset"
	case ResetCaptionParser:
		return "ResetCaptionParser"
	case EndOfStream:
		return "EndOfStream"
	case ChangeType:
		return "ChangeType"
	case Clear:
		return "Clear"
	default:
		return "Unknown"
	}
}

// Op is a single unit of work submitted to a Queue. Run is invoked with a
// context that is cancelled if Destroy is called while the op is pending
// or in flight.
type Op struct {
	Kind Kind
	Run  func(ctx context.Context) error

	done chan error
}

// Wait blocks until the op completes (or is cancelled by Destroy) and
// returns its result.
func (o *Op) Wait() error {
	return <-o.done
}

// Queue is a per-track FIFO of Ops. Exactly one op runs at a time; a failed
// op resolves its own awaiter but does not stop subsequent ops from
// running.
type Queue struct {
	log *slog.Logger

	mu        sync.Mutex
	pending   []*Op
	destroyed bool
	wake      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	stopped   chan struct{}
}

// New creates a Queue and starts its dispatch goroutine. If log is nil,
// slog.Default() is used.
func New(log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		log:     log.With("component", "opqueue"),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit appends op to the queue and returns it so the caller can Wait on
// completion. If the queue has been destroyed, op is resolved immediately
// with ErrAborted.
func (q *Queue) Submit(kind Kind, run func(ctx context.Context) error) *Op {
	op := &Op{Kind: kind, Run: run, done: make(chan error, 1)}

	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		op.done <- mediaerr.ErrAborted
		return op
	}
	q.pending = append(q.pending, op)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return op
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		if q.destroyed {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		op := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		err := op.Run(q.ctx)
		if q.ctx.Err() != nil {
			err = mediaerr.ErrAborted
		}
		if err != nil {
			q.log.Debug("op failed", "kind", op.Kind, "error", err)
		}
		op.done <- err
	}
}

// Destroy aborts all pending and in-progress ops, rejecting their awaiters
// with mediaerr.ErrAborted, and stops the dispatch goroutine. Destroy is
// idempotent.
func (q *Queue) Destroy() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.destroyed = true
		pending := q.pending
		q.pending = nil
		q.mu.Unlock()

		q.cancel()
		for _, op := range pending {
			op.done <- mediaerr.ErrAborted
		}
		<-q.stopped
	})
}

// Len reports the number of ops waiting to run, for tests and diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
