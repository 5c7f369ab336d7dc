package mpmc

import (
	"context"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
)

// Channel is a bounded queue with timed send and receive. There is no
// wake-up on enqueue: waiting callers poll, yielding the processor between
// attempts.
type Channel[T any] struct {
	q *Queue[T]
}

func NewChannel[T any](cfg Config) *Channel[T] {
	return &Channel[T]{q: New[T](cfg)}
}

// TrySend enqueues v, retrying until timeout elapses. A zero timeout makes a
// single attempt.
func (c *Channel[T]) TrySend(v T, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.q.TryEnqueue(v) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		runtime.Gosched()
	}
}

// TryReceive dequeues a value, retrying until timeout elapses.
func (c *Channel[T]) TryReceive(timeout time.Duration) (T, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if v, ok := c.q.TryDequeue(); ok {
			return v, true
		}
		if !time.Now().Before(deadline) {
			var zero T
			return zero, false
		}
		runtime.Gosched()
	}
}

// Send polls until v is enqueued or ctx is done.
func (c *Channel[T]) Send(ctx context.Context, v T) error {
	for {
		if c.q.TryEnqueue(v) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "mpmc: send")
		default:
		}
		runtime.Gosched()
	}
}

// Receive polls until a value is dequeued or ctx is done.
func (c *Channel[T]) Receive(ctx context.Context) (T, error) {
	for {
		if v, ok := c.q.TryDequeue(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, errors.Wrap(ctx.Err(), "mpmc: receive")
		default:
		}
		runtime.Gosched()
	}
}

func (c *Channel[T]) Len() int { return c.q.Len() }
func (c *Channel[T]) Cap() int { return c.q.Cap() }
func (c *Channel[T]) Empty() bool { return c.q.Empty() }

// Queue exposes the underlying bounded queue.
func (c *Channel[T]) Queue() *Queue[T] { return c.q }
