// Package mpmc provides a capacity-bounded multi-producer multi-consumer
// queue and a Channel that polls it with deadlines.
package mpmc

import (
	"sync/atomic"

	"lockfree/infra/memory"
	"lockfree/structures/queue"

	"github.com/cockroachdb/errors"
)

// Config sizes a bounded queue.
type Config struct {
	// Capacity is the maximum number of queued values; must be positive.
	Capacity int
	Epoch    *memory.Domain
	Pool     memory.PoolConfig
}

// Queue is a bounded FIFO. A producer reserves a slot with a single CAS on
// the size counter before allocating, so Len never exceeds Cap.
type Queue[T any] struct {
	size atomic.Int64
	_    [56]byte
	cap  int64
	q    *queue.Queue[T]
}

func New[T any](cfg Config) *Queue[T] {
	if cfg.Capacity <= 0 {
		panic(errors.AssertionFailedf("mpmc: capacity must be positive, got %d", cfg.Capacity))
	}
	return &Queue[T]{
		cap: int64(cfg.Capacity),
		q:   queue.New[T](queue.Config{Epoch: cfg.Epoch, Pool: cfg.Pool}),
	}
}

// TryEnqueue appends v, or returns false at once if the queue is full.
func (q *Queue[T]) TryEnqueue(v T) bool {
	for {
		s := q.size.Load()
		if s >= q.cap {
			return false
		}
		if q.size.CompareAndSwap(s, s+1) {
			break
		}
	}
	q.q.Push(v)
	return true
}

// TryDequeue removes the oldest value, or returns false if none is visible.
func (q *Queue[T]) TryDequeue() (T, bool) {
	v, ok := q.q.Pop()
	if ok {
		q.size.Add(-1)
	}
	return v, ok
}

// Len counts reserved slots, including enqueues still in flight.
func (q *Queue[T]) Len() int {
	return int(q.size.Load())
}

func (q *Queue[T]) Cap() int {
	return int(q.cap)
}

func (q *Queue[T]) Empty() bool {
	return q.size.Load() == 0
}

// Stats reports the node allocator.
func (q *Queue[T]) Stats() memory.PoolStats {
	return q.q.Stats()
}
