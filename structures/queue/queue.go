// Package queue implements an unbounded lock-free FIFO queue
// (Michael–Scott) whose nodes come from a memory.Pool and are recycled
// through epoch-based reclamation.
package queue

import (
	"sync/atomic"

	"lockfree/infra/memory"
)

type node[T any] struct {
	val  T
	next atomic.Pointer[node[T]]
}

// Config wires a queue to its memory.
type Config struct {
	// Epoch is the reclamation domain. Nil creates a private one.
	Epoch *memory.Domain
	// Pool sizes the node allocator.
	Pool memory.PoolConfig
}

// Queue is a multi-producer multi-consumer FIFO. head always points at a
// sentinel whose successor holds the oldest value; tail may lag one node
// behind the real last node and is swung forward by whoever notices.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	_    [56]byte
	tail atomic.Pointer[node[T]]
	_    [56]byte
	len  atomic.Int64

	pool   *memory.Pool[node[T]]
	domain *memory.Domain
}

func New[T any](cfg Config) *Queue[T] {
	d := cfg.Epoch
	if d == nil {
		d = memory.NewDomain(memory.DomainConfig{})
	}
	q := &Queue[T]{
		pool:   memory.NewPool[node[T]](cfg.Pool),
		domain: d,
	}
	sentinel := q.pool.Get()
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Push appends v. It never fails.
func (q *Queue[T]) Push(v T) {
	g := q.domain.Pin()
	defer g.Unpin()

	n := q.pool.Get()
	n.val = v
	for {
		t := q.tail.Load()
		next := t.next.Load()
		if t != q.tail.Load() {
			continue
		}
		if next != nil {
			q.tail.CompareAndSwap(t, next)
			continue
		}
		if t.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(t, n)
			q.len.Add(1)
			return
		}
	}
}

// Pop removes and returns the oldest value, or false if the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	g := q.domain.Pin()
	defer g.Unpin()

	for {
		h := q.head.Load()
		t := q.tail.Load()
		next := h.next.Load()
		if h != q.head.Load() {
			continue
		}
		if next == nil {
			var zero T
			return zero, false
		}
		if h == t {
			q.tail.CompareAndSwap(t, next)
			continue
		}
		// next becomes the sentinel; its val is read before the CAS and
		// left in place until the node itself is retired.
		v := next.val
		if q.head.CompareAndSwap(h, next) {
			g.Retire(h, q.pool)
			q.len.Add(-1)
			return v, true
		}
	}
}

// Len is advisory: a Pop may be counted before the Push it consumed.
func (q *Queue[T]) Len() int {
	if n := q.len.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// Empty reports whether the queue had no values at the moment of the call.
func (q *Queue[T]) Empty() bool {
	g := q.domain.Pin()
	defer g.Unpin()
	return q.head.Load().next.Load() == nil
}

// Stats reports the node allocator.
func (q *Queue[T]) Stats() memory.PoolStats {
	return q.pool.Stats()
}

// Domain returns the reclamation domain nodes are retired through.
func (q *Queue[T]) Domain() *memory.Domain {
	return q.domain
}
