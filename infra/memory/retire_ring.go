package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// retired is one object waiting out its grace period.
type retired struct {
	obj   any
	pool  ReclaimablePool
	epoch uint64
}

// RetireRing is a bounded FIFO of retired objects. Only the participant
// that currently owns the enclosing ReaderEpoch touches it; head and tail
// are atomics so diagnostics can be read from other goroutines.
//
// Objects are enqueued in non-decreasing epoch order, so reclamation can
// stop at the first entry that is not yet safe.
type RetireRing struct {
	head  atomic.Uint64
	_pad1 [56]byte
	tail  atomic.Uint64
	_pad2 [56]byte
	buf   []retired
	mask  uint64
}

func NewRetireRing(size uint64) *RetireRing {
	if size == 0 || size&(size-1) != 0 {
		panic(errors.AssertionFailedf("RetireRing size must be power of two, got %d", size))
	}
	return &RetireRing{
		buf:  make([]retired, size),
		mask: size - 1,
	}
}

// Enqueue parks obj until epoch is safe; false if the ring is full.
func (r *RetireRing) Enqueue(obj any, pool ReclaimablePool, epoch uint64) bool {
	h := r.head.Load()
	t := r.tail.Load()
	if h-t == uint64(len(r.buf)) {
		return false
	}
	r.buf[h&r.mask] = retired{obj: obj, pool: pool, epoch: epoch}
	r.head.Store(h + 1)
	return true
}

// Reclaim hands every object retired at or before upTo back to its pool
// and returns how many it released.
func (r *RetireRing) Reclaim(upTo uint64) int {
	n := 0
	for {
		t := r.tail.Load()
		if t == r.head.Load() {
			return n
		}
		e := &r.buf[t&r.mask]
		// Not safe yet → FIFO guarantees newer ones aren't either
		if e.epoch > upTo {
			return n
		}
		obj, pool := e.obj, e.pool
		*e = retired{}
		r.tail.Store(t + 1)
		pool.PutAny(obj)
		n++
	}
}

// Len returns the number of objects waiting.
func (r *RetireRing) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the total capacity of the ring.
func (r *RetireRing) Cap() int {
	return len(r.buf)
}

// IsFull reports whether the ring is full.
func (r *RetireRing) IsFull() bool {
	return r.Len() == len(r.buf)
}

// IsEmpty reports whether the ring is empty.
func (r *RetireRing) IsEmpty() bool {
	return r.Len() == 0
}

func (r *RetireRing) String() string {
	return fmt.Sprintf("RetireRing{len=%d, cap=%d, head=%d, tail=%d}",
		r.Len(), r.Cap(), r.head.Load(), r.tail.Load())
}
