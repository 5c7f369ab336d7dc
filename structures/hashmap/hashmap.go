// Package hashmap implements a fixed-size, bucket-chained lock-free hash
// map.
//
// Each bucket is a singly linked chain. New keys are pushed at the bucket
// head by CAS after a full scan of the chain finds no live node with the
// same key. Removal is logical first: the node's outgoing link is replaced
// by a marked copy, which freezes its successor, and whichever operation
// next walks past it snips it out and retires it. Find and Update never
// write and simply skip marked nodes.
package hashmap

import (
	"math/bits"
	"sync/atomic"

	"lockfree/infra/memory"
	"lockfree/structures"
)

// DefaultBuckets is the bucket count used when Config.Buckets is zero.
const DefaultBuckets = 1024

// link is an immutable (successor, marked) pair. Links are never reused,
// so a CAS on a link pointer cannot succeed against a recycled value.
type link[K comparable, V any] struct {
	node   *node[K, V]
	marked bool
}

type node[K comparable, V any] struct {
	key  K
	hash uint64
	val  atomic.Pointer[V]
	next atomic.Pointer[link[K, V]]
}

// Config configures a Map.
type Config[K comparable] struct {
	// Buckets is rounded up to a power of two. Defaults to DefaultBuckets.
	Buckets int
	// Hash overrides the default key hash.
	Hash Hasher[K]
	// Duplicates decides what Insert does with an existing key. Defaults
	// to structures.Reject.
	Duplicates structures.DuplicatePolicy
	Epoch      *memory.Domain
	Pool       memory.PoolConfig
}

// Map is a concurrent hash map. All methods are safe for concurrent use.
type Map[K comparable, V any] struct {
	buckets []atomic.Pointer[link[K, V]]
	mask    uint64
	hash    Hasher[K]
	policy  structures.DuplicatePolicy
	len     atomic.Int64

	pool   *memory.Pool[node[K, V]]
	domain *memory.Domain
}

func New[K comparable, V any](cfg Config[K]) *Map[K, V] {
	n := cfg.Buckets
	if n <= 0 {
		n = DefaultBuckets
	}
	n = 1 << bits.Len(uint(n-1))
	if cfg.Hash == nil {
		cfg.Hash = defaultHasher[K]()
	}
	d := cfg.Epoch
	if d == nil {
		d = memory.NewDomain(memory.DomainConfig{})
	}
	m := &Map[K, V]{
		buckets: make([]atomic.Pointer[link[K, V]], n),
		mask:    uint64(n - 1),
		hash:    cfg.Hash,
		policy:  cfg.Duplicates.Or(structures.Reject),
		pool:    memory.NewPool[node[K, V]](cfg.Pool),
		domain:  d,
	}
	for i := range m.buckets {
		m.buckets[i].Store(&link[K, V]{})
	}
	return m
}

// Insert adds k with value v. If k is present, Reject returns false and
// keeps the stored value; Overwrite replaces it and returns true.
func (m *Map[K, V]) Insert(k K, v V) bool {
	g := m.domain.Pin()
	defer g.Unpin()

	h := m.hash(k)
	head := &m.buckets[h&m.mask]
	var n *node[K, V]
	for {
		hl, cur := m.search(g, head, k, h)
		if cur != nil {
			if n != nil {
				m.pool.Put(n)
			}
			if m.policy == structures.Overwrite {
				cur.val.Store(&v)
				return true
			}
			return false
		}
		if n == nil {
			n = m.pool.Get()
			n.key, n.hash = k, h
			n.val.Store(&v)
		}
		n.next.Store(&link[K, V]{node: hl.node})
		// hl is still the head only if no key was pushed since the scan.
		if head.CompareAndSwap(hl, &link[K, V]{node: n}) {
			m.len.Add(1)
			return true
		}
	}
}

// Remove deletes k. It returns false if k is absent or another Remove won.
func (m *Map[K, V]) Remove(k K) bool {
	g := m.domain.Pin()
	defer g.Unpin()

	h := m.hash(k)
	head := &m.buckets[h&m.mask]
	for {
		_, cur := m.search(g, head, k, h)
		if cur == nil {
			return false
		}
		cl := cur.next.Load()
		if cl.marked {
			return false
		}
		if cur.next.CompareAndSwap(cl, &link[K, V]{node: cl.node, marked: true}) {
			m.len.Add(-1)
			m.search(g, head, k, h)
			return true
		}
	}
}

// Find returns the value stored for k.
func (m *Map[K, V]) Find(k K) (V, bool) {
	g := m.domain.Pin()
	defer g.Unpin()

	if n := m.lookup(k); n != nil {
		return *n.val.Load(), true
	}
	var zero V
	return zero, false
}

// Update replaces the value of an existing key and reports whether k was
// present.
func (m *Map[K, V]) Update(k K, v V) bool {
	g := m.domain.Pin()
	defer g.Unpin()

	if n := m.lookup(k); n != nil {
		n.val.Store(&v)
		return true
	}
	return false
}

// Len is advisory under concurrent mutation.
func (m *Map[K, V]) Len() int {
	return int(m.len.Load())
}

// Range calls fn for every live entry until fn returns false. It is not a
// snapshot: entries changed during the walk may or may not be seen.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	g := m.domain.Pin()
	defer g.Unpin()

	for i := range m.buckets {
		for l := m.buckets[i].Load(); l.node != nil; {
			cur := l.node
			cl := cur.next.Load()
			if !cl.marked && !fn(cur.key, *cur.val.Load()) {
				return
			}
			l = cl
		}
	}
}

// Stats reports the node allocator.
func (m *Map[K, V]) Stats() memory.PoolStats {
	return m.pool.Stats()
}

func (m *Map[K, V]) Domain() *memory.Domain {
	return m.domain
}

func (m *Map[K, V]) lookup(k K) *node[K, V] {
	h := m.hash(k)
	for l := m.buckets[h&m.mask].Load(); l.node != nil; {
		cur := l.node
		cl := cur.next.Load()
		if !cl.marked && cur.hash == h && cur.key == k {
			return cur
		}
		l = cl
	}
	return nil
}

// search walks the whole chain, snipping and retiring marked nodes. It
// returns the head link as of the start of a pass that found no marked node
// left in place, and the live node holding k if there is one.
func (m *Map[K, V]) search(g *memory.Guard, head *atomic.Pointer[link[K, V]], k K, h uint64) (*link[K, V], *node[K, V]) {
retry:
	for {
		hl := head.Load()
		prev, pl := head, hl
		for pl.node != nil {
			cur := pl.node
			cl := cur.next.Load()
			if cl.marked {
				nl := &link[K, V]{node: cl.node}
				if !prev.CompareAndSwap(pl, nl) {
					continue retry
				}
				g.Retire(cur, m.pool)
				if prev == head {
					hl = nl
				}
				pl = nl
				continue
			}
			if cur.hash == h && cur.key == k {
				return hl, cur
			}
			prev, pl = &cur.next, cl
		}
		return hl, nil
	}
}
