// Package skiplist implements a lock-free ordered map as a skip list.
//
// Towers are linked bottom-up with one CAS per level and unlinked by
// marking every level top-down; the level-0 mark is the point at which a
// key is removed. Any search that walks past a marked node snips it out at
// that level, and the last level to be snipped retires the node.
package skiplist

import (
	"cmp"
	"math/rand/v2"
	"sync/atomic"

	"lockfree/infra/memory"
	"lockfree/structures"
)

// Config configures a List.
type Config struct {
	// Duplicates decides what Insert does with an existing key. Defaults
	// to structures.Overwrite.
	Duplicates structures.DuplicatePolicy
	Epoch      *memory.Domain
	Pool       memory.PoolConfig
}

type outcome uint8

const (
	done outcome = iota
	duplicate
	contended
)

// List is a concurrent ordered map.
type List[K cmp.Ordered, V any] struct {
	head   *node[K, V]
	height atomic.Int32
	len    atomic.Int64
	policy structures.DuplicatePolicy

	pool   *memory.Pool[node[K, V]]
	domain *memory.Domain
}

func New[K cmp.Ordered, V any](cfg Config) *List[K, V] {
	d := cfg.Epoch
	if d == nil {
		d = memory.NewDomain(memory.DomainConfig{})
	}
	head := &node[K, V]{height: MaxLevel}
	for i := range head.next {
		head.next[i].Store(&link[K, V]{})
	}
	l := &List[K, V]{
		head:   head,
		policy: cfg.Duplicates.Or(structures.Overwrite),
		pool:   memory.NewPool[node[K, V]](cfg.Pool),
		domain: d,
	}
	l.height.Store(1)
	return l
}

func randomHeight() int {
	h := 1
	for h < MaxLevel && rand.IntN(2) == 0 {
		h++
	}
	return h
}

// Insert stores v under k. An existing key is overwritten (or left alone
// under structures.Reject). If a concurrent change to the same neighborhood
// makes a link CAS fail, the partial insert is undone and Insert returns
// false; the caller may retry, or use Put.
func (l *List[K, V]) Insert(k K, v V) bool {
	return l.insert(k, v) == done
}

// Put is Insert retried until it is not defeated by contention.
func (l *List[K, V]) Put(k K, v V) bool {
	for {
		if r := l.insert(k, v); r != contended {
			return r == done
		}
	}
}

func (l *List[K, V]) insert(k K, v V) outcome {
	g := l.domain.Pin()
	defer g.Unpin()

	h := randomHeight()
	for top := l.height.Load(); int32(h) > top; top = l.height.Load() {
		if l.height.CompareAndSwap(top, int32(h)) {
			break
		}
	}

	var preds [MaxLevel]*node[K, V]
	var succs [MaxLevel]*link[K, V]
	if cur := l.find(g, k, &preds, &succs); cur != nil {
		if l.policy == structures.Reject {
			return duplicate
		}
		cur.val.Store(&v)
		return done
	}

	n := l.pool.Get()
	n.key, n.height = k, int32(h)
	n.val.Store(&v)
	n.refs.Store(1)
	n.next[0].Store(&link[K, V]{node: succs[0].node})
	if !preds[0].next[0].CompareAndSwap(succs[0], &link[K, V]{node: n}) {
		l.pool.Put(n)
		return contended
	}
	l.len.Add(1)

	for i := 1; i < h; i++ {
		if !n.acquire() {
			// removed and fully unlinked already
			return done
		}
		cur := n.next[i].Load()
		if cur != nil && cur.marked || !n.next[i].CompareAndSwap(cur, &link[K, V]{node: succs[i].node}) {
			// a remover marked this level first
			l.release(g, n)
			break
		}
		if !preds[i].next[i].CompareAndSwap(succs[i], &link[K, V]{node: n}) {
			l.release(g, n)
			return l.rollback(g, n)
		}
	}
	if n.removed() {
		// a remover may have finished before the upper levels were
		// linked; make sure none stay behind
		l.find(g, k, &preds, &succs)
	}
	return done
}

// rollback undoes an insert whose upper levels could not be linked.
func (l *List[K, V]) rollback(g *memory.Guard, n *node[K, V]) outcome {
	for i := int(n.height) - 1; i > 0; i-- {
		n.mark(i)
	}
	won := n.mark(0)
	if won {
		l.len.Add(-1)
	}
	var preds [MaxLevel]*node[K, V]
	var succs [MaxLevel]*link[K, V]
	l.find(g, n.key, &preds, &succs)
	if won {
		return contended
	}
	// a concurrent Remove took the key out after it became visible
	return done
}

// Remove deletes k and reports whether this call removed it.
func (l *List[K, V]) Remove(k K) bool {
	g := l.domain.Pin()
	defer g.Unpin()

	var preds [MaxLevel]*node[K, V]
	var succs [MaxLevel]*link[K, V]
	n := l.find(g, k, &preds, &succs)
	if n == nil {
		return false
	}
	for i := int(n.height) - 1; i > 0; i-- {
		n.mark(i)
	}
	if !n.mark(0) {
		return false
	}
	l.len.Add(-1)
	l.find(g, k, &preds, &succs)
	return true
}

// Find returns the value stored for k. It never writes.
func (l *List[K, V]) Find(k K) (V, bool) {
	g := l.domain.Pin()
	defer g.Unpin()

	if n := l.seek(k); n != nil && n.key == k {
		return *n.val.Load(), true
	}
	var zero V
	return zero, false
}

// Scan calls fn in ascending key order for every live entry with key >= from
// until fn returns false. Entries changed during the walk may or may not be
// seen.
func (l *List[K, V]) Scan(from K, fn func(K, V) bool) {
	g := l.domain.Pin()
	defer g.Unpin()

	for n := l.seek(from); n != nil; {
		nl := n.next[0].Load()
		if !nl.marked && !fn(n.key, *n.val.Load()) {
			return
		}
		n = nl.node
	}
}

// Len is advisory under concurrent mutation.
func (l *List[K, V]) Len() int {
	return int(l.len.Load())
}

// Stats reports the node allocator.
func (l *List[K, V]) Stats() memory.PoolStats {
	return l.pool.Stats()
}

func (l *List[K, V]) Domain() *memory.Domain {
	return l.domain
}

// seek descends to the first unmarked node with key >= k, skipping marked
// nodes without unlinking them.
func (l *List[K, V]) seek(k K) *node[K, V] {
	pred := l.head
	var cur *node[K, V]
	for i := int(l.height.Load()) - 1; i >= 0; i-- {
		cur = pred.next[i].Load().node
		for cur != nil {
			cl := cur.next[i].Load()
			if cl.marked {
				cur = cl.node
				continue
			}
			if cur.key < k {
				pred = cur
				cur = cl.node
				continue
			}
			break
		}
	}
	return cur
}

// find fills preds and succs with the unmarked neighborhood of k on every
// level up to the current height, snipping marked nodes on the way. It
// returns the node holding k, if any.
func (l *List[K, V]) find(g *memory.Guard, k K, preds *[MaxLevel]*node[K, V], succs *[MaxLevel]*link[K, V]) *node[K, V] {
retry:
	for {
		pred := l.head
		for i := int(l.height.Load()) - 1; i >= 0; i-- {
			pl := pred.next[i].Load()
			if pl.marked {
				continue retry
			}
			for cur := pl.node; cur != nil; cur = pl.node {
				cl := cur.next[i].Load()
				if cl.marked {
					nl := &link[K, V]{node: cl.node}
					if !pred.next[i].CompareAndSwap(pl, nl) {
						continue retry
					}
					l.release(g, cur)
					pl = nl
					continue
				}
				if cur.key >= k {
					break
				}
				pred, pl = cur, cl
			}
			preds[i], succs[i] = pred, pl
		}
		if n := succs[0].node; n != nil && n.key == k {
			return n
		}
		return nil
	}
}

func (l *List[K, V]) release(g *memory.Guard, n *node[K, V]) {
	if n.release() {
		g.Retire(n, l.pool)
	}
}
