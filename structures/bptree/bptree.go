// Package bptree implements a concurrent B+ tree.
//
// Writers serialize on a mutex and bracket every edit with a sequence
// counter that is odd while a write is in progress. Node contents are
// immutable snapshots swapped in by atomic pointer, so a reader can never
// observe a torn node; it descends without locking and retries when the
// counter shows a write overlapped it. A reader that keeps losing to
// writers falls back to the mutex.
//
// Node shells come from a memory.Pool. Nodes removed by a merge or root
// compaction are retired through the epoch domain, so a reader still
// descending through one sees its last contents.
package bptree

import (
	"cmp"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"lockfree/infra/memory"
	"lockfree/structures"

	"github.com/cockroachdb/errors"
)

const (
	// DefaultOrder is the maximum number of keys per node when
	// Config.Order is zero.
	DefaultOrder = 64
	// MinOrder is the smallest order for which split and merge keep every
	// non-root node at least half full.
	MinOrder = 3

	optimisticReads = 8
)

// Config configures a Tree.
type Config struct {
	// Order is the maximum number of keys in a node. Non-root nodes hold at
	// least Order/2.
	Order int
	// Duplicates decides what Insert does with an existing key. Defaults
	// to structures.Overwrite.
	Duplicates structures.DuplicatePolicy
	Epoch      *memory.Domain
	Pool       memory.PoolConfig
}

// Entry is one key/value pair returned by a range query.
type Entry[K cmp.Ordered, V any] struct {
	Key   K
	Value V
}

// Tree is a concurrent ordered map with range queries.
type Tree[K cmp.Ordered, V any] struct {
	mu   sync.Mutex
	seq  atomic.Uint64
	root atomic.Pointer[node[K, V]]
	len  atomic.Int64

	order   int
	minKeys int
	policy  structures.DuplicatePolicy

	pool   *memory.Pool[node[K, V]]
	domain *memory.Domain
}

func New[K cmp.Ordered, V any](cfg Config) *Tree[K, V] {
	if cfg.Order == 0 {
		cfg.Order = DefaultOrder
	}
	if cfg.Order < MinOrder {
		panic(errors.AssertionFailedf("bptree: order %d below minimum %d", cfg.Order, MinOrder))
	}
	d := cfg.Epoch
	if d == nil {
		d = memory.NewDomain(memory.DomainConfig{})
	}
	t := &Tree[K, V]{
		order:   cfg.Order,
		minKeys: cfg.Order / 2,
		policy:  cfg.Duplicates.Or(structures.Overwrite),
		pool:    memory.NewPool[node[K, V]](cfg.Pool),
		domain:  d,
	}
	root := t.newNode(true)
	root.data.Store(&nodeData[K, V]{})
	t.root.Store(root)
	return t
}

// Find returns the value stored for k.
func (t *Tree[K, V]) Find(k K) (V, bool) {
	var (
		v  V
		ok bool
	)
	t.read(func() {
		d := t.findLeaf(k).data.Load()
		i, found := slices.BinarySearch(d.keys, k)
		if found {
			v, ok = d.vals[i], true
		} else {
			v, ok = *new(V), false
		}
	})
	return v, ok
}

// RangeQuery appends to out every entry with a <= key <= b in ascending key
// order, as of a single point during the call, and returns the extended
// slice.
func (t *Tree[K, V]) RangeQuery(a, b K, out []Entry[K, V]) []Entry[K, V] {
	base := len(out)
	t.read(func() {
		out = out[:base]
		if b < a {
			return
		}
		leaf := t.findLeaf(a)
		d := leaf.data.Load()
		i, _ := slices.BinarySearch(d.keys, a)
		for {
			for ; i < len(d.keys); i++ {
				if d.keys[i] > b {
					return
				}
				out = append(out, Entry[K, V]{Key: d.keys[i], Value: d.vals[i]})
			}
			if leaf = leaf.next.Load(); leaf == nil {
				return
			}
			d, i = leaf.data.Load(), 0
		}
	})
	return out
}

// Scan walks the leaf chain from the first key >= from, calling fn until it
// returns false. Unlike RangeQuery it is not a snapshot: entries moved by a
// concurrent write may be missed or seen twice.
func (t *Tree[K, V]) Scan(from K, fn func(K, V) bool) {
	g := t.domain.Pin()
	defer g.Unpin()

	leaf := t.findLeaf(from)
	d := leaf.data.Load()
	i, _ := slices.BinarySearch(d.keys, from)
	for {
		for ; i < len(d.keys); i++ {
			if !fn(d.keys[i], d.vals[i]) {
				return
			}
		}
		if leaf = leaf.next.Load(); leaf == nil {
			return
		}
		d, i = leaf.data.Load(), 0
	}
}

// Insert stores v under k. An existing key is overwritten, or left alone
// under structures.Reject in which case Insert returns false.
func (t *Tree[K, V]) Insert(k K, v V) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf := t.findLeaf(k)
	d := leaf.data.Load()
	i, found := slices.BinarySearch(d.keys, k)
	if found && t.policy == structures.Reject {
		return false
	}

	t.seq.Add(1)
	defer t.seq.Add(1)

	if found {
		leaf.data.Store(&nodeData[K, V]{keys: d.keys, vals: replaced(d.vals, i, v)})
		return true
	}
	keys, vals := with(d.keys, i, k), with(d.vals, i, v)
	t.len.Add(1)
	if len(keys) <= t.order {
		leaf.data.Store(&nodeData[K, V]{keys: keys, vals: vals})
		return true
	}

	mid := len(keys) / 2
	right := t.newNode(true)
	right.parent = leaf.parent
	right.data.Store(&nodeData[K, V]{keys: keys[mid:], vals: vals[mid:]})
	right.next.Store(leaf.next.Load())
	leaf.next.Store(right)
	leaf.data.Store(&nodeData[K, V]{keys: keys[:mid:mid], vals: vals[:mid:mid]})
	t.insertIntoParent(leaf, keys[mid], right)
	return true
}

// Remove deletes k and reports whether it was present.
func (t *Tree[K, V]) Remove(k K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf := t.findLeaf(k)
	d := leaf.data.Load()
	i, found := slices.BinarySearch(d.keys, k)
	if !found {
		return false
	}

	g := t.domain.Pin()
	defer g.Unpin()
	t.seq.Add(1)
	defer t.seq.Add(1)

	leaf.data.Store(&nodeData[K, V]{keys: without(d.keys, i), vals: without(d.vals, i)})
	t.len.Add(-1)
	t.rebalance(g, leaf)
	return true
}

// Len returns the number of keys.
func (t *Tree[K, V]) Len() int {
	return int(t.len.Load())
}

// Height returns the number of levels, 1 for a lone leaf.
func (t *Tree[K, V]) Height() int {
	var h int
	t.read(func() {
		h = 1
		for n := t.root.Load(); !n.leaf; n = n.data.Load().children[0] {
			h++
		}
	})
	return h
}

// Stats reports the node allocator.
func (t *Tree[K, V]) Stats() memory.PoolStats {
	return t.pool.Stats()
}

func (t *Tree[K, V]) Domain() *memory.Domain {
	return t.domain
}

// read runs fn until it completes without overlapping a write. fn may run
// more than once and must reset whatever it produces.
func (t *Tree[K, V]) read(fn func()) {
	g := t.domain.Pin()
	defer g.Unpin()

	for range optimisticReads {
		if s := t.seq.Load(); s&1 == 0 {
			fn()
			if t.seq.Load() == s {
				return
			}
		}
		runtime.Gosched()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

func (t *Tree[K, V]) findLeaf(k K) *node[K, V] {
	n := t.root.Load()
	for !n.leaf {
		n = n.data.Load().child(k)
	}
	return n
}

func (t *Tree[K, V]) newNode(leaf bool) *node[K, V] {
	n := t.pool.Get()
	n.leaf = leaf
	return n
}

// insertIntoParent links right, split off left, into left's parent under
// separator sep, splitting upward as needed.
func (t *Tree[K, V]) insertIntoParent(left *node[K, V], sep K, right *node[K, V]) {
	p := left.parent
	if p == nil {
		root := t.newNode(false)
		root.data.Store(&nodeData[K, V]{
			keys:     []K{sep},
			children: []*node[K, V]{left, right},
		})
		left.parent, right.parent = root, root
		t.root.Store(root)
		return
	}

	d := p.data.Load()
	i := d.childIndex(left)
	if i < 0 {
		panic(errors.AssertionFailedf("bptree: node missing from its parent"))
	}
	keys := with(d.keys, i, sep)
	children := with(d.children, i+1, right)
	right.parent = p
	if len(keys) <= t.order {
		p.data.Store(&nodeData[K, V]{keys: keys, children: children})
		return
	}

	mid := len(keys) / 2
	up := keys[mid]
	sib := t.newNode(false)
	sib.parent = p.parent
	sib.data.Store(&nodeData[K, V]{keys: keys[mid+1:], children: children[mid+1:]})
	for _, c := range children[mid+1:] {
		c.parent = sib
	}
	p.data.Store(&nodeData[K, V]{keys: keys[:mid:mid], children: children[: mid+1 : mid+1]})
	t.insertIntoParent(p, up, sib)
}

// rebalance restores the occupancy bound of n after a removal: borrow from
// the left sibling, else the right, else merge, then fix the parent.
func (t *Tree[K, V]) rebalance(g *memory.Guard, n *node[K, V]) {
	d := n.data.Load()
	p := n.parent
	if p == nil {
		if !n.leaf && len(d.keys) == 0 {
			child := d.children[0]
			child.parent = nil
			t.root.Store(child)
			g.Retire(n, t.pool)
		}
		return
	}
	if len(d.keys) >= t.minKeys {
		return
	}

	pd := p.data.Load()
	i := pd.childIndex(n)
	if i < 0 {
		panic(errors.AssertionFailedf("bptree: node missing from its parent"))
	}
	if i > 0 {
		left := pd.children[i-1]
		if len(left.data.Load().keys) > t.minKeys {
			t.borrowLeft(p, i, left, n)
			return
		}
	}
	if i+1 < len(pd.children) {
		right := pd.children[i+1]
		if len(right.data.Load().keys) > t.minKeys {
			t.borrowRight(p, i, n, right)
			return
		}
		if i == 0 {
			t.merge(g, p, 0, n, right)
			t.rebalance(g, p)
			return
		}
	}
	if i == 0 {
		panic(errors.AssertionFailedf("bptree: internal node with a single child"))
	}
	t.merge(g, p, i-1, pd.children[i-1], n)
	t.rebalance(g, p)
}

// borrowLeft moves the last entry of left into n, the parent's child i.
func (t *Tree[K, V]) borrowLeft(p *node[K, V], i int, left, n *node[K, V]) {
	pd, ld, nd := p.data.Load(), left.data.Load(), n.data.Load()
	last := len(ld.keys) - 1
	if n.leaf {
		n.data.Store(&nodeData[K, V]{keys: with(nd.keys, 0, ld.keys[last]), vals: with(nd.vals, 0, ld.vals[last])})
		left.data.Store(&nodeData[K, V]{keys: ld.keys[:last:last], vals: ld.vals[:last:last]})
		p.data.Store(&nodeData[K, V]{keys: replaced(pd.keys, i-1, ld.keys[last]), children: pd.children})
		return
	}
	moved := ld.children[last+1]
	moved.parent = n
	n.data.Store(&nodeData[K, V]{keys: with(nd.keys, 0, pd.keys[i-1]), children: with(nd.children, 0, moved)})
	left.data.Store(&nodeData[K, V]{keys: ld.keys[:last:last], children: ld.children[: last+1 : last+1]})
	p.data.Store(&nodeData[K, V]{keys: replaced(pd.keys, i-1, ld.keys[last]), children: pd.children})
}

// borrowRight moves the first entry of right into n, the parent's child i.
func (t *Tree[K, V]) borrowRight(p *node[K, V], i int, n, right *node[K, V]) {
	pd, rd, nd := p.data.Load(), right.data.Load(), n.data.Load()
	if n.leaf {
		n.data.Store(&nodeData[K, V]{keys: with(nd.keys, len(nd.keys), rd.keys[0]), vals: with(nd.vals, len(nd.vals), rd.vals[0])})
		right.data.Store(&nodeData[K, V]{keys: rd.keys[1:], vals: rd.vals[1:]})
		p.data.Store(&nodeData[K, V]{keys: replaced(pd.keys, i, rd.keys[1]), children: pd.children})
		return
	}
	moved := rd.children[0]
	moved.parent = n
	n.data.Store(&nodeData[K, V]{keys: with(nd.keys, len(nd.keys), pd.keys[i]), children: with(nd.children, len(nd.children), moved)})
	right.data.Store(&nodeData[K, V]{keys: rd.keys[1:], children: rd.children[1:]})
	p.data.Store(&nodeData[K, V]{keys: replaced(pd.keys, i, rd.keys[0]), children: pd.children})
}

// merge folds right into left, the parent's children sep and sep+1, and
// retires right.
func (t *Tree[K, V]) merge(g *memory.Guard, p *node[K, V], sep int, left, right *node[K, V]) {
	pd, ld, rd := p.data.Load(), left.data.Load(), right.data.Load()
	if left.leaf {
		left.next.Store(right.next.Load())
		left.data.Store(&nodeData[K, V]{keys: slices.Concat(ld.keys, rd.keys), vals: slices.Concat(ld.vals, rd.vals)})
	} else {
		for _, c := range rd.children {
			c.parent = left
		}
		left.data.Store(&nodeData[K, V]{
			keys:     slices.Concat(ld.keys, []K{pd.keys[sep]}, rd.keys),
			children: slices.Concat(ld.children, rd.children),
		})
	}
	p.data.Store(&nodeData[K, V]{keys: without(pd.keys, sep), children: without(pd.children, sep+1)})
	g.Retire(right, t.pool)
}
