package skiplist

import (
	"cmp"
	"sync/atomic"
)

// MaxLevel caps the height of any tower.
const MaxLevel = 32

// link is an immutable (successor, marked) pair for one level of a tower.
// A marked link means the owning node is being removed at that level and
// its successor there may no longer change.
type link[K cmp.Ordered, V any] struct {
	node   *node[K, V]
	marked bool
}

type node[K cmp.Ordered, V any] struct {
	key    K
	val    atomic.Pointer[V]
	height int32
	// refs counts the levels this node is linked at, plus any level an
	// inserter is about to link. The goroutine that drops it to zero
	// retires the node.
	refs atomic.Int32
	next [MaxLevel]atomic.Pointer[link[K, V]]
}

// acquire reserves a level for linking; false once the node has been
// unlinked everywhere.
func (n *node[K, V]) acquire() bool {
	for {
		r := n.refs.Load()
		if r == 0 {
			return false
		}
		if n.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// release drops one level; true when the node is no longer linked anywhere.
func (n *node[K, V]) release() bool {
	return n.refs.Add(-1) == 0
}

// mark sets the mark on level i; false if it was already set.
func (n *node[K, V]) mark(i int) bool {
	for {
		l := n.next[i].Load()
		if l != nil && l.marked {
			return false
		}
		var succ *node[K, V]
		if l != nil {
			succ = l.node
		}
		if n.next[i].CompareAndSwap(l, &link[K, V]{node: succ, marked: true}) {
			return true
		}
	}
}

func (n *node[K, V]) removed() bool {
	l := n.next[0].Load()
	return l != nil && l.marked
}
