package bptree

import (
	"cmp"

	"github.com/cockroachdb/errors"
)

// Verify checks the structural invariants of the tree: sorted keys,
// occupancy bounds, separator bounds, parent pointers, uniform leaf depth,
// and a leaf chain that visits every leaf in key order. It blocks writers
// while it runs.
func (t *Tree[K, V]) Verify() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	root := t.root.Load()
	if root.parent != nil {
		return errors.New("bptree: root has a parent")
	}
	v := verifier[K, V]{t: t, depth: -1}
	if err := v.walk(root, 0, nil, nil); err != nil {
		return err
	}
	for i, leaf := range v.leaves {
		var want *node[K, V]
		if i+1 < len(v.leaves) {
			want = v.leaves[i+1]
		}
		if leaf.next.Load() != want {
			return errors.Newf("bptree: leaf %d links to the wrong sibling", i)
		}
	}
	if v.keys != t.Len() {
		return errors.Newf("bptree: %d keys in leaves, Len reports %d", v.keys, t.Len())
	}
	return nil
}

type verifier[K cmp.Ordered, V any] struct {
	t      *Tree[K, V]
	depth  int
	keys   int
	leaves []*node[K, V]
}

// walk checks n, whose keys must fall in [lo, hi); nil bounds are open.
func (v *verifier[K, V]) walk(n *node[K, V], depth int, lo, hi *K) error {
	d := n.data.Load()
	isRoot := n.parent == nil

	if len(d.keys) > v.t.order {
		return errors.Newf("bptree: node at depth %d holds %d keys, order is %d", depth, len(d.keys), v.t.order)
	}
	if !isRoot && len(d.keys) < v.t.minKeys {
		return errors.Newf("bptree: node at depth %d holds %d keys, minimum is %d", depth, len(d.keys), v.t.minKeys)
	}
	for i, k := range d.keys {
		if i > 0 && d.keys[i-1] >= k {
			return errors.Newf("bptree: keys out of order at depth %d: %v then %v", depth, d.keys[i-1], k)
		}
		if lo != nil && k < *lo || hi != nil && k >= *hi {
			return errors.Newf("bptree: key %v at depth %d outside its separators", k, depth)
		}
	}

	if n.leaf {
		if len(d.vals) != len(d.keys) {
			return errors.Newf("bptree: leaf holds %d keys and %d values", len(d.keys), len(d.vals))
		}
		if v.depth < 0 {
			v.depth = depth
		} else if v.depth != depth {
			return errors.Newf("bptree: leaves at depths %d and %d", v.depth, depth)
		}
		v.keys += len(d.keys)
		v.leaves = append(v.leaves, n)
		return nil
	}

	if len(d.children) != len(d.keys)+1 {
		return errors.Newf("bptree: internal node has %d keys and %d children", len(d.keys), len(d.children))
	}
	if isRoot && len(d.keys) == 0 {
		return errors.New("bptree: internal root without separators")
	}
	for i, c := range d.children {
		if c.parent != n {
			return errors.Newf("bptree: child %d at depth %d has the wrong parent", i, depth+1)
		}
		clo, chi := lo, hi
		if i > 0 {
			clo = &d.keys[i-1]
		}
		if i < len(d.keys) {
			chi = &d.keys[i]
		}
		if err := v.walk(c, depth+1, clo, chi); err != nil {
			return err
		}
	}
	return nil
}
