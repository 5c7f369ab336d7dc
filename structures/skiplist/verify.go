package skiplist

import "github.com/cockroachdb/errors"

// Verify checks the tower invariants level by level: keys strictly
// increase, no marked node is still linked, every node linked at level L
// is taller than L and also linked at level 0, and nothing is linked above
// the list height. It must only run while no other goroutine mutates the
// list.
func (l *List[K, V]) Verify() error {
	g := l.domain.Pin()
	defer g.Unpin()

	height := int(l.height.Load())
	base := make(map[*node[K, V]]bool)
	for lvl := 0; lvl < MaxLevel; lvl++ {
		hl := l.head.next[lvl].Load()
		if hl.marked {
			return errors.AssertionFailedf("skiplist: header marked at level %d", lvl)
		}
		if lvl >= height {
			if hl.node != nil {
				return errors.Newf("skiplist: key %v linked at level %d above height %d", hl.node.key, lvl, height)
			}
			continue
		}
		var prev *node[K, V]
		for n := hl.node; n != nil; {
			nl := n.next[lvl].Load()
			switch {
			case nl == nil:
				return errors.Newf("skiplist: key %v linked at level %d without a link there", n.key, lvl)
			case nl.marked:
				return errors.Newf("skiplist: removed key %v still linked at level %d", n.key, lvl)
			case int(n.height) <= lvl:
				return errors.Newf("skiplist: key %v of height %d linked at level %d", n.key, n.height, lvl)
			case prev != nil && n.key <= prev.key:
				return errors.Newf("skiplist: key %v follows %v at level %d", n.key, prev.key, lvl)
			case lvl > 0 && !base[n]:
				return errors.Newf("skiplist: key %v linked at level %d but not at level 0", n.key, lvl)
			}
			if lvl == 0 {
				base[n] = true
			}
			prev, n = n, nl.node
		}
	}
	if len(base) != l.Len() {
		return errors.Newf("skiplist: %d nodes at level 0, len reports %d", len(base), l.Len())
	}
	return nil
}
