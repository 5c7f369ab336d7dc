package bptree

import (
	"cmp"
	"slices"
	"sync/atomic"
)

// nodeData is an immutable snapshot of a node's contents. Writers never
// modify a published snapshot; they build a new one and swap it in.
type nodeData[K cmp.Ordered, V any] struct {
	keys     []K
	vals     []V           // leaves only
	children []*node[K, V] // internal only; len(keys)+1
}

type node[K cmp.Ordered, V any] struct {
	leaf bool
	// parent is touched only under the writer mutex.
	parent *node[K, V]
	next   atomic.Pointer[node[K, V]]
	data   atomic.Pointer[nodeData[K, V]]
}

// child returns the child covering k: the number of separators <= k.
func (d *nodeData[K, V]) child(k K) *node[K, V] {
	i, found := slices.BinarySearch(d.keys, k)
	if found {
		i++
	}
	return d.children[i]
}

func (d *nodeData[K, V]) childIndex(c *node[K, V]) int {
	return slices.Index(d.children, c)
}

// with returns a copy of s with v inserted at i.
func with[T any](s []T, i int, v T) []T {
	out := make([]T, len(s)+1)
	copy(out, s[:i])
	out[i] = v
	copy(out[i+1:], s[i:])
	return out
}

// without returns a copy of s with the element at i removed.
func without[T any](s []T, i int) []T {
	out := make([]T, len(s)-1)
	copy(out, s[:i])
	copy(out[i:], s[i+1:])
	return out
}

// replaced returns a copy of s with s[i] set to v.
func replaced[T any](s []T, i int, v T) []T {
	out := slices.Clone(s)
	out[i] = v
	return out
}
