package hashmap

import (
	"fmt"
	"sync/atomic"
	"testing"

	"lockfree/infra/memory"
	"lockfree/structures"

	"golang.org/x/sync/errgroup"
)

func TestMapRejectsDuplicate(t *testing.T) {
	m := New[string, int](Config[string]{})
	if !m.Insert("a", 1) {
		t.Fatal("expected first insert to succeed")
	}
	if m.Insert("a", 2) {
		t.Fatal("expected duplicate insert to fail")
	}
	if v, ok := m.Find("a"); !ok || v != 1 {
		t.Fatalf("expected 1, got %d (ok=%v)", v, ok)
	}
	if m.Len() != 1 {
		t.Errorf("expected len 1, got %d", m.Len())
	}
}

func TestMapOverwritePolicy(t *testing.T) {
	m := New[string, int](Config[string]{Duplicates: structures.Overwrite})
	m.Insert("a", 1)
	if !m.Insert("a", 2) {
		t.Fatal("expected overwrite to report success")
	}
	if v, _ := m.Find("a"); v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}
	if m.Len() != 1 {
		t.Errorf("expected len 1, got %d", m.Len())
	}
}

func TestMapRemoveUpdate(t *testing.T) {
	m := New[int, string](Config[int]{Buckets: 4})
	for i := 0; i < 100; i++ {
		m.Insert(i, fmt.Sprint(i))
	}
	if !m.Update(7, "seven") {
		t.Fatal("expected update of present key")
	}
	if m.Update(1000, "x") {
		t.Fatal("expected update of missing key to fail")
	}
	if v, _ := m.Find(7); v != "seven" {
		t.Fatalf("expected seven, got %q", v)
	}
	for i := 0; i < 100; i += 2 {
		if !m.Remove(i) {
			t.Fatalf("expected remove of %d", i)
		}
	}
	if m.Remove(0) {
		t.Fatal("expected second remove to fail")
	}
	for i := 0; i < 100; i++ {
		_, ok := m.Find(i)
		if ok != (i%2 == 1) {
			t.Fatalf("key %d: found=%v", i, ok)
		}
	}
	if m.Len() != 50 {
		t.Errorf("expected len 50, got %d", m.Len())
	}
	// removed keys can come back
	if !m.Insert(0, "zero") {
		t.Fatal("expected reinsert after remove")
	}

	n := 0
	m.Range(func(k int, v string) bool {
		n++
		return true
	})
	if n != 51 {
		t.Errorf("expected 51 entries from Range, got %d", n)
	}
}

func TestMapUnlinksRemoved(t *testing.T) {
	// one bucket, one hash: every key shares a chain
	m := New[int, int](Config[int]{Buckets: 1, Hash: func(int) uint64 { return 0 }})
	for i := 0; i < 50; i++ {
		m.Insert(i, i)
	}
	for i := 0; i < 50; i++ {
		m.Remove(i)
	}
	chain := 0
	for l := m.buckets[0].Load(); l.node != nil; l = l.node.next.Load() {
		chain++
	}
	if chain != 0 {
		t.Fatalf("expected removed nodes unlinked, %d remain", chain)
	}
	if d := m.Domain().Stats(); d.Retired != 50 {
		t.Errorf("expected 50 retirements, got %s", d)
	}
}

func TestMapConcurrentSameKeyOneWinner(t *testing.T) {
	for round := 0; round < 50; round++ {
		m := New[string, int](Config[string]{})
		const workers = 8
		var wins atomic.Int32
		var winner atomic.Int64
		start := make(chan struct{})

		var g errgroup.Group
		for w := 0; w < workers; w++ {
			g.Go(func() error {
				<-start
				if m.Insert("k", w) {
					wins.Add(1)
					winner.Store(int64(w))
				}
				return nil
			})
		}
		close(start)
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
		if wins.Load() != 1 {
			t.Fatalf("round %d: expected exactly one winner, got %d", round, wins.Load())
		}
		if v, _ := m.Find("k"); int64(v) != winner.Load() {
			t.Fatalf("round %d: expected winner's value %d, got %d", round, winner.Load(), v)
		}
	}
}

func TestMapConcurrentChurn(t *testing.T) {
	d := memory.NewDomain(memory.DomainConfig{RingSize: 128})
	m := New[int, int](Config[int]{Buckets: 16, Epoch: d})

	const workers, keys = 8, 64
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < 5000; i++ {
				k := (i*7 + w) % keys
				switch i % 3 {
				case 0:
					m.Insert(k, w)
				case 1:
					m.Remove(k)
				default:
					if v, ok := m.Find(k); ok && (v < 0 || v >= workers) {
						return fmt.Errorf("key %d holds foreign value %d", k, v)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	live := 0
	seen := make(map[int]bool)
	m.Range(func(k, _ int) bool {
		if seen[k] {
			t.Errorf("key %d appears twice", k)
		}
		seen[k] = true
		live++
		return true
	})
	if live != m.Len() {
		t.Errorf("Range saw %d entries, Len reports %d", live, m.Len())
	}
}

func BenchmarkMapFind(b *testing.B) {
	m := New[int, int](Config[int]{})
	for i := 0; i < 1024; i++ {
		m.Insert(i, i)
	}
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Find(i & 1023)
			i++
		}
	})
}
