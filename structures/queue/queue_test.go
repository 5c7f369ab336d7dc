package queue

import (
	"os"
	"testing"

	"lockfree/infra/memory"

	"golang.org/x/sync/errgroup"
)

func TestQueueSingleThreaded(t *testing.T) {
	q := New[int](Config{})
	q.Push(1)
	q.Push(2)
	q.Push(3)

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (ok=%v)", want, got, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
	if !q.Empty() || q.Len() != 0 {
		t.Errorf("expected empty queue, len=%d", q.Len())
	}
}

func TestQueueSPSCOrder(t *testing.T) {
	q := New[int](Config{})
	const n = 100000

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < n; i++ {
			q.Push(i)
		}
		return nil
	})

	next := 0
	for next < n {
		v, ok := q.Pop()
		if !ok {
			continue
		}
		if v != next {
			t.Fatalf("expected %d, got %d", next, v)
		}
		next++
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

type tagged struct {
	producer int
	seq      int
}

func TestQueueMPMCConservation(t *testing.T) {
	d := memory.NewDomain(memory.DomainConfig{RingSize: 256})
	q := New[tagged](Config{Epoch: d, Pool: memory.PoolConfig{ChunkBytes: 4 << 10}})

	const producers, consumers, per = 4, 4, 20000
	popped := make([][]tagged, consumers)
	done := make(chan struct{})

	var pg, cg errgroup.Group
	for p := 0; p < producers; p++ {
		pg.Go(func() error {
			for i := 0; i < per; i++ {
				q.Push(tagged{producer: p, seq: i})
			}
			return nil
		})
	}
	for c := 0; c < consumers; c++ {
		cg.Go(func() error {
			for {
				v, ok := q.Pop()
				if ok {
					popped[c] = append(popped[c], v)
					continue
				}
				select {
				case <-done:
					// producers are finished; drain what is left
					for v, ok := q.Pop(); ok; v, ok = q.Pop() {
						popped[c] = append(popped[c], v)
					}
					return nil
				default:
				}
			}
		})
	}
	if err := pg.Wait(); err != nil {
		t.Fatal(err)
	}
	close(done)
	if err := cg.Wait(); err != nil {
		t.Fatal(err)
	}

	seen := make([][]bool, producers)
	for p := range seen {
		seen[p] = make([]bool, per)
	}
	total := 0
	for _, vs := range popped {
		last := make([]int, producers)
		for p := range last {
			last[p] = -1
		}
		for _, v := range vs {
			if seen[v.producer][v.seq] {
				t.Fatalf("value %+v popped twice", v)
			}
			seen[v.producer][v.seq] = true
			// a consumer sees each producer's values in push order
			if v.seq <= last[v.producer] {
				t.Fatalf("producer %d out of order: %d after %d", v.producer, v.seq, last[v.producer])
			}
			last[v.producer] = v.seq
			total++
		}
	}
	if total != producers*per {
		t.Fatalf("expected %d values, got %d", producers*per, total)
	}

	for i := 0; i < 3; i++ {
		d.AdvanceEpochAndReclaim()
	}
	ds := d.Stats()
	if got, want := q.Stats().Live, int64(1)+int64(ds.Pending)+int64(ds.Abandoned); got != want {
		t.Errorf("expected %d live nodes (sentinel + pending), got %d", want, got)
	}
}

func TestQueueReusesNodes(t *testing.T) {
	q := New[int](Config{})
	for i := 0; i < 10000; i++ {
		q.Push(i)
		if _, ok := q.Pop(); !ok {
			t.Fatal("expected value")
		}
	}
	s := q.Stats()
	if s.Blocks >= 10000 {
		t.Errorf("expected retired nodes to be reused, carved %d blocks", s.Blocks)
	}
}

func TestQueueLongSoak(t *testing.T) {
	if os.Getenv("long_test") != "true" {
		t.Skip("skipping long test; set long_test=true to run")
	}
	q := New[int](Config{})
	var g errgroup.Group
	for w := 0; w < 16; w++ {
		g.Go(func() error {
			for i := 0; i < 1000000; i++ {
				q.Push(i)
				q.Pop()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for _, ok := q.Pop(); ok; _, ok = q.Pop() {
	}
	if !q.Empty() {
		t.Error("expected drained queue")
	}
}

func BenchmarkQueuePushPop(b *testing.B) {
	q := New[int](Config{})
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			q.Push(i)
			q.Pop()
			i++
		}
	})
}
