package service

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"

	"lockfree/structures/bptree"
	"lockfree/structures/hashmap"
	"lockfree/structures/mpmc"
	"lockfree/structures/queue"
	"lockfree/structures/skiplist"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// contestedBase keeps the hash map's contested keys clear of the churn keys.
const contestedBase = 1 << 63

// item is what the FIFO workloads move: a globally unique id plus the
// producer's own position, for order checks.
type item struct {
	producer int
	local    int
	id       uint64
}

func (s *Stress) split() (producers, consumers int) {
	producers = max(s.cfg.Workers/2, 1)
	consumers = max(s.cfg.Workers-producers, 1)
	return producers, consumers
}

func (s *Stress) rand(worker int) *rand.Rand {
	return rand.New(rand.NewPCG(s.cfg.Seed, uint64(worker)))
}

// key draws from worker's own partition of the key space, so per-key
// history is sequential and a worker-local model is exact.
func (s *Stress) key(r *rand.Rand, worker int) uint64 {
	return uint64(r.IntN(s.cfg.Keys))*uint64(s.cfg.Workers) + uint64(worker)
}

//
// ──────────────────────────────────────────────────────────
// FIFO
// ──────────────────────────────────────────────────────────
//

// fifoCheck tracks what consumers took until every pushed value is gone.
type fifoCheck struct {
	producers int
	total     int64
	taken     atomic.Int64
	seen      [][]uint64
}

func newFIFOCheck(producers, consumers, total int) *fifoCheck {
	return &fifoCheck{
		producers: producers,
		total:     int64(total),
		seen:      make([][]uint64, consumers),
	}
}

// consume pops until all values are taken. Each consumer must see any one
// producer's values in push order.
func (f *fifoCheck) consume(ctx context.Context, c int, pop func() (item, bool)) error {
	last := make([]int, f.producers)
	for i := range last {
		last[i] = -1
	}
	for i := 0; f.taken.Load() < f.total; i++ {
		if i&255 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		v, ok := pop()
		if !ok {
			runtime.Gosched()
			continue
		}
		f.taken.Add(1)
		if v.local <= last[v.producer] {
			return errors.Newf("producer %d: value %d dequeued after %d", v.producer, v.local, last[v.producer])
		}
		last[v.producer] = v.local
		f.seen[c] = append(f.seen[c], v.id)
	}
	return nil
}

// verify checks the multiset of taken values equals the pushed one.
func (f *fifoCheck) verify() error {
	ids := make(map[uint64]struct{}, f.total)
	for _, taken := range f.seen {
		for _, id := range taken {
			if _, dup := ids[id]; dup {
				return errors.Newf("value %d dequeued twice", id)
			}
			ids[id] = struct{}{}
		}
	}
	if int64(len(ids)) != f.total {
		return errors.Newf("dequeued %d distinct values, pushed %d", len(ids), f.total)
	}
	return nil
}

func (s *Stress) runQueue(ctx context.Context) Result {
	q := queue.New[item](queue.Config{Epoch: s.domain})
	s.register(Queue, q)
	producers, consumers := s.split()
	f := newFIFOCheck(producers, consumers, producers*s.cfg.Ops)

	g, gctx := errgroup.WithContext(ctx)
	for p := range producers {
		g.Go(func() error {
			first := s.seq.Block(uint64(s.cfg.Ops))
			for i := range s.cfg.Ops {
				q.Push(item{producer: p, local: i, id: first + uint64(i)})
			}
			return nil
		})
	}
	for c := range consumers {
		g.Go(func() error { return f.consume(gctx, c, q.Pop) })
	}
	err := g.Wait()
	if err == nil {
		err = f.verify()
	}
	if err == nil && !q.Empty() {
		err = errors.New("queue not empty after every value was taken")
	}
	return Result{Ops: 2 * int(f.total), Pool: q.Stats(), Err: err}
}

func (s *Stress) runMPMC(ctx context.Context) Result {
	ch := mpmc.NewChannel[item](mpmc.Config{Capacity: s.cfg.Capacity, Epoch: s.domain})
	s.register(MPMC, ch.Queue())
	producers, consumers := s.split()
	f := newFIFOCheck(producers, consumers, producers*s.cfg.Ops)

	// Occupancy is sampled as values sent minus values taken, not through
	// the queue's own counter. Reading sent before taken, it overshoots
	// what is queued by at most one popped-but-uncounted value per consumer.
	var sent atomic.Int64
	done := make(chan struct{})
	over := watchBound(done, int64(ch.Cap()+consumers), func() int64 {
		return sent.Load() - f.taken.Load()
	})

	g, gctx := errgroup.WithContext(ctx)
	for p := range producers {
		g.Go(func() error {
			first := s.seq.Block(uint64(s.cfg.Ops))
			for i := range s.cfg.Ops {
				if err := ch.Send(gctx, item{producer: p, local: i, id: first + uint64(i)}); err != nil {
					return err
				}
				sent.Add(1)
			}
			return nil
		})
	}
	for c := range consumers {
		g.Go(func() error {
			return f.consume(gctx, c, func() (item, bool) { return ch.TryReceive(time.Millisecond) })
		})
	}
	err := g.Wait()
	close(done)
	peak := over()

	if err == nil {
		err = f.verify()
	}
	if err == nil && peak > 0 {
		err = errors.Newf("channel held up to %d values, capacity %d", peak-int64(consumers), ch.Cap())
	}
	return Result{Ops: 2 * int(f.total), Pool: ch.Queue().Stats(), Err: err}
}

// watchBound polls queued until done is closed. The returned func waits for
// the poller and reports the largest sample above limit, or 0 if none was.
func watchBound(done <-chan struct{}, limit int64, queued func() int64) func() int64 {
	var peak atomic.Int64
	var g errgroup.Group
	g.Go(func() error {
		for {
			if n := queued(); n > limit && n > peak.Load() {
				peak.Store(n)
			}
			select {
			case <-done:
				return nil
			default:
			}
			runtime.Gosched()
		}
	})
	return func() int64 {
		_ = g.Wait()
		return peak.Load()
	}
}

//
// ──────────────────────────────────────────────────────────
// Hash map
// ──────────────────────────────────────────────────────────
//

func (s *Stress) runHashMap(ctx context.Context) Result {
	m := hashmap.New[uint64, uint64](hashmap.Config[uint64]{Buckets: s.cfg.Buckets, Epoch: s.domain})
	s.register(HashMap, m)

	ops, err := s.contendHashMap(ctx, m)
	if err == nil {
		var n int
		n, err = s.churnHashMap(ctx, m)
		ops += n
	}
	return Result{Ops: ops, Pool: m.Stats(), Err: err}
}

// contendHashMap has every worker insert the same keys; exactly one insert
// per key may win and its value must stick.
func (s *Stress) contendHashMap(ctx context.Context, m *hashmap.Map[uint64, uint64]) (int, error) {
	rounds := s.cfg.Ops/10 + 1
	wins := make([]atomic.Int32, rounds)
	vals := make([]atomic.Uint64, rounds)

	g, gctx := errgroup.WithContext(ctx)
	for range s.cfg.Workers {
		g.Go(func() error {
			for r := range rounds {
				if r&255 == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				id := s.seq.Next()
				if m.Insert(contestedBase+uint64(r), id) {
					wins[r].Add(1)
					vals[r].Store(id)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	for r := range rounds {
		k := contestedBase + uint64(r)
		if n := wins[r].Load(); n != 1 {
			return 0, errors.Newf("key %d: %d inserts succeeded, want exactly one", k, n)
		}
		if v, ok := m.Find(k); !ok || v != vals[r].Load() {
			return 0, errors.Newf("key %d holds %d, the winning insert stored %d", k, v, vals[r].Load())
		}
		if !m.Remove(k) {
			return 0, errors.Newf("remove of contested key %d failed", k)
		}
	}
	return rounds * s.cfg.Workers, nil
}

// churnHashMap mixes every operation over partitioned keys, checking each
// result against a worker-local model and mirroring writes to the oracle.
func (s *Stress) churnHashMap(ctx context.Context, m *hashmap.Map[uint64, uint64]) (int, error) {
	o, err := NewOracle()
	if err != nil {
		return 0, err
	}
	defer o.Close()

	g, gctx := errgroup.WithContext(ctx)
	for w := range s.cfg.Workers {
		g.Go(func() error {
			r := s.rand(w)
			model := make(map[uint64]uint64)
			for i := range s.cfg.Ops {
				if i&255 == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				k := s.key(r, w)
				cur, present := model[k]
				var err error
				switch op := r.IntN(10); {
				case op < 4:
					v := s.seq.Next()
					if ok := m.Insert(k, v); ok == present {
						return errors.Newf("insert %d returned %v with key present=%v", k, ok, present)
					} else if ok {
						model[k] = v
						err = o.Set(k, v)
					}
				case op < 6:
					v := s.seq.Next()
					if ok := m.Update(k, v); ok != present {
						return errors.Newf("update %d returned %v with key present=%v", k, ok, present)
					} else if ok {
						model[k] = v
						err = o.Set(k, v)
					}
				case op < 8:
					if ok := m.Remove(k); ok != present {
						return errors.Newf("remove %d returned %v with key present=%v", k, ok, present)
					} else if ok {
						delete(model, k)
						err = o.Delete(k)
					}
				default:
					if v, ok := m.Find(k); ok != present || ok && v != cur {
						return errors.Newf("find %d returned %d,%v, want %d,%v", k, v, ok, cur, present)
					}
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	want, err := o.Len()
	if err != nil {
		return 0, err
	}
	seen := 0
	var mismatch error
	m.Range(func(k, v uint64) bool {
		if k >= contestedBase {
			return true
		}
		seen++
		ov, ok, err := o.Get(k)
		switch {
		case err != nil:
			mismatch = err
		case !ok || ov != v:
			mismatch = errors.Newf("key %d holds %d, oracle has %d (present=%v)", k, v, ov, ok)
		}
		return mismatch == nil
	})
	if mismatch != nil {
		return 0, mismatch
	}
	if seen != want || m.Len() != want {
		return 0, errors.Newf("map holds %d entries (len %d), oracle %d", seen, m.Len(), want)
	}
	return s.cfg.Workers * s.cfg.Ops, nil
}

//
// ──────────────────────────────────────────────────────────
// Ordered maps
// ──────────────────────────────────────────────────────────
//

type orderedMap interface {
	Put(k, v uint64) bool
	Remove(k uint64) bool
	Find(k uint64) (uint64, bool)
	Scan(from uint64, fn func(k, v uint64) bool)
	Len() int
}

// treeMap gives the B+ tree the Put of the skip list; its Insert never
// fails from contention.
type treeMap struct {
	*bptree.Tree[uint64, uint64]
}

func (t treeMap) Put(k, v uint64) bool { return t.Insert(k, v) }

func (s *Stress) runSkipList(ctx context.Context) Result {
	l := skiplist.New[uint64, uint64](skiplist.Config{Epoch: s.domain})
	s.register(SkipList, l)
	ops, err := s.churnOrdered(ctx, l, func(*Oracle) error { return l.Verify() })
	return Result{Ops: ops, Pool: l.Stats(), Err: err}
}

func (s *Stress) runBPTree(ctx context.Context) Result {
	t := bptree.New[uint64, uint64](bptree.Config{Order: s.cfg.Order, Epoch: s.domain})
	s.register(BPTree, t)
	ops, err := s.churnOrdered(ctx, treeMap{t}, func(o *Oracle) error {
		if err := t.Verify(); err != nil {
			return err
		}
		return s.checkRanges(t, o)
	})
	return Result{Ops: ops, Pool: t.Stats(), Err: err}
}

// churnOrdered runs Put/Remove/Find over partitioned keys, mirrors writes to
// a fresh oracle, and compares the final ascending contents. extra runs
// after the comparison.
func (s *Stress) churnOrdered(ctx context.Context, m orderedMap, extra func(*Oracle) error) (int, error) {
	o, err := NewOracle()
	if err != nil {
		return 0, err
	}
	defer o.Close()

	g, gctx := errgroup.WithContext(ctx)
	for w := range s.cfg.Workers {
		g.Go(func() error {
			r := s.rand(w)
			model := make(map[uint64]uint64)
			for i := range s.cfg.Ops {
				if i&255 == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				k := s.key(r, w)
				cur, present := model[k]
				var err error
				switch op := r.IntN(4); {
				case op < 2:
					v := s.seq.Next()
					if !m.Put(k, v) {
						return errors.Newf("put %d failed", k)
					}
					model[k] = v
					err = o.Set(k, v)
				case op < 3:
					if ok := m.Remove(k); ok != present {
						return errors.Newf("remove %d returned %v with key present=%v", k, ok, present)
					} else if ok {
						delete(model, k)
						err = o.Delete(k)
					}
				default:
					if v, ok := m.Find(k); ok != present || ok && v != cur {
						return errors.Newf("find %d returned %d,%v, want %d,%v", k, v, ok, cur, present)
					}
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := o.Match(func(fn func(k, v uint64) bool) { m.Scan(0, fn) }); err != nil {
		return 0, err
	}
	if n, err := o.Len(); err != nil {
		return 0, err
	} else if n != m.Len() {
		return 0, errors.Newf("len %d, oracle holds %d", m.Len(), n)
	}
	if extra != nil {
		if err := extra(o); err != nil {
			return 0, err
		}
	}
	return s.cfg.Workers * s.cfg.Ops, nil
}

// checkRanges compares random range queries against the oracle.
func (s *Stress) checkRanges(t *bptree.Tree[uint64, uint64], o *Oracle) error {
	r := s.rand(-1)
	space := s.cfg.Keys * s.cfg.Workers
	var got []bptree.Entry[uint64, uint64]
	for range 64 {
		a := uint64(r.IntN(space))
		b := a + uint64(r.IntN(space/4+1))
		got = t.RangeQuery(a, b, got[:0])
		i := 0
		var mismatch error
		if err := o.Range(a, b, func(k, v uint64) bool {
			switch {
			case i >= len(got):
				mismatch = errors.Newf("range [%d,%d] missing key %d", a, b, k)
			case got[i].Key != k || got[i].Value != v:
				mismatch = errors.Newf("range [%d,%d] entry %d is %d=%d, oracle %d=%d", a, b, i, got[i].Key, got[i].Value, k, v)
			}
			i++
			return mismatch == nil
		}); err != nil {
			return err
		}
		if mismatch != nil {
			return mismatch
		}
		if i != len(got) {
			return errors.Newf("range [%d,%d] returned %d entries, oracle %d", a, b, len(got), i)
		}
	}
	return nil
}
