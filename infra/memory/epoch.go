package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	inactive = ^uint64(0)

	// DefaultRingSize is the per-participant retire ring capacity.
	DefaultRingSize = 1024

	// advanceEvery is how many retirements a participant makes between
	// attempts to move the global epoch forward.
	advanceEvery = 64
)

// ReclaimablePool is the ONLY requirement for reclamation.
// It is intentionally type-erased.
type ReclaimablePool interface {
	PutAny(any)
}

// ReaderEpoch marks when a participant entered a read section. Records are
// registered once with their Domain and recycled between goroutines; they
// are never unregistered.
type ReaderEpoch struct {
	epoch   atomic.Uint64
	owned   atomic.Bool
	next    *ReaderEpoch
	ring    *RetireRing
	retires uint64
	guard   Guard
}

func (r *ReaderEpoch) Enter(global *atomic.Uint64) {
	r.epoch.Store(global.Load())
}

func (r *ReaderEpoch) Exit() {
	r.epoch.Store(inactive)
}

func (r *ReaderEpoch) Value() uint64 {
	return r.epoch.Load()
}

// DomainConfig sizes a Domain.
type DomainConfig struct {
	// RingSize is the retire ring capacity of every participant; a power of
	// two. Defaults to DefaultRingSize.
	RingSize uint64
}

// Domain is an epoch-based reclamation scope. A block retired while the
// global epoch is e goes back to its pool once the epoch reaches e+2, and
// the epoch only advances when every pinned participant has observed the
// current value, so no pinned reader can still hold it.
type Domain struct {
	global atomic.Uint64
	head   atomic.Pointer[ReaderEpoch]
	cache  sync.Pool

	ringSize uint64

	participants atomic.Int64
	retired      atomic.Uint64
	reclaimed    atomic.Uint64
	abandoned    atomic.Uint64
}

func NewDomain(cfg DomainConfig) *Domain {
	if cfg.RingSize == 0 {
		cfg.RingSize = DefaultRingSize
	}
	return &Domain{ringSize: cfg.RingSize}
}

// Guard is a pinned participant. Pointers loaded from a shared structure
// stay valid (not recycled) until Unpin.
type Guard struct {
	d *Domain
	r *ReaderEpoch
}

// Pin enters a read section.
func (d *Domain) Pin() *Guard {
	r := d.acquire()
	r.Enter(&d.global)
	return &r.guard
}

// Unpin leaves the read section. The guard must not be used afterwards.
func (g *Guard) Unpin() {
	r := g.r
	r.Exit()
	if r.ring.Len() >= r.ring.Cap()/2 {
		g.d.collect(r)
	}
	r.owned.Store(false)
	g.d.cache.Put(r)
}

// Retire hands obj to pool once no pinned participant can reach it. obj
// must already be unreachable for readers that pin after this call.
func (g *Guard) Retire(obj any, pool ReclaimablePool) {
	d, r := g.d, g.r
	e := d.global.Load()
	if !r.ring.Enqueue(obj, pool, e) {
		d.collect(r)
		if !r.ring.Enqueue(obj, pool, d.global.Load()) {
			// Every participant is stalled behind an old epoch. Leaking
			// the block beats blocking on them.
			d.abandoned.Add(1)
			return
		}
	}
	d.retired.Add(1)
	r.retires++
	if r.retires%advanceEvery == 0 {
		d.collect(r)
	}
}

// AdvanceEpochAndReclaim advances the epoch if possible and reclaims
// retired objects parked by idle participants. It returns how many objects
// went back to their pools.
func (d *Domain) AdvanceEpochAndReclaim() int {
	g := d.tryAdvance()
	if g < 2 {
		return 0
	}
	n := 0
	for r := d.head.Load(); r != nil; r = r.next {
		if r.ring.IsEmpty() || !r.owned.CompareAndSwap(false, true) {
			continue
		}
		n += r.ring.Reclaim(g - 2)
		r.owned.Store(false)
	}
	d.reclaimed.Add(uint64(n))
	return n
}

// Epoch returns the current global epoch.
func (d *Domain) Epoch() uint64 {
	return d.global.Load()
}

func (d *Domain) acquire() *ReaderEpoch {
	if r, _ := d.cache.Get().(*ReaderEpoch); r != nil && r.owned.CompareAndSwap(false, true) {
		return r
	}
	for r := d.head.Load(); r != nil; r = r.next {
		if r.owned.CompareAndSwap(false, true) {
			return r
		}
	}
	r := &ReaderEpoch{ring: NewRetireRing(d.ringSize)}
	r.epoch.Store(inactive)
	r.owned.Store(true)
	r.guard = Guard{d: d, r: r}
	for {
		h := d.head.Load()
		r.next = h
		if d.head.CompareAndSwap(h, r) {
			break
		}
	}
	d.participants.Add(1)
	return r
}

// tryAdvance bumps the global epoch when no pinned participant lags behind
// it and returns the epoch it observed afterwards.
func (d *Domain) tryAdvance() uint64 {
	g := d.global.Load()
	for r := d.head.Load(); r != nil; r = r.next {
		if v := r.Value(); v != inactive && v != g {
			return g
		}
	}
	d.global.CompareAndSwap(g, g+1)
	return d.global.Load()
}

// collect reclaims from r's own ring; the caller owns r.
func (d *Domain) collect(r *ReaderEpoch) {
	g := d.tryAdvance()
	if g < 2 {
		return
	}
	if n := r.ring.Reclaim(g - 2); n > 0 {
		d.reclaimed.Add(uint64(n))
	}
}

// DomainStats is a point-in-time view of a Domain.
type DomainStats struct {
	Epoch        uint64
	Participants int64
	Retired      uint64
	Reclaimed    uint64
	Abandoned    uint64
	Pending      int
}

func (d *Domain) Stats() DomainStats {
	s := DomainStats{
		Epoch:        d.global.Load(),
		Participants: d.participants.Load(),
		Retired:      d.retired.Load(),
		Reclaimed:    d.reclaimed.Load(),
		Abandoned:    d.abandoned.Load(),
	}
	for r := d.head.Load(); r != nil; r = r.next {
		s.Pending += r.ring.Len()
	}
	return s
}

func (s DomainStats) String() string {
	return fmt.Sprintf("epoch{epoch=%d, participants=%d, retired=%d, reclaimed=%d, abandoned=%d, pending=%d}",
		s.Epoch, s.Participants, s.Retired, s.Reclaimed, s.Abandoned, s.Pending)
}
