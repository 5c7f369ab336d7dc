package memory

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

const (
	// DefaultChunkBytes matches the 64KB chunks carved when the free list runs dry.
	DefaultChunkBytes = 64 << 10

	maxChunks = 1 << 16
	nilIndex  = 0
)

// PoolConfig controls how a Pool grows.
type PoolConfig struct {
	// ChunkBytes is the approximate size of each carved chunk. Blocks per
	// chunk is ChunkBytes divided by the block size, at least one.
	ChunkBytes int
}

// block is the unit handed out by a Pool. val must stay the first field:
// a block's address is its *T.
type block[T any] struct {
	val  T
	next atomic.Uint32
	idx  uint32
	live atomic.Bool
}

// Pool is a fixed-size block allocator for a single node type.
//
// Get pops a zeroed block off a lock-free free list. Only when the list is
// empty does a caller take the growth mutex and carve a new chunk, so once
// warmed up the mutex is off the fast path. Blocks are never handed back to
// the runtime.
//
// A Pool can also participate in epoch-based reclamation via PutAny.
type Pool[T any] struct {
	// free packs (tag<<32 | index) so a pop can't succeed against a
	// recycled head.
	free atomic.Uint64
	_pad [56]byte

	mu        sync.Mutex
	chunks    [maxChunks]atomic.Pointer[[]block[T]]
	nchunks   atomic.Uint32
	perChunk  uint32
	blockSize uintptr

	// spans holds chunk start addresses in ascending order; replaced
	// wholesale on growth.
	spans atomic.Pointer[[]span]

	gets atomic.Uint64
	puts atomic.Uint64
	live atomic.Int64
}

type span struct {
	start uintptr
	chunk uint32
}

// NewPool returns an empty pool; the first Get carves the first chunk.
func NewPool[T any](cfg PoolConfig) *Pool[T] {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = DefaultChunkBytes
	}
	var b block[T]
	size := unsafe.Sizeof(b)
	per := uintptr(cfg.ChunkBytes) / size
	if per == 0 {
		per = 1
	}
	return &Pool[T]{perChunk: uint32(per), blockSize: size}
}

// Get returns a zeroed *T from a reused or freshly carved block.
func (p *Pool[T]) Get() *T {
	for {
		if b := p.pop(); b != nil {
			if !b.live.CompareAndSwap(false, true) {
				panic(errors.AssertionFailedf("memory.Pool: block %d on free list while live", b.idx))
			}
			p.gets.Add(1)
			p.live.Add(1)
			return &b.val
		}
		p.grow()
	}
}

// Put destroys v (zeroes it) and pushes its block on the free list.
// v must have come from this pool and must not be reachable by any reader;
// shared structures hand blocks to a Guard instead and let the Domain call
// PutAny once that is guaranteed.
func (p *Pool[T]) Put(v *T) {
	if v == nil {
		return
	}
	b := p.owner(v)
	if b == nil {
		panic(errors.AssertionFailedf("memory.Pool: Put of a pointer this pool did not hand out"))
	}
	if !b.live.CompareAndSwap(true, false) {
		panic(errors.AssertionFailedf("memory.Pool: double Put of block %d", b.idx))
	}
	b.val = *new(T)
	p.puts.Add(1)
	p.live.Add(-1)
	p.push(b.idx, b)
}

// PutAny allows Pool[T] to satisfy ReclaimablePool.
// This is an explicit, safe adapter between typed and erased worlds.
func (p *Pool[T]) PutAny(v any) {
	obj, ok := v.(*T)
	if !ok {
		panic(errors.AssertionFailedf("memory.Pool: PutAny received %T", v))
	}
	p.Put(obj)
}

// owner maps v to its block by address, without dereferencing v; nil if v
// does not point at the start of a block in one of this pool's chunks.
func (p *Pool[T]) owner(v *T) *block[T] {
	spans := p.spans.Load()
	if spans == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(v))
	i, found := slices.BinarySearchFunc(*spans, addr, func(s span, a uintptr) int {
		return cmp.Compare(s.start, a)
	})
	if !found {
		i--
	}
	if i < 0 {
		return nil
	}
	sp := (*spans)[i]
	off := addr - sp.start
	if off >= uintptr(p.perChunk)*p.blockSize || off%p.blockSize != 0 {
		return nil
	}
	return &(*p.chunks[sp.chunk].Load())[off/p.blockSize]
}

func (p *Pool[T]) lookup(idx uint32) *block[T] {
	i := idx - 1
	if i/p.perChunk >= p.nchunks.Load() {
		return nil
	}
	c := p.chunks[i/p.perChunk].Load()
	if c == nil {
		return nil
	}
	return &(*c)[i%p.perChunk]
}

func (p *Pool[T]) pop() *block[T] {
	for {
		head := p.free.Load()
		idx := uint32(head)
		if idx == nilIndex {
			return nil
		}
		b := p.lookup(idx)
		next := b.next.Load()
		tag := head>>32 + 1
		if p.free.CompareAndSwap(head, tag<<32|uint64(next)) {
			b.next.Store(nilIndex)
			return b
		}
	}
}

// push splices the chain starting at index first and ending at last onto the
// free list.
func (p *Pool[T]) push(first uint32, last *block[T]) {
	for {
		head := p.free.Load()
		last.next.Store(uint32(head))
		tag := head>>32 + 1
		if p.free.CompareAndSwap(head, tag<<32|uint64(first)) {
			return
		}
	}
}

func (p *Pool[T]) grow() {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Someone else may have carved or freed blocks while we waited.
	if uint32(p.free.Load()) != nilIndex {
		return
	}

	n := p.nchunks.Load()
	if n == maxChunks || uint64(n+1)*uint64(p.perChunk) >= 1<<32 {
		panic(errors.Newf("memory.Pool: exhausted after %d chunks of %d blocks", n, p.perChunk))
	}
	chunk := make([]block[T], p.perChunk)
	base := n*p.perChunk + 1
	for i := range chunk {
		chunk[i].idx = base + uint32(i)
		if i+1 < len(chunk) {
			chunk[i].next.Store(base + uint32(i) + 1)
		}
	}
	p.chunks[n].Store(&chunk)
	p.nchunks.Store(n + 1)

	var spans []span
	if old := p.spans.Load(); old != nil {
		spans = slices.Clone(*old)
	}
	sp := span{start: uintptr(unsafe.Pointer(&chunk[0])), chunk: n}
	i, _ := slices.BinarySearchFunc(spans, sp.start, func(s span, a uintptr) int {
		return cmp.Compare(s.start, a)
	})
	spans = slices.Insert(spans, i, sp)
	p.spans.Store(&spans)

	last := &chunk[len(chunk)-1]
	p.push(base, last)
}

// PoolStats is a point-in-time view of a Pool. Fields are read
// independently and may not be mutually consistent under load.
type PoolStats struct {
	Chunks    int
	Blocks    int
	Live      int64
	Gets      uint64
	Puts      uint64
	BlockSize uintptr
}

// Stats reports the pool's growth and occupancy.
func (p *Pool[T]) Stats() PoolStats {
	n := int(p.nchunks.Load())
	return PoolStats{
		Chunks:    n,
		Blocks:    n * int(p.perChunk),
		Live:      p.live.Load(),
		Gets:      p.gets.Load(),
		Puts:      p.puts.Load(),
		BlockSize: p.blockSize,
	}
}

func (s PoolStats) String() string {
	return fmt.Sprintf("pool{chunks=%d, blocks=%d, live=%d, gets=%d, puts=%d, block=%dB}",
		s.Chunks, s.Blocks, s.Live, s.Gets, s.Puts, s.BlockSize)
}
