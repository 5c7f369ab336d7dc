package memory

import "testing"

type countingPool struct {
	got []any
}

func (p *countingPool) PutAny(v any) { p.got = append(p.got, v) }

func TestRetireRingBasic(t *testing.T) {
	r := NewRetireRing(4) // capacity 4
	pool := &countingPool{}
	o1, o2 := new(int), new(int)

	if !r.Enqueue(o1, pool, 1) || !r.Enqueue(o2, pool, 3) {
		t.Fatal("enqueue failed unexpectedly")
	}
	if n := r.Reclaim(0); n != 0 {
		t.Fatalf("reclaimed %d objects before their epoch", n)
	}
	if n := r.Reclaim(2); n != 1 || pool.got[0] != o1 {
		t.Fatalf("expected only o1 reclaimed, got %d %v", n, pool.got)
	}
	if n := r.Reclaim(3); n != 1 || pool.got[1] != o2 {
		t.Fatalf("expected o2 reclaimed, got %d %v", n, pool.got)
	}
	if !r.IsEmpty() {
		t.Error("expected empty ring")
	}
}

func TestRetireRingFull(t *testing.T) {
	r := NewRetireRing(2)
	pool := &countingPool{}
	if !r.Enqueue(new(int), pool, 0) || !r.Enqueue(new(int), pool, 0) {
		t.Fatal("enqueue failed unexpectedly")
	}
	if r.Enqueue(new(int), pool, 0) {
		t.Fatal("expected enqueue on a full ring to fail")
	}
	if !r.IsFull() || r.Len() != 2 || r.Cap() != 2 {
		t.Fatalf("unexpected ring state %s", r)
	}
}

func TestRetireRingRejectsOddSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for non power-of-two size")
		}
	}()
	NewRetireRing(3)
}
