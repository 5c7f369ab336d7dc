package reclaimer

import (
	"context"
	"testing"
	"time"

	"lockfree/infra/memory"
)

type item struct{ n int }

func retireOne(d *memory.Domain, p *memory.Pool[item]) {
	g := d.Pin()
	g.Retire(p.Get(), p)
	g.Unpin()
}

func TestRunOnceReclaimsIdleParticipants(t *testing.T) {
	d := memory.NewDomain(memory.DomainConfig{})
	p := memory.NewPool[item](memory.PoolConfig{})
	retireOne(d, p)

	r := New(0, d)
	n := 0
	for i := 0; i < 3; i++ {
		n += r.RunOnce()
	}
	if n != 1 || p.Stats().Live != 0 {
		t.Fatalf("expected one object reclaimed, got %d (%s)", n, p.Stats())
	}
}

func TestStartLoop(t *testing.T) {
	a := memory.NewDomain(memory.DomainConfig{})
	b := memory.NewDomain(memory.DomainConfig{})
	p := memory.NewPool[item](memory.PoolConfig{})
	retireOne(a, p)
	retireOne(b, p)

	ctx, cancel := context.WithCancel(context.Background())
	r := New(time.Millisecond, a, b)
	r.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for p.Stats().Live != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("objects not reclaimed in time: %s", p.Stats())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reclaimer did not stop")
	}
}
