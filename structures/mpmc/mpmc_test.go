package mpmc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

func TestQueueCapacityTwo(t *testing.T) {
	q := New[string](Config{Capacity: 2})
	if !q.TryEnqueue("a") || !q.TryEnqueue("b") {
		t.Fatal("expected first two enqueues to succeed")
	}
	if q.TryEnqueue("c") {
		t.Fatal("expected enqueue on full queue to fail")
	}
	if q.Len() != 2 || q.Cap() != 2 {
		t.Fatalf("expected len 2 cap 2, got %d %d", q.Len(), q.Cap())
	}
	if v, ok := q.TryDequeue(); !ok || v != "a" {
		t.Fatalf("expected a, got %q", v)
	}
	if !q.TryEnqueue("c") {
		t.Fatal("expected a freed slot to accept c")
	}
}

func TestChannelZeroTimeoutIsImmediate(t *testing.T) {
	c := NewChannel[string](Config{Capacity: 2})
	c.TrySend("a", 0)
	c.TrySend("b", 0)

	start := time.Now()
	if c.TrySend("c", 0) {
		t.Fatal("expected send on full channel to fail")
	}
	if el := time.Since(start); el > 50*time.Millisecond {
		t.Errorf("zero-timeout send took %v", el)
	}
}

func TestChannelEmpty(t *testing.T) {
	c := NewChannel[int](Config{Capacity: 4})
	if !c.Empty() {
		t.Fatal("expected a new channel to be empty")
	}
	c.TrySend(1, 0)
	if c.Empty() || c.Len() != 1 {
		t.Fatalf("expected one queued value, len %d", c.Len())
	}
	if v, ok := c.TryReceive(0); !ok || v != 1 {
		t.Fatalf("expected 1, got %d (ok=%v)", v, ok)
	}
	if !c.Empty() {
		t.Error("expected channel to be empty after the last receive")
	}
}

func TestChannelReceiveTimeout(t *testing.T) {
	c := NewChannel[int](Config{Capacity: 1})
	start := time.Now()
	if _, ok := c.TryReceive(20 * time.Millisecond); ok {
		t.Fatal("expected receive on empty channel to time out")
	}
	if el := time.Since(start); el < 20*time.Millisecond {
		t.Errorf("receive returned after %v, before the deadline", el)
	}
}

func TestChannelHandoff(t *testing.T) {
	c := NewChannel[int](Config{Capacity: 4})
	const n = 10000

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < n; i++ {
			if !c.TrySend(i, time.Second) {
				return errors.Newf("send %d timed out", i)
			}
		}
		return nil
	})
	for i := 0; i < n; i++ {
		v, ok := c.TryReceive(time.Second)
		if !ok || v != i {
			t.Fatalf("expected %d, got %d (ok=%v)", i, v, ok)
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestChannelContextCancel(t *testing.T) {
	c := NewChannel[int](Config{Capacity: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := c.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := c.Send(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on full channel, got %v", err)
	}
	if v, err := c.Receive(context.Background()); err != nil || v != 1 {
		t.Fatalf("expected 1, got %d (%v)", v, err)
	}
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	const capacity = 8
	q := New[int](Config{Capacity: capacity})

	var accepted, maxSeen atomic.Int64
	start := make(chan struct{})
	var g errgroup.Group
	for w := 0; w < 16; w++ {
		g.Go(func() error {
			<-start
			for i := 0; i < 1000; i++ {
				if q.TryEnqueue(i) {
					accepted.Add(1)
				}
				if n := int64(q.Len()); n > maxSeen.Load() {
					maxSeen.Store(n)
				}
			}
			return nil
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if accepted.Load() != capacity {
		t.Fatalf("expected exactly %d accepted enqueues, got %d", capacity, accepted.Load())
	}
	if maxSeen.Load() > capacity {
		t.Fatalf("observed len %d above capacity %d", maxSeen.Load(), capacity)
	}
}

func TestQueueRejectsZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	New[int](Config{})
}

func BenchmarkChannelSendReceive(b *testing.B) {
	c := NewChannel[int](Config{Capacity: 1024})
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if c.TrySend(1, time.Millisecond) {
				c.TryReceive(time.Millisecond)
			}
		}
	})
}
