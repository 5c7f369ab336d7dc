package service

import (
	"runtime"
	"testing"
	"time"
)

func TestResolveConfigDefaults(t *testing.T) {
	cfg := ResolveConfig(nil)
	if cfg.Workers != runtime.GOMAXPROCS(0) || cfg.Ops != 10000 || cfg.Order != 32 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Structures) != len(AllStructures) {
		t.Fatalf("expected every structure by default, got %v", cfg.Structures)
	}
}

func TestResolveConfigEnvOverrides(t *testing.T) {
	t.Setenv("LOCKFREE_WORKERS", "3")
	t.Setenv("LOCKFREE_OPS", "77")
	t.Setenv("LOCKFREE_STRUCTURES", "queue, BPTree")
	t.Setenv("LOCKFREE_RECLAIM_INTERVAL", "5ms")
	t.Setenv("LOCKFREE_ORDER", "not-a-number")

	cfg := ResolveConfig(&Config{Workers: 9, Order: 7})
	if cfg.Workers != 3 || cfg.Ops != 77 {
		t.Fatalf("expected env to win, got workers=%d ops=%d", cfg.Workers, cfg.Ops)
	}
	if cfg.Order != 7 {
		t.Fatalf("expected unparsable env to be ignored, got order %d", cfg.Order)
	}
	if len(cfg.Structures) != 2 || cfg.Structures[0] != Queue || cfg.Structures[1] != BPTree {
		t.Fatalf("unexpected structures %v", cfg.Structures)
	}
	if cfg.ReclaimInterval != 5*time.Millisecond {
		t.Fatalf("unexpected interval %s", cfg.ReclaimInterval)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(&Config{Structures: []string{"btree"}}, nil); err == nil {
		t.Fatal("expected unknown structure to be rejected")
	}
	if _, err := New(&Config{Order: 2}, nil); err == nil {
		t.Fatal("expected order 2 to be rejected")
	}
}

func TestParseStructures(t *testing.T) {
	if got := ParseStructures("all"); len(got) != len(AllStructures) {
		t.Fatalf("expected all, got %v", got)
	}
	if got := ParseStructures(" skiplist,,hashmap "); len(got) != 2 || got[0] != SkipList || got[1] != HashMap {
		t.Fatalf("unexpected %v", got)
	}
}
