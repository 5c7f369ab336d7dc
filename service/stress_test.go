package service

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"lockfree/infra/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStressAllStructures(t *testing.T) {
	collector := metrics.NewCollector("lockfree")
	s, err := New(&Config{Workers: 4, Ops: 2000, Keys: 256, Capacity: 8, Order: 4, Seed: 42}, collector)
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report) != len(AllStructures) {
		t.Fatalf("expected %d results, got %d", len(AllStructures), len(report))
	}
	if report.Failed() {
		t.Fatalf("verification failed:\n%s", report)
	}
	for _, res := range report {
		if res.Ops == 0 {
			t.Errorf("%s reported no operations", res.Structure)
		}
	}
	if !strings.Contains(report.String(), "skiplist") {
		t.Errorf("report is missing a row:\n%s", report)
	}
	if n := testutil.CollectAndCount(collector, "lockfree_pool_blocks"); n != len(AllStructures) {
		t.Errorf("expected a pool series per structure, got %d", n)
	}
	if s.Domain().Stats().Retired == 0 {
		t.Error("expected retirements in the shared domain")
	}

	s.Close()
	if n := testutil.CollectAndCount(collector); n != 0 {
		t.Errorf("expected no series after Close, got %d", n)
	}
}

func TestStressIssuedResetsPerRun(t *testing.T) {
	s, err := New(&Config{Workers: 4, Ops: 100, Structures: []string{Queue}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for run := 0; run < 2; run++ {
		if _, err := s.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		// two producers tag 100 values each
		if got := s.Issued(); got != 200 {
			t.Fatalf("run %d: expected 200 ids issued, got %d", run, got)
		}
	}
}

func TestWatchBound(t *testing.T) {
	done := make(chan struct{})
	close(done)

	if peak := watchBound(done, 8, func() int64 { return 8 })(); peak != 0 {
		t.Errorf("expected no overshoot at the limit, got %d", peak)
	}
	if peak := watchBound(done, 8, func() int64 { return 11 })(); peak != 11 {
		t.Errorf("expected overshoot 11, got %d", peak)
	}
}

func TestStressSingleWorker(t *testing.T) {
	s, err := New(&Config{Workers: 1, Ops: 500, Structures: []string{Queue, MPMC, BPTree}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Run(context.Background())
	if err != nil || report.Failed() {
		t.Fatalf("run failed (%v):\n%s", err, report)
	}
}

func TestStressCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := New(&Config{Workers: 2, Ops: 100}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(ctx); err == nil {
		t.Fatal("expected a cancelled run to return an error")
	}
}

func TestStressLong(t *testing.T) {
	if os.Getenv("long_test") != "true" {
		t.Skip("skipping long test; set long_test=true to run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	s, err := New(&Config{Workers: 16, Ops: 200000, Keys: 1 << 14}, nil)
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Run(ctx)
	if err != nil || report.Failed() {
		t.Fatalf("run failed (%v):\n%s", err, report)
	}
}
