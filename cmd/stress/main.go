package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lockfree/infra/metrics"
	"lockfree/service"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// ---------------- Config ----------------

	// defaults, then LOCKFREE_* env, then flags
	cfg := service.ResolveConfig(nil)

	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "goroutines per workload")
	flag.IntVar(&cfg.Ops, "ops", cfg.Ops, "operations per worker")
	flag.IntVar(&cfg.Keys, "keys", cfg.Keys, "keys per worker in the associative workloads")
	flag.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "mpmc channel capacity")
	flag.IntVar(&cfg.Buckets, "buckets", cfg.Buckets, "hash map buckets")
	flag.IntVar(&cfg.Order, "order", cfg.Order, "B+ tree order")
	flag.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	flag.DurationVar(&cfg.ReclaimInterval, "reclaim-interval", cfg.ReclaimInterval, "background reclaimer period")
	structures := flag.String("structures", strings.Join(cfg.Structures, ","), "comma separated workloads, or all")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")
	linger := flag.Duration("linger", 0, "keep serving metrics this long after the run")
	flag.Parse()

	cfg.Structures = service.ParseStructures(*structures)

	// ---------------- Metrics ----------------

	collector := metrics.NewCollector("lockfree")
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector, collectors.NewGoCollector())

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("[stress] metrics on %s/metrics", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[stress] metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	// ---------------- Run ----------------

	s, err := service.New(cfg, collector)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := s.Run(ctx)
	fmt.Print(report)
	fmt.Println(s.Domain().Stats())
	fmt.Printf("value ids issued: %d\n", s.Issued())

	if *linger > 0 && *metricsAddr != "" {
		select {
		case <-time.After(*linger):
		case <-ctx.Done():
		}
	}
	s.Close()

	if err != nil {
		log.Printf("[stress] interrupted: %v", err)
		os.Exit(2)
	}
	if report.Failed() {
		os.Exit(1)
	}
}
