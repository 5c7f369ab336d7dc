package service

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"lockfree/infra/memory"
	"lockfree/infra/metrics"
	"lockfree/infra/sequence"
	"lockfree/jobs/reclaimer"
)

const domainName = "stress"

// Result is the outcome of one workload.
type Result struct {
	Structure string
	Ops       int
	Elapsed   time.Duration
	Pool      memory.PoolStats
	Err       error
}

// Report is the outcome of a Run, one Result per selected workload.
type Report []Result

// Failed reports whether any workload failed verification.
func (r Report) Failed() bool {
	for _, res := range r {
		if res.Err != nil {
			return true
		}
	}
	return false
}

func (r Report) String() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STRUCTURE\tOPS\tELAPSED\tOPS/S\tBLOCKS\tLIVE\tRESULT")
	for _, res := range r {
		status := "ok"
		if res.Err != nil {
			status = "FAIL: " + res.Err.Error()
		}
		rate := 0.0
		if res.Elapsed > 0 {
			rate = float64(res.Ops) / res.Elapsed.Seconds()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%.0f\t%d\t%d\t%s\n",
			res.Structure, res.Ops, res.Elapsed.Round(time.Millisecond), rate, res.Pool.Blocks, res.Pool.Live, status)
	}
	w.Flush()
	return b.String()
}

// Stress runs concurrent workloads over the structures and verifies them.
type Stress struct {
	cfg       *Config
	domain    *memory.Domain
	seq       *sequence.Sequencer
	collector *metrics.Collector

	// names registered with collector
	registered []string
}

// New validates cfg (defaults are filled for zero values) and prepares a
// run. collector may be nil; otherwise each workload's allocator and the
// shared domain are registered with it.
func New(cfg *Config, collector *metrics.Collector) (*Stress, error) {
	c := *cfg
	if err := c.withDefaults().validate(); err != nil {
		return nil, err
	}
	s := &Stress{
		cfg:       &c,
		domain:    memory.NewDomain(memory.DomainConfig{}),
		seq:       sequence.New(0),
		collector: collector,
	}
	if collector != nil {
		collector.AddDomain(domainName, s.domain)
		s.registered = append(s.registered, domainName)
	}
	return s, nil
}

// Close unregisters the domain and every workload allocator from the
// collector, so a collector outliving this Stress stops reporting them.
func (s *Stress) Close() {
	if s.collector == nil {
		return
	}
	for _, name := range s.registered {
		s.collector.Remove(name)
	}
	s.registered = nil
}

// Issued returns how many value IDs the last Run handed out.
func (s *Stress) Issued() uint64 {
	return s.seq.Current()
}

// Domain returns the epoch domain shared by every workload.
func (s *Stress) Domain() *memory.Domain {
	return s.domain
}

// Run executes the selected workloads one after another. Verification
// failures are reported per workload; the returned error is non-nil only if
// ctx ended the run early.
func (s *Stress) Run(ctx context.Context) (Report, error) {
	rctx, stop := context.WithCancel(ctx)
	rec := reclaimer.New(s.cfg.ReclaimInterval, s.domain)
	rec.Start(rctx)
	defer func() {
		stop()
		<-rec.Done()
	}()

	s.seq.Reset(0)
	log.Printf("[stress] %d workers x %d ops, structures=%s, seed=%d",
		s.cfg.Workers, s.cfg.Ops, strings.Join(s.cfg.Structures, ","), s.cfg.Seed)

	var report Report
	for _, name := range s.cfg.Structures {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		start := time.Now()
		res := s.run(ctx, name)
		res.Structure = name
		res.Elapsed = time.Since(start)
		report = append(report, res)
		if res.Err != nil {
			log.Printf("[stress] %s FAILED after %s: %v", name, res.Elapsed, res.Err)
		} else {
			log.Printf("[stress] %s ok, %d ops in %s", name, res.Ops, res.Elapsed)
		}
	}
	log.Printf("[stress] %d value ids issued", s.seq.Current())
	return report, ctx.Err()
}

func (s *Stress) run(ctx context.Context, name string) Result {
	switch name {
	case Queue:
		return s.runQueue(ctx)
	case MPMC:
		return s.runMPMC(ctx)
	case HashMap:
		return s.runHashMap(ctx)
	case SkipList:
		return s.runSkipList(ctx)
	default:
		return s.runBPTree(ctx)
	}
}

func (s *Stress) register(name string, src metrics.PoolSource) {
	if s.collector != nil {
		s.collector.AddPool(name, src)
		if !slices.Contains(s.registered, name) {
			s.registered = append(s.registered, name)
		}
	}
}
