package reclaimer

import (
	"context"
	"log"
	"time"

	"lockfree/infra/memory"
)

// DefaultInterval is how often Start advances epochs when no interval is
// given.
const DefaultInterval = 10 * time.Millisecond

// Reclaimer periodically advances the epoch of each domain and hands back
// objects parked by participants that have gone idle. Busy participants
// reclaim their own rings; this job covers the ones that stopped retiring.
type Reclaimer struct {
	domains  []*memory.Domain
	interval time.Duration
	done     chan struct{}
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(interval time.Duration, domains ...*memory.Domain) *Reclaimer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reclaimer{
		domains:  domains,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// ------------------------------------------------
// START LOOP
// ------------------------------------------------

// Start runs the loop until ctx is cancelled; Done is closed afterwards.
func (r *Reclaimer) Start(ctx context.Context) {
	log.Printf("[reclaimer] started (%d domains, every %s)", len(r.domains), r.interval)

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		total := 0
		for {
			select {
			case <-ctx.Done():
				total += r.RunOnce()
				log.Printf("[reclaimer] stopped, %d objects reclaimed", total)
				return

			case <-ticker.C:
				total += r.RunOnce()
			}
		}
	}()
}

// RunOnce advances every domain once and returns how many objects went
// back to their pools.
func (r *Reclaimer) RunOnce() int {
	n := 0
	for _, d := range r.domains {
		n += d.AdvanceEpochAndReclaim()
	}
	return n
}

// Done is closed when the loop started by Start has exited.
func (r *Reclaimer) Done() <-chan struct{} {
	return r.done
}
