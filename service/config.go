package service

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Structure names accepted in Config.Structures.
const (
	Queue    = "queue"
	MPMC     = "mpmc"
	HashMap  = "hashmap"
	SkipList = "skiplist"
	BPTree   = "bptree"
)

// AllStructures lists every workload in the order Run executes them.
var AllStructures = []string{Queue, MPMC, HashMap, SkipList, BPTree}

// Config represents the set of values for configuring a Stress run. Zero
// values take defaults.
type Config struct {
	// Workers is the number of goroutines per workload. Defaults to
	// GOMAXPROCS.
	Workers int
	// Ops is the number of operations each worker performs. Defaults to
	// 10,000.
	Ops int
	// Keys is the key space each worker draws from in the associative
	// workloads. Defaults to 1,024.
	Keys int
	// Capacity bounds the mpmc channel. Defaults to 64.
	Capacity int
	// Buckets is the hash map bucket count. Defaults to 1,024.
	Buckets int
	// Order is the B+ tree order. Defaults to 32.
	Order int
	// Structures selects the workloads to run. Defaults to AllStructures.
	Structures []string
	// ReclaimInterval is how often the background reclaimer runs. Defaults
	// to 10ms.
	ReclaimInterval time.Duration
	// Seed makes key choices reproducible. Defaults to the current time.
	Seed uint64
}

// ResolveConfig copies c, applies LOCKFREE_* environment overrides and
// fills defaults.
func ResolveConfig(c *Config) *Config {
	cfg := &Config{}
	if c != nil {
		*cfg = *c
	}
	envInt("LOCKFREE_WORKERS", &cfg.Workers)
	envInt("LOCKFREE_OPS", &cfg.Ops)
	envInt("LOCKFREE_KEYS", &cfg.Keys)
	envInt("LOCKFREE_CAPACITY", &cfg.Capacity)
	envInt("LOCKFREE_BUCKETS", &cfg.Buckets)
	envInt("LOCKFREE_ORDER", &cfg.Order)
	if env := os.Getenv("LOCKFREE_STRUCTURES"); env != "" {
		cfg.Structures = ParseStructures(env)
	}
	if env := os.Getenv("LOCKFREE_RECLAIM_INTERVAL"); env != "" {
		if val, err := time.ParseDuration(env); err == nil {
			cfg.ReclaimInterval = val
		}
	}
	if env := os.Getenv("LOCKFREE_SEED"); env != "" {
		if val, err := strconv.ParseUint(env, 10, 64); err == nil {
			cfg.Seed = val
		}
	}
	return cfg.withDefaults()
}

func (c *Config) withDefaults() *Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Ops <= 0 {
		c.Ops = 10000
	}
	if c.Keys <= 0 {
		c.Keys = 1024
	}
	if c.Capacity <= 0 {
		c.Capacity = 64
	}
	if c.Buckets <= 0 {
		c.Buckets = 1024
	}
	if c.Order <= 0 {
		c.Order = 32
	}
	if len(c.Structures) == 0 {
		c.Structures = AllStructures
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 10 * time.Millisecond
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
	}
	return c
}

func (c *Config) validate() error {
	for _, name := range c.Structures {
		known := false
		for _, s := range AllStructures {
			known = known || s == name
		}
		if !known {
			return errors.Newf("unknown structure %q (want one of %s)", name, strings.Join(AllStructures, ", "))
		}
	}
	if c.Order < 3 {
		return errors.Newf("B+ tree order %d below minimum 3", c.Order)
	}
	return nil
}

// ParseStructures splits a comma separated list; "all" selects every
// workload.
func ParseStructures(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "":
		case "all":
			return AllStructures
		default:
			out = append(out, part)
		}
	}
	return out
}

func envInt(name string, dst *int) {
	if env := os.Getenv(name); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			*dst = val
		}
	}
}
