// Package service drives the concurrent structures under sustained
// multi-goroutine load and checks the results.
//
// Each workload runs on its own structure instance sharing one epoch
// domain, with a background reclaimer advancing it. Associative workloads
// mirror every write into an in-memory pebble store and compare the final
// contents against it.
package service
