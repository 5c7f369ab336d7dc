// Package memory provides the low-level primitives for memory
// management and safe reclamation. It includes the fixed-size
// block Pool every structure carves its nodes from, the epoch
// Domain that defers block reuse until no reader can still hold
// a reference, and the RetireRing each participant parks retired
// blocks on.
//
// Nothing here is global: every structure owns its pools and is
// handed (or creates) its own Domain.
package memory
