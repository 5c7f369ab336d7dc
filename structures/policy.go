// Package structures holds what the concurrent structures under it share.
package structures

// DuplicatePolicy decides what Insert does when the key is already present.
type DuplicatePolicy uint8

const (
	// DefaultPolicy picks the structure's own default: Reject for the hash
	// map, Overwrite for the ordered structures.
	DefaultPolicy DuplicatePolicy = iota
	// Reject leaves the stored value alone and Insert returns false.
	Reject
	// Overwrite replaces the stored value and Insert returns true.
	Overwrite
)

// Or returns p, or def when p is DefaultPolicy.
func (p DuplicatePolicy) Or(def DuplicatePolicy) DuplicatePolicy {
	if p == DefaultPolicy {
		return def
	}
	return p
}

func (p DuplicatePolicy) String() string {
	switch p {
	case Reject:
		return "reject"
	case Overwrite:
		return "overwrite"
	default:
		return "default"
	}
}
