package handel

import "github.com/bits-and-blooms/bitset"

// Contribution is an aggregatable value such as a multi-signature.
//
// Combine must fail with an *OverlapError when the contributor sets of both
// operands intersect, and must leave the receiver untouched in that case.
// A successful combine yields the union of both contributor sets and its
// result must not depend on the order in which disjoint contributions are
// combined.
type Contribution[C any] interface {
	// Contributors returns the ids represented by this contribution.
	Contributors() *bitset.BitSet

	// Combine merges other into the receiver.
	Combine(other C) error

	// Clone returns a deep copy.
	Clone() C
}
