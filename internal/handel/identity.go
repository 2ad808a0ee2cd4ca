package handel

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Identity is the canonical resolution of a set of contributors.
// It is either a SingleIdentity or an AggregateIdentity.
type Identity interface {
	// Signers returns the signer ids as a new bitset.
	Signers() *bitset.BitSet

	// Len returns the number of signers.
	Len() int
}

// Registry resolves contributor sets into identities.
// It must be pure: equal inputs always yield equal identities for the
// lifetime of an aggregation round.
type Registry interface {
	// SignersIdentity resolves contributors into a single or aggregate identity.
	SignersIdentity(contributors *bitset.BitSet) Identity
}

// SingleIdentity is a single signer.
type SingleIdentity int

// Signers returns a set containing only this signer.
func (s SingleIdentity) Signers() *bitset.BitSet {
	return bitset.New(uint(s) + 1).Set(uint(s))
}

// Len returns 1.
func (s SingleIdentity) Len() int {
	return 1
}

// String implements fmt.Stringer.
func (s SingleIdentity) String() string {
	return fmt.Sprintf("Single(%d)", int(s))
}

// AggregateIdentity is a weighted set of signers.
type AggregateIdentity struct {
	Set    *bitset.BitSet // Set holds the signer ids
	Weight uint64         // Weight is the combined weight of the signers
}

// Signers returns a copy of the signer set.
func (a AggregateIdentity) Signers() *bitset.BitSet {
	if a.Set == nil {
		return bitset.New(0)
	}

	return a.Set.Clone()
}

// Len returns the number of signers.
func (a AggregateIdentity) Len() int {
	if a.Set == nil {
		return 0
	}

	return int(a.Set.Count())
}

// String implements fmt.Stringer.
func (a AggregateIdentity) String() string {
	return fmt.Sprintf("Aggregate(%v, weight=%d)", a.Set, a.Weight)
}

// IdentityOf resolves ids the way a registry without weights would:
// a single id is a SingleIdentity, anything else an AggregateIdentity
// weighted by its cardinality.
func IdentityOf(ids *bitset.BitSet) Identity {
	if ids.Count() == 1 {
		id, _ := ids.NextSet(0)
		return SingleIdentity(id)
	}

	return AggregateIdentity{Set: ids.Clone(), Weight: uint64(ids.Count())}
}

// IdentityRegistry is a Registry where every contributor id is its own signer.
type IdentityRegistry struct{}

// SignersIdentity implements Registry.
func (IdentityRegistry) SignersIdentity(contributors *bitset.BitSet) Identity {
	return IdentityOf(contributors)
}
