package validators

import (
	"fmt"

	"Handel/internal/handel"

	"github.com/bits-and-blooms/bitset"
	"github.com/zeebo/blake3"
)

const (
	// quorumThreshold is the minimum percentage of weight required (67%).
	quorumThreshold = 67
)

// Hash is a 32-byte identifier derived from a validator public key.
type Hash [32]byte

// HashKey returns BLAKE3(publicKey).
func HashKey(publicKey []byte) Hash {
	return Hash(blake3.Sum256(publicKey))
}

// Validator is one participant of the aggregation.
type Validator struct {
	PublicKey []byte // PublicKey is the compressed BLS public key
	Weight    uint64 // Weight is the voting weight of the validator
}

// ValidatorSet holds the participants of an aggregation round, indexed by
// their position. It resolves contributor sets into weighted identities.
// A set never changes after NewValidatorSet, so concurrent reads need no lock.
type ValidatorSet struct {
	validators []Validator  // validators in id order
	index      map[Hash]int // key hash -> id
	total      uint64       // total is the sum of all weights
}

// NewValidatorSet creates a validator set. Ids are positions in the list.
func NewValidatorSet(validators []Validator) (*ValidatorSet, error) {
	vs := &ValidatorSet{
		validators: make([]Validator, len(validators)),
		index:      make(map[Hash]int, len(validators)),
	}

	for i, v := range validators {
		if v.Weight == 0 {
			return nil, fmt.Errorf("validator %d has zero weight", i)
		}

		h := HashKey(v.PublicKey)
		if _, exists := vs.index[h]; exists {
			return nil, fmt.Errorf("validator %d has a duplicate public key", i)
		}

		vs.validators[i] = Validator{
			PublicKey: append([]byte(nil), v.PublicKey...),
			Weight:    v.Weight,
		}
		vs.index[h] = i
		vs.total += v.Weight
	}

	return vs, nil
}

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int {
	return len(vs.validators)
}

// Index returns the id of the validator with publicKey, or -1 if not found.
func (vs *ValidatorSet) Index(publicKey []byte) int {
	if idx, exists := vs.index[HashKey(publicKey)]; exists {
		return idx
	}

	return -1
}

// PublicKey returns the public key of validator id.
func (vs *ValidatorSet) PublicKey(id int) ([]byte, error) {
	if id < 0 || id >= len(vs.validators) {
		return nil, fmt.Errorf("unknown validator %d", id)
	}

	return vs.validators[id].PublicKey, nil
}

// PublicKeys returns the public keys of the validators in signers, in id order.
func (vs *ValidatorSet) PublicKeys(signers *bitset.BitSet) ([][]byte, error) {
	keys := make([][]byte, 0, signers.Count())

	for id, ok := signers.NextSet(0); ok; id, ok = signers.NextSet(id + 1) {
		if int(id) >= len(vs.validators) {
			return nil, fmt.Errorf("unknown validator %d", id)
		}

		keys = append(keys, vs.validators[id].PublicKey)
	}

	return keys, nil
}

// Weight returns the combined weight of signers. Unknown ids weigh nothing.
func (vs *ValidatorSet) Weight(signers *bitset.BitSet) uint64 {
	return vs.weight(signers)
}

// weight sums the weights of signers.
func (vs *ValidatorSet) weight(signers *bitset.BitSet) uint64 {
	var sum uint64

	for id, ok := signers.NextSet(0); ok; id, ok = signers.NextSet(id + 1) {
		if int(id) < len(vs.validators) {
			sum += vs.validators[id].Weight
		}
	}

	return sum
}

// TotalWeight returns the weight of all validators.
func (vs *ValidatorSet) TotalWeight() uint64 {
	return vs.total
}

// QuorumWeight returns the minimum weight for quorum (67%).
func (vs *ValidatorSet) QuorumWeight() uint64 {
	return (vs.total*quorumThreshold + 99) / 100
}

// SignersIdentity resolves contributors into an identity.
// A single contributor resolves to a SingleIdentity, anything else to an
// AggregateIdentity carrying the combined weight.
func (vs *ValidatorSet) SignersIdentity(contributors *bitset.BitSet) handel.Identity {
	if contributors.Count() == 1 {
		id, _ := contributors.NextSet(0)
		return handel.SingleIdentity(id)
	}

	return handel.AggregateIdentity{
		Set:    contributors.Clone(),
		Weight: vs.weight(contributors),
	}
}
