package aggregation

import (
	"bytes"
	"fmt"

	"Handel/internal/handel"
	"Handel/internal/validators"

	"github.com/bits-and-blooms/bitset"
	blst "github.com/supranational/blst/bindings/go"
)

// Signature is a BLS signature together with the validators it covers.
// It is the contribution aggregated by a Handel round.
type Signature struct {
	point        blst.P2Affine  // point is the aggregated G2 point
	contributors *bitset.BitSet // contributors are the ids covered by point
}

// NewSignature signs message with key on behalf of validator id.
func NewSignature(key *BLSKeyPair, message []byte, id int) *Signature {
	contributors := bitset.New(uint(id + 1))
	contributors.Set(uint(id))

	return &Signature{
		point:        *key.signPoint(message),
		contributors: contributors,
	}
}

// SignatureFromBytes decodes a compressed signature covering contributors.
func SignatureFromBytes(signature []byte, contributors *bitset.BitSet) (*Signature, error) {
	if len(signature) != BLSSignatureSize {
		return nil, fmt.Errorf("invalid signature size: got %d, want %d", len(signature), BLSSignatureSize)
	}

	if contributors == nil || contributors.None() {
		return nil, fmt.Errorf("signature has no contributors")
	}

	point, ok := decodePoint(signature)
	if !ok {
		return nil, fmt.Errorf("invalid signature encoding")
	}

	if !point.SigValidate(false) {
		return nil, fmt.Errorf("signature is not in the G2 subgroup")
	}

	return &Signature{point: *point, contributors: contributors.Clone()}, nil
}

// Contributors returns the ids covered by the signature.
func (s *Signature) Contributors() *bitset.BitSet {
	return s.contributors
}

// Combine adds other into s. Both must cover disjoint contributors.
// On error s is left unchanged.
func (s *Signature) Combine(other *Signature) error {
	if s.contributors.IntersectionCardinality(other.contributors) > 0 {
		return handel.NewOverlapError(s.contributors, other.contributors)
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate([]*blst.P2Affine{&s.point, &other.point}, false) {
		return fmt.Errorf("signature aggregation failed")
	}

	s.point = *agg.ToAffine()
	s.contributors.InPlaceUnion(other.contributors)

	return nil
}

// Clone returns a deep copy of s.
func (s *Signature) Clone() *Signature {
	return &Signature{
		point:        s.point,
		contributors: s.contributors.Clone(),
	}
}

// Bytes returns the compressed signature.
func (s *Signature) Bytes() []byte {
	return s.point.Compress()
}

// Equal reports whether s and other hold the same point and contributors.
func (s *Signature) Equal(other *Signature) bool {
	if s.contributors.SymmetricDifferenceCardinality(other.contributors) != 0 {
		return false
	}

	return bytes.Equal(s.Bytes(), other.Bytes())
}

// Verify checks the signature over message against the keys of its contributors.
func (s *Signature) Verify(message []byte, vs *validators.ValidatorSet) error {
	keys, err := vs.PublicKeys(s.contributors)
	if err != nil {
		return fmt.Errorf("resolve contributors:\n%w", err)
	}

	if len(keys) == 1 {
		if !Verify(s.Bytes(), message, keys[0]) {
			return fmt.Errorf("invalid signature from validator %d", firstSet(s.contributors))
		}

		return nil
	}

	if !VerifyAggregated(s.Bytes(), message, keys) {
		return fmt.Errorf("invalid signature for %d contributors", len(keys))
	}

	return nil
}

// firstSet returns the lowest id in b.
func firstSet(b *bitset.BitSet) uint {
	id, _ := b.NextSet(0)

	return id
}

// SignerBitmap encodes the contributors as a bitmap over total validators.
// Bit i is set in byte i/8 at position i%8.
func (s *Signature) SignerBitmap(total int) ([]byte, error) {
	bitmap := make([]byte, (total+7)/8)

	for id, ok := s.contributors.NextSet(0); ok; id, ok = s.contributors.NextSet(id + 1) {
		if int(id) >= total {
			return nil, fmt.Errorf("contributor %d out of range [0, %d)", id, total)
		}

		bitmap[id/8] |= 1 << (id % 8)
	}

	return bitmap, nil
}

// ParseSignerBitmap decodes a signer bitmap into a contributor set.
func ParseSignerBitmap(bitmap []byte) *bitset.BitSet {
	contributors := bitset.New(uint(len(bitmap) * 8))

	for i, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				contributors.Set(uint(i*8 + bit))
			}
		}
	}

	return contributors
}

// String returns a short description for logs.
func (s *Signature) String() string {
	return fmt.Sprintf("sig%v", s.contributors)
}
