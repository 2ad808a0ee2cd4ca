package aggregation

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a BLS public key in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a BLS signature in bytes.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// keygenTag binds derived BLS keys to their Ed25519 origin.
var keygenTag = []byte("handel-bls-keygen")

// BLSKeyPair holds a BLS private/public key pair.
type BLSKeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// DeriveFromED25519 derives a deterministic BLS key pair from an ED25519 private key.
// The BLS key is bound to the validator's identity via BLAKE3(tag || seed).
func DeriveFromED25519(privKey ed25519.PrivateKey) (*BLSKeyPair, error) {
	h := blake3.New()
	h.Write(keygenTag)
	h.Write(privKey.Seed())

	var derived [32]byte
	h.Sum(derived[:0])

	return GenerateBLSKeyFromSeed(derived[:])
}

// GenerateBLSKey creates a new BLS key pair from random seed.
func GenerateBLSKey() (*BLSKeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return GenerateBLSKeyFromSeed(ikm[:])
}

// GenerateBLSKeyFromSeed creates a BLS key pair from a deterministic seed.
// The seed must be at least 32 bytes.
func GenerateBLSKeyFromSeed(seed []byte) (*BLSKeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes, got %d", len(seed))
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &BLSKeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign creates a compressed BLS signature over the message.
func (k *BLSKeyPair) Sign(message []byte) []byte {
	return k.signPoint(message).Compress()
}

// signPoint signs message and returns the uncompressed point.
func (k *BLSKeyPair) signPoint(message []byte) *blst.P2Affine {
	return new(blst.P2Affine).Sign(k.secret, message, blsDST)
}

// PublicKeyBytes returns the compressed public key bytes.
func (k *BLSKeyPair) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// Verify checks a BLS signature against a message and public key.
func Verify(signature, message, publicKey []byte) bool {
	return VerifyAggregated(signature, message, [][]byte{publicKey})
}

// VerifyAggregated verifies an aggregated signature against a message and multiple public keys.
func VerifyAggregated(signature, message []byte, publicKeys [][]byte) bool {
	sig, ok := decodePoint(signature)
	if !ok {
		return false
	}

	aggKey, ok := aggregateKeys(publicKeys)
	if !ok {
		return false
	}

	return sig.Verify(true, aggKey, true, message, blsDST)
}

// decodePoint uncompresses a signature, rejecting wrong sizes.
func decodePoint(signature []byte) (*blst.P2Affine, bool) {
	if len(signature) != BLSSignatureSize {
		return nil, false
	}

	sig := new(blst.P2Affine).Uncompress(signature)

	return sig, sig != nil
}

// aggregateKeys sums compressed public keys into one key.
// A single key is returned as is.
func aggregateKeys(publicKeys [][]byte) (*blst.P1Affine, bool) {
	if len(publicKeys) == 0 {
		return nil, false
	}

	keys := make([]*blst.P1Affine, len(publicKeys))

	for i, raw := range publicKeys {
		if len(raw) != BLSPublicKeySize {
			return nil, false
		}

		if keys[i] = new(blst.P1Affine).Uncompress(raw); keys[i] == nil {
			return nil, false
		}
	}

	if len(keys) == 1 {
		return keys[0], true
	}

	agg := new(blst.P1Aggregate)
	if !agg.Aggregate(keys, true) {
		return nil, false
	}

	return agg.ToAffine(), true
}

// RoundMessage returns the message every participant signs in round.
// Message = BLAKE3("handel-round" || round || payload)
func RoundMessage(round uint64, payload []byte) []byte {
	h := blake3.New()
	h.Write([]byte("handel-round"))

	var r [8]byte
	for i := range r {
		r[i] = byte(round >> (8 * (7 - i)))
	}
	h.Write(r[:])
	h.Write(payload)

	return h.Sum(nil)
}
