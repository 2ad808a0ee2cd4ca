package main

import (
	"fmt"

	"Handel/internal/aggregation"
	"Handel/internal/validators"
)

// envelope is a contribution as it would travel between two participants.
type envelope struct {
	Sender    []byte // Sender is the BLS public key of the sender
	Level     int    // Level is the receiver's level for this contribution
	Signature []byte // Signature is the compressed aggregate
	Signers   []byte // Signers is the signer bitmap of the aggregate
}

// seal encodes sig as sent by sender at level.
func seal(sender *participant, level int, sig *aggregation.Signature, total int) (*envelope, error) {
	bitmap, err := sig.SignerBitmap(total)
	if err != nil {
		return nil, fmt.Errorf("encode signers:\n%w", err)
	}

	return &envelope{
		Sender:    sender.key.PublicKeyBytes(),
		Level:     level,
		Signature: sig.Bytes(),
		Signers:   bitmap,
	}, nil
}

// open resolves the sender of env and decodes its signature.
func open(env *envelope, vs *validators.ValidatorSet) (int, *aggregation.Signature, error) {
	from := vs.Index(env.Sender)
	if from < 0 {
		return 0, nil, fmt.Errorf("unknown sender %x", env.Sender[:min(8, len(env.Sender))])
	}

	sig, err := aggregation.SignatureFromBytes(env.Signature, aggregation.ParseSignerBitmap(env.Signers))
	if err != nil {
		return 0, nil, fmt.Errorf("decode signature from %d:\n%w", from, err)
	}

	return from, sig, nil
}
