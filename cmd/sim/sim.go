package main

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"Handel/internal/aggregation"
	"Handel/internal/handel"
	"Handel/internal/logger"
	"Handel/internal/validators"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

// Report summarizes a finished round.
type Report struct {
	Weights  []uint64 // Weights is the result weight per participant, 0 when offline
	Total    uint64   // Total is the weight of all participants
	Quorum   uint64   // Quorum is the weight needed to finish
	Done     int      // Done is the number of online participants that reached quorum
	Agreeing int      // Agreeing is the number of online participants holding the reference aggregate
	Verified bool     // Verified is true if the reference aggregate verifies
	Signers  uint     // Signers is the number of contributors of the reference aggregate
}

// participant is one simulated node.
type participant struct {
	id      int                     // id is the position in the validator set
	key     *aggregation.BLSKeyPair // key is the derived BLS key
	session *aggregation.Session    // session aggregates this node's view
}

// deriveKey derives the Ed25519 identity of participant id, then its BLS key.
func deriveKey(seed string, id int) (*aggregation.BLSKeyPair, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))

	h := blake3.New()
	h.Write([]byte(seed))
	h.Write(buf[:])

	edSeed := h.Sum(nil)[:ed25519.SeedSize]

	return aggregation.DeriveFromED25519(ed25519.NewKeyFromSeed(edSeed))
}

// setup creates the validator set and one session per participant.
func setup(cfg *Config, metrics *aggregation.Metrics) ([]*participant, *validators.ValidatorSet, []byte, error) {
	participants := make([]*participant, cfg.Nodes)
	vals := make([]validators.Validator, cfg.Nodes)

	for i := range participants {
		key, err := deriveKey(cfg.Seed, i)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("derive key %d:\n%w", i, err)
		}

		participants[i] = &participant{id: i, key: key}
		vals[i] = validators.Validator{PublicKey: key.PublicKeyBytes(), Weight: 1}
	}

	vs, err := validators.NewValidatorSet(vals)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create validator set:\n%w", err)
	}

	message := aggregation.RoundMessage(cfg.Round, []byte(cfg.Payload))

	for _, p := range participants {
		p.session, err = aggregation.NewSession(aggregation.SessionConfig{
			NodeID:     p.id,
			Key:        p.key,
			Validators: vs,
			Message:    message,
			Metrics:    metrics,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create session %d:\n%w", p.id, err)
		}
	}

	return participants, vs, message, nil
}

// simulate runs one round level by level and reports the outcome.
func simulate(ctx context.Context, cfg *Config, metrics *aggregation.Metrics) (*Report, error) {
	start := time.Now()

	participants, vs, message, err := setup(cfg, metrics)
	if err != nil {
		return nil, err
	}

	levels := participants[0].session.Levels()
	logger.Info("round ready", "nodes", cfg.Nodes, "offline", len(cfg.Offline), "levels", levels, logger.Timed(start))

	for level := 1; level < levels; level++ {
		levelStart := time.Now()

		if err := runLevel(ctx, cfg, participants, vs, level); err != nil {
			return nil, fmt.Errorf("level %d:\n%w", level, err)
		}

		logger.Debug("level complete", "level", level, logger.Timed(levelStart))
	}

	return report(cfg, participants, vs, message)
}

// runLevel lets every online participant send its level contribution to its peers.
func runLevel(ctx context.Context, cfg *Config, participants []*participant, vs *validators.ValidatorSet, level int) error {
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}

	for _, sender := range participants {
		if cfg.Offline[sender.id] {
			continue
		}

		sender := sender
		g.Go(func() error {
			return send(ctx, cfg, participants, vs, sender, level)
		})
	}

	return g.Wait()
}

// send delivers the outgoing contribution of sender to every peer at level.
// Every peer decodes its own copy of the sealed envelope.
func send(
	ctx context.Context,
	cfg *Config,
	participants []*participant,
	vs *validators.ValidatorSet,
	sender *participant,
	level int,
) error {
	peers, err := sender.session.Peers(level)
	if errors.Is(err, handel.ErrEmptyLevel) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("peers of %d:\n%w", sender.id, err)
	}

	out, ok := sender.session.Outgoing(level)
	if !ok {
		return fmt.Errorf("node %d has nothing to send", sender.id)
	}

	env, err := seal(sender, level, out, vs.Len())
	if err != nil {
		return fmt.Errorf("seal from %d:\n%w", sender.id, err)
	}

	for _, to := range peers {
		if err := ctx.Err(); err != nil {
			return err
		}

		if cfg.Offline[to] {
			continue
		}

		from, sig, err := open(env, vs)
		if err != nil {
			return fmt.Errorf("node %d opening envelope:\n%w", to, err)
		}

		if err := participants[to].session.Receive(from, env.Level, sig); err != nil {
			return fmt.Errorf("node %d receiving from %d:\n%w", to, from, err)
		}
	}

	return nil
}

// report collects the result of every participant and verifies the first online aggregate.
func report(cfg *Config, participants []*participant, vs *validators.ValidatorSet, message []byte) (*Report, error) {
	r := &Report{
		Weights: make([]uint64, len(participants)),
		Total:   vs.TotalWeight(),
		Quorum:  vs.QuorumWeight(),
	}

	var reference *aggregation.Signature
	results := make([]*aggregation.Signature, 0, len(participants))

	for _, p := range participants {
		if cfg.Offline[p.id] {
			continue
		}

		r.Weights[p.id] = p.session.Weight()
		if p.session.Done() {
			r.Done++
		}

		result, ok := p.session.Result()
		if !ok {
			return nil, fmt.Errorf("node %d has no result:\n%w", p.id, p.session.Err())
		}

		if reference == nil {
			reference = result
		}

		results = append(results, result)
	}

	for _, result := range results {
		if result.Equal(reference) {
			r.Agreeing++
		}
	}

	r.Signers = reference.Contributors().Count()

	if err := reference.Verify(message, vs); err != nil {
		logger.Warn("aggregate verification failed", "error", err)
	} else {
		r.Verified = true
	}

	return r, nil
}
