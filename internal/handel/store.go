package handel

import (
	"errors"
	"fmt"

	"Handel/internal/logger"

	"github.com/bits-and-blooms/bitset"
)

// entry pairs a contribution with its resolved identity.
type entry[C any] struct {
	contribution C        // contribution is the stored value
	identity     Identity // identity is the registry resolution of its contributors
}

// ReplaceStore keeps, per level, the best known aggregate and every verified
// individual contribution. A better aggregate replaces the current best.
//
// ReplaceStore is not safe for concurrent use; callers serialize access.
type ReplaceStore[ID any, C Contribution[C]] struct {
	partitioner Partitioner // partitioner defines the levels

	bestLevel int // bestLevel is the highest level that ever improved

	// individualReceived holds the ids we received any contribution from
	individualReceived *bitset.BitSet

	// individualVerified holds, per level, the ids with a verified individual contribution
	individualVerified []*bitset.BitSet

	// individualContributions holds, per level, the individual contribution of each id
	individualContributions []map[int]entry[C]

	// bestContribution holds the best contribution of each level, nil if none
	bestContribution []*entry[C]
}

// NewReplaceStore creates an empty store for the levels of partitioner.
func NewReplaceStore[ID any, C Contribution[C]](partitioner Partitioner) *ReplaceStore[ID, C] {
	levels := partitioner.Levels()

	s := &ReplaceStore[ID, C]{
		partitioner:             partitioner,
		individualReceived:      bitset.New(uint(partitioner.Size())),
		individualVerified:      make([]*bitset.BitSet, levels),
		individualContributions: make([]map[int]entry[C], levels),
		bestContribution:        make([]*entry[C], levels),
	}

	for level := 0; level < levels; level++ {
		s.individualVerified[level] = bitset.New(uint(partitioner.Size()))
		s.individualContributions[level] = make(map[int]entry[C])
	}

	return s
}

// checkLevel returns an error if level is not a level of the partitioner.
func (s *ReplaceStore[ID, C]) checkLevel(level int) error {
	if level < 0 || level >= len(s.bestContribution) {
		return &LevelError{Level: level, Err: ErrInvalidLevel}
	}

	return nil
}

// Put offers contribution for level.
// The registry resolves contributors into identities and identifier only
// identifies the sender in logs.
//
// The first contribution of a level always becomes its best, even one with
// no contributors, and raises BestLevel. Callers that receive contributions
// from peers reject empty ones before calling Put.
func (s *ReplaceStore[ID, C]) Put(contribution C, level int, registry Registry, identifier ID) error {
	if err := s.checkLevel(level); err != nil {
		return err
	}

	superseded := false

	if single, ok := registry.SignersIdentity(contribution.Contributors()).(SingleIdentity); ok {
		id := int(single)

		_, superseded = s.individualContributions[level][id]

		s.individualReceived.Set(uint(id))
		s.individualVerified[level].Set(uint(id))
		s.individualContributions[level][id] = entry[C]{
			contribution: contribution.Clone(),
			identity:     single,
		}
	}

	best, ok := s.checkMerge(contribution, registry, level, identifier, superseded)
	if !ok {
		return nil
	}

	s.bestContribution[level] = &entry[C]{
		contribution: best,
		identity:     registry.SignersIdentity(best.Contributors()),
	}

	if level > s.bestLevel {
		logger.Debug("best level is now", "id", identifier, "level", level)
		s.bestLevel = level
	}

	return nil
}

// checkMerge decides whether contribution improves the best of level and
// returns the new best if so.
//
// superseded is true when contribution replaced an individual contribution
// already stored for the same signer; an equal-size result is then accepted.
func (s *ReplaceStore[ID, C]) checkMerge(
	contribution C,
	registry Registry,
	level int,
	identifier ID,
	superseded bool,
) (C, bool) {
	var zero C

	best := s.bestContribution[level]
	if best == nil {
		logger.Debug("level was empty",
			"id", identifier,
			"level", level,
			"contributors", contribution.Contributors(),
		)

		return contribution.Clone(), true
	}

	bestSigners := best.identity.Signers()
	incoming := registry.SignersIdentity(contribution.Contributors()).Signers()

	candidate := contribution.Clone()

	// A signer already counted in the best must not be counted twice,
	// even if the contributor sets themselves are disjoint.
	var err error
	if incoming.IntersectionCardinality(bestSigners) > 0 {
		err = NewOverlapError(incoming, bestSigners)
	} else {
		err = candidate.Combine(best.contribution)
	}

	var contributors *bitset.BitSet

	if err != nil {
		if !errors.Is(err, ErrOverlapping) {
			panic(fmt.Errorf("BUG: combine failed without overlap at level %d: %w", level, err))
		}

		contributors = incoming

		if contributors.IsSuperSet(bestSigners) {
			logger.Debug("new contribution is superset of current best, replacing",
				"id", identifier,
				"level", level,
				"signers", contributors,
			)

			return candidate, true
		}

		logger.Debug("combining contributions failed",
			"id", identifier,
			"level", level,
			"error", err,
		)
	} else {
		contributors = registry.SignersIdentity(candidate.Contributors()).Signers()
	}

	verified := s.individualVerified[level]

	// verified individuals not yet counted can be added for free
	complements := verified.Difference(contributors)

	total := complements.Count() + contributors.Count()
	current := bestSigners.Count()

	if total < current || (total == current && !superseded) {
		logger.Debug("no improvement possible",
			"id", identifier,
			"level", level,
			"candidate", total,
			"best", current,
		)

		return zero, false
	}

	for id, ok := complements.NextSet(0); ok; id, ok = complements.NextSet(id + 1) {
		individual, found := s.individualContributions[level][int(id)]
		if !found {
			panic(fmt.Errorf("BUG: individual contribution %d missing for level %d", id, level))
		}

		if err := candidate.Combine(individual.contribution); err != nil {
			panic(fmt.Errorf("BUG: individual contribution from id=%d can't be added at level %d: %w", id, level, err))
		}
	}

	return candidate, true
}

// BestLevel returns the highest level that has ever improved.
func (s *ReplaceStore[ID, C]) BestLevel() int {
	return s.bestLevel
}

// IndividualReceived reports whether any contribution from peerID was seen.
func (s *ReplaceStore[ID, C]) IndividualReceived(peerID int) bool {
	return peerID >= 0 && s.individualReceived.Test(uint(peerID))
}

// MarkReceived records that a contribution from peerID arrived, verified or not.
// Ids outside the population are ignored.
func (s *ReplaceStore[ID, C]) MarkReceived(peerID int) {
	if peerID < 0 || peerID >= s.partitioner.Size() {
		return
	}

	s.individualReceived.Set(uint(peerID))
}

// IndividualVerified returns a copy of the verified individual ids at level.
func (s *ReplaceStore[ID, C]) IndividualVerified(level int) (*bitset.BitSet, error) {
	if err := s.checkLevel(level); err != nil {
		return nil, err
	}

	return s.individualVerified[level].Clone(), nil
}

// IndividualSignature returns the individual contribution of peerID at level.
func (s *ReplaceStore[ID, C]) IndividualSignature(level, peerID int) (C, bool, error) {
	var zero C
	if err := s.checkLevel(level); err != nil {
		return zero, false, err
	}

	e, ok := s.individualContributions[level][peerID]
	if !ok {
		return zero, false, nil
	}

	return e.contribution, true, nil
}

// Best returns the best contribution at level.
func (s *ReplaceStore[ID, C]) Best(level int) (C, bool) {
	var zero C
	if s.checkLevel(level) != nil || s.bestContribution[level] == nil {
		return zero, false
	}

	return s.bestContribution[level].contribution, true
}

// BestIdentity returns the identity of the best contribution at level.
func (s *ReplaceStore[ID, C]) BestIdentity(level int) (Identity, bool) {
	if s.checkLevel(level) != nil || s.bestContribution[level] == nil {
		return nil, false
	}

	return s.bestContribution[level].identity, true
}

// Combined returns the combination of the best contributions of all levels
// up to and including level. Levels beyond the last one are clamped.
func (s *ReplaceStore[ID, C]) Combined(level int) (C, bool) {
	if level >= len(s.bestContribution) {
		level = len(s.bestContribution) - 1
	}

	var contributions []C
	for l := 0; l <= level; l++ {
		if e := s.bestContribution[l]; e != nil {
			contributions = append(contributions, e.contribution)
		}
	}

	return Combine(contributions, level)
}
