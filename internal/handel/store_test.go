package handel

import (
	"errors"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"pgregory.net/rapid"
)

// counter is a contribution adding up values, used to observe merges.
type counter struct {
	value        uint64         // value is the sum of the combined values
	contributors *bitset.BitSet // contributors are the combined ids
}

// newCounter creates a counter with the given value and contributors.
func newCounter(value uint64, ids ...uint) *counter {
	set := bitset.New(0)
	for _, id := range ids {
		set.Set(id)
	}

	return &counter{value: value, contributors: set}
}

func (c *counter) Contributors() *bitset.BitSet {
	return c.contributors.Clone()
}

func (c *counter) Combine(other *counter) error {
	if c.contributors.IntersectionCardinality(other.contributors) > 0 {
		return NewOverlapError(c.contributors, other.contributors)
	}

	c.value += other.value
	c.contributors.InPlaceUnion(other.contributors)

	return nil
}

func (c *counter) Clone() *counter {
	return &counter{value: c.value, contributors: c.contributors.Clone()}
}

// sameIDs reports whether both sets hold the same ids, whatever their capacity.
func sameIDs(a, b *bitset.BitSet) bool {
	return a.SymmetricDifferenceCardinality(b) == 0
}

// slotRegistry maps contributor ids to signers; unmapped ids sign for themselves.
type slotRegistry map[uint]uint

func (r slotRegistry) SignersIdentity(contributors *bitset.BitSet) Identity {
	signers := bitset.New(0)

	for id, ok := contributors.NextSet(0); ok; id, ok = contributors.NextSet(id + 1) {
		if signer, mapped := r[id]; mapped {
			signers.Set(signer)
		} else {
			signers.Set(id)
		}
	}

	return IdentityOf(signers)
}

// testProtocol binds a partitioner with a registry for counters.
type testProtocol struct {
	partitioner *BinomialPartitioner
	registry    Registry
}

func (p testProtocol) Partitioner() Partitioner { return p.partitioner }
func (p testProtocol) Registry() Registry       { return p.registry }

// newTestStore creates a store for a population of numIDs seen from nodeID.
func newTestStore(t testing.TB, nodeID, numIDs int) *ReplaceStore[string, *counter] {
	t.Helper()

	proto := testProtocol{
		partitioner: mustPartitioner(t, nodeID, numIDs),
		registry:    IdentityRegistry{},
	}

	return NewStore[string, *counter](proto)
}

// put offers c to the store and fails the test on error.
func put(t testing.TB, s *ReplaceStore[string, *counter], c *counter, level int, registry Registry) {
	t.Helper()

	if err := s.Put(c, level, registry, "peer"); err != nil {
		t.Fatalf("put at level %d: %v", level, err)
	}
}

// expectBest checks the best contribution at level.
func expectBest(t *testing.T, s *ReplaceStore[string, *counter], level int, value uint64, ids ...uint) {
	t.Helper()

	best, ok := s.Best(level)
	if !ok {
		t.Fatalf("no best contribution at level %d", level)
	}

	want := newCounter(value, ids...)
	if best.value != want.value || !sameIDs(best.contributors, want.contributors) {
		t.Errorf("best at level %d: got {%d %v}, want {%d %v}",
			level, best.value, best.contributors, want.value, want.contributors)
	}
}

// TestStoreScenario replays the merge of two signers where one of them
// resubmits a different individual contribution.
func TestStoreScenario(t *testing.T) {
	s := newTestStore(t, 3, 16)
	level := 3

	// contributor 1 belongs to signer 0, contributors 2 and 8 to signer 1
	registry := slotRegistry{1: 0, 2: 1, 8: 1}

	put(t, s, newCounter(1, 1), level, registry)
	expectBest(t, s, level, 1, 1)

	put(t, s, newCounter(10, 2), level, registry)
	expectBest(t, s, level, 11, 1, 2)

	put(t, s, newCounter(20, 8), level, registry)
	expectBest(t, s, level, 21, 1, 8)

	individual, ok, err := s.IndividualSignature(level, 1)
	if err != nil || !ok {
		t.Fatalf("individual of signer 1: ok=%v err=%v", ok, err)
	}

	if individual.value != 20 {
		t.Errorf("individual of signer 1 should be superseded: got value %d", individual.value)
	}
}

// TestStoreEmptyLevel verifies that the first contribution of a level is accepted as is.
func TestStoreEmptyLevel(t *testing.T) {
	s := newTestStore(t, 0, 8)

	if _, ok := s.Best(3); ok {
		t.Fatal("fresh store should have no best contribution")
	}

	put(t, s, newCounter(9, 4, 5, 6), 3, IdentityRegistry{})
	expectBest(t, s, 3, 9, 4, 5, 6)

	if s.BestLevel() != 3 {
		t.Errorf("best level: got %d, want 3", s.BestLevel())
	}
}

// TestStoreMergesDisjoint verifies that disjoint contributions are combined.
func TestStoreMergesDisjoint(t *testing.T) {
	s := newTestStore(t, 0, 8)

	put(t, s, newCounter(5, 4, 5), 3, IdentityRegistry{})
	put(t, s, newCounter(13, 6, 7), 3, IdentityRegistry{})

	expectBest(t, s, 3, 18, 4, 5, 6, 7)
}

// TestStoreSupersetReplacement verifies that an overlapping superset replaces the best.
func TestStoreSupersetReplacement(t *testing.T) {
	s := newTestStore(t, 0, 8)

	put(t, s, newCounter(2, 4, 5), 3, IdentityRegistry{})
	put(t, s, newCounter(7, 4, 5, 6), 3, IdentityRegistry{})

	expectBest(t, s, 3, 7, 4, 5, 6)
}

// TestStoreComplements verifies that verified individuals fill in an overlapping aggregate.
func TestStoreComplements(t *testing.T) {
	s := newTestStore(t, 0, 8)

	put(t, s, newCounter(1, 4), 3, IdentityRegistry{})
	put(t, s, newCounter(2, 5), 3, IdentityRegistry{})
	expectBest(t, s, 3, 3, 4, 5)

	// overlaps the best on 5, individual 4 is added back
	put(t, s, newCounter(100, 5, 6, 7), 3, IdentityRegistry{})
	expectBest(t, s, 3, 101, 4, 5, 6, 7)
}

// TestStoreNoImprovement verifies that a weaker contribution is discarded.
func TestStoreNoImprovement(t *testing.T) {
	s := newTestStore(t, 0, 8)

	put(t, s, newCounter(3, 4, 5, 6), 3, IdentityRegistry{})
	put(t, s, newCounter(50, 6), 3, IdentityRegistry{})

	expectBest(t, s, 3, 3, 4, 5, 6)

	verified, err := s.IndividualVerified(3)
	if err != nil {
		t.Fatalf("individual verified: %v", err)
	}

	if !verified.Test(6) || verified.Count() != 1 {
		t.Errorf("individual verified: got %v, want {6}", verified)
	}

	if !s.IndividualReceived(6) || s.IndividualReceived(4) {
		t.Error("only the individual contribution should be marked as received")
	}
}

// TestStoreEqualAggregateDiscarded verifies that an equal-size overlapping aggregate keeps the best.
func TestStoreEqualAggregateDiscarded(t *testing.T) {
	s := newTestStore(t, 0, 8)

	put(t, s, newCounter(3, 4, 5), 3, IdentityRegistry{})
	put(t, s, newCounter(30, 5, 6), 3, IdentityRegistry{})

	expectBest(t, s, 3, 3, 4, 5)
}

// TestStoreBestLevel verifies that the best level never decreases.
func TestStoreBestLevel(t *testing.T) {
	s := newTestStore(t, 0, 8)

	put(t, s, newCounter(1, 2), 2, IdentityRegistry{})
	put(t, s, newCounter(1, 1), 1, IdentityRegistry{})

	if s.BestLevel() != 2 {
		t.Errorf("best level: got %d, want 2", s.BestLevel())
	}
}

// TestStoreInvalidLevel verifies that out of range levels are rejected.
func TestStoreInvalidLevel(t *testing.T) {
	s := newTestStore(t, 0, 8)

	if err := s.Put(newCounter(1, 1), 4, IdentityRegistry{}, "peer"); !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("put: got %v, want ErrInvalidLevel", err)
	}

	if _, err := s.IndividualVerified(4); !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("individual verified: got %v, want ErrInvalidLevel", err)
	}

	if _, _, err := s.IndividualSignature(-1, 0); !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("individual signature: got %v, want ErrInvalidLevel", err)
	}

	if _, ok := s.Best(9); ok {
		t.Error("best of invalid level should be absent")
	}
}

// TestStoreReceivedBounds verifies that received marks ignore unknown ids.
func TestStoreReceivedBounds(t *testing.T) {
	s := newTestStore(t, 0, 8)

	for _, id := range []int{-1, 8, 1000} {
		s.MarkReceived(id)

		if s.IndividualReceived(id) {
			t.Errorf("id %d outside the population should not be received", id)
		}
	}

	s.MarkReceived(7)
	if !s.IndividualReceived(7) {
		t.Error("id 7 should be received")
	}
}

// TestStoreEmptyBootstrap verifies that the first contribution of a level is kept even when empty.
func TestStoreEmptyBootstrap(t *testing.T) {
	s := newTestStore(t, 0, 8)

	put(t, s, newCounter(0), 3, IdentityRegistry{})

	best, ok := s.Best(3)
	if !ok || best.Contributors().Count() != 0 {
		t.Fatalf("best: got %v, %v", best, ok)
	}

	if s.BestLevel() != 3 {
		t.Errorf("best level: got %d, want 3", s.BestLevel())
	}

	// any real contribution replaces it
	put(t, s, newCounter(5, 6), 3, IdentityRegistry{})
	expectBest(t, s, 3, 5, 6)
}

// TestStoreCombined verifies that best contributions of lower levels are folded together.
func TestStoreCombined(t *testing.T) {
	s := newTestStore(t, 0, 8)

	if _, ok := s.Combined(3); ok {
		t.Fatal("empty store should have no combined contribution")
	}

	put(t, s, newCounter(1, 0), 0, IdentityRegistry{})
	put(t, s, newCounter(2, 1), 1, IdentityRegistry{})
	put(t, s, newCounter(20, 4, 5), 3, IdentityRegistry{})

	tests := []struct {
		level int
		value uint64
		ids   []uint
	}{
		{0, 1, []uint{0}},
		{1, 3, []uint{0, 1}},
		{2, 3, []uint{0, 1}},
		{3, 23, []uint{0, 1, 4, 5}},
		{10, 23, []uint{0, 1, 4, 5}},
	}

	for _, tt := range tests {
		got, ok := s.Combined(tt.level)
		if !ok {
			t.Fatalf("combined(%d) missing", tt.level)
		}

		want := newCounter(tt.value, tt.ids...)
		if got.value != want.value || !sameIDs(got.contributors, want.contributors) {
			t.Errorf("combined(%d): got {%d %v}, want {%d %v}",
				tt.level, got.value, got.contributors, want.value, want.contributors)
		}
	}

	// combining must not alter the stored best
	expectBest(t, s, 0, 1, 0)
}

// TestCombine verifies folding and the empty case.
func TestCombine(t *testing.T) {
	if _, ok := Combine[*counter](nil, 0); ok {
		t.Error("combining nothing should yield nothing")
	}

	first := newCounter(1, 0)
	got, ok := Combine([]*counter{first, newCounter(2, 1), newCounter(4, 2, 3)}, 2)
	if !ok {
		t.Fatal("combine returned nothing")
	}

	if got.value != 7 || got.contributors.Count() != 4 {
		t.Errorf("combine: got {%d %v}", got.value, got.contributors)
	}

	if first.value != 1 {
		t.Error("combine must not modify its inputs")
	}
}

// TestCombineOverlapPanics verifies that overlapping inputs are treated as a bug.
func TestCombineOverlapPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on overlapping contributions")
		}
	}()

	Combine([]*counter{newCounter(1, 0, 1), newCounter(2, 1)}, 1)
}

// TestCounterCombineDisjointness verifies the combine contract the store relies on.
func TestCounterCombineDisjointness(t *testing.T) {
	a := newCounter(1, 1, 2)

	err := a.Combine(newCounter(1, 2, 3))
	if !errors.Is(err, ErrOverlapping) {
		t.Fatalf("overlap: got %v", err)
	}

	var overlap *OverlapError
	if !errors.As(err, &overlap) || !sameIDs(overlap.Overlap, newCounter(0, 2).contributors) {
		t.Errorf("overlap set: got %v", err)
	}

	if a.value != 1 || a.contributors.Count() != 2 {
		t.Error("failed combine must leave the receiver untouched")
	}
}

// TestStoreProperties checks monotonic improvement and absence of double counting
// under random arrival orders.
func TestStoreProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numIDs := rapid.IntRange(2, 64).Draw(t, "numIDs")
		nodeID := rapid.IntRange(0, numIDs-1).Draw(t, "nodeID")

		p, _ := NewBinomialPartitioner(nodeID, numIDs)
		s := NewReplaceStore[string, *counter](p)

		// every id contributes id+1, so any value tells whether an id was counted twice
		valueOf := func(c *counter) uint64 {
			var sum uint64
			for id, ok := c.contributors.NextSet(0); ok; id, ok = c.contributors.NextSet(id + 1) {
				sum += uint64(id) + 1
			}
			return sum
		}

		lastCount := make([]uint, p.Levels())
		lastLevel := 0

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			level := rapid.IntRange(0, p.Levels()-1).Draw(t, "level")

			r, err := p.Range(level)
			if err != nil {
				continue
			}

			ids := rapid.SliceOfNDistinct(rapid.IntRange(r.Min, r.Max), 1, r.Len(), rapid.ID[int]).Draw(t, "ids")

			c := newCounter(0)
			for _, id := range ids {
				c.contributors.Set(uint(id))
			}
			c.value = valueOf(c)

			if err := s.Put(c, level, IdentityRegistry{}, "peer"); err != nil {
				t.Fatalf("put: %v", err)
			}

			best, ok := s.Best(level)
			if !ok {
				t.Fatalf("level %d has no best after a put", level)
			}

			if best.value != valueOf(best) {
				t.Fatalf("level %d: value %d does not match contributors %v", level, best.value, best.contributors)
			}

			if best.contributors.Count() < lastCount[level] {
				t.Fatalf("level %d: best shrank from %d to %d", level, lastCount[level], best.contributors.Count())
			}
			lastCount[level] = best.contributors.Count()

			if s.BestLevel() < lastLevel {
				t.Fatalf("best level decreased from %d to %d", lastLevel, s.BestLevel())
			}
			lastLevel = s.BestLevel()

			combined, ok := s.Combined(p.Levels() - 1)
			if !ok || combined.value != valueOf(combined) {
				t.Fatalf("combined contribution double counts: %v", combined)
			}
		}
	})
}
