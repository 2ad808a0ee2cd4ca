package handel

import (
	"fmt"
	"math/bits"
)

// Partitioner assigns to every level the range of ids this node exchanges
// contributions with.
type Partitioner interface {
	// Levels returns the number of levels, including level 0 (the node itself).
	Levels() int

	// Size returns the total number of ids.
	Size() int

	// LevelSize returns the number of ids at level, or 0 if the level is
	// invalid or empty.
	LevelSize(level int) int

	// Range returns the ids that must be contacted at level.
	Range(level int) (Range, error)
}

// Range is an inclusive range of ids.
type Range struct {
	Min int // Min is the lowest id in the range
	Max int // Max is the highest id in the range
}

// Len returns the number of ids in the range.
func (r Range) Len() int {
	return r.Max - r.Min + 1
}

// Contains reports whether id lies in the range.
func (r Range) Contains(id int) bool {
	return id >= r.Min && id <= r.Max
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

// BinomialPartitioner doubles the size of the addressed subtree at every level.
// It is immutable and safe for concurrent use.
type BinomialPartitioner struct {
	nodeID    int // nodeID is the id of this node
	numIDs    int // numIDs is the number of ids handled (max id + 1)
	numLevels int // numLevels is the number of levels including level 0
}

// NewBinomialPartitioner creates a partitioner for nodeID in a population of numIDs.
func NewBinomialPartitioner(nodeID, numIDs int) (*BinomialPartitioner, error) {
	if numIDs < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPopulation, numIDs)
	}

	if nodeID < 0 || nodeID >= numIDs {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidNodeID, nodeID, numIDs)
	}

	return &BinomialPartitioner{
		nodeID:    nodeID,
		numIDs:    numIDs,
		numLevels: numLevels(numIDs),
	}, nil
}

// numLevels returns 1 for a single id, else floor(log2(n-1)) + 2.
func numLevels(n int) int {
	if n == 1 {
		return 1
	}

	return bits.Len(uint(n-1)) + 1
}

// NodeID returns the id of this node.
func (p *BinomialPartitioner) NodeID() int {
	return p.nodeID
}

// Levels returns the number of levels, including level 0.
func (p *BinomialPartitioner) Levels() int {
	return p.numLevels
}

// Size returns the number of ids.
func (p *BinomialPartitioner) Size() int {
	return p.numIDs
}

// LevelSize returns the size of the range at level, or 0 if it has none.
func (p *BinomialPartitioner) LevelSize(level int) int {
	r, err := p.Range(level)
	if err != nil {
		return 0
	}

	return r.Len()
}

// Range returns the ids to exchange contributions with at level.
//
// Level L >= 1 flips bit L-1 of the node id and spans every id sharing the
// remaining high bits, clipped to the population. The sibling subtree can lie
// entirely beyond the population, in which case the level is empty.
func (p *BinomialPartitioner) Range(level int) (Range, error) {
	if level == 0 {
		return Range{Min: p.nodeID, Max: p.nodeID}, nil
	}

	if level < 0 || level >= p.numLevels {
		return Range{}, &LevelError{Level: level, Err: ErrInvalidLevel}
	}

	// mask of the bits covered by the range
	m := (1 << (level - 1)) - 1
	// bit to flip
	f := 1 << (level - 1)

	lo := (p.nodeID ^ f) &^ m
	hi := min((p.nodeID^f)|m, p.numIDs-1)

	if lo > hi {
		return Range{}, &LevelError{Level: level, Err: ErrEmptyLevel}
	}

	return Range{Min: lo, Max: hi}, nil
}

// Peers returns the ids of the range at level in ascending order.
func (p *BinomialPartitioner) Peers(level int) ([]int, error) {
	r, err := p.Range(level)
	if err != nil {
		return nil, err
	}

	peers := make([]int, 0, r.Len())
	for id := r.Min; id <= r.Max; id++ {
		peers = append(peers, id)
	}

	return peers, nil
}

// LevelOf returns the level whose range contains peerID.
// Level 0 is returned for the node itself.
func (p *BinomialPartitioner) LevelOf(peerID int) (int, error) {
	if peerID < 0 || peerID >= p.numIDs {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidNodeID, peerID, p.numIDs)
	}

	if peerID == p.nodeID {
		return 0, nil
	}

	// the highest differing bit selects the subtree
	return bits.Len(uint(peerID ^ p.nodeID)), nil
}

// Combine folds contributions into a clone of the first one.
// It returns false when contributions is empty.
//
// The level is currently unused; it is kept so that combination can later
// depend on the level. Overlapping contributions are a caller bug and panic.
func Combine[C Contribution[C]](contributions []C, level int) (C, bool) {
	var zero C
	if len(contributions) == 0 {
		return zero, false
	}

	combined := contributions[0].Clone()

	for i, c := range contributions[1:] {
		if err := combined.Combine(c); err != nil {
			panic(fmt.Errorf("BUG: failed to combine contribution %d at level %d: %w", i+1, level, err))
		}
	}

	return combined, true
}
