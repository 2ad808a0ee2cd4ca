package handel

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

var (
	// ErrInvalidLevel is returned for a level at or beyond the number of levels.
	ErrInvalidLevel = errors.New("invalid level")

	// ErrEmptyLevel is returned for a level that has no peers in this population.
	ErrEmptyLevel = errors.New("empty level")

	// ErrOverlapping is returned when two contributions share a contributor.
	ErrOverlapping = errors.New("overlapping contributions")

	// ErrInvalidPopulation is returned when a partitioner is built for no ids.
	ErrInvalidPopulation = errors.New("population must contain at least one id")

	// ErrInvalidNodeID is returned when the node id lies outside the population.
	ErrInvalidNodeID = errors.New("node id outside of population")
)

// LevelError reports a partitioning failure for a specific level.
type LevelError struct {
	Level int   // Level is the requested level
	Err   error // Err is ErrInvalidLevel or ErrEmptyLevel
}

// Error implements error.
func (e *LevelError) Error() string {
	return fmt.Sprintf("%v: %d", e.Err, e.Level)
}

// Unwrap returns the sentinel error.
func (e *LevelError) Unwrap() error {
	return e.Err
}

// OverlapError is returned by Contribution.Combine when both operands
// contain some of the same contributors.
type OverlapError struct {
	Overlap *bitset.BitSet // Overlap holds the ids present in both operands
}

// NewOverlapError builds an OverlapError from the intersection of two sets.
func NewOverlapError(a, b *bitset.BitSet) *OverlapError {
	return &OverlapError{Overlap: a.Intersection(b)}
}

// Error implements error.
func (e *OverlapError) Error() string {
	return fmt.Sprintf("%v: %v", ErrOverlapping, e.Overlap)
}

// Unwrap returns ErrOverlapping.
func (e *OverlapError) Unwrap() error {
	return ErrOverlapping
}
