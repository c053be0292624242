package tlb

import (
	"fmt"

	"github.com/sarchlab/vmi/mem/internal/assoc"
)

// A Builder can build TLBs
type Builder struct {
	numSets  int
	numWays  int
	maxRoots int
}

// MakeBuilder returns a Builder
func MakeBuilder() Builder {
	return Builder{
		numSets:  64,
		numWays:  16,
		maxRoots: 1024,
	}
}

// WithNumSets sets the number of sets in a TLB. Use 1 for fully associated
// TLBs.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the number of ways in a TLB. Set this field to the number
// of TLB entries for fully associated TLBs.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// WithMaxTrackedRoots sets how many invalidated address spaces the TLB
// remembers individually. Beyond that, older invalidations are merged into a
// global one, which may drop some fresh entries early.
func (b Builder) WithMaxTrackedRoots(n int) Builder {
	b.maxRoots = n
	return b
}

// Build creates a new TLB
func (b Builder) Build() (*TLB, error) {
	if b.numSets <= 0 || b.numWays <= 0 {
		return nil, fmt.Errorf("invalid TLB geometry %d x %d",
			b.numSets, b.numWays)
	}

	if b.maxRoots <= 0 {
		return nil, fmt.Errorf("cannot track %d roots", b.maxRoots)
	}

	t := &TLB{
		rootGens: make(map[rootKey]uint64),
		maxRoots: b.maxRoots,
	}
	t.storage = assoc.New[key, block](b.numSets, b.numWays, hashKey)

	return t, nil
}
