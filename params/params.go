// Package params owns the trainable parameters of one peer: a weight matrix
// and bias row per linear layer, allocated according to the run's placement.
// Modules never hold the matrices directly; they carry stable layer indices
// and borrow the slots from the store on each use.
package params

import (
	"math/rand"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/mat"
)

// DefaultSeed keeps freshly initialized replicas identical across peers.
// Tensor-parallel runs rely on this: with no per-batch synchronization the
// replicas only stay aligned because they start from the same draw.
const DefaultSeed int64 = 42

// Range is a peer's contiguous slice of the linear layer stack, inclusive
// on both ends.
type Range struct {
	Min int
	Max int
}

// Contains reports whether the global layer index falls in the range.
func (r Range) Contains(layer int) bool { return layer >= r.Min && layer <= r.Max }

// Count returns the number of layers in the range.
func (r Range) Count() int { return r.Max - r.Min + 1 }

// Distribute assigns numLayers linear layers to size peers as contiguous
// ranges: every peer gets numLayers/size, and the first numLayers%size peers
// one extra. The union of the ranges covers the whole stack with no overlap.
func Distribute(numLayers, size int) ([]Range, error) {
	if numLayers < size {
		return nil, xerrors.Errorf("params: %d layers cannot be distributed to %d peers", numLayers, size)
	}
	ranges := make([]Range, size)
	base, extra := numLayers/size, numLayers%size
	next := 0
	for peer := 0; peer < size; peer++ {
		count := base
		if peer < extra {
			count++
		}
		ranges[peer] = Range{Min: next, Max: next + count - 1}
		next += count
	}
	return ranges, nil
}

// Slot is one layer's owned parameters.
type Slot struct {
	Weights *mat.Dense // (in, out)
	Bias    *mat.Dense // (1, out)
}

// Store holds the slots this peer owns. Under full replication the store
// covers every layer; under pipeline placement only the peer's assigned
// range.
type Store struct {
	shape []int
	owned Range
	slots []Slot // indexed by layer position relative to owned.Min
}

// NewStore allocates and initializes the slots for the layers in owned,
// given the full layer shape [w0, w1, ..., wL]. Initialization draws
// uniform floats in [-1, 1) from the given seed, layer by layer in global
// order, so every peer that allocates a superset range produces identical
// values for shared layers.
func NewStore(shape []int, owned Range, seed int64) (*Store, error) {
	if len(shape) < 2 {
		return nil, xerrors.Errorf("params: layer shape needs at least two widths, got %d", len(shape))
	}
	numLayers := len(shape) - 1
	if owned.Min < 0 || owned.Max >= numLayers || owned.Min > owned.Max {
		return nil, xerrors.Errorf("params: owned range [%d, %d] outside layer stack of %d", owned.Min, owned.Max, numLayers)
	}
	s := &Store{shape: shape, owned: owned, slots: make([]Slot, owned.Count())}
	rng := rand.New(rand.NewSource(seed))
	for layer := 0; layer < numLayers; layer++ {
		in, out := shape[layer], shape[layer+1]
		if !owned.Contains(layer) {
			// Keep the stream position aligned with peers that own
			// this layer.
			skip := in*out + out
			for i := 0; i < skip; i++ {
				rng.Float64()
			}
			continue
		}
		slot := Slot{
			Weights: mat.NewDense(in, out, nil),
			Bias:    mat.NewDense(1, out, nil),
		}
		for i := 0; i < in; i++ {
			for j := 0; j < out; j++ {
				slot.Weights.Set(i, j, uniform(rng))
			}
		}
		for j := 0; j < out; j++ {
			slot.Bias.Set(0, j, uniform(rng))
		}
		s.slots[layer-owned.Min] = slot
	}
	return s, nil
}

func uniform(rng *rand.Rand) float64 {
	return rng.Float64()*2 - 1
}

// Shape returns the full layer shape the store was built for.
func (s *Store) Shape() []int { return s.shape }

// NumLayers returns the number of linear layers in the full stack.
func (s *Store) NumLayers() int { return len(s.shape) - 1 }

// Owned returns the range of layers this peer holds.
func (s *Store) Owned() Range { return s.owned }

// Weights borrows the weight matrix for the global layer index. The store
// retains ownership; the borrow is valid for the store's lifetime.
func (s *Store) Weights(layer int) *mat.Dense {
	return s.slots[layer-s.owned.Min].Weights
}

// Bias borrows the bias row for the global layer index.
func (s *Store) Bias(layer int) *mat.Dense {
	return s.slots[layer-s.owned.Min].Bias
}
