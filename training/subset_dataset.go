package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-lesionseg/tensor"
)

// SubsetDataset exposes a fixed selection of samples from an underlying dataset.
type SubsetDataset struct {
	originalDataset Dataset
	indices         []int
}

// NewSubsetDataset creates a subset whose i-th sample is original[indices[i]].
func NewSubsetDataset(original Dataset, indices []int) (*SubsetDataset, error) {
	n := original.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("%w: subset index %d not in [0, %d)", ErrIndexOutOfRange, idx, n)
		}
	}
	return &SubsetDataset{
		originalDataset: original,
		indices:         append([]int(nil), indices...),
	}, nil
}

// Len returns the number of samples in the subset
func (sd *SubsetDataset) Len() int {
	return len(sd.indices)
}

// Get returns the idx-th sample of the subset.
func (sd *SubsetDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= len(sd.indices) {
		return nil, nil, fmt.Errorf("%w: subset index %d not in [0, %d)", ErrIndexOutOfRange, idx, len(sd.indices))
	}
	return sd.originalDataset.Get(sd.indices[idx])
}

// Indices returns the parent dataset indices in subset order.
func (sd *SubsetDataset) Indices() []int {
	return append([]int(nil), sd.indices...)
}

// RandomSplit partitions a dataset once into disjoint training and
// validation subsets. The validation subset holds floor(n*valFraction)
// samples drawn by a seeded permutation; the rest form the training subset.
func RandomSplit(ds Dataset, valFraction float64, seed int64) (train, val *SubsetDataset, err error) {
	if valFraction < 0 || valFraction >= 1 || math.IsNaN(valFraction) {
		return nil, nil, fmt.Errorf("validation fraction must be in [0, 1), got %g", valFraction)
	}

	n := ds.Len()
	valSize := int(math.Floor(float64(n) * valFraction))
	perm := rand.New(rand.NewSource(seed)).Perm(n)

	train, err = NewSubsetDataset(ds, perm[valSize:])
	if err != nil {
		return nil, nil, err
	}
	val, err = NewSubsetDataset(ds, perm[:valSize])
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}
