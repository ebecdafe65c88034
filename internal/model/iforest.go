package model

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/sentinel/internal/domain"
)

const eulerGamma = 0.5772156649015329

// IsolationForest scores how isolated a vector is. Score returns the
// decision function: negative values are anomalous, positive values normal.
type IsolationForest struct {
	dim        int
	maxSamples int
	offset     float64
	trees      []Tree
}

// NewIsolationForest validates the trees. offset is the fitted threshold
// subtracted from the raw score; maxSamples is the sub-sample size per tree.
func NewIsolationForest(dim, maxSamples int, offset float64, trees []Tree) (*IsolationForest, error) {
	if len(trees) == 0 {
		return nil, fmt.Errorf("%w: isolation forest has no trees", domain.ErrInvalidArtifact)
	}
	if maxSamples < 2 {
		return nil, fmt.Errorf("%w: isolation forest max_samples %d", domain.ErrInvalidArtifact, maxSamples)
	}
	for i := range trees {
		if err := trees[i].validate(dim); err != nil {
			return nil, fmt.Errorf("isolation tree %d: %w", i, err)
		}
	}
	return &IsolationForest{dim: dim, maxSamples: maxSamples, offset: offset, trees: trees}, nil
}

// Score returns the decision function for v.
func (f *IsolationForest) Score(_ context.Context, v []float64) (float64, error) {
	if len(v) != f.dim {
		return 0, &domain.DimensionMismatchError{Component: "anomaly", Expected: f.dim, Got: len(v)}
	}
	var total float64
	for i := range f.trees {
		leaf, depth := f.trees[i].walk(v, SplitLessEqual, nil)
		total += float64(depth) + averagePathLength(leaf.Samples)
	}
	mean := total / float64(len(f.trees))
	raw := -math.Pow(2, -mean/averagePathLength(float64(f.maxSamples)))
	return raw - f.offset, nil
}

// averagePathLength is the expected path length of an unsuccessful search
// in a binary search tree of n nodes.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n <= 2:
		return 1
	default:
		return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
	}
}
