package model

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// GradientBoosted is a boosted tree ensemble with a logistic link.
type GradientBoosted struct {
	dim        int
	baseMargin float64
	split      SplitRule
	trees      []Tree
}

// NewGradientBoosted validates trees against the vector dimension.
func NewGradientBoosted(dim int, baseMargin float64, split SplitRule, trees []Tree) (*GradientBoosted, error) {
	if len(trees) == 0 {
		return nil, fmt.Errorf("%w: classifier has no trees", domain.ErrInvalidArtifact)
	}
	if split == "" {
		split = SplitLess
	}
	for i := range trees {
		if err := trees[i].validate(dim); err != nil {
			return nil, fmt.Errorf("classifier tree %d: %w", i, err)
		}
	}
	return &GradientBoosted{dim: dim, baseMargin: baseMargin, split: split, trees: trees}, nil
}

// Margin returns the raw (log-odds) output for v.
func (g *GradientBoosted) Margin(v []float64) (float64, error) {
	if len(v) != g.dim {
		return 0, &domain.DimensionMismatchError{Component: "classifier", Expected: g.dim, Got: len(v)}
	}
	m := g.baseMargin
	for i := range g.trees {
		leaf, _ := g.trees[i].walk(v, g.split, nil)
		m += leaf.Value
	}
	return m, nil
}

// Score returns the fraud probability for v.
func (g *GradientBoosted) Score(_ context.Context, v []float64) (float64, error) {
	m, err := g.Margin(v)
	if err != nil {
		return 0, err
	}
	return sigmoid(m), nil
}

// Logistic is a logistic-regression classifier.
type Logistic struct {
	weights   []float64
	intercept float64
}

// NewLogistic builds a logistic model over len(weights) features.
func NewLogistic(weights []float64, intercept float64) (*Logistic, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: logistic model has no weights", domain.ErrInvalidArtifact)
	}
	w := make([]float64, len(weights))
	copy(w, weights)
	return &Logistic{weights: w, intercept: intercept}, nil
}

// Score returns the fraud probability for v.
func (l *Logistic) Score(_ context.Context, v []float64) (float64, error) {
	if len(v) != len(l.weights) {
		return 0, &domain.DimensionMismatchError{Component: "classifier", Expected: len(l.weights), Got: len(v)}
	}
	z := l.intercept
	for i, x := range v {
		z += l.weights[i] * x
	}
	return sigmoid(z), nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
