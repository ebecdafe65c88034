package model

import (
	"context"
	"fmt"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// TreePathExplainer attributes a boosted ensemble's margin to features by
// following each tree's decision path and crediting every split's feature
// with the change in expected value it caused.
type TreePathExplainer struct {
	model *GradientBoosted
}

// NewTreePathExplainer explains m. Internal nodes of m must carry expected values.
func NewTreePathExplainer(m *GradientBoosted) *TreePathExplainer {
	return &TreePathExplainer{model: m}
}

// Explain returns per-feature contributions in log-odds.
func (e *TreePathExplainer) Explain(_ context.Context, v []float64) ([]float64, error) {
	if len(v) != e.model.dim {
		return nil, &domain.DimensionMismatchError{Component: "explainer", Expected: e.model.dim, Got: len(v)}
	}
	contrib := make([]float64, len(v))
	for i := range e.model.trees {
		t := &e.model.trees[i]
		t.walk(v, e.model.split, func(parent, child int) {
			p := t.Nodes[parent]
			contrib[p.Feature] += t.Nodes[child].Value - p.Value
		})
	}
	return contrib, nil
}

// LinearExplainer attributes a linear model's output as weight times the
// feature's distance from a baseline.
type LinearExplainer struct {
	weights  []float64
	baseline []float64
}

// NewLinearExplainer builds an explainer; a nil baseline means all zeros.
func NewLinearExplainer(weights, baseline []float64) (*LinearExplainer, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: linear explainer has no weights", domain.ErrInvalidArtifact)
	}
	if baseline == nil {
		baseline = make([]float64, len(weights))
	}
	if len(baseline) != len(weights) {
		return nil, &domain.DimensionMismatchError{Component: "explainer", Expected: len(weights), Got: len(baseline)}
	}
	return &LinearExplainer{weights: weights, baseline: baseline}, nil
}

// Explain returns w_i * (x_i - baseline_i) for each feature.
func (e *LinearExplainer) Explain(_ context.Context, v []float64) ([]float64, error) {
	if len(v) != len(e.weights) {
		return nil, &domain.DimensionMismatchError{Component: "explainer", Expected: len(e.weights), Got: len(v)}
	}
	contrib := make([]float64, len(v))
	for i, x := range v {
		contrib[i] = e.weights[i] * (x - e.baseline[i])
	}
	return contrib, nil
}
