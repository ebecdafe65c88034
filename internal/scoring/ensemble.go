// Package scoring runs the risk pipeline: it engineers features, scales them,
// scores both models in parallel, combines the scores and explains high-risk
// results.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Ensemble parameters.
const (
	AnomalyWeight     = 0.3
	ClassifierWeight  = 0.7
	HighRiskThreshold = 0.7
	TopFactorCount    = 3
)

// AnomalyRisk maps a raw anomaly score to a risk in [0, 1]. Lower raw scores
// are more anomalous and give higher risk.
func AnomalyRisk(raw, center float64) float64 {
	return clamp01(1 - (raw + center))
}

// Combine weighs the anomaly risk and the classifier probability into the ensemble score.
func Combine(anomalyRisk, probability float64) float64 {
	return AnomalyWeight*anomalyRisk + ClassifierWeight*probability
}

// IsHighRisk reports whether score is strictly above the high-risk threshold.
func IsHighRisk(score float64) bool {
	return score > HighRiskThreshold
}

// TopFactors returns the k features with the largest absolute contribution.
// Ties keep vector order.
func TopFactors(order []string, vector, contributions []float64, k int) ([]domain.RiskFactor, error) {
	if len(contributions) != len(order) {
		return nil, fmt.Errorf("%w: %d contributions for %d features",
			domain.ErrExplainerFailure, len(contributions), len(order))
	}
	if len(vector) != len(order) {
		return nil, &domain.DimensionMismatchError{Component: "explanation", Expected: len(order), Got: len(vector)}
	}

	idx := make([]int, len(order))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return math.Abs(contributions[idx[a]]) > math.Abs(contributions[idx[b]])
	})
	if k > len(idx) {
		k = len(idx)
	}

	factors := make([]domain.RiskFactor, 0, k)
	for _, i := range idx[:k] {
		factors = append(factors, domain.RiskFactor{
			Feature:      order[i],
			Contribution: contributions[i],
			Value:        vector[i],
		})
	}
	return factors, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
