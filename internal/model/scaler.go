// Package model holds the fitted artifacts served by Sentinel: the scaler,
// the classifier, the anomaly detector and the explainer, plus the bundle
// format they are shipped in.
package model

import (
	"fmt"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Scaler is a fitted standardization transform.
type Scaler struct {
	mean  []float64
	scale []float64
}

// NewScaler builds a scaler from fitted means and standard deviations.
// A zero deviation is treated as one, matching how constant columns are fitted.
func NewScaler(mean, scale []float64) (*Scaler, error) {
	if len(mean) == 0 {
		return nil, fmt.Errorf("%w: scaler has no parameters", domain.ErrInvalidArtifact)
	}
	if len(mean) != len(scale) {
		return nil, &domain.DimensionMismatchError{Component: "scaler", Expected: len(mean), Got: len(scale)}
	}
	s := &Scaler{
		mean:  make([]float64, len(mean)),
		scale: make([]float64, len(scale)),
	}
	copy(s.mean, mean)
	for i, v := range scale {
		if v == 0 {
			v = 1
		}
		s.scale[i] = v
	}
	return s, nil
}

// Dim returns the vector length the scaler was fitted on.
func (s *Scaler) Dim() int {
	return len(s.mean)
}

// Transform returns a standardized copy of v.
func (s *Scaler) Transform(v []float64) ([]float64, error) {
	if len(v) != len(s.mean) {
		return nil, &domain.DimensionMismatchError{Component: "scaler", Expected: len(s.mean), Got: len(v)}
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = (x - s.mean[i]) / s.scale[i]
	}
	return out, nil
}
