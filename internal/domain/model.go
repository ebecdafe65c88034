package domain

import "context"

// Scorer is a trained model that maps a feature vector to a single score.
type Scorer interface {
	Score(ctx context.Context, vector []float64) (float64, error)
}

// Explainer attributes a score to features. The returned contributions are
// aligned index-for-index with the input vector.
type Explainer interface {
	Explain(ctx context.Context, vector []float64) ([]float64, error)
}
