package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Each maps to one error kind on the wire.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrFeatureEngineering = errors.New("feature engineering failed")
	ErrArtifactsNotLoaded = errors.New("artifacts not loaded")
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrExplainerFailure   = errors.New("explainer failed")
	ErrScoringUnavailable = errors.New("scoring unavailable")
	ErrInvalidArtifact    = errors.New("invalid artifact")
)

// Error kinds reported to API callers.
const (
	KindInvalidRequest     = "INVALID_REQUEST"
	KindFeatureEngineering = "FEATURE_ENGINEERING_ERROR"
	KindArtifactsNotLoaded = "ARTIFACTS_NOT_LOADED"
	KindDimensionMismatch  = "DIMENSION_MISMATCH"
	KindExplainerFailure   = "EXPLAINER_FAILURE"
	KindScoringUnavailable = "SCORING_UNAVAILABLE"
	KindNotFound           = "NOT_FOUND"
	KindInternal           = "INTERNAL"
)

// FeatureError reports an input field the feature engine could not use.
type FeatureError struct {
	Field string
	Value string
	Err   error
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("feature engineering: field %s (%q): %v", e.Field, e.Value, e.Err)
}

func (e *FeatureError) Unwrap() []error { return []error{ErrFeatureEngineering, e.Err} }

// DimensionMismatchError reports a vector whose length differs from what a
// fitted component expects. It means the artifact bundle is inconsistent.
type DimensionMismatchError struct {
	Component string
	Expected  int
	Got       int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: dimension mismatch: expected %d, got %d", e.Component, e.Expected, e.Got)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// ScoringError reports a model that failed to produce a score.
type ScoringError struct {
	Model string
	Err   error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("%s: %v", e.Model, e.Err)
}

func (e *ScoringError) Unwrap() []error { return []error{ErrScoringUnavailable, e.Err} }

// KindOf returns the wire kind of err.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDimensionMismatch):
		return KindDimensionMismatch
	case errors.Is(err, ErrFeatureEngineering):
		return KindFeatureEngineering
	case errors.Is(err, ErrArtifactsNotLoaded):
		return KindArtifactsNotLoaded
	case errors.Is(err, ErrScoringUnavailable):
		return KindScoringUnavailable
	case errors.Is(err, ErrExplainerFailure):
		return KindExplainerFailure
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidRequest
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// Retryable reports whether a caller may retry a request that failed with err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindArtifactsNotLoaded, KindScoringUnavailable:
		return true
	}
	return false
}

// ErrorBody is the wire form of a failed request.
type ErrorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ErrorResponse wraps an ErrorBody in the response envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse describes err for a caller. Server-side failures carry a
// fixed message so that internal details stay in the logs.
func NewErrorResponse(err error) ErrorResponse {
	kind := KindOf(err)
	msg := err.Error()
	switch kind {
	case KindInternal:
		msg = "internal error"
	case KindDimensionMismatch:
		msg = "model artifacts are inconsistent; serving halted"
	case KindScoringUnavailable:
		msg = "a scoring model is unavailable"
	case KindArtifactsNotLoaded:
		msg = "model artifacts are not loaded"
	}
	return ErrorResponse{Error: ErrorBody{Kind: kind, Message: msg, Retryable: Retryable(err)}}
}
