package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Model kinds accepted in a bundle.
const (
	KindGBTree   = "gbtree"
	KindLogistic = "logistic"
	KindIForest  = "iforest"
	KindTreePath = "tree_path"
	KindLinear   = "linear"
	KindRemote   = "remote"
)

// Bundle is the versioned artifact set produced by training. The feature
// order travels with the fitted components so they cannot drift apart.
type Bundle struct {
	Version      string          `json:"version"`
	CreatedAt    string          `json:"created_at,omitempty"`
	TrainingInfo map[string]any  `json:"training_info,omitempty"`
	FeatureOrder []string        `json:"feature_order"`
	Scaler       ScalerSpec      `json:"scaler"`
	Classifier   ClassifierSpec  `json:"classifier"`
	Anomaly      AnomalySpec     `json:"anomaly"`
	Explainer    *ExplainerSpec  `json:"explainer,omitempty"`
	Reference    ReferenceTables `json:"reference"`
}

// ScalerSpec holds fitted standardization parameters.
type ScalerSpec struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// ClassifierSpec describes the supervised model.
type ClassifierSpec struct {
	Kind string `json:"kind"`

	// gbtree
	BaseMargin float64   `json:"base_margin,omitempty"`
	Split      SplitRule `json:"split,omitempty"`
	Trees      []Tree    `json:"trees,omitempty"`

	// logistic
	Weights   []float64 `json:"weights,omitempty"`
	Intercept float64   `json:"intercept,omitempty"`

	// remote
	URL string `json:"url,omitempty"`
}

// AnomalySpec describes the unsupervised model.
type AnomalySpec struct {
	Kind string `json:"kind"`

	// CalibrationCenter is added to the raw score before it is mapped to a
	// risk: risk = clamp(1 - (raw + center), 0, 1). It is fixed at training.
	CalibrationCenter *float64 `json:"calibration_center"`

	// iforest
	MaxSamples int     `json:"max_samples,omitempty"`
	Offset     float64 `json:"offset,omitempty"`
	Trees      []Tree  `json:"trees,omitempty"`

	// remote
	URL string `json:"url,omitempty"`
}

// ExplainerSpec describes the attribution mechanism.
type ExplainerSpec struct {
	Kind string `json:"kind"`

	// linear
	Baseline []float64 `json:"baseline,omitempty"`

	// remote
	URL string `json:"url,omitempty"`
}

// ReferenceTables are the customer and device snapshots shipped with a bundle.
type ReferenceTables struct {
	Customers []domain.CustomerRecord `json:"customers"`
	Devices   []domain.DeviceRecord   `json:"devices"`
}

// Artifacts are the components built from a bundle, ready to serve.
type Artifacts struct {
	Version           string
	CreatedAt         string
	TrainingInfo      map[string]any
	FeatureOrder      []string
	Scaler            *Scaler
	Classifier        domain.Scorer
	Anomaly           domain.Scorer
	CalibrationCenter float64

	// Explainer is nil when the bundle has none or it could not be built;
	// ExplainerErr then says why.
	Explainer    domain.Explainer
	ExplainerErr error

	Reference ReferenceTables
}

// BuildOptions configures components that talk to the network.
type BuildOptions struct {
	RemoteTimeout time.Duration
}

// LoadFile reads a bundle from a JSON file.
func LoadFile(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a bundle from r.
func Decode(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: decode bundle: %v", domain.ErrInvalidArtifact, err)
	}
	if b.Version == "" {
		return nil, fmt.Errorf("%w: bundle has no version", domain.ErrInvalidArtifact)
	}
	if len(b.FeatureOrder) == 0 {
		return nil, fmt.Errorf("%w: bundle has no feature order", domain.ErrInvalidArtifact)
	}
	return &b, nil
}

// Build constructs the serving components of b and checks that every fitted
// component agrees with the bundle's feature order. A broken explainer does
// not fail the build; it is reported in Artifacts.ExplainerErr.
func Build(b *Bundle, opts BuildOptions) (*Artifacts, error) {
	dim := len(b.FeatureOrder)

	scaler, err := NewScaler(b.Scaler.Mean, b.Scaler.Scale)
	if err != nil {
		return nil, err
	}
	if scaler.Dim() != dim {
		return nil, &domain.DimensionMismatchError{Component: "scaler", Expected: dim, Got: scaler.Dim()}
	}

	classifier, err := buildClassifier(b.Classifier, dim, opts)
	if err != nil {
		return nil, err
	}

	if b.Anomaly.CalibrationCenter == nil {
		return nil, fmt.Errorf("%w: anomaly calibration_center is missing", domain.ErrInvalidArtifact)
	}
	anomaly, err := buildAnomaly(b.Anomaly, dim, opts)
	if err != nil {
		return nil, err
	}

	a := &Artifacts{
		Version:           b.Version,
		CreatedAt:         b.CreatedAt,
		TrainingInfo:      b.TrainingInfo,
		FeatureOrder:      append([]string(nil), b.FeatureOrder...),
		Scaler:            scaler,
		Classifier:        classifier,
		Anomaly:           anomaly,
		CalibrationCenter: *b.Anomaly.CalibrationCenter,
		Reference:         b.Reference,
	}

	if b.Explainer == nil {
		a.ExplainerErr = errors.New("bundle has no explainer")
		return a, nil
	}
	explainer, err := buildExplainer(*b.Explainer, classifier, dim, opts)
	if err != nil {
		a.ExplainerErr = err
		return a, nil
	}
	a.Explainer = explainer
	return a, nil
}

func buildClassifier(spec ClassifierSpec, dim int, opts BuildOptions) (domain.Scorer, error) {
	switch spec.Kind {
	case KindGBTree:
		return NewGradientBoosted(dim, spec.BaseMargin, spec.Split, spec.Trees)
	case KindLogistic:
		if len(spec.Weights) != dim {
			return nil, &domain.DimensionMismatchError{Component: "classifier", Expected: dim, Got: len(spec.Weights)}
		}
		return NewLogistic(spec.Weights, spec.Intercept)
	case KindRemote:
		return NewRemote("classifier", spec.URL, opts.RemoteTimeout)
	default:
		return nil, fmt.Errorf("%w: unknown classifier kind %q", domain.ErrInvalidArtifact, spec.Kind)
	}
}

func buildAnomaly(spec AnomalySpec, dim int, opts BuildOptions) (domain.Scorer, error) {
	switch spec.Kind {
	case KindIForest:
		return NewIsolationForest(dim, spec.MaxSamples, spec.Offset, spec.Trees)
	case KindRemote:
		return NewRemote("anomaly", spec.URL, opts.RemoteTimeout)
	default:
		return nil, fmt.Errorf("%w: unknown anomaly kind %q", domain.ErrInvalidArtifact, spec.Kind)
	}
}

func buildExplainer(spec ExplainerSpec, classifier domain.Scorer, dim int, opts BuildOptions) (domain.Explainer, error) {
	switch spec.Kind {
	case KindTreePath:
		gb, ok := classifier.(*GradientBoosted)
		if !ok {
			return nil, fmt.Errorf("%w: tree_path explainer needs a gbtree classifier", domain.ErrInvalidArtifact)
		}
		return NewTreePathExplainer(gb), nil
	case KindLinear:
		lr, ok := classifier.(*Logistic)
		if !ok {
			return nil, fmt.Errorf("%w: linear explainer needs a logistic classifier", domain.ErrInvalidArtifact)
		}
		if spec.Baseline != nil && len(spec.Baseline) != dim {
			return nil, &domain.DimensionMismatchError{Component: "explainer", Expected: dim, Got: len(spec.Baseline)}
		}
		return NewLinearExplainer(lr.weights, spec.Baseline)
	case KindRemote:
		return NewRemote("explainer", spec.URL, opts.RemoteTimeout)
	default:
		return nil, fmt.Errorf("%w: unknown explainer kind %q", domain.ErrInvalidArtifact, spec.Kind)
	}
}
