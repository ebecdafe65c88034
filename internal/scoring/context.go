package scoring

import (
	"fmt"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/features"
	"github.com/opensource-finance/sentinel/internal/model"
	"github.com/opensource-finance/sentinel/internal/policy"
)

// Context is the immutable set of artifacts a request is scored against. It is
// built once per bundle load and shared by every request until replaced.
type Context struct {
	artifacts *model.Artifacts
	engine    *features.Engine
	policy    *policy.Policy
	onError   domain.FeatureErrorPolicy
	loadedAt  time.Time
}

// Options configures a Context.
type Options struct {
	// Refs resolves customers and devices. Required.
	Refs domain.ReferenceStore

	// History supplies historical_txn_count; nil uses the placeholder count.
	History features.HistoryCounter

	Features domain.FeaturesConfig
	Decision domain.DecisionConfig
}

// NewContext wires built artifacts to a feature engine and a decision policy.
func NewContext(a *model.Artifacts, opts Options) (*Context, error) {
	if a == nil || a.Scaler == nil || a.Classifier == nil || a.Anomaly == nil {
		return nil, fmt.Errorf("%w: scaler, classifier and anomaly model are required", domain.ErrInvalidArtifact)
	}

	engine, err := features.NewEngine(a.FeatureOrder, opts.Refs, features.Options{
		UnknownTenure: opts.Features.UnknownTenure,
		History:       opts.History,
	})
	if err != nil {
		return nil, err
	}
	if engine.Dim() != a.Scaler.Dim() {
		return nil, &domain.DimensionMismatchError{Component: "scaler", Expected: engine.Dim(), Got: a.Scaler.Dim()}
	}

	decision := opts.Decision
	if len(decision.Tiers) == 0 {
		decision.Tiers = domain.DefaultTiers()
	}
	p, err := policy.New(decision)
	if err != nil {
		return nil, err
	}

	onError := opts.Features.OnError
	if onError == "" {
		onError = domain.FeatureErrorReject
	}

	return &Context{
		artifacts: a,
		engine:    engine,
		policy:    p,
		onError:   onError,
		loadedAt:  time.Now().UTC(),
	}, nil
}

// Version returns the bundle version.
func (c *Context) Version() string { return c.artifacts.Version }

// FeatureOrder returns the feature names in vector order.
func (c *Context) FeatureOrder() []string { return c.engine.Order() }

// CreatedAt returns when the bundle was trained, as recorded in the bundle.
func (c *Context) CreatedAt() string { return c.artifacts.CreatedAt }

// TrainingInfo returns the free-form training metadata of the bundle.
func (c *Context) TrainingInfo() map[string]any { return c.artifacts.TrainingInfo }

// LoadedAt returns when the context was built.
func (c *Context) LoadedAt() time.Time { return c.loadedAt }

// HasExplainer reports whether high-risk assessments can be explained.
func (c *Context) HasExplainer() bool { return c.artifacts.Explainer != nil }

// ExplainerErr says why the context has no explainer.
func (c *Context) ExplainerErr() error { return c.artifacts.ExplainerErr }

// Policy returns the decision policy.
func (c *Context) Policy() *policy.Policy { return c.policy }

// Engine returns the feature engine.
func (c *Context) Engine() *features.Engine { return c.engine }
