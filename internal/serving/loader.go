package serving

import (
	"context"
	"fmt"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/features"
	"github.com/opensource-finance/sentinel/internal/model"
	"github.com/opensource-finance/sentinel/internal/reference"
	"github.com/opensource-finance/sentinel/internal/scoring"
)

// LoaderConfig is what BundleLoader needs besides the bundle itself.
type LoaderConfig struct {
	Artifacts domain.ArtifactsConfig
	Features  domain.FeaturesConfig
	Decision  domain.DecisionConfig
	Reference domain.ReferenceConfig

	// Snapshot serves reference rows when Reference.Source is "database".
	Snapshot reference.Snapshot

	// History supplies historical_txn_count; nil uses the placeholder.
	History features.HistoryCounter
}

// BundleLoader returns a Loader that reads the bundle at cfg.Artifacts.BundlePath
// on every call, so a reload picks up a replaced file.
func BundleLoader(cfg LoaderConfig) Loader {
	return func(ctx context.Context) (*scoring.Context, error) {
		b, err := model.LoadFile(cfg.Artifacts.BundlePath)
		if err != nil {
			return nil, err
		}
		return BuildContext(ctx, b, cfg)
	}
}

// BuildContext builds a scoring context from a decoded bundle.
func BuildContext(ctx context.Context, b *model.Bundle, cfg LoaderConfig) (*scoring.Context, error) {
	artifacts, err := model.Build(b, model.BuildOptions{RemoteTimeout: cfg.Artifacts.RemoteTimeout})
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", b.Version, err)
	}

	var refs *reference.Store
	switch cfg.Reference.Source {
	case domain.ReferenceFromDatabase:
		if cfg.Snapshot == nil {
			return nil, fmt.Errorf("%w: database reference source needs a repository", domain.ErrInvalidInput)
		}
		refs, err = reference.Load(ctx, cfg.Snapshot)
		if err != nil {
			return nil, err
		}
	default:
		if err := reference.Validate(b.Reference.Customers, b.Reference.Devices); err != nil {
			return nil, fmt.Errorf("bundle %s reference tables: %w", b.Version, err)
		}
		refs = reference.NewStore(b.Reference.Customers, b.Reference.Devices)
	}

	return scoring.NewContext(artifacts, scoring.Options{
		Refs:     refs,
		History:  cfg.History,
		Features: cfg.Features,
		Decision: cfg.Decision,
	})
}
