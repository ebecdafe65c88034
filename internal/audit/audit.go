// Package audit records completed assessments: it persists them to the
// repository, caches them for lookups and publishes them on the event bus.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/sentinel/internal/cache"
	"github.com/opensource-finance/sentinel/internal/domain"
)

// Recorder fans a completed assessment out to storage and subscribers.
// Any dependency may be nil; the corresponding step is skipped.
type Recorder struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	cacheTTL time.Duration
	persist  bool
}

// NewRecorder creates a recorder. Persistence follows cfg.Enabled; events
// are published whenever a bus is given.
func NewRecorder(cfg domain.AuditConfig, repo domain.Repository, c domain.Cache, bus domain.EventBus) *Recorder {
	return &Recorder{
		repo:     repo,
		cache:    c,
		bus:      bus,
		cacheTTL: cfg.CacheTTL,
		persist:  cfg.Enabled,
	}
}

// Record stores and publishes a. Failures are logged and returned joined;
// the assessment itself is already final.
func (r *Recorder) Record(ctx context.Context, a *domain.Assessment) error {
	var errs []error

	if r.persist && r.repo != nil {
		if err := r.repo.SaveAssessment(ctx, a); err != nil {
			slog.Error("failed to save assessment",
				"assessment_id", a.ID,
				"transaction_id", a.TransactionID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	if r.persist && r.cache != nil {
		if err := cache.SetAssessment(ctx, r.cache, a, r.cacheTTL); err != nil {
			slog.Warn("failed to cache assessment", "assessment_id", a.ID, "error", err)
			errs = append(errs, err)
		}
	}

	if r.bus != nil {
		if err := r.publish(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) publish(ctx context.Context, a *domain.Assessment) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assessment: %w", err)
	}
	if err := r.bus.Publish(ctx, domain.TopicAssessmentCompleted, payload); err != nil {
		slog.Error("failed to publish assessment", "assessment_id", a.ID, "error", err)
		return err
	}
	if !a.HighRisk {
		return nil
	}
	if err := r.bus.Publish(ctx, domain.TopicAlertHighRisk, payload); err != nil {
		slog.Error("failed to publish alert", "assessment_id", a.ID, "error", err)
		return err
	}
	return nil
}

// Lookup returns a recorded assessment, reading the cache before the repository.
func (r *Recorder) Lookup(ctx context.Context, id string) (*domain.Assessment, error) {
	if r.cache != nil {
		a, err := cache.GetAssessment(ctx, r.cache, id)
		if err != nil {
			slog.Warn("assessment cache read failed", "assessment_id", id, "error", err)
		} else if a != nil {
			return a, nil
		}
	}
	if r.repo == nil {
		return nil, fmt.Errorf("assessment %s: %w", id, domain.ErrNotFound)
	}
	a, err := r.repo.GetAssessment(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		_ = cache.SetAssessment(ctx, r.cache, a, r.cacheTTL)
	}
	return a, nil
}
