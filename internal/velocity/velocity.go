// Package velocity provides the historical transaction counters behind the
// historical_txn_count feature.
package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/features"
)

// CacheCounter counts a customer's completed assessments in a rolling window
// with a cache counter. Count only reads; Record adds an assessment once it
// has succeeded, so the count covers prior transactions.
type CacheCounter struct {
	cache  domain.Cache
	window time.Duration
}

// NewCacheCounter creates a counter over cache.
func NewCacheCounter(cache domain.Cache, window time.Duration) *CacheCounter {
	return &CacheCounter{cache: cache, window: window}
}

// Count implements features.HistoryCounter.
func (c *CacheCounter) Count(ctx context.Context, customerID int64) (int64, error) {
	n, err := c.cache.GetCounter(ctx, historyKey(customerID))
	if err != nil {
		return 0, fmt.Errorf("failed to read history counter: %w", err)
	}
	return n, nil
}

// Record implements features.HistoryRecorder.
func (c *CacheCounter) Record(ctx context.Context, customerID int64) error {
	if _, err := c.cache.IncrementCounter(ctx, historyKey(customerID), c.window); err != nil {
		return fmt.Errorf("failed to increment history counter: %w", err)
	}
	return nil
}

func historyKey(customerID int64) string {
	return "history:" + strconv.FormatInt(customerID, 10)
}

// RepositoryCounter counts the assessments recorded for a customer in the
// audit log within the window.
type RepositoryCounter struct {
	repo   domain.Repository
	window time.Duration
	now    func() time.Time
}

// NewRepositoryCounter creates a counter over the assessment audit log.
func NewRepositoryCounter(repo domain.Repository, window time.Duration) *RepositoryCounter {
	return &RepositoryCounter{repo: repo, window: window, now: time.Now}
}

// Count implements features.HistoryCounter.
func (c *RepositoryCounter) Count(ctx context.Context, customerID int64) (int64, error) {
	since := c.now().Add(-c.window)
	n, err := c.repo.CountAssessmentsByCustomer(ctx, customerID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count assessments: %w", err)
	}
	return n, nil
}

// New returns the counter selected by cfg. The cache and repository are only
// required for the counters that use them.
func New(cfg domain.HistoryConfig, cache domain.Cache, repo domain.Repository) (features.HistoryCounter, error) {
	switch cfg.Counter {
	case "", domain.CounterStatic:
		count := cfg.StaticCount
		if count == 0 {
			count = domain.PlaceholderHistoryCount
		}
		return features.StaticCounter(count), nil
	case domain.CounterCache:
		if cache == nil {
			return nil, fmt.Errorf("%w: cache history counter needs a cache", domain.ErrInvalidInput)
		}
		return NewCacheCounter(cache, cfg.Window), nil
	case domain.CounterRepository:
		if repo == nil {
			return nil, fmt.Errorf("%w: repository history counter needs a repository", domain.ErrInvalidInput)
		}
		return NewRepositoryCounter(repo, cfg.Window), nil
	default:
		return nil, fmt.Errorf("%w: unknown history counter %q", domain.ErrInvalidInput, cfg.Counter)
	}
}
