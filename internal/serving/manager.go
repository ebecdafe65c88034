// Package serving owns the live scoring context. It loads artifact bundles,
// tracks whether the service can score, and swaps contexts atomically so a
// request never sees a partially built one.
package serving

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/scoring"
)

// State is the artifact state of the service.
type State string

const (
	// StateUnloaded means no context is serving; predictions fail with ArtifactsNotLoaded.
	StateUnloaded State = "unloaded"

	// StateLoaded means every component, the explainer included, is serving.
	StateLoaded State = "loaded"

	// StateDegraded means scoring works but high-risk assessments cannot be explained.
	StateDegraded State = "degraded"
)

var allStates = []string{string(StateUnloaded), string(StateLoaded), string(StateDegraded)}

// Loader builds a scoring context from the configured artifact source.
type Loader func(ctx context.Context) (*scoring.Context, error)

// Status is a point-in-time view of the manager.
type Status struct {
	State         State     `json:"state"`
	BundleVersion string    `json:"bundle_version,omitempty"`
	LoadedAt      time.Time `json:"loaded_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	ExplainerErr  string    `json:"explainer_error,omitempty"`
}

// Manager gates access to the scoring context.
type Manager struct {
	loader  Loader
	lazy    bool
	backoff time.Duration

	current atomic.Pointer[scoring.Context]
	group   singleflight.Group

	mu          sync.Mutex
	state       State
	lastErr     error
	lastAttempt time.Time

	now func() time.Time
}

// NewManager creates a manager in the Unloaded state.
func NewManager(loader Loader, cfg domain.ArtifactsConfig) *Manager {
	m := &Manager{
		loader:  loader,
		lazy:    cfg.LazyReload,
		backoff: cfg.ReloadBackoff,
		state:   StateUnloaded,
		now:     time.Now,
	}
	metrics.SetArtifactState(string(StateUnloaded), allStates...)
	return m
}

// Load builds a new context and swaps it in. Concurrent calls share one load.
// On failure the current context, if any, keeps serving.
func (m *Manager) Load(ctx context.Context) error {
	_, err, _ := m.group.Do("load", func() (any, error) {
		m.mu.Lock()
		m.lastAttempt = m.now()
		m.mu.Unlock()

		sc, err := m.loader(ctx)
		if err != nil {
			metrics.ArtifactLoads.WithLabelValues("failure").Inc()
			m.mu.Lock()
			m.lastErr = err
			state := m.state
			m.mu.Unlock()
			slog.Error("artifact load failed", "state", state, "error", err)
			return nil, err
		}

		metrics.ArtifactLoads.WithLabelValues("success").Inc()
		next := StateLoaded
		if !sc.HasExplainer() {
			next = StateDegraded
		}
		m.current.Store(sc)
		m.mu.Lock()
		m.lastErr = nil
		m.transition(next)
		m.mu.Unlock()

		if next == StateDegraded {
			slog.Warn("artifacts loaded without explainer",
				"bundle_version", sc.Version(),
				"error", sc.ExplainerErr(),
			)
		} else {
			slog.Info("artifacts loaded", "bundle_version", sc.Version(), "features", len(sc.FeatureOrder()))
		}
		return nil, nil
	})
	return err
}

// Acquire returns the serving context. While unloaded it triggers a lazy
// reload when enabled and the backoff has elapsed; otherwise it fails with
// ErrArtifactsNotLoaded.
func (m *Manager) Acquire(ctx context.Context) (*scoring.Context, error) {
	if sc := m.current.Load(); sc != nil {
		return sc, nil
	}
	if !m.lazy {
		return nil, m.notLoaded()
	}

	m.mu.Lock()
	wait := m.backoff - m.now().Sub(m.lastAttempt)
	attempted := !m.lastAttempt.IsZero()
	m.mu.Unlock()
	if attempted && wait > 0 {
		return nil, m.notLoaded()
	}

	if err := m.Load(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrArtifactsNotLoaded, err)
	}
	if sc := m.current.Load(); sc != nil {
		return sc, nil
	}
	return nil, m.notLoaded()
}

// Halt stops serving sc after a fatal artifact error such as a dimension
// mismatch. Scoring a bundle that disagrees with itself would return wrong
// scores. It reports false when sc is no longer serving, in which case a
// newer bundle keeps serving untouched.
func (m *Manager) Halt(sc *scoring.Context, cause error) bool {
	if sc == nil || !m.current.CompareAndSwap(sc, nil) {
		slog.Warn("halt skipped, context already replaced", "error", cause)
		return false
	}
	m.mu.Lock()
	m.lastErr = cause
	m.lastAttempt = m.now()
	m.transition(StateUnloaded)
	m.mu.Unlock()
	slog.Error("serving halted", "bundle_version", sc.Version(), "error", cause)
	return true
}

// Predict scores tx against the serving context and records metrics under
// source. A dimension mismatch halts serving.
func (m *Manager) Predict(ctx context.Context, source string, tx *domain.Transaction) (*domain.Assessment, error) {
	start := time.Now()
	sc, err := m.Acquire(ctx)
	if err != nil {
		metrics.PredictionErrors.WithLabelValues(domain.KindOf(err)).Inc()
		return nil, err
	}

	a, err := sc.Predict(ctx, tx)
	if err != nil {
		if errors.Is(err, domain.ErrDimensionMismatch) {
			m.Halt(sc, err)
		}
		metrics.PredictionErrors.WithLabelValues(domain.KindOf(err)).Inc()
		return nil, err
	}
	if err := sc.Engine().RecordHistory(ctx, tx.CustomerID); err != nil {
		slog.Warn("failed to record transaction history", "customer_id", tx.CustomerID, "error", err)
	}
	metrics.ObservePrediction(source, a.Action, a.HighRisk, time.Since(start))
	return a, nil
}

// Current returns the serving context, or nil when unloaded.
func (m *Manager) Current() *scoring.Context {
	return m.current.Load()
}

// State returns the current artifact state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the state together with details of the serving bundle.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{State: m.state}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()

	if sc := m.current.Load(); sc != nil {
		s.BundleVersion = sc.Version()
		s.LoadedAt = sc.LoadedAt()
		if err := sc.ExplainerErr(); err != nil {
			s.ExplainerErr = err.Error()
		}
	}
	return s
}

// transition must be called with mu held.
func (m *Manager) transition(next State) {
	if m.state == next {
		return
	}
	slog.Info("artifact state changed", "from", m.state, "to", next)
	metrics.ArtifactTransitions.WithLabelValues(string(m.state), string(next)).Inc()
	metrics.SetArtifactState(string(next), allStates...)
	m.state = next
}

func (m *Manager) notLoaded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrArtifactsNotLoaded, m.lastErr)
	}
	return domain.ErrArtifactsNotLoaded
}
