package serving

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/sentinel/internal/cache"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/features"
	"github.com/opensource-finance/sentinel/internal/model"
	"github.com/opensource-finance/sentinel/internal/reference"
	"github.com/opensource-finance/sentinel/internal/scoring"
	"github.com/opensource-finance/sentinel/internal/velocity"
)

const testBundle = `{
  "version": "test-2025.1",
  "feature_order": ["amount", "customer_risk_level", "device_mismatch", "high_amount", "odd_hour",
    "channel_risk", "is_new_customer", "historical_txn_count", "hour_sin", "hour_cos",
    "dow_sin", "dow_cos", "ip_risk", "amount_to_avg_ratio", "amount_log"],
  "scaler": {
    "mean":  [5000, 2.5, 0.3, 0.1, 0.25, 1.6, 0.1, 100, 0, 0, 0, 0, 4.5, 3, 7.5],
    "scale": [15000, 1.2, 0.46, 0.3, 0.43, 0.7, 0.3, 0, 0.7, 0.7, 0.7, 0.7, 2.87, 8, 1.5]
  },
  "classifier": {
    "kind": "logistic",
    "weights": [0.00002, 0.35, 1.6, 1.8, 1.1, 0.4, 0.8, 0, 0, 0.2, 0, 0, 0.05, 0.04, 0.1],
    "intercept": -6
  },
  "anomaly": {
    "kind": "iforest",
    "calibration_center": 0.5,
    "max_samples": 256,
    "offset": -0.5,
    "trees": [{"nodes": [
      {"feature": 13, "threshold": 2, "left": 1, "right": 2},
      {"feature": -1, "samples": 240},
      {"feature": -1, "samples": 1}
    ]}]
  },
  EXPLAINER
  "reference": {
    "customers": [{"customer_id": 1001, "risk_level": 2, "avg_txn_amount": 250, "signup_date": "2021-05-01"}],
    "devices": [{"device_id": 5001, "customer_id": 1001, "ip_prefix": "192.168.1"}]
  }
}`

func writeBundle(t *testing.T, explainer string) string {
	t.Helper()
	if explainer != "" {
		explainer += ","
	}
	body := strings.Replace(testBundle, "EXPLAINER", explainer, 1)
	path := filepath.Join(t.TempDir(), "bundle.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write bundle: %v", err)
	}
	return path
}

const linearExplainer = `"explainer": {"kind": "linear"}`

func bundleManager(path string, lazy bool) *Manager {
	return NewManager(BundleLoader(LoaderConfig{
		Artifacts: domain.ArtifactsConfig{BundlePath: path},
	}), domain.ArtifactsConfig{BundlePath: path, LazyReload: lazy, ReloadBackoff: time.Hour})
}

func normalTransaction() *domain.Transaction {
	return &domain.Transaction{
		ID:         "tx-100",
		CustomerID: 1001,
		DeviceID:   5001,
		Amount:     "120.50",
		Channel:    "web",
		Timestamp:  "2025-01-15T14:30:00Z",
	}
}

func TestManagerStates(t *testing.T) {
	ctx := context.Background()

	t.Run("starts unloaded", func(t *testing.T) {
		m := bundleManager(writeBundle(t, linearExplainer), false)
		if m.State() != StateUnloaded {
			t.Errorf("expected unloaded, got %s", m.State())
		}
		if _, err := m.Acquire(ctx); !errors.Is(err, domain.ErrArtifactsNotLoaded) {
			t.Errorf("expected ErrArtifactsNotLoaded, got %v", err)
		}
		if _, err := m.Predict(ctx, "test", normalTransaction()); !domain.Retryable(err) {
			t.Errorf("expected a retryable error, got %v", err)
		}
	})

	t.Run("loaded with explainer", func(t *testing.T) {
		m := bundleManager(writeBundle(t, linearExplainer), false)
		if err := m.Load(ctx); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if m.State() != StateLoaded {
			t.Errorf("expected loaded, got %s", m.State())
		}
		st := m.Status()
		if st.BundleVersion != "test-2025.1" || st.LoadedAt.IsZero() || st.LastError != "" {
			t.Errorf("unexpected status %+v", st)
		}
		a, err := m.Predict(ctx, "test", normalTransaction())
		if err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		if a.HighRisk || a.Action != domain.ActionAllow {
			t.Errorf("expected low-risk ALLOW, got %v %s (score %v)", a.HighRisk, a.Action, a.Score)
		}
	})

	t.Run("degraded without explainer", func(t *testing.T) {
		m := bundleManager(writeBundle(t, ""), false)
		if err := m.Load(ctx); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if m.State() != StateDegraded {
			t.Errorf("expected degraded, got %s", m.State())
		}
		if m.Status().ExplainerErr == "" {
			t.Error("expected explainer error in status")
		}
	})

	t.Run("degraded with broken explainer", func(t *testing.T) {
		m := bundleManager(writeBundle(t, `"explainer": {"kind": "tree_path"}`), false)
		if err := m.Load(ctx); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if m.State() != StateDegraded {
			t.Errorf("expected degraded, got %s", m.State())
		}
	})

	t.Run("failed load keeps serving context", func(t *testing.T) {
		path := writeBundle(t, linearExplainer)
		m := bundleManager(path, false)
		if err := m.Load(ctx); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if err := os.WriteFile(path, []byte(`{"version": "broken"}`), 0o600); err != nil {
			t.Fatalf("failed to overwrite bundle: %v", err)
		}
		if err := m.Load(ctx); !errors.Is(err, domain.ErrInvalidArtifact) {
			t.Fatalf("expected ErrInvalidArtifact, got %v", err)
		}
		if m.State() != StateLoaded || m.Status().BundleVersion != "test-2025.1" {
			t.Errorf("expected the previous bundle to keep serving, got %+v", m.Status())
		}
		if m.Status().LastError == "" {
			t.Error("expected last error in status")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		m := bundleManager(filepath.Join(t.TempDir(), "missing.json"), false)
		if err := m.Load(ctx); err == nil {
			t.Fatal("expected error")
		}
		if m.State() != StateUnloaded {
			t.Errorf("expected unloaded, got %s", m.State())
		}
	})

	t.Run("halt", func(t *testing.T) {
		m := bundleManager(writeBundle(t, linearExplainer), false)
		if err := m.Load(ctx); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if !m.Halt(m.Current(), &domain.DimensionMismatchError{Component: "classifier", Expected: 15, Got: 14}) {
			t.Fatal("expected Halt to stop the serving context")
		}
		if m.State() != StateUnloaded || m.Current() != nil {
			t.Errorf("expected unloaded, got %s", m.State())
		}
		_, err := m.Acquire(ctx)
		if !errors.Is(err, domain.ErrArtifactsNotLoaded) {
			t.Errorf("expected ErrArtifactsNotLoaded, got %v", err)
		}
	})

	t.Run("halt of a replaced context", func(t *testing.T) {
		m := bundleManager(writeBundle(t, linearExplainer), false)
		if err := m.Load(ctx); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		stale := m.Current()
		if err := m.Load(ctx); err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		fresh := m.Current()
		if fresh == stale {
			t.Fatal("expected reload to swap in a new context")
		}

		if m.Halt(stale, &domain.DimensionMismatchError{Component: "classifier", Expected: 15, Got: 14}) {
			t.Error("expected Halt of a replaced context to be skipped")
		}
		if m.Current() != fresh || m.State() != StateLoaded {
			t.Errorf("expected the new context to keep serving, got %s", m.State())
		}
	})
}

func TestManagerLazyReload(t *testing.T) {
	ctx := context.Background()

	t.Run("loads on first request", func(t *testing.T) {
		m := bundleManager(writeBundle(t, linearExplainer), true)
		sc, err := m.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if sc.Version() != "test-2025.1" || m.State() != StateLoaded {
			t.Errorf("unexpected context %s in state %s", sc, m.State())
		}
	})

	t.Run("backoff after failure", func(t *testing.T) {
		var calls int
		m := NewManager(func(context.Context) (*scoring.Context, error) {
			calls++
			return nil, errors.New("bundle store unreachable")
		}, domain.ArtifactsConfig{LazyReload: true, ReloadBackoff: time.Minute})
		now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		m.now = func() time.Time { return now }

		for i := 0; i < 3; i++ {
			if _, err := m.Acquire(ctx); !errors.Is(err, domain.ErrArtifactsNotLoaded) {
				t.Fatalf("expected ErrArtifactsNotLoaded, got %v", err)
			}
		}
		if calls != 1 {
			t.Errorf("expected 1 load attempt within the backoff, got %d", calls)
		}

		now = now.Add(2 * time.Minute)
		if _, err := m.Acquire(ctx); err == nil {
			t.Fatal("expected error")
		}
		if calls != 2 {
			t.Errorf("expected a second attempt after the backoff, got %d", calls)
		}
	})

	t.Run("concurrent requests never see a partial context", func(t *testing.T) {
		release := make(chan struct{})
		path := writeBundle(t, linearExplainer)
		inner := BundleLoader(LoaderConfig{Artifacts: domain.ArtifactsConfig{BundlePath: path}})
		m := NewManager(func(ctx context.Context) (*scoring.Context, error) {
			<-release
			return inner(ctx)
		}, domain.ArtifactsConfig{LazyReload: true})

		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sc, err := m.Acquire(ctx)
				if err != nil {
					if !errors.Is(err, domain.ErrArtifactsNotLoaded) {
						errs <- err
					}
					return
				}
				if sc.Version() != "test-2025.1" {
					errs <- errors.New("unexpected context")
				}
			}()
		}
		close(release)
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}
		if m.State() != StateLoaded {
			t.Errorf("expected loaded, got %s", m.State())
		}
	})
}

type mismatchScorer struct{}

func (mismatchScorer) Score(context.Context, []float64) (float64, error) {
	return 0, &domain.DimensionMismatchError{Component: "classifier", Expected: 14, Got: 15}
}

type constScorer float64

func (s constScorer) Score(context.Context, []float64) (float64, error) { return float64(s), nil }

func scorerManager(t *testing.T, classifier domain.Scorer, history features.HistoryCounter) *Manager {
	t.Helper()
	order := features.DefaultOrder()
	mean := make([]float64, len(order))
	scale := make([]float64, len(order))
	scaler, err := model.NewScaler(mean, scale)
	if err != nil {
		t.Fatalf("NewScaler failed: %v", err)
	}
	return NewManager(func(context.Context) (*scoring.Context, error) {
		return scoring.NewContext(&model.Artifacts{
			Version:           "in-memory",
			FeatureOrder:      order,
			Scaler:            scaler,
			Classifier:        classifier,
			Anomaly:           constScorer(0),
			CalibrationCenter: 0.5,
		}, scoring.Options{Refs: reference.NewStore(nil, nil), History: history})
	}, domain.ArtifactsConfig{})
}

func TestPredictRecordsHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("successful prediction", func(t *testing.T) {
		counter := velocity.NewCacheCounter(cache.NewLRUCache(10), time.Hour)
		m := scorerManager(t, constScorer(0.1), counter)
		if err := m.Load(ctx); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		for want := int64(1); want <= 2; want++ {
			if _, err := m.Predict(ctx, "test", normalTransaction()); err != nil {
				t.Fatalf("Predict failed: %v", err)
			}
			if n, _ := counter.Count(ctx, 1001); n != want {
				t.Errorf("expected count %d, got %d", want, n)
			}
		}
	})

	t.Run("failed prediction", func(t *testing.T) {
		counter := velocity.NewCacheCounter(cache.NewLRUCache(10), time.Hour)
		m := scorerManager(t, mismatchScorer{}, counter)
		if err := m.Load(ctx); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if _, err := m.Predict(ctx, "test", normalTransaction()); err == nil {
			t.Fatal("expected error")
		}
		if n, _ := counter.Count(ctx, 1001); n != 0 {
			t.Errorf("expected a failed prediction to leave the count at 0, got %d", n)
		}
	})
}

func TestPredictHaltsOnDimensionMismatch(t *testing.T) {
	m := scorerManager(t, mismatchScorer{}, nil)

	ctx := context.Background()
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	_, err := m.Predict(ctx, "test", normalTransaction())
	if domain.KindOf(err) != domain.KindDimensionMismatch {
		t.Fatalf("expected DIMENSION_MISMATCH, got %v", err)
	}
	if m.State() != StateUnloaded {
		t.Errorf("expected serving to halt, got %s", m.State())
	}
	if _, err := m.Predict(ctx, "test", normalTransaction()); !errors.Is(err, domain.ErrArtifactsNotLoaded) {
		t.Errorf("expected ErrArtifactsNotLoaded after halt, got %v", err)
	}
}

type fakeSnapshot struct {
	customers []domain.CustomerRecord
	devices   []domain.DeviceRecord
}

func (f *fakeSnapshot) ListCustomers(context.Context) ([]domain.CustomerRecord, error) {
	return f.customers, nil
}

func (f *fakeSnapshot) ListDevices(context.Context) ([]domain.DeviceRecord, error) {
	return f.devices, nil
}

func TestBuildContextDatabaseReference(t *testing.T) {
	b, err := model.LoadFile(writeBundle(t, linearExplainer))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	ctx := context.Background()

	cfg := LoaderConfig{
		Reference: domain.ReferenceConfig{Source: domain.ReferenceFromDatabase},
		Snapshot: &fakeSnapshot{
			customers: []domain.CustomerRecord{{ID: 2001, RiskLevel: 4, AvgTxnAmount: 80}},
		},
	}
	sc, err := BuildContext(ctx, b, cfg)
	if err != nil {
		t.Fatalf("BuildContext failed: %v", err)
	}
	a, err := sc.Predict(ctx, &domain.Transaction{
		ID: "tx-db", CustomerID: 2001, DeviceID: 1, Amount: "100", Channel: "web", Timestamp: "2025-01-15T14:30:00Z",
	})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(a.DefaultsApplied) != 1 || a.DefaultsApplied[0] != domain.EntityDevice {
		t.Errorf("expected only device defaults, got %v", a.DefaultsApplied)
	}

	cfg.Snapshot = nil
	if _, err := BuildContext(ctx, b, cfg); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput without a snapshot, got %v", err)
	}
}
