package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/sentinel/internal/audit"
	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/cache"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/scoring"
	"github.com/opensource-finance/sentinel/internal/serving"
)

const bundlePath = "../../models/bundle.json"

func bundleManager(path string) *serving.Manager {
	return serving.NewManager(serving.BundleLoader(serving.LoaderConfig{
		Artifacts: domain.ArtifactsConfig{BundlePath: path},
	}), domain.ArtifactsConfig{BundlePath: path, ReloadBackoff: 30 * time.Second})
}

// createTestServer creates a server with the bundled models loaded, a sqlite
// audit log, an in-memory cache and a channel bus.
func createTestServer(t *testing.T) (*Server, domain.EventBus) {
	t.Helper()
	m := bundleManager(bundlePath)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("failed to load bundle: %v", err)
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	lru := cache.NewLRUCache(100)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	srv := NewServer(domain.ServerConfig{Host: "localhost", Port: 8000}, Options{
		Manager:    m,
		Recorder:   audit.NewRecorder(domain.AuditConfig{Enabled: true, CacheTTL: time.Minute}, repo, lru, b),
		Repository: repo,
		Cache:      lru,
		Bus:        b,
		Version:    "test-v1",
		RetryAfter: 30 * time.Second,
	})
	return srv, b
}

func do(srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		json.NewEncoder(&buf).Encode(v)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

func normalRequest() map[string]any {
	return map[string]any{
		"transaction_id": "tx-normal",
		"customer_id":    1001,
		"device_id":      5001,
		"amount":         120.50,
		"channel":        "web",
		"timestamp":      "2025-01-15T14:30:00Z",
	}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) domain.ErrorBody {
	t.Helper()
	var resp domain.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error response %q: %v", rr.Body.String(), err)
	}
	return resp.Error
}

func TestPredictEndpoint(t *testing.T) {
	srv, b := createTestServer(t)

	alerts := make(chan *domain.Message, 4)
	b.Subscribe(context.Background(), domain.TopicAlertHighRisk, func(_ context.Context, msg *domain.Message) error {
		alerts <- msg
		return nil
	})

	t.Run("low risk", func(t *testing.T) {
		rr := do(srv, http.MethodPost, "/predict", normalRequest())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp PredictResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Assessment == nil || resp.ID == "" {
			t.Fatal("expected assessment_id in response")
		}
		if resp.TransactionID != "tx-normal" || resp.APIVersion != APIVersion {
			t.Errorf("unexpected envelope: %s", rr.Body.String())
		}
		if resp.HighRisk || resp.Action != domain.ActionAllow || resp.Score > 0.2 {
			t.Errorf("expected a low-risk ALLOW, got score %v action %s", resp.Score, resp.Action)
		}
		if resp.Explanation != nil {
			t.Error("low-risk assessments carry no explanation")
		}
		if resp.BundleVersion != "2025.01.0" {
			t.Errorf("unexpected bundle version %q", resp.BundleVersion)
		}
		if strings.Contains(rr.Body.String(), `"explanation"`) {
			t.Error("explanation should be omitted from the body")
		}
	})

	t.Run("sample transaction is high risk", func(t *testing.T) {
		sample := do(srv, http.MethodGet, "/sample-transaction", nil)
		if sample.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", sample.Code)
		}

		rr := do(srv, http.MethodPost, "/predict", sample.Body.String())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp PredictResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if !resp.HighRisk || resp.Action != domain.ActionBlock {
			t.Errorf("expected high-risk BLOCK, got score %v action %s", resp.Score, resp.Action)
		}
		if resp.Explanation == nil || len(resp.Explanation.TopRiskFactors) != 3 {
			t.Fatalf("expected three risk factors, got %+v", resp.Explanation)
		}
		if resp.Breakdown.ClassifierProbability < 0.9 {
			t.Errorf("unexpected breakdown %+v", resp.Breakdown)
		}

		select {
		case <-alerts:
		case <-time.After(time.Second):
			t.Error("expected a high-risk alert on the bus")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		rr := do(srv, http.MethodPost, "/predict", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
		if e := decodeError(t, rr); e.Kind != domain.KindInvalidRequest || e.Retryable {
			t.Errorf("unexpected error %+v", e)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		req := normalRequest()
		delete(req, "customer_id")
		delete(req, "channel")
		rr := do(srv, http.MethodPost, "/predict", req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
		e := decodeError(t, rr)
		if e.Kind != domain.KindInvalidRequest || !strings.Contains(e.Message, "customer_id is required") {
			t.Errorf("unexpected error %+v", e)
		}
	})

	t.Run("malformed amount", func(t *testing.T) {
		req := normalRequest()
		req["amount"] = "12,5O0"
		rr := do(srv, http.MethodPost, "/predict", req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
		if e := decodeError(t, rr); e.Kind != domain.KindFeatureEngineering {
			t.Errorf("expected FEATURE_ENGINEERING_ERROR, got %+v", e)
		}
	})

	t.Run("malformed timestamp", func(t *testing.T) {
		req := normalRequest()
		req["timestamp"] = "yesterday"
		rr := do(srv, http.MethodPost, "/predict", req)
		if e := decodeError(t, rr); rr.Code != http.StatusBadRequest || e.Kind != domain.KindFeatureEngineering {
			t.Errorf("expected 400 FEATURE_ENGINEERING_ERROR, got %d %+v", rr.Code, e)
		}
	})

	t.Run("unknown entities are absorbed", func(t *testing.T) {
		req := normalRequest()
		req["customer_id"] = 999999
		req["device_id"] = 888888
		rr := do(srv, http.MethodPost, "/predict", req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp PredictResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if len(resp.DefaultsApplied) != 2 {
			t.Errorf("expected customer and device defaults, got %v", resp.DefaultsApplied)
		}
	})
}

func TestPredictNotLoaded(t *testing.T) {
	m := serving.NewManager(func(context.Context) (*scoring.Context, error) {
		return nil, errors.New("bundle missing")
	}, domain.ArtifactsConfig{})
	srv := NewServer(domain.ServerConfig{}, Options{Manager: m, RetryAfter: 1500 * time.Millisecond})

	rr := do(srv, http.MethodPost, "/predict", normalRequest())
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Errorf("expected Retry-After 2, got %q", got)
	}
	e := decodeError(t, rr)
	if e.Kind != domain.KindArtifactsNotLoaded || !e.Retryable {
		t.Errorf("unexpected error %+v", e)
	}

	t.Run("health is never healthy before load", func(t *testing.T) {
		rr := do(srv, http.MethodGet, "/health", nil)
		var body map[string]any
		json.Unmarshal(rr.Body.Bytes(), &body)
		if body["status"] != "unhealthy" || body["models_loaded"] != false {
			t.Errorf("unexpected health %v", body)
		}
	})

	t.Run("not ready", func(t *testing.T) {
		if rr := do(srv, http.MethodGet, "/ready", nil); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rr.Code)
		}
	})

	t.Run("model reports nothing loaded", func(t *testing.T) {
		rr := do(srv, http.MethodGet, "/model", nil)
		var resp ModelResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.ModelsLoaded || resp.State != serving.StateUnloaded || len(resp.FeatureOrder) != 0 {
			t.Errorf("unexpected model response %+v", resp)
		}
	})

	t.Run("assessments without an audit log", func(t *testing.T) {
		if rr := do(srv, http.MethodGet, "/assessments/abc", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestGetAssessment(t *testing.T) {
	srv, _ := createTestServer(t)

	rr := do(srv, http.MethodPost, "/predict", normalRequest())
	var resp PredictResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)

	got := do(srv, http.MethodGet, "/assessments/"+resp.ID, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", got.Code, got.Body.String())
	}
	var a domain.Assessment
	json.Unmarshal(got.Body.Bytes(), &a)
	if a.ID != resp.ID || a.TransactionID != "tx-normal" {
		t.Errorf("unexpected assessment %+v", a)
	}

	missing := do(srv, http.MethodGet, "/assessments/does-not-exist", nil)
	if missing.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", missing.Code)
	}
	if e := decodeError(t, missing); e.Kind != domain.KindNotFound {
		t.Errorf("expected NOT_FOUND, got %+v", e)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := createTestServer(t)

	t.Run("health", func(t *testing.T) {
		rr := do(srv, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var body map[string]any
		json.Unmarshal(rr.Body.Bytes(), &body)
		if body["status"] != "healthy" || body["models_loaded"] != true || body["explainer_loaded"] != true {
			t.Errorf("unexpected health %v", body)
		}
		checks, _ := body["checks"].(map[string]any)
		if checks["repository"] != "ok" || checks["cache"] != "ok" || checks["eventbus"] != "ok" {
			t.Errorf("unexpected checks %v", checks)
		}
	})

	t.Run("ready", func(t *testing.T) {
		if rr := do(srv, http.MethodGet, "/ready", nil); rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rr.Code)
		}
	})

	t.Run("model", func(t *testing.T) {
		rr := do(srv, http.MethodGet, "/model", nil)
		var resp ModelResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse model response: %v", err)
		}
		if !resp.ModelsLoaded || !resp.HasExplainer || resp.BundleVersion != "2025.01.0" {
			t.Errorf("unexpected model response %+v", resp)
		}
		if len(resp.FeatureOrder) != 15 || resp.FeatureOrder[0] != "amount" {
			t.Errorf("unexpected feature order %v", resp.FeatureOrder)
		}
		if len(resp.Tiers) != 3 {
			t.Errorf("expected default tiers, got %+v", resp.Tiers)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rr := do(srv, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "sentinel_artifact_state") {
			t.Errorf("expected prometheus exposition, got %d", rr.Code)
		}
	})

	t.Run("root", func(t *testing.T) {
		rr := do(srv, http.MethodGet, "/", nil)
		if !strings.Contains(rr.Body.String(), `"operational"`) {
			t.Errorf("unexpected root body %s", rr.Body.String())
		}
	})
}

func TestReload(t *testing.T) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatalf("failed to read bundle: %v", err)
	}
	path := filepath.Join(t.TempDir(), "bundle.json")
	os.WriteFile(path, data, 0o600)

	m := bundleManager(path)
	srv := NewServer(domain.ServerConfig{}, Options{Manager: m})

	rr := do(srv, http.MethodPost, "/artifacts/reload", nil)
	if rr.Code != http.StatusOK || m.State() != serving.StateLoaded {
		t.Fatalf("expected loaded after reload, got %d %s", rr.Code, m.State())
	}

	os.WriteFile(path, []byte(`{"version": "broken"`), 0o600)
	rr = do(srv, http.MethodPost, "/artifacts/reload", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for a broken bundle, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, leak := range []string{path, filepath.Dir(path), "decode", "unexpected EOF"} {
		if strings.Contains(body, leak) {
			t.Errorf("reload error leaks %q: %s", leak, body)
		}
	}
	var resp struct {
		Error  domain.ErrorBody `json:"error"`
		Status serving.Status   `json:"status"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error.Kind != "RELOAD_FAILED" || !resp.Error.Retryable || resp.Error.Message == "" {
		t.Errorf("unexpected error body %+v", resp.Error)
	}
	if resp.Status.LastError == "" || m.Status().LastError == resp.Status.LastError {
		t.Errorf("expected a masked last error, got %q", resp.Status.LastError)
	}
	if m.State() != serving.StateLoaded || m.Status().BundleVersion != "2025.01.0" {
		t.Errorf("failed reload should keep the serving bundle, got %+v", m.Status())
	}
}

func TestMiddleware(t *testing.T) {
	srv, _ := createTestServer(t)

	t.Run("request id is echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		srv.Router().ServeHTTP(rr, req)
		if rr.Header().Get(RequestIDHeader) != "req-123" {
			t.Errorf("expected request id echoed, got %q", rr.Header().Get(RequestIDHeader))
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected a trace id header")
		}
	})

	t.Run("cors preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
		req.Header.Set("Origin", "http://dashboard.local")
		rr := httptest.NewRecorder()
		srv.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "http://dashboard.local" {
			t.Error("expected origin to be allowed")
		}
	})

	t.Run("recover", func(t *testing.T) {
		h := RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rr.Code)
		}
		if e := decodeError(t, rr); e.Kind != domain.KindInternal {
			t.Errorf("unexpected error %+v", e)
		}
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind string
		want int
	}{
		{domain.KindInvalidRequest, http.StatusBadRequest},
		{domain.KindFeatureEngineering, http.StatusBadRequest},
		{domain.KindNotFound, http.StatusNotFound},
		{domain.KindArtifactsNotLoaded, http.StatusServiceUnavailable},
		{domain.KindScoringUnavailable, http.StatusServiceUnavailable},
		{domain.KindDimensionMismatch, http.StatusInternalServerError},
		{domain.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.kind); got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.kind, tt.want, got)
		}
	}
}
