package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/sentinel/internal/audit"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/serving"
)

// APIVersion is reported in every prediction response.
const APIVersion = "1.0"

const maxBodyBytes = 1 << 20

type pinger interface {
	Ping(ctx context.Context) error
}

// Options holds the handler dependencies. Only Manager is required.
type Options struct {
	Manager  *serving.Manager
	Recorder *audit.Recorder

	// Dependencies checked by /health.
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus

	Version string

	// RetryAfter is advertised when artifacts are not loaded.
	RetryAfter time.Duration
}

// Handler holds dependencies for API handlers.
type Handler struct {
	manager    *serving.Manager
	recorder   *audit.Recorder
	deps       map[string]pinger
	version    string
	retryAfter time.Duration
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		manager:    opts.Manager,
		recorder:   opts.Recorder,
		deps:       make(map[string]pinger),
		version:    opts.Version,
		retryAfter: opts.RetryAfter,
	}
	if opts.Repository != nil {
		h.deps["repository"] = opts.Repository
	}
	if opts.Cache != nil {
		h.deps["cache"] = opts.Cache
	}
	if opts.Bus != nil {
		h.deps["eventbus"] = opts.Bus
	}
	return h
}

// PredictResponse is the response for POST /predict.
type PredictResponse struct {
	*domain.Assessment
	APIVersion string `json:"api_version"`
}

// Root describes the service.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	status := "operational"
	if h.manager.State() == serving.StateUnloaded {
		status = "initializing"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Sentinel fraud scoring API",
		"status":  status,
		"version": h.version,
		"endpoints": map[string]string{
			"predict": "/predict",
			"health":  "/health",
			"model":   "/model",
			"metrics": "/metrics",
		},
	})
}

// Predict handles POST /predict.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TransactionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid JSON request body: %v", domain.ErrInvalidInput, err))
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, err)
		return
	}

	tx := req.ToTransaction()
	a, err := h.manager.Predict(ctx, "http", tx)
	if err != nil {
		slog.Warn("prediction failed",
			"transaction_id", tx.ID,
			"kind", domain.KindOf(err),
			"error", err,
			"request_id", GetRequestID(ctx),
		)
		h.writeError(w, err)
		return
	}

	if h.recorder != nil {
		// Failures are logged by the recorder; the caller still gets its assessment.
		_ = h.recorder.Record(ctx, a)
	}

	slog.Debug("transaction scored",
		"transaction_id", a.TransactionID,
		"assessment_id", a.ID,
		"risk_score", a.Score,
		"action", a.Action,
	)
	writeJSON(w, http.StatusOK, PredictResponse{Assessment: a, APIVersion: APIVersion})
}

// Health reports whether the scaler and both scorers are loaded, together
// with the state of the storage and messaging dependencies. It answers 200
// so that probes can read the body; Ready is the gating check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.manager.Status()
	loaded := st.State != serving.StateUnloaded

	checks := make(map[string]string, len(h.deps))
	depsOK := true
	for name, dep := range h.deps {
		if err := dep.Ping(r.Context()); err != nil {
			checks[name] = err.Error()
			depsOK = false
			continue
		}
		checks[name] = "ok"
	}

	status := "healthy"
	switch {
	case !loaded:
		status = "unhealthy"
	case st.State == serving.StateDegraded || !depsOK:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"models_loaded":    loaded,
		"explainer_loaded": st.State == serving.StateLoaded,
		"state":            st.State,
		"bundle_version":   st.BundleVersion,
		"checks":           checks,
		"version":          h.version,
		"timestamp":        time.Now().UTC(),
	})
}

// Ready answers 200 once a bundle is serving and 503 before.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.manager.State() == serving.StateUnloaded {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// Metrics serves the Prometheus scrape endpoint.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}

// ModelResponse describes the serving bundle.
type ModelResponse struct {
	serving.Status
	ModelsLoaded bool                  `json:"models_loaded"`
	HasExplainer bool                  `json:"has_explainer"`
	FeatureOrder []string              `json:"feature_order"`
	CreatedAt    string                `json:"created_at,omitempty"`
	TrainingInfo map[string]any        `json:"training_info,omitempty"`
	Tiers        []domain.ActionTier   `json:"tiers,omitempty"`
	Overrides    []domain.OverrideRule `json:"overrides,omitempty"`
	Timestamp    time.Time             `json:"timestamp"`
}

// Model handles GET /model.
func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	resp := ModelResponse{
		Status:       publicStatus(h.manager.Status()),
		FeatureOrder: []string{},
		Timestamp:    time.Now().UTC(),
	}
	if sc := h.manager.Current(); sc != nil {
		resp.ModelsLoaded = true
		resp.HasExplainer = sc.HasExplainer()
		resp.FeatureOrder = sc.FeatureOrder()
		resp.CreatedAt = sc.CreatedAt()
		resp.TrainingInfo = sc.TrainingInfo()
		resp.Tiers = sc.Policy().Tiers()
		resp.Overrides = sc.Policy().Overrides()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reload handles POST /artifacts/reload. A failed reload keeps the serving bundle.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	err := h.manager.Load(r.Context())
	st := h.manager.Status()
	if err != nil {
		slog.Error("artifact reload failed", "state", st.State, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": domain.ErrorBody{
				Kind:      "RELOAD_FAILED",
				Message:   "artifact reload failed, the serving bundle is unchanged",
				Retryable: true,
			},
			"status": publicStatus(st),
		})
		return
	}
	slog.Info("artifacts reloaded", "bundle_version", st.BundleVersion, "state", st.State)
	writeJSON(w, http.StatusOK, map[string]any{"status": publicStatus(st)})
}

// publicStatus replaces load errors, which carry file paths and decoder
// detail, with fixed text. The detail is in the logs.
func publicStatus(st serving.Status) serving.Status {
	if st.LastError != "" {
		st.LastError = "last artifact load failed"
	}
	if st.ExplainerErr != "" {
		st.ExplainerErr = "explainer unavailable"
	}
	return st
}

// GetAssessment handles GET /assessments/{id}.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.recorder == nil {
		h.writeError(w, fmt.Errorf("assessment %s: %w", id, domain.ErrNotFound))
		return
	}
	a, err := h.recorder.Lookup(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get assessment", "assessment_id", id, "error", err)
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// SampleTransaction returns a request body that scores as high risk against
// the bundled reference data: a large mobile transfer at 02:00 from a device
// the customer does not own.
func (h *Handler) SampleTransaction(w http.ResponseWriter, r *http.Request) {
	customerID, deviceID := int64(1002), int64(5003)
	writeJSON(w, http.StatusOK, domain.TransactionRequest{
		TransactionID: "txn_sample_001",
		CustomerID:    &customerID,
		DeviceID:      &deviceID,
		Amount:        "75000",
		Channel:       "mobile",
		Timestamp:     "2025-01-15T02:00:00Z",
	})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind string) int {
	switch kind {
	case domain.KindInvalidRequest, domain.KindFeatureEngineering:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindArtifactsNotLoaded, domain.KindScoringUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	resp := domain.NewErrorResponse(err)
	if resp.Error.Kind == domain.KindArtifactsNotLoaded {
		secs := int(math.Ceil(h.retryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, StatusFor(resp.Error.Kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		slog.Error("failed to encode response", "error", err)
	}
}
