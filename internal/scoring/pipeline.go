package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/features"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/policy"
)

var tracer = otel.Tracer("sentinel-scoring")

var (
	errNotProbability = errors.New("probability outside [0, 1]")
	errNotFinite      = errors.New("score is not finite")
)

// Predict scores tx and returns its assessment. Scorer failures are returned
// as ScoringUnavailable, never as a default score. An explainer failure only
// drops the explanation.
func (c *Context) Predict(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "scoring.predict",
		trace.WithAttributes(
			attribute.String("transaction.id", tx.ID),
			attribute.String("bundle.version", c.Version()),
		),
	)
	defer span.End()

	a := &domain.Assessment{
		ID:            uuid.New().String(),
		TransactionID: tx.ID,
		CustomerID:    tx.CustomerID,
		BundleVersion: c.Version(),
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		a.Metadata.TraceID = sc.TraceID().String()
	}

	vector, err := c.engineer(ctx, tx, a)
	if err != nil {
		return nil, fail(span, err)
	}
	engineered := time.Now()

	raw, probability, err := c.score(ctx, vector)
	if err != nil {
		return nil, fail(span, err)
	}
	scored := time.Now()

	a.Breakdown = domain.ModelBreakdown{
		AnomalyRaw:            raw,
		AnomalyRisk:           AnomalyRisk(raw, c.artifacts.CalibrationCenter),
		ClassifierProbability: probability,
	}
	a.Score = Combine(a.Breakdown.AnomalyRisk, probability)
	a.HighRisk = IsHighRisk(a.Score)

	named := c.namedFeatures(vector)
	decision := c.policy.Decide(&policy.Input{
		Score:                 a.Score,
		AnomalyRisk:           a.Breakdown.AnomalyRisk,
		ClassifierProbability: probability,
		HighRisk:              a.HighRisk,
		FeatureFallback:       a.FeatureFallback,
		Amount:                named[features.Amount],
		Channel:               tx.Channel,
		Features:              named,
	})
	a.Action = decision.Action
	a.PolicyRule = decision.Rule

	if a.HighRisk {
		a.Explanation = c.explain(ctx, vector)
	}

	end := time.Now()
	a.CreatedAt = end.UTC()
	a.Metadata.EngineerUs = engineered.Sub(start).Microseconds()
	a.Metadata.ScoreUs = scored.Sub(engineered).Microseconds()
	a.Metadata.ExplainUs = end.Sub(scored).Microseconds()
	a.Metadata.TotalUs = end.Sub(start).Microseconds()

	span.SetAttributes(
		attribute.Float64("risk.score", a.Score),
		attribute.Bool("risk.high", a.HighRisk),
		attribute.String("risk.action", a.Action),
	)
	return a, nil
}

func (c *Context) engineer(ctx context.Context, tx *domain.Transaction, a *domain.Assessment) ([]float64, error) {
	ctx, span := tracer.Start(ctx, "features.engineer")
	defer span.End()

	res, err := c.engine.Engineer(ctx, tx)
	if err == nil {
		a.DefaultsApplied = res.DefaultsApplied
		for _, entity := range res.DefaultsApplied {
			metrics.UnknownEntities.WithLabelValues(entity).Inc()
		}
		return res.Vector, nil
	}

	if !errors.Is(err, domain.ErrFeatureEngineering) || c.onError != domain.FeatureErrorFallback {
		return nil, err
	}
	slog.Warn("feature engineering failed, scoring safe-default vector",
		"transaction_id", tx.ID,
		"error", err,
	)
	metrics.FeatureFallbacks.Inc()
	span.SetAttributes(attribute.Bool("features.fallback", true))
	a.FeatureFallback = true
	return c.engine.SafeDefault(), nil
}

// score runs the anomaly model on the scaled vector and the classifier on the
// unscaled vector in parallel.
func (c *Context) score(ctx context.Context, vector []float64) (raw, probability float64, err error) {
	ctx, span := tracer.Start(ctx, "scoring.score")
	defer span.End()

	scaled, err := c.artifacts.Scaler.Transform(vector)
	if err != nil {
		return 0, 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := c.artifacts.Anomaly.Score(gctx, scaled)
		if err != nil {
			return scoringError("anomaly", err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return scoringError("anomaly", errNotFinite)
		}
		raw = v
		return nil
	})
	g.Go(func() error {
		p, err := c.artifacts.Classifier.Score(gctx, vector)
		if err != nil {
			return scoringError("classifier", err)
		}
		if math.IsNaN(p) || p < 0 || p > 1 {
			return scoringError("classifier", errNotProbability)
		}
		probability = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return raw, probability, nil
}

// explain returns the top risk factors, or nil when the explainer is missing or fails.
func (c *Context) explain(ctx context.Context, vector []float64) *domain.Explanation {
	if c.artifacts.Explainer == nil {
		metrics.Explanations.WithLabelValues("unavailable").Inc()
		return nil
	}

	ctx, span := tracer.Start(ctx, "scoring.explain")
	defer span.End()

	contributions, err := c.artifacts.Explainer.Explain(ctx, vector)
	if err == nil {
		var factors []domain.RiskFactor
		factors, err = TopFactors(c.engine.Order(), vector, contributions, TopFactorCount)
		if err == nil {
			metrics.Explanations.WithLabelValues("ok").Inc()
			return &domain.Explanation{TopRiskFactors: factors}
		}
	}

	slog.Warn("explainer failed, returning assessment without explanation", "error", err)
	span.RecordError(err)
	metrics.Explanations.WithLabelValues("failed").Inc()
	return nil
}

func (c *Context) namedFeatures(vector []float64) map[string]float64 {
	order := c.engine.Order()
	m := make(map[string]float64, len(order))
	for i, name := range order {
		m[name] = vector[i]
	}
	return m
}

// scoringError keeps dimension mismatches fatal and marks everything else as unavailable scoring.
func scoringError(model string, err error) error {
	if errors.Is(err, domain.ErrDimensionMismatch) {
		return err
	}
	return &domain.ScoringError{Model: model, Err: err}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// String describes the context for logs.
func (c *Context) String() string {
	return fmt.Sprintf("bundle %s (%d features, explainer=%t)", c.Version(), c.engine.Dim(), c.HasExplainer())
}
