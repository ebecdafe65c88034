package domain

import (
	"time"
)

// Assessment is the risk assessment produced for one transaction.
type Assessment struct {
	ID            string         `json:"assessment_id"`
	TransactionID string         `json:"transaction_id"`
	CustomerID    int64          `json:"customer_id"`
	Score         float64        `json:"risk_score"`
	HighRisk      bool           `json:"is_high_risk"`
	Action        string         `json:"action"`
	PolicyRule    string         `json:"policy_rule,omitempty"`
	Breakdown     ModelBreakdown `json:"model_breakdown"`
	Explanation   *Explanation   `json:"explanation,omitempty"`

	// FeatureFallback is set when the safe-default vector replaced a vector
	// that could not be engineered.
	FeatureFallback bool `json:"feature_fallback"`

	// DefaultsApplied lists the reference entities ("customer", "device") that
	// were unknown and replaced by defaults.
	DefaultsApplied []string `json:"defaults_applied,omitempty"`

	BundleVersion string             `json:"bundle_version"`
	CreatedAt     time.Time          `json:"timestamp"`
	Metadata      AssessmentMetadata `json:"metadata"`
}

// ModelBreakdown holds the per-model scores that make up the ensemble.
type ModelBreakdown struct {
	AnomalyRaw            float64 `json:"anomaly_raw"`
	AnomalyRisk           float64 `json:"anomaly_risk"`
	ClassifierProbability float64 `json:"classifier_probability"`
}

// Explanation lists the features that contributed most to a high-risk score.
type Explanation struct {
	TopRiskFactors []RiskFactor `json:"top_risk_factors"`
}

// RiskFactor is one attributed feature.
type RiskFactor struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
	Value        float64 `json:"value"`
}

// AssessmentMetadata contains processing information.
type AssessmentMetadata struct {
	TraceID    string `json:"trace_id,omitempty"`
	EngineerUs int64  `json:"engineer_us"`
	ScoreUs    int64  `json:"score_us"`
	ExplainUs  int64  `json:"explain_us"`
	TotalUs    int64  `json:"total_us"`
}

// Actions of the default decision tiers.
const (
	ActionAllow  = "ALLOW"
	ActionReview = "REVIEW"
	ActionBlock  = "BLOCK"
)

// Names of reference entities reported in DefaultsApplied.
const (
	EntityCustomer = "customer"
	EntityDevice   = "device"
)
