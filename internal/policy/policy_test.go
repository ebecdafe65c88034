package policy

import (
	"errors"
	"testing"

	"github.com/opensource-finance/sentinel/internal/domain"
)

func TestTiers(t *testing.T) {
	p, err := New(domain.DecisionConfig{Tiers: domain.DefaultTiers()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		score float64
		want  string
	}{
		{0, domain.ActionAllow},
		{0.5, domain.ActionAllow},
		{0.5000001, domain.ActionReview},
		{0.8, domain.ActionReview},
		{0.8000001, domain.ActionBlock},
		{1, domain.ActionBlock},
	}
	for _, tt := range tests {
		if got := p.Decide(&Input{Score: tt.score}); got.Action != tt.want || got.Rule != "" {
			t.Errorf("score %v: expected %s, got %+v", tt.score, tt.want, got)
		}
	}
}

func TestCustomTiers(t *testing.T) {
	hold := 0.6
	p, err := New(domain.DecisionConfig{Tiers: []domain.ActionTier{
		{Action: "APPROVE"},
		{Action: "HOLD", Above: &hold},
	}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := p.Tier(0.61); got != "HOLD" {
		t.Errorf("expected HOLD, got %s", got)
	}
	if got := p.Tier(0.6); got != "APPROVE" {
		t.Errorf("expected APPROVE, got %s", got)
	}
}

func TestInvalidTiers(t *testing.T) {
	low, high := 0.8, 0.5
	tests := []struct {
		name  string
		tiers []domain.ActionTier
	}{
		{"empty", nil},
		{"missing threshold", []domain.ActionTier{{Action: "A"}, {Action: "B"}}},
		{"decreasing", []domain.ActionTier{{Action: "A"}, {Action: "B", Above: &low}, {Action: "C", Above: &high}}},
		{"unnamed", []domain.ActionTier{{Action: ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(domain.DecisionConfig{Tiers: tt.tiers}); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestOverrides(t *testing.T) {
	p, err := New(domain.DecisionConfig{
		Tiers: domain.DefaultTiers(),
		Overrides: []domain.OverrideRule{
			{Name: "fallback_review", Expression: "feature_fallback", Action: domain.ActionReview},
			{Name: "ussd_large", Expression: `channel == "ussd" && amount > 50000.0`, Action: domain.ActionBlock},
			{Name: "missing_feature", Expression: `features["merchant"] > 1.0`, Action: domain.ActionBlock},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	t.Run("first match wins", func(t *testing.T) {
		got := p.Decide(&Input{Score: 0.1, FeatureFallback: true, Amount: 90000, Channel: "ussd"})
		if got.Action != domain.ActionReview || got.Rule != "fallback_review" {
			t.Errorf("unexpected decision %+v", got)
		}
	})

	t.Run("feature rule", func(t *testing.T) {
		got := p.Decide(&Input{Score: 0.1, Amount: 90000, Channel: "ussd"})
		if got.Action != domain.ActionBlock || got.Rule != "ussd_large" {
			t.Errorf("unexpected decision %+v", got)
		}
	})

	t.Run("erroring rule is skipped", func(t *testing.T) {
		got := p.Decide(&Input{Score: 0.6, Channel: "web", Features: map[string]float64{"amount": 10}})
		if got.Action != domain.ActionReview || got.Rule != "" {
			t.Errorf("expected tier decision, got %+v", got)
		}
	})

	if len(p.Overrides()) != 3 {
		t.Errorf("expected 3 overrides, got %d", len(p.Overrides()))
	}
}

func TestOverrideCompileErrors(t *testing.T) {
	tests := []domain.OverrideRule{
		{Name: "syntax", Expression: "score >", Action: "BLOCK"},
		{Name: "not_bool", Expression: "score * 2.0", Action: "BLOCK"},
		{Name: "unknown_var", Expression: "merchant == 1", Action: "BLOCK"},
		{Name: "", Expression: "true", Action: "BLOCK"},
	}
	for _, rule := range tests {
		if _, err := New(domain.DecisionConfig{Tiers: domain.DefaultTiers(), Overrides: []domain.OverrideRule{rule}}); err == nil {
			t.Errorf("expected compile error for %+v", rule)
		}
	}
}
