// Package policy maps ensemble scores to named actions. Score tiers give the
// default action; CEL override rules can force an action for specific cases.
package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Policy is an immutable, compiled decision policy. It is safe for concurrent use.
type Policy struct {
	tiers     []domain.ActionTier
	overrides []*compiledRule
}

type compiledRule struct {
	rule    domain.OverrideRule
	program cel.Program
}

// Input holds what an override rule can see.
type Input struct {
	Score                 float64
	AnomalyRisk           float64
	ClassifierProbability float64
	HighRisk              bool
	FeatureFallback       bool
	Amount                float64
	Channel               string
	Features              map[string]float64
}

// Decision is the action chosen for an assessment and the override rule that chose it, if any.
type Decision struct {
	Action string
	Rule   string
}

// New compiles the tiers and override rules of cfg.
func New(cfg domain.DecisionConfig) (*Policy, error) {
	if err := domain.ValidateTiers(cfg.Tiers); err != nil {
		return nil, err
	}
	p := &Policy{tiers: append([]domain.ActionTier(nil), cfg.Tiers...)}
	if len(cfg.Overrides) == 0 {
		return p, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("score", cel.DoubleType),
		cel.Variable("anomaly_risk", cel.DoubleType),
		cel.Variable("classifier_probability", cel.DoubleType),
		cel.Variable("high_risk", cel.BoolType),
		cel.Variable("feature_fallback", cel.BoolType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	for _, rule := range cfg.Overrides {
		compiled, err := compileRule(env, rule)
		if err != nil {
			return nil, err
		}
		p.overrides = append(p.overrides, compiled)
	}
	return p, nil
}

func compileRule(env *cel.Env, rule domain.OverrideRule) (*compiledRule, error) {
	if rule.Name == "" || rule.Action == "" {
		return nil, fmt.Errorf("%w: override rule needs a name and an action", domain.ErrInvalidInput)
	}
	ast, issues := env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile override %s: %w", rule.Name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("override %s: expression must return bool, got %s", rule.Name, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for override %s: %w", rule.Name, err)
	}
	return &compiledRule{rule: rule, program: program}, nil
}

// Tier returns the tier action for score. A tier applies when score is
// strictly above its threshold; the first tier applies otherwise.
func (p *Policy) Tier(score float64) string {
	action := p.tiers[0].Action
	for _, t := range p.tiers[1:] {
		if score > *t.Above {
			action = t.Action
		}
	}
	return action
}

// Decide applies the first matching override, or the score tier when none matches.
// Rules that fail to evaluate are skipped.
func (p *Policy) Decide(in *Input) Decision {
	if len(p.overrides) > 0 {
		features := in.Features
		if features == nil {
			features = map[string]float64{}
		}
		activation := map[string]any{
			"score":                  in.Score,
			"anomaly_risk":           in.AnomalyRisk,
			"classifier_probability": in.ClassifierProbability,
			"high_risk":              in.HighRisk,
			"feature_fallback":       in.FeatureFallback,
			"amount":                 in.Amount,
			"channel":                in.Channel,
			"features":               features,
		}
		for _, r := range p.overrides {
			out, _, err := r.program.Eval(activation)
			if err != nil {
				slog.Warn("override rule failed to evaluate",
					"rule", r.rule.Name,
					"error", err,
				)
				continue
			}
			if b, ok := out.(types.Bool); ok && bool(b) {
				return Decision{Action: r.rule.Action, Rule: r.rule.Name}
			}
		}
	}
	return Decision{Action: p.Tier(in.Score)}
}

// Tiers returns a copy of the configured tiers.
func (p *Policy) Tiers() []domain.ActionTier {
	return append([]domain.ActionTier(nil), p.tiers...)
}

// Overrides returns the configured override rules in evaluation order.
func (p *Policy) Overrides() []domain.OverrideRule {
	rules := make([]domain.OverrideRule, len(p.overrides))
	for i, r := range p.overrides {
		rules[i] = r.rule
	}
	return rules
}
