package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/tollgate-ai/tollgate/internal/domain/policy"
	"github.com/tollgate-ai/tollgate/internal/domain/transform"
)

// RiskResolver classifies a tool's risk. Implementations typically read a
// configured tool catalog.
type RiskResolver interface {
	RiskClass(toolName string) string
}

// RiskResolverFunc adapts a function to RiskResolver.
type RiskResolverFunc func(toolName string) string

// RiskClass implements RiskResolver.
func (f RiskResolverFunc) RiskClass(toolName string) string { return f(toolName) }

// PolicyStage evaluates the tenant's active ruleset and applies any
// transforms the decision demands. Transforms are functional: the envelope's
// parameter map is replaced, never mutated in place.
type PolicyStage struct {
	engine *policy.Engine
	source policy.Source
	risk   RiskResolver
}

// NewPolicyStage creates the policy stage.
func NewPolicyStage(engine *policy.Engine, source policy.Source, risk RiskResolver) *PolicyStage {
	return &PolicyStage{engine: engine, source: source, risk: risk}
}

// Name implements Stage.
func (s *PolicyStage) Name() string { return "policy" }

// Run evaluates policy and applies transforms.
func (s *PolicyStage) Run(ctx context.Context, req *Request) error {
	ruleset, err := s.source.ActiveRuleset(ctx, req.Identity.Tenant)
	if err != nil {
		return internalErr(s.Name(), fmt.Errorf("load ruleset: %w", err))
	}

	riskClass := "standard"
	if s.risk != nil {
		if rc := s.risk.RiskClass(req.Envelope.Action); rc != "" {
			riskClass = rc
		}
	}

	input := policy.Input{
		ToolName:    req.Envelope.Action,
		Role:        req.Identity.Role,
		RiskClass:   riskClass,
		Timestamp:   req.Envelope.Meta.Timestamp,
		Environment: stringExtra(req.Envelope.Meta.Extra, "environment"),
		ProjectID:   stringExtra(req.Envelope.Meta.Extra, "project_id"),
		Args:        req.Envelope.Parameters,
	}
	decision, err := s.engine.Evaluate(ctx, input, ruleset)
	if err != nil {
		return internalErr(s.Name(), fmt.Errorf("evaluate policy: %w", err))
	}
	req.Policy = &decision

	if !decision.Allowed() {
		code := CodePolicyViolation
		if decision.Decision == policy.EffectDeny && decision.MatchedRuleID != "" && hasCode(decision.ReasonCodes, "FORBIDDEN_TOOL") {
			code = CodeForbiddenTool
		}
		return reject(s.Name(), code,
			fmt.Sprintf("policy decision %s", decision.Decision),
			decision.ReasonCodes...)
	}

	if decision.TransformPatch != nil {
		params := req.Envelope.CloneParameters()
		for _, cfg := range decision.TransformPatch.Transforms {
			params, err = transform.Apply(cfg, params)
			if err != nil {
				var egress *transform.EgressError
				if errors.As(err, &egress) {
					return reject(s.Name(), CodeSSRFBlocked,
						fmt.Sprintf("egress blocked for %s: %s", egress.Key, egress.Reason),
						decision.ReasonCodes...)
				}
				return internalErr(s.Name(), fmt.Errorf("apply transform %s: %w", cfg.Kind, err))
			}
		}
		req.Envelope = req.Envelope.WithParameters(params)
	}
	return nil
}

func stringExtra(extra map[string]interface{}, key string) string {
	if extra == nil {
		return ""
	}
	if v, ok := extra[key].(string); ok {
		return v
	}
	return ""
}

func hasCode(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

var _ Stage = (*PolicyStage)(nil)
