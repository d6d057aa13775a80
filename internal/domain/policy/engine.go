package policy

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"

	"github.com/tollgate-ai/tollgate/internal/domain/transform"
)

// Engine is the policy decision point. Evaluation is a pure function of
// (input, ruleset): the engine holds no mutable state beyond its configured
// default decision and the optional condition evaluator.
type Engine struct {
	defaultDecision Effect
	conditions      ConditionEvaluator
	logger          *slog.Logger
}

// NewEngine creates a PDP with the given default decision for unmatched
// inputs. defaultDecision must be EffectAllow or EffectDeny; anything else
// falls back to deny, the safe default for a security gateway.
func NewEngine(defaultDecision Effect, conditions ConditionEvaluator, logger *slog.Logger) *Engine {
	if defaultDecision != EffectAllow {
		defaultDecision = EffectDeny
	}
	return &Engine{
		defaultDecision: defaultDecision,
		conditions:      conditions,
		logger:          logger,
	}
}

// Evaluate matches input against the ruleset and returns a decision.
//
// Rules are evaluated in priority-descending order; the first matching rule
// wins and no further rules are considered. A rule matches iff every present
// predicate in its When clause is satisfied. When nothing matches, the
// configured default decision is returned with DEFAULT_ALLOW or DEFAULT_DENY.
func (e *Engine) Evaluate(ctx context.Context, input Input, ruleset *Ruleset) (Decision, error) {
	if input.ToolName == "" {
		return Decision{}, fmt.Errorf("policy input missing tool name")
	}
	if input.Timestamp.IsZero() {
		return Decision{}, fmt.Errorf("policy input missing timestamp")
	}

	var rules []Rule
	if ruleset != nil {
		rules = make([]Rule, len(ruleset.Rules))
		copy(rules, ruleset.Rules)
		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].Priority > rules[j].Priority
		})
	}

	for i := range rules {
		rule := &rules[i]
		matched, err := e.matches(ctx, rule, input)
		if err != nil {
			return Decision{}, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if !matched {
			continue
		}

		codes := []string{ReasonRuleMatch}
		if rule.ReasonCode != "" {
			codes = append(codes, rule.ReasonCode)
		}
		d := Decision{
			Decision:      rule.Effect,
			ReasonCodes:   codes,
			MatchedRuleID: rule.ID,
		}
		if rule.Effect == EffectTransform || rule.Effect == EffectLimit {
			d.TransformPatch = buildPatch(rule)
		}
		e.logger.Debug("policy rule matched",
			"rule_id", rule.ID,
			"priority", rule.Priority,
			"effect", rule.Effect,
			"tool", input.ToolName,
		)
		return d, nil
	}

	if e.defaultDecision == EffectAllow {
		return Decision{Decision: EffectAllow, ReasonCodes: []string{ReasonDefaultAllow}}, nil
	}
	return Decision{Decision: EffectDeny, ReasonCodes: []string{ReasonDefaultDeny}}, nil
}

// buildPatch extracts the transform work from a rule into a patch for the
// pipeline to apply. ForceArgs configs are surfaced separately so callers can
// apply them without dispatching.
func buildPatch(rule *Rule) *TransformPatch {
	patch := &TransformPatch{Transforms: rule.Transforms}
	for _, cfg := range rule.Transforms {
		if cfg.Kind == transform.KindForceArgs && len(cfg.ForceArgs) > 0 {
			if patch.ForceArgs == nil {
				patch.ForceArgs = map[string]interface{}{}
			}
			for k, v := range cfg.ForceArgs {
				patch.ForceArgs[k] = v
			}
		}
	}
	return patch
}

func (e *Engine) matches(ctx context.Context, rule *Rule, input Input) (bool, error) {
	w := &rule.When

	if len(w.Tools) > 0 && !matchTool(input.ToolName, w.Tools) {
		return false, nil
	}
	if len(w.Roles) > 0 && !contains(w.Roles, input.Role) {
		return false, nil
	}
	if w.RiskClass != "" && w.RiskClass != input.RiskClass {
		return false, nil
	}
	if len(w.Projects) > 0 && !contains(w.Projects, input.ProjectID) {
		return false, nil
	}
	if len(w.Environments) > 0 && !contains(w.Environments, input.Environment) {
		return false, nil
	}
	if w.TimeWindow != nil && !w.TimeWindow.Contains(input.Timestamp) {
		return false, nil
	}
	if len(w.ArgsMatch) > 0 && !argsMatch(w.ArgsMatch, input.Args) {
		return false, nil
	}
	if w.Condition != "" {
		if e.conditions == nil {
			return false, fmt.Errorf("rule has condition but no evaluator configured")
		}
		ok, err := e.conditions.EvaluateCondition(ctx, w.Condition, input)
		if err != nil {
			return false, fmt.Errorf("condition: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchTool matches a tool name against patterns: exact match, or
// prefix/suffix/substring when the pattern carries '*' markers.
func matchTool(tool string, patterns []string) bool {
	for _, p := range patterns {
		if p == tool || p == "*" {
			return true
		}
		if !strings.Contains(p, "*") {
			continue
		}
		inner := strings.Trim(p, "*")
		switch {
		case strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*"):
			if strings.Contains(tool, inner) {
				return true
			}
		case strings.HasSuffix(p, "*"):
			if strings.HasPrefix(tool, inner) {
				return true
			}
		case strings.HasPrefix(p, "*"):
			if strings.HasSuffix(tool, inner) {
				return true
			}
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// argsMatch requires every configured key to be present with an exactly
// equal value.
func argsMatch(want, got map[string]interface{}) bool {
	for k, v := range want {
		gv, ok := got[k]
		if !ok || !reflect.DeepEqual(normalizeNumber(v), normalizeNumber(gv)) {
			return false
		}
	}
	return true
}

// normalizeNumber folds integer types into float64 so values decoded from
// JSON compare equal to values written in Go literals.
func normalizeNumber(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
