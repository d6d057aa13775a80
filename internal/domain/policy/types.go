// Package policy contains the ABAC policy decision point: rule types,
// attribute matching, and priority-based conflict resolution.
package policy

import (
	"context"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain/transform"
)

// Effect is the result a matching rule produces.
type Effect string

const (
	// EffectAllow permits the action to proceed.
	EffectAllow Effect = "allow"
	// EffectDeny blocks the action.
	EffectDeny Effect = "deny"
	// EffectTransform permits the action after applying transforms.
	EffectTransform Effect = "transform"
	// EffectRequireApproval blocks the action pending human approval.
	EffectRequireApproval Effect = "require_approval"
	// EffectLimit permits the action after clamping arguments.
	EffectLimit Effect = "limit"
)

// String returns the string representation of the Effect.
func (e Effect) String() string {
	return string(e)
}

// Reason codes emitted in decisions.
const (
	// ReasonRuleMatch indicates a rule matched and produced the decision.
	ReasonRuleMatch = "RULE_MATCH"
	// ReasonDefaultAllow indicates no rule matched and the engine defaulted to allow.
	ReasonDefaultAllow = "DEFAULT_ALLOW"
	// ReasonDefaultDeny indicates no rule matched and the engine defaulted to deny.
	ReasonDefaultDeny = "DEFAULT_DENY"
)

// TimeWindow restricts a rule to a time-of-day range, inclusive on both ends.
// Start and End are "HH:MM" strings compared lexically; a window whose Start
// is after its End wraps past midnight.
type TimeWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// Contains reports whether t falls inside the window.
func (w *TimeWindow) Contains(t time.Time) bool {
	hm := t.Format("15:04")
	if w.Start <= w.End {
		return hm >= w.Start && hm <= w.End
	}
	// Wraps midnight.
	return hm >= w.Start || hm <= w.End
}

// When is the attribute predicate of a rule. A rule matches iff every
// present (non-zero) field is satisfied.
type When struct {
	// Tools matches the tool name: exact, or a substring/prefix/suffix
	// pattern when the entry contains '*'.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Roles matches when the caller's role is a member.
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	// RiskClass matches the tool's risk class exactly.
	RiskClass string `json:"risk_class,omitempty" yaml:"risk_class,omitempty"`
	// Projects matches when the request's project id is a member.
	Projects []string `json:"projects,omitempty" yaml:"projects,omitempty"`
	// Environments matches when the request's environment is a member.
	Environments []string `json:"environments,omitempty" yaml:"environments,omitempty"`
	// TimeWindow matches the request timestamp's time of day.
	TimeWindow *TimeWindow `json:"time_window,omitempty" yaml:"time_window,omitempty"`
	// ArgsMatch requires exact key/value equality on tool arguments.
	ArgsMatch map[string]interface{} `json:"args_match,omitempty" yaml:"args_match,omitempty"`
	// Condition is an optional CEL expression evaluated against the input.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Rule is a single ABAC rule.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `json:"id" yaml:"id"`
	// Name is a human-readable name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Priority orders evaluation: higher wins, first match ends evaluation.
	Priority int `json:"priority" yaml:"priority"`
	// Effect is the decision this rule produces when it matches.
	Effect Effect `json:"effect" yaml:"effect"`
	// When is the attribute predicate.
	When When `json:"when" yaml:"when"`
	// Transforms are applied by the pipeline when Effect is transform or limit.
	Transforms []transform.Config `json:"transforms,omitempty" yaml:"transforms,omitempty"`
	// ReasonCode is an optional extra code appended to the decision's codes.
	ReasonCode string `json:"reason_code,omitempty" yaml:"reason_code,omitempty"`
}

// Ruleset is the ordered set of rules active for a tenant.
type Ruleset struct {
	// TenantID scopes the ruleset.
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	// Version identifies the published revision.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// Rules are the ABAC rules, in any order; the engine sorts by priority.
	Rules []Rule `json:"rules" yaml:"rules"`
}

// Input is the attribute bag a request presents for evaluation.
type Input struct {
	// ToolName is the tool being invoked. Required.
	ToolName string
	// Role is the caller's role. Required.
	Role string
	// RiskClass is the tool's risk classification. Required.
	RiskClass string
	// Timestamp is the request time. Required.
	Timestamp time.Time
	// ProjectID is the project the request acts on. Optional.
	ProjectID string
	// Environment is the deployment environment. Optional.
	Environment string
	// Args are the tool arguments. Optional.
	Args map[string]interface{}
}

// TransformPatch carries the transform work a decision requires the caller
// to apply. The PDP itself never mutates the envelope.
type TransformPatch struct {
	// ForceArgs are arguments the rule forces onto the envelope.
	ForceArgs map[string]interface{}
	// Transforms is the raw transform config of the matched rule.
	Transforms []transform.Config
}

// Decision is the output of PDP evaluation. Ephemeral, per-request.
type Decision struct {
	// Decision is the resolved effect.
	Decision Effect
	// ReasonCodes is a non-empty ordered list of taxonomy codes.
	ReasonCodes []string
	// MatchedRuleID is the id of the winning rule, empty for defaults.
	MatchedRuleID string
	// TransformPatch is set when the decision requires transformation.
	TransformPatch *TransformPatch
}

// Allowed reports whether the action may proceed (possibly after transforms).
func (d *Decision) Allowed() bool {
	switch d.Decision {
	case EffectAllow, EffectTransform, EffectLimit:
		return true
	default:
		return false
	}
}

// ConditionEvaluator evaluates a rule's optional CEL condition against an
// input. Implementations live in the adapter layer.
type ConditionEvaluator interface {
	// EvaluateCondition returns whether the expression holds for the input.
	EvaluateCondition(ctx context.Context, expression string, input Input) (bool, error)
}

// Source returns the active ruleset for a tenant.
type Source interface {
	// ActiveRuleset returns the tenant's published ruleset.
	ActiveRuleset(ctx context.Context, tenantID string) (*Ruleset, error)
}

// Publisher accepts ruleset publishes.
type Publisher interface {
	// Publish validates and installs a ruleset as the tenant's active one.
	Publish(ctx context.Context, rs *Ruleset) error
}

// Store is a Source whose rulesets can also be published. The in-memory and
// sqlite ruleset stores both implement it.
type Store interface {
	Source
	Publisher
}
