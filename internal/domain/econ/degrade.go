package econ

import (
	"fmt"
	"sort"
)

// DegradeAction is what a matched degradation rule does.
type DegradeAction string

const (
	// ActionDegrade patches the request (e.g. downgrade the model) and
	// lets it proceed.
	ActionDegrade DegradeAction = "degrade"
	// ActionRequireApproval parks the request for human sign-off.
	ActionRequireApproval DegradeAction = "require_approval"
)

// DegradeRule is one ordered degradation rule. Rules are evaluated in
// priority-descending order; the first one whose triggers all hold wins.
type DegradeRule struct {
	ID       string        `json:"id" yaml:"id"`
	Priority int           `json:"priority" yaml:"priority"`
	Action   DegradeAction `json:"action" yaml:"action"`

	// OnSoftLimit triggers when a soft limit was crossed.
	OnSoftLimit bool `json:"on_soft_limit,omitempty" yaml:"on_soft_limit,omitempty"`
	// MaxCost triggers when the estimated cost exceeds this value
	// (zero disables the trigger).
	MaxCost float64 `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`

	// Patch is the parameter override applied when Action is degrade.
	Patch map[string]interface{} `json:"patch,omitempty" yaml:"patch,omitempty"`
}

// Validate checks rule shape.
func (r *DegradeRule) Validate() error {
	switch r.Action {
	case ActionDegrade:
		if len(r.Patch) == 0 {
			return fmt.Errorf("rule %s: degrade action requires a patch", r.ID)
		}
	case ActionRequireApproval:
	default:
		return fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action)
	}
	if !r.OnSoftLimit && r.MaxCost <= 0 {
		return fmt.Errorf("rule %s: no trigger configured", r.ID)
	}
	return nil
}

// DegradeInput is what the degradation rules see.
type DegradeInput struct {
	EstimatedCost float64
	SoftExceeded  bool
}

// DegradeOutcome is a matched rule's effect, or nil when nothing matched.
type DegradeOutcome struct {
	RuleID string
	Action DegradeAction
	Patch  map[string]interface{}
}

// Degrader evaluates an ordered degradation rule list.
type Degrader struct {
	rules []DegradeRule
}

// NewDegrader validates and installs a rule list.
func NewDegrader(rules []DegradeRule) (*Degrader, error) {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	sorted := make([]DegradeRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &Degrader{rules: sorted}, nil
}

// Evaluate returns the first matching rule's outcome, or nil when no rule
// matches. Every configured trigger on a rule must hold for it to match.
func (d *Degrader) Evaluate(in DegradeInput) *DegradeOutcome {
	for i := range d.rules {
		r := &d.rules[i]
		if r.OnSoftLimit && !in.SoftExceeded {
			continue
		}
		if r.MaxCost > 0 && in.EstimatedCost <= r.MaxCost {
			continue
		}
		return &DegradeOutcome{RuleID: r.ID, Action: r.Action, Patch: r.Patch}
	}
	return nil
}
