// Package econ implements the economic control plane: pricing resolution,
// cost estimation, budget status checks, degradation rules, and the decider
// that combines them into an allow/deny/degrade/require-approval outcome.
package econ

import (
	"context"
	"errors"
	"fmt"
)

// Wildcard matches any value in a price tier field.
const Wildcard = "*"

// ErrPricingNotFound is returned when no tier matches a pricing context.
var ErrPricingNotFound = errors.New("pricing not found")

// PricingContext identifies what is being priced.
type PricingContext struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint"`
}

// PriceTier is one pricing row. Fields may be the wildcard "*"; more
// specific tiers win over wildcard ones.
type PriceTier struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint"`
	// InputPrice is the cost per 1000 input tokens.
	InputPrice float64 `json:"input_price"`
	// OutputPrice is the cost per 1000 output tokens.
	OutputPrice float64 `json:"output_price"`
	// FlatFee is a per-call fee added on top of token costs.
	FlatFee float64 `json:"flat_fee"`
	// Currency is the ISO currency code.
	Currency string `json:"currency"`
	// OutputEstimate overrides the default output token estimate when > 0.
	OutputEstimate int `json:"output_estimate,omitempty"`
}

// PricingSource resolves price tiers and maps tool names to pricing
// contexts.
type PricingSource interface {
	// Resolve returns the most specific tier matching the context, or
	// ErrPricingNotFound.
	Resolve(ctx context.Context, pc PricingContext) (*PriceTier, error)
	// ContextForTool maps a tool name to its pricing context, or
	// ErrPricingNotFound for an unmapped tool.
	ContextForTool(ctx context.Context, toolName string) (PricingContext, error)
}

// StaticPricing is an in-memory PricingSource backed by a fixed tier table
// and tool map, typically loaded from config.
type StaticPricing struct {
	tiers []PriceTier
	tools map[string]PricingContext
}

// NewStaticPricing creates a pricing source over a tier table and a tool
// name to pricing context map.
func NewStaticPricing(tiers []PriceTier, tools map[string]PricingContext) *StaticPricing {
	cloned := make(map[string]PricingContext, len(tools))
	for k, v := range tools {
		cloned[k] = v
	}
	out := make([]PriceTier, len(tiers))
	copy(out, tiers)
	return &StaticPricing{tiers: out, tools: cloned}
}

// Resolve picks the matching tier with the highest specificity. Provider
// outranks model outranks endpoint, so an exact-provider wildcard-model tier
// beats a wildcard-provider exact-model tier.
func (p *StaticPricing) Resolve(ctx context.Context, pc PricingContext) (*PriceTier, error) {
	best := -1
	var match *PriceTier
	for i := range p.tiers {
		tier := &p.tiers[i]
		score, ok := tierScore(tier, pc)
		if ok && score > best {
			best = score
			match = tier
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: provider=%q model=%q endpoint=%q",
			ErrPricingNotFound, pc.Provider, pc.Model, pc.Endpoint)
	}
	out := *match
	return &out, nil
}

// ContextForTool maps a tool name to its pricing context.
func (p *StaticPricing) ContextForTool(ctx context.Context, toolName string) (PricingContext, error) {
	pc, ok := p.tools[toolName]
	if !ok {
		return PricingContext{}, fmt.Errorf("%w: tool %q has no pricing context", ErrPricingNotFound, toolName)
	}
	return pc, nil
}

func tierScore(tier *PriceTier, pc PricingContext) (int, bool) {
	score := 0
	switch tier.Provider {
	case pc.Provider:
		score += 4
	case Wildcard:
	default:
		return 0, false
	}
	switch tier.Model {
	case pc.Model:
		score += 2
	case Wildcard:
	default:
		return 0, false
	}
	switch tier.Endpoint {
	case pc.Endpoint:
		score += 1
	case Wildcard:
	default:
		return 0, false
	}
	return score, true
}

// Compile-time check that StaticPricing implements PricingSource.
var _ PricingSource = (*StaticPricing)(nil)
