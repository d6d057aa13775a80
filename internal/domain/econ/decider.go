package econ

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain/ratelimit"
)

// Outcome is the economic decision for a request.
type Outcome string

const (
	OutcomeAllow           Outcome = "allow"
	OutcomeDeny            Outcome = "deny"
	OutcomeDegrade         Outcome = "degrade"
	OutcomeRequireApproval Outcome = "require_approval"
)

// Reason codes emitted by the decider.
const (
	ReasonPricingNotFound = "PRICING_NOT_FOUND"
	ReasonEconRateLimit   = "ECON_RATE_LIMIT"
	ReasonBudgetHardLimit = "BUDGET_HARD_LIMIT"
	ReasonSoftLimit       = "SOFT_LIMIT"
	ReasonDegradeApplied  = "DEGRADE_APPLIED"
	ReasonApprovalGate    = "APPROVAL_REQUIRED"
)

// Input is what the decider evaluates. Pricing context may be empty, in
// which case it is resolved from the tool name.
type Input struct {
	RequestID string
	Tenant    string
	Agent     string
	ToolName  string
	Args      map[string]interface{}
	// Scopes are the budget scopes applicable to the request.
	Scopes []string
	// Pricing optionally pins the pricing context; zero value means
	// resolve from ToolName.
	Pricing PricingContext
	// OutputTokens optionally overrides the output token estimate.
	OutputTokens int
}

// Decision is the decider's verdict. Nothing here has been committed: the
// caller reserves against the ledger only on allow/degrade outcomes.
type Decision struct {
	Outcome     Outcome
	ReasonCodes []string
	Estimate    Estimate
	// Tier is the matched price tier (nil on PRICING_NOT_FOUND).
	Tier *PriceTier
	// DenyScope is the scope that triggered a budget denial.
	DenyScope string
	// DegradePatch is the parameter override for degrade outcomes.
	DegradePatch map[string]interface{}
	// RetryAfter is set on rate limit denials.
	RetryAfter time.Duration
}

// Allowed reports whether the request may proceed to reservation.
func (d *Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow || d.Outcome == OutcomeDegrade
}

// Limits configures the decider's rate limit checks. Zero-rate limits are
// disabled.
type Limits struct {
	// AgentRequests limits requests per agent (per minute by convention).
	AgentRequests ratelimit.Config
	// TenantCost limits estimated spend per tenant (per hour by
	// convention); the limiter weight is the estimated cost.
	TenantCost ratelimit.Config
}

// Decider orchestrates pricing, estimation, rate limits, budget status and
// degradation into a single verdict. Evaluation is read-only: denials never
// leave partial charges, and reservations happen after, in the ledger.
type Decider struct {
	pricing  PricingSource
	budget   *BudgetManager
	limiter  ratelimit.Limiter
	degrader *Degrader
	limits   Limits
	logger   *slog.Logger
}

// NewDecider creates an economic decider.
func NewDecider(pricing PricingSource, budget *BudgetManager, limiter ratelimit.Limiter, degrader *Degrader, limits Limits, logger *slog.Logger) *Decider {
	return &Decider{
		pricing:  pricing,
		budget:   budget,
		limiter:  limiter,
		degrader: degrader,
		limits:   limits,
		logger:   logger,
	}
}

// Evaluate runs the economic checks in fixed order: pricing, estimation,
// rate limits, budget, degradation.
func (d *Decider) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	// 1. Resolve the pricing context and tier.
	pc := in.Pricing
	if pc == (PricingContext{}) {
		resolved, err := d.pricing.ContextForTool(ctx, in.ToolName)
		if err != nil {
			if errors.Is(err, ErrPricingNotFound) {
				return d.denyUnpriced(in), nil
			}
			return nil, fmt.Errorf("resolve pricing context: %w", err)
		}
		pc = resolved
	}
	tier, err := d.pricing.Resolve(ctx, pc)
	if err != nil {
		if errors.Is(err, ErrPricingNotFound) {
			return d.denyUnpriced(in), nil
		}
		return nil, fmt.Errorf("resolve price tier: %w", err)
	}

	// 2. Estimate. A sentinel cost is unreachable with a matched tier but
	// kept as a guard: an unpriced action is never free.
	est := EstimateCost(tier, in.Args, in.OutputTokens)
	if est.Cost < 0 {
		return d.denyUnpriced(in), nil
	}

	// 3. Rate limits, before any budget work.
	if d.limits.AgentRequests.Rate > 0 {
		res, err := d.limiter.Allow(ctx, ratelimit.AgentKey(in.Tenant, in.Agent), 1, d.limits.AgentRequests)
		if err != nil {
			return nil, fmt.Errorf("agent rate limit: %w", err)
		}
		if !res.Allowed {
			return &Decision{
				Outcome:     OutcomeDeny,
				ReasonCodes: []string{ReasonEconRateLimit},
				Estimate:    est,
				Tier:        tier,
				RetryAfter:  res.RetryAfter,
			}, nil
		}
	}
	if d.limits.TenantCost.Rate > 0 {
		res, err := d.limiter.Allow(ctx, ratelimit.TenantCostKey(in.Tenant), est.Cost, d.limits.TenantCost)
		if err != nil {
			return nil, fmt.Errorf("tenant cost limit: %w", err)
		}
		if !res.Allowed {
			return &Decision{
				Outcome:     OutcomeDeny,
				ReasonCodes: []string{ReasonEconRateLimit},
				Estimate:    est,
				Tier:        tier,
				RetryAfter:  res.RetryAfter,
			}, nil
		}
	}

	// 4. Budget status across scopes in priority order.
	check, err := d.budget.Check(ctx, in.Scopes, est.Cost)
	if err != nil {
		return nil, fmt.Errorf("budget check: %w", err)
	}
	if check.Status == BudgetHardExceeded {
		return &Decision{
			Outcome:     OutcomeDeny,
			ReasonCodes: []string{ReasonBudgetHardLimit},
			Estimate:    est,
			Tier:        tier,
			DenyScope:   check.ScopeID,
		}, nil
	}

	// 5. Degradation rules on soft-limit or cost triggers.
	softExceeded := check.Status == BudgetSoftExceeded
	if d.degrader != nil {
		if out := d.degrader.Evaluate(DegradeInput{EstimatedCost: est.Cost, SoftExceeded: softExceeded}); out != nil {
			switch out.Action {
			case ActionRequireApproval:
				return &Decision{
					Outcome:     OutcomeRequireApproval,
					ReasonCodes: []string{ReasonApprovalGate},
					Estimate:    est,
					Tier:        tier,
				}, nil
			case ActionDegrade:
				d.logger.Info("degradation applied",
					"request_id", in.RequestID, "rule", out.RuleID, "estimated_cost", est.Cost)
				return &Decision{
					Outcome:      OutcomeDegrade,
					ReasonCodes:  []string{ReasonDegradeApplied},
					Estimate:     est,
					Tier:         tier,
					DegradePatch: out.Patch,
				}, nil
			}
		}
	}

	dec := &Decision{Outcome: OutcomeAllow, Estimate: est, Tier: tier}
	if softExceeded {
		// Soft breach with no matching rule proceeds, flagged for audit.
		dec.ReasonCodes = []string{ReasonSoftLimit}
	}
	return dec, nil
}

func (d *Decider) denyUnpriced(in Input) *Decision {
	d.logger.Warn("denying unpriced action",
		"request_id", in.RequestID, "tool", in.ToolName)
	return &Decision{
		Outcome:     OutcomeDeny,
		ReasonCodes: []string{ReasonPricingNotFound},
		Estimate:    Estimate{Cost: SentinelCost},
	}
}
