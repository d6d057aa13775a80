package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/tollgate-ai/tollgate/internal/domain/econ"
	"github.com/tollgate-ai/tollgate/internal/domain/ledger"
)

// EconStage evaluates the economic decision and places the ledger hold.
// Denials happen before any budget mutation; a failed reserve never leaves a
// partial charge.
type EconStage struct {
	decider *econ.Decider
	manager *ledger.Manager
	metrics *Metrics
}

// NewEconStage creates the economics stage.
func NewEconStage(decider *econ.Decider, manager *ledger.Manager, metrics *Metrics) *EconStage {
	return &EconStage{decider: decider, manager: manager, metrics: metrics}
}

// Name implements Stage.
func (s *EconStage) Name() string { return "econ" }

// Run estimates, decides, and reserves.
func (s *EconStage) Run(ctx context.Context, req *Request) error {
	req.Scopes = requestScopes(req)

	decision, err := s.decider.Evaluate(ctx, econ.Input{
		RequestID: req.Envelope.ID,
		Tenant:    req.Identity.Tenant,
		Agent:     req.Identity.Agent,
		ToolName:  req.Envelope.Action,
		Args:      req.Envelope.Parameters,
		Scopes:    req.Scopes,
	})
	if err != nil {
		return internalErr(s.Name(), fmt.Errorf("economic evaluation: %w", err))
	}
	req.Econ = decision

	switch decision.Outcome {
	case econ.OutcomeDeny:
		code := CodeInternal
		switch {
		case hasCode(decision.ReasonCodes, econ.ReasonPricingNotFound):
			code = CodePricingNotFound
		case hasCode(decision.ReasonCodes, econ.ReasonEconRateLimit):
			code = CodeEconRateLimit
		case hasCode(decision.ReasonCodes, econ.ReasonBudgetHardLimit):
			code = CodeBudgetHardLimit
		}
		s.metrics.observeReservation("denied")
		return reject(s.Name(), code, "economic denial", decision.ReasonCodes...)
	case econ.OutcomeRequireApproval:
		return reject(s.Name(), CodePolicyViolation, "human approval required", decision.ReasonCodes...)
	case econ.OutcomeDegrade:
		if len(decision.DegradePatch) > 0 {
			params := req.Envelope.CloneParameters()
			for k, v := range decision.DegradePatch {
				params[k] = v
			}
			req.Envelope = req.Envelope.WithParameters(params)
		}
	}

	if err := s.manager.Reserve(ctx, req.Envelope.ID, req.Scopes, decision.Estimate.Cost); err != nil {
		if errors.Is(err, ledger.ErrBudgetExceeded) {
			s.metrics.observeReservation("denied")
			return reject(s.Name(), CodeBudgetExceeded, "reservation denied", "BUDGET_EXCEEDED")
		}
		return internalErr(s.Name(), fmt.Errorf("reserve: %w", err))
	}
	req.Reserved = true
	s.metrics.observeReservation("reserved")
	return nil
}

// requestScopes derives the budget scopes from the authenticated identity
// and the envelope.
func requestScopes(req *Request) []string {
	scopes := []string{
		"tenant:" + req.Identity.Tenant,
		"tool:" + req.Envelope.Action,
	}
	if req.Identity.Agent != "" {
		scopes = append(scopes, "user:"+req.Identity.Agent)
	}
	if req.Envelope.Meta.SessionID != "" {
		scopes = append(scopes, "session:"+req.Envelope.Meta.SessionID)
	}
	if p := stringExtra(req.Envelope.Meta.Extra, "project_id"); p != "" {
		scopes = append(scopes, "project:"+p)
	}
	if d := stringExtra(req.Envelope.Meta.Extra, "dept"); d != "" {
		scopes = append(scopes, "dept:"+d)
	}
	return scopes
}

var _ Stage = (*EconStage)(nil)
