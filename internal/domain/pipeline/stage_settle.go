package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate-ai/tollgate/internal/domain/econ"
	"github.com/tollgate-ai/tollgate/internal/domain/ledger"
	"github.com/tollgate-ai/tollgate/internal/domain/receipt"
	"github.com/tollgate-ai/tollgate/pkg/canonical"
)

// SettleStage converts the hold into the real charge and emits the chained,
// signed receipt for the tenant's scope.
type SettleStage struct {
	manager *ledger.Manager
	chain   *receipt.ChainManager
	metrics *Metrics

	// now is swappable for tests.
	now func() time.Time
}

// NewSettleStage creates the settlement stage.
func NewSettleStage(manager *ledger.Manager, chain *receipt.ChainManager, metrics *Metrics) *SettleStage {
	return &SettleStage{manager: manager, chain: chain, metrics: metrics, now: time.Now}
}

// Name implements Stage.
func (s *SettleStage) Name() string { return "settle" }

// Run settles the ledger and links the receipt.
func (s *SettleStage) Run(ctx context.Context, req *Request) error {
	var tokensIn, tokensOut int
	if req.Upstream != nil && req.Upstream.Usage != nil {
		tokensIn = req.Upstream.Usage.InputTokens
		tokensOut = req.Upstream.Usage.OutputTokens
	}
	realCost := econ.RealCost(req.Econ.Tier, req.Econ.Estimate, tokensIn, tokensOut)
	req.RealCost = realCost

	if err := s.manager.Settle(ctx, req.Envelope.ID, realCost); err != nil {
		return internalErr(s.Name(), fmt.Errorf("settle: %w", err))
	}
	req.Settled = true
	s.metrics.observeReservation("settled")

	rec, err := s.buildReceipt(req, realCost, tokensIn, tokensOut)
	if err != nil {
		return internalErr(s.Name(), err)
	}
	hash, err := s.chain.Append(ctx, "tenant:"+req.Identity.Tenant, rec)
	if err != nil {
		if errors.Is(err, receipt.ErrConcurrencyViolation) {
			return reject(s.Name(), CodeConcurrency, "chain head contention exhausted retries")
		}
		return internalErr(s.Name(), fmt.Errorf("append receipt: %w", err))
	}
	req.ReceiptID = rec.ReceiptID
	req.ReceiptHash = hash
	return nil
}

func (s *SettleStage) buildReceipt(req *Request, realCost float64, tokensIn, tokensOut int) (*receipt.Receipt, error) {
	requestHash, err := canonical.Hash(req.Envelope)
	if err != nil {
		return nil, fmt.Errorf("hash request: %w", err)
	}
	responseHash := ""
	if req.Upstream != nil {
		responseHash, err = canonical.Hash(req.Upstream.Content)
		if err != nil {
			return nil, fmt.Errorf("hash response: %w", err)
		}
	}

	nonce := ""
	if req.Raw != nil {
		nonce = req.Raw.Nonce
	}
	if nonce == "" {
		nonce = uuid.NewString()
	}

	rec := &receipt.Receipt{
		ReceiptID: uuid.NewString(),
		RequestID: req.Envelope.ID,
		Meta: receipt.Meta{
			Tenant:  req.Identity.Tenant,
			Agent:   req.Identity.Agent,
			Session: req.Envelope.Meta.SessionID,
		},
		Operation: receipt.Operation{
			ToolName: req.Envelope.Action,
			Method:   "tools/call",
		},
		Proof: receipt.Proof{
			RequestHash:  requestHash,
			ResponseHash: responseHash,
			Nonce:        nonce,
		},
		Decision: receipt.DecisionRecord{
			Decision:    decisionLabel(req),
			ReasonCodes: receiptReasons(req),
		},
		Economic: receipt.Economic{
			CostSettled: realCost,
			Currency:    req.Econ.Estimate.Currency,
		},
		Timestamps: receipt.Timestamps{
			CreatedAt: req.StartedAt.UTC(),
			SettledAt: s.now().UTC(),
		},
	}
	if req.Policy != nil {
		rec.Decision.MatchedRuleID = req.Policy.MatchedRuleID
	}
	if tokensIn > 0 || tokensOut > 0 {
		rec.Economic.Usage = &receipt.Usage{InputTokens: tokensIn, OutputTokens: tokensOut}
	}
	return rec, nil
}

func receiptReasons(req *Request) []string {
	var codes []string
	if req.Policy != nil {
		codes = append(codes, req.Policy.ReasonCodes...)
	}
	if req.Econ != nil {
		codes = append(codes, req.Econ.ReasonCodes...)
	}
	return codes
}

var _ Stage = (*SettleStage)(nil)
