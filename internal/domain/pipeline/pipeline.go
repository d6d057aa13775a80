package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain/action"
	"github.com/tollgate-ai/tollgate/internal/domain/audit"
	"github.com/tollgate-ai/tollgate/internal/domain/auth"
	"github.com/tollgate-ai/tollgate/internal/domain/econ"
	"github.com/tollgate-ai/tollgate/internal/domain/policy"
	"github.com/tollgate-ai/tollgate/pkg/mcp"
)

// UpstreamResult is what a forwarded tool call produced.
type UpstreamResult struct {
	Content []map[string]interface{}
	IsError bool
	Usage   *mcp.Usage
}

// Upstream forwards tool calls to backend tool servers.
type Upstream interface {
	// CallTool invokes a tool on the named server.
	CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (*UpstreamResult, error)
}

// Request is the mutable per-request state threaded through the stages.
// Each stage fills in its slice of it; stages only read fields earlier
// stages produced.
type Request struct {
	// Credential is the raw presented credential.
	Credential string
	// Raw is the transport-level request.
	Raw *action.RawRequest

	// Identity is set by the auth stage.
	Identity *auth.Identity
	// Envelope is set by the validate stage.
	Envelope *action.Envelope

	// Policy is set by the policy stage.
	Policy *policy.Decision
	// Econ is set by the economics stage.
	Econ *econ.Decision
	// Scopes are the budget scopes, set by the economics stage.
	Scopes []string
	// Reserved marks that a ledger hold exists for this request.
	Reserved bool
	// Settled marks that the hold was settled.
	Settled bool

	// Upstream is set by the forward stage.
	Upstream *UpstreamResult
	// RealCost is set by the settle stage.
	RealCost float64
	// ReceiptID and ReceiptHash are set by the settle stage.
	ReceiptID   string
	ReceiptHash string

	// StartedAt is when the pipeline began.
	StartedAt time.Time
}

// Stage is one pipeline step.
type Stage interface {
	// Name identifies the stage in logs and errors.
	Name() string
	// Run advances the request or rejects it.
	Run(ctx context.Context, req *Request) error
}

// Result is the successful pipeline outcome returned to the transport.
type Result struct {
	RequestID   string
	Decision    string
	ReasonCodes []string
	Content     []map[string]interface{}
	IsError     bool
	CostSettled float64
	ReceiptID   string
	ReceiptHash string
}

// Voider releases a request's ledger hold; the runner calls it when a stage
// fails after reservation.
type Voider interface {
	Void(ctx context.Context, requestID string) error
}

// Runner executes the stage sequence, emits the audit event, and records
// metrics. First error halts; a held reservation is voided on any failure
// after the economics stage.
type Runner struct {
	stages  []Stage
	voider  Voider
	auditor audit.Emitter
	metrics *Metrics
	logger  *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewRunner creates a pipeline runner. metrics may be nil.
func NewRunner(stages []Stage, voider Voider, auditor audit.Emitter, metrics *Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		stages:  stages,
		voider:  voider,
		auditor: auditor,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Execute runs the request through every stage. On rejection the returned
// error is always a *Error; the request's audit event is emitted either way.
func (r *Runner) Execute(ctx context.Context, req *Request) (*Result, error) {
	req.StartedAt = r.now()

	for _, stage := range r.stages {
		if err := stage.Run(ctx, req); err != nil {
			perr := asPipelineError(stage.Name(), err)
			r.abort(ctx, req, perr)
			r.audit(ctx, req, perr)
			r.metrics.observeRequest("deny", string(perr.Code), r.now().Sub(req.StartedAt))
			r.logger.Info("request rejected",
				"request_id", requestID(req),
				"stage", stage.Name(),
				"code", perr.Code,
				"reasons", perr.ReasonCodes,
			)
			return nil, perr
		}
	}

	res := &Result{
		RequestID:   requestID(req),
		Decision:    decisionLabel(req),
		CostSettled: req.RealCost,
		ReceiptID:   req.ReceiptID,
		ReceiptHash: req.ReceiptHash,
	}
	if req.Policy != nil {
		res.ReasonCodes = append(res.ReasonCodes, req.Policy.ReasonCodes...)
	}
	if req.Econ != nil {
		res.ReasonCodes = append(res.ReasonCodes, req.Econ.ReasonCodes...)
	}
	if req.Upstream != nil {
		res.Content = req.Upstream.Content
		res.IsError = req.Upstream.IsError
	}

	r.audit(ctx, req, nil)
	elapsed := r.now().Sub(req.StartedAt)
	r.metrics.observeRequest(res.Decision, "", elapsed)
	if req.Settled {
		r.metrics.observeSettledCost(tenantOf(req), req.RealCost)
	}
	r.logger.Info("request completed",
		"request_id", res.RequestID,
		"decision", res.Decision,
		"cost", req.RealCost,
		"duration", elapsed,
	)
	return res, nil
}

// abort releases the ledger hold when a stage failed after reservation.
// Settlement never runs on a failed request, so the hold is still open.
func (r *Runner) abort(ctx context.Context, req *Request, perr *Error) {
	if !req.Reserved || req.Settled || r.voider == nil {
		return
	}
	if err := r.voider.Void(ctx, requestID(req)); err != nil {
		r.logger.Error("failed to void reservation on abort",
			"request_id", requestID(req), "code", perr.Code, "error", err)
	}
}

func (r *Runner) audit(ctx context.Context, req *Request, perr *Error) {
	if r.auditor == nil {
		return
	}
	ev := &audit.Event{
		Timestamp:   r.now(),
		RequestID:   requestID(req),
		Tenant:      tenantOf(req),
		ToolName:    toolOf(req),
		Decision:    decisionLabel(req),
		CostSettled: req.RealCost,
		DurationMS:  r.now().Sub(req.StartedAt).Milliseconds(),
		ReceiptID:   req.ReceiptID,
	}
	if req.Identity != nil {
		ev.Agent = req.Identity.Agent
	}
	if req.Policy != nil {
		ev.ReasonCodes = append(ev.ReasonCodes, req.Policy.ReasonCodes...)
	}
	if req.Econ != nil {
		ev.ReasonCodes = append(ev.ReasonCodes, req.Econ.ReasonCodes...)
	}
	if perr != nil {
		ev.Decision = "deny"
		ev.ErrorCode = string(perr.Code)
		ev.ReasonCodes = append(ev.ReasonCodes, perr.ReasonCodes...)
	}
	r.auditor.Emit(ctx, ev)
}

func asPipelineError(stage string, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Stage == "" {
			perr.Stage = stage
		}
		return perr
	}
	return internalErr(stage, err)
}

func requestID(req *Request) string {
	if req.Envelope != nil {
		return req.Envelope.ID
	}
	return ""
}

func tenantOf(req *Request) string {
	if req.Identity != nil {
		return req.Identity.Tenant
	}
	return ""
}

func toolOf(req *Request) string {
	if req.Envelope != nil {
		return req.Envelope.Action
	}
	if req.Raw != nil {
		return req.Raw.Action
	}
	return ""
}

func decisionLabel(req *Request) string {
	if req.Econ != nil {
		switch req.Econ.Outcome {
		case econ.OutcomeDegrade:
			return "degrade"
		case econ.OutcomeRequireApproval:
			return "require_approval"
		}
	}
	return "allow"
}
