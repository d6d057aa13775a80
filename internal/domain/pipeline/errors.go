// Package pipeline runs every request through the fixed stage sequence:
// authenticate, validate, policy, economics, forward, settle. A stage error
// halts the pipeline; later stages never see a request an earlier stage
// rejected.
package pipeline

import (
	"fmt"
	"strings"
)

// Code is the fixed error vocabulary surfaced at the boundary.
type Code string

const (
	CodeAuthMissing          Code = "AUTH_MISSING"
	CodeSchemaMismatch       Code = "SCHEMA_MISMATCH"
	CodeForbiddenTool        Code = "FORBIDDEN_TOOL"
	CodePolicyViolation      Code = "POLICY_VIOLATION"
	CodeSSRFBlocked          Code = "SSRF_BLOCKED"
	CodePIIDetected          Code = "PII_DETECTED"
	CodeTenantScopeViolation Code = "TENANT_SCOPE_VIOLATION"
	CodeBudgetExceeded       Code = "BUDGET_EXCEEDED"
	CodeBudgetHardLimit      Code = "BUDGET_HARD_LIMIT"
	CodeEconRateLimit        Code = "ECON_RATE_LIMIT"
	CodePricingNotFound      Code = "PRICING_NOT_FOUND"
	CodeReplayDetected       Code = "REPLAY_ATTACK_DETECTED"
	CodeStaleRequest         Code = "STALE_REQUEST"
	CodeCircuitOpen          Code = "CIRCUIT_BREAKER_OPEN"
	CodeUpstreamNotFound     Code = "UPSTREAM_NOT_FOUND"
	CodeUpstreamFailed       Code = "UPSTREAM_FAILED"
	CodeConcurrency          Code = "CONCURRENCY_VIOLATION"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Error is a pipeline rejection: which stage refused the request, under
// which taxonomy code, and with which decision reason codes.
type Error struct {
	// Code is the taxonomy code.
	Code Code
	// Stage names the pipeline stage that produced the error.
	Stage string
	// ReasonCodes carries decision reason codes when present.
	ReasonCodes []string
	// Message is a human-readable explanation, safe to return to callers.
	Message string
	// Err is the underlying cause, when any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Stage != "" {
		fmt.Fprintf(&b, " at %s", e.Stage)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// reject builds a pipeline error for a stage.
func reject(stage string, code Code, message string, reasons ...string) *Error {
	return &Error{Code: code, Stage: stage, Message: message, ReasonCodes: reasons}
}

// internalErr wraps an unexpected failure as INTERNAL_ERROR.
func internalErr(stage string, err error) *Error {
	return &Error{Code: CodeInternal, Stage: stage, Message: "internal error", Err: err}
}
