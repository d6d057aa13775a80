// Package audit defines the audit event model and emission port. Audit
// writes are best-effort and must never block or fail a request.
package audit

import (
	"context"
	"time"
)

// Event is one audit record. Sensitive argument material is recorded
// post-transform, so redactions apply to the audit trail too.
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	RequestID   string                 `json:"request_id"`
	Tenant      string                 `json:"tenant"`
	Agent       string                 `json:"agent,omitempty"`
	ToolName    string                 `json:"tool_name,omitempty"`
	Decision    string                 `json:"decision"`
	ReasonCodes []string               `json:"reason_codes,omitempty"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	CostSettled float64                `json:"cost_settled,omitempty"`
	DurationMS  int64                  `json:"duration_ms"`
	ReceiptID   string                 `json:"receipt_id,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Emitter is the audit output port.
type Emitter interface {
	// Emit records an event. Implementations must be non-blocking from
	// the caller's perspective; dropped events are counted, not surfaced.
	Emit(ctx context.Context, ev *Event)
	// Close flushes buffered events.
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(ctx context.Context, ev *Event) {}

// Close implements Emitter.
func (Nop) Close() error { return nil }

var _ Emitter = Nop{}
