// Package action defines the ActionEnvelope type system: the canonical
// representation of any tool invocation flowing through TollGate.
// Every inbound request — regardless of transport — is normalized into an
// ActionEnvelope for uniform policy and economic evaluation.
package action

import "time"

// EnvelopeVersion is the current envelope schema version.
const EnvelopeVersion = "1.0"

// ActionType categorizes the kind of action being performed.
type ActionType string

const (
	// ActionCommand represents a state-changing tool invocation.
	ActionCommand ActionType = "command"
	// ActionQuery represents a read-only tool invocation.
	ActionQuery ActionType = "query"
)

// String returns the string representation of the ActionType.
func (t ActionType) String() string {
	return string(t)
}

// Meta carries request context attached to an envelope.
type Meta struct {
	// Timestamp is when the action was issued by the agent.
	Timestamp time.Time `json:"timestamp"`
	// Source identifies the issuing agent.
	Source string `json:"source"`
	// Tenant is the tenant the agent belongs to.
	Tenant string `json:"tenant"`
	// TargetServer names the upstream tool server the action is directed at.
	TargetServer string `json:"target_server"`
	// SessionID is the agent session identifier, when present.
	SessionID string `json:"session_id,omitempty"`
	// Extra is an extensible bag for transport-specific metadata.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Envelope is the canonical request representation.
//
// An envelope is mutated only by policy transforms prior to forwarding;
// once forwarded it is treated as immutable. It is not persisted as such —
// its derivative, the receipt, is.
type Envelope struct {
	// ID is the trace UUID for this request.
	ID string `json:"id"`
	// Version is the envelope schema version.
	Version string `json:"version"`
	// Type categorizes the action (command or query).
	Type ActionType `json:"type"`
	// Action is the tool name being invoked.
	Action string `json:"action"`
	// Parameters are the tool arguments.
	Parameters map[string]interface{} `json:"parameters"`
	// Meta carries request context.
	Meta Meta `json:"meta"`
}

// WithParameters returns a shallow copy of the envelope with the given
// parameter map. Transform stages use this instead of mutating shared
// state in place.
func (e *Envelope) WithParameters(params map[string]interface{}) *Envelope {
	out := *e
	out.Parameters = params
	return &out
}

// CloneParameters returns a deep copy of the envelope's parameter map.
// Maps and slices are copied recursively; scalar values are shared.
func (e *Envelope) CloneParameters() map[string]interface{} {
	return cloneMap(e.Parameters)
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
