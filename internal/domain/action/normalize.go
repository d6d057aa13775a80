package action

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RawRequest is the transport-level shape of an inbound tool invocation
// before normalization.
type RawRequest struct {
	Type         string                 `json:"type"`
	Action       string                 `json:"action"`
	Parameters   map[string]interface{} `json:"parameters"`
	Source       string                 `json:"source"`
	TargetServer string                 `json:"target_server"`
	SessionID    string                 `json:"session_id,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Nonce        string                 `json:"nonce,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}

// Normalizer converts raw transport requests into canonical envelopes.
type Normalizer struct{}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize builds a canonical Envelope from a raw request.
// The tenant comes from the authenticated identity, never from the request
// body, so a client cannot claim another tenant's scope.
func (n *Normalizer) Normalize(raw *RawRequest, tenant string) (*Envelope, error) {
	if raw == nil {
		return nil, errors.New("nil request")
	}
	if raw.Action == "" {
		return nil, errors.New("missing action name")
	}
	if tenant == "" {
		return nil, errors.New("missing tenant")
	}

	typ := ActionType(raw.Type)
	switch typ {
	case ActionCommand, ActionQuery:
	case "":
		typ = ActionCommand
	default:
		return nil, fmt.Errorf("unknown action type %q", raw.Type)
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	params := raw.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}

	return &Envelope{
		ID:         uuid.NewString(),
		Version:    EnvelopeVersion,
		Type:       typ,
		Action:     raw.Action,
		Parameters: params,
		Meta: Meta{
			Timestamp:    ts,
			Source:       raw.Source,
			Tenant:       tenant,
			TargetServer: raw.TargetServer,
			SessionID:    raw.SessionID,
			Extra:        raw.Extra,
		},
	}, nil
}
