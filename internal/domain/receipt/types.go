// Package receipt implements the cryptographic accountability layer: signed
// receipts linked into a per-tenant hash chain with a durable, CAS-advanced
// chain head.
package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tollgate-ai/tollgate/pkg/canonical"
)

// GenesisHash anchors every chain: the prev hash of a scope's first receipt.
// A single canonical constant of 64 ASCII zeros (SHA-256 hex length).
var GenesisHash = strings.Repeat("0", 64)

// ErrConcurrencyViolation is returned when a chain-head CAS loses a race:
// the stored head moved between read and write. Callers must re-read and
// retry the whole linking operation or surface the failure — never overwrite.
var ErrConcurrencyViolation = errors.New("chain head concurrency violation")

// Meta identifies the parties to a receipt.
type Meta struct {
	Tenant  string `json:"tenant"`
	Agent   string `json:"agent,omitempty"`
	Session string `json:"session,omitempty"`
}

// Operation records what was invoked.
type Operation struct {
	ToolName string `json:"tool_name"`
	Method   string `json:"method"`
}

// Proof carries the hash material linking the receipt into the chain.
type Proof struct {
	RequestHash     string `json:"request_hash"`
	ResponseHash    string `json:"response_hash"`
	Nonce           string `json:"nonce"`
	PrevReceiptHash string `json:"prev_receipt_hash"`
}

// DecisionRecord snapshots the policy outcome for the request.
type DecisionRecord struct {
	Decision      string   `json:"decision"`
	ReasonCodes   []string `json:"reason_codes"`
	MatchedRuleID string   `json:"matched_rule_id,omitempty"`
}

// Usage records token consumption reported by the upstream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Economic records the settled cost for the request.
type Economic struct {
	CostSettled float64 `json:"cost_settled"`
	Currency    string  `json:"currency"`
	Usage       *Usage  `json:"usage,omitempty"`
}

// Timestamps records the receipt lifecycle times.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at"`
	SettledAt time.Time `json:"settled_at"`
}

// Signature holds the detached signature over the receipt's canonical form.
type Signature struct {
	Alg   string `json:"alg"`
	KeyID string `json:"key_id"`
	Sig   string `json:"sig"`
}

// Receipt is the cryptographic unit of accountability for one request.
// Receipts are write-once: the storage layer rejects UPDATE and DELETE.
type Receipt struct {
	ReceiptID  string         `json:"receipt_id"`
	RequestID  string         `json:"request_id"`
	Meta       Meta           `json:"meta"`
	Operation  Operation      `json:"operation"`
	Proof      Proof          `json:"proof"`
	Decision   DecisionRecord `json:"decision"`
	Economic   Economic       `json:"economic"`
	Timestamps Timestamps     `json:"timestamps"`
	Signature  *Signature     `json:"signature,omitempty"`
}

// SigningPayload returns the canonical bytes of the receipt excluding the
// signature field. This exact byte sequence is what gets hashed and signed;
// any deviation in key order or number formatting breaks verification.
func (r *Receipt) SigningPayload() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal receipt: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("reparse receipt: %w", err)
	}
	delete(m, "signature")
	return canonical.Marshal(m)
}

// ContentHash returns the base64 SHA-256 of the receipt's signing payload.
// This is the hash the next receipt links to.
func (r *Receipt) ContentHash() (string, error) {
	payload, err := r.SigningPayload()
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(payload), nil
}

// ChainState is the durable per-scope chain pointer.
type ChainState struct {
	// ScopeID identifies the chain (one per tenant scope).
	ScopeID string
	// LastHash is the content hash of the most recent receipt.
	LastHash string
	// LastReceiptID is the id of the most recent receipt.
	LastReceiptID string
	// Sequence is the number of receipts in the chain.
	Sequence int64
}

// StoredReceipt pairs a persisted receipt with its stored content hash and
// chain position.
type StoredReceipt struct {
	Receipt  *Receipt
	Hash     string
	Sequence int64
}

// ChainStore is the durable storage port for chains and receipts.
type ChainStore interface {
	// GetHead returns the chain head for a scope, or nil if the chain has
	// no receipts yet.
	GetHead(ctx context.Context, scopeID string) (*ChainState, error)
	// AppendReceipt atomically advances the chain head and persists the
	// signed receipt. prevHash is the head's LastHash observed by the
	// caller ("" when no head existed); the append succeeds only if the
	// stored head still matches, otherwise ErrConcurrencyViolation.
	AppendReceipt(ctx context.Context, scopeID, prevHash string, state *ChainState, rec *StoredReceipt) error
	// ListReceipts returns a scope's receipts in chain order.
	ListReceipts(ctx context.Context, scopeID string) ([]StoredReceipt, error)
}
