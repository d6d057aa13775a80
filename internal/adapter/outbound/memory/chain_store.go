package memory

import (
	"context"
	"sync"

	"github.com/tollgate-ai/tollgate/internal/domain/receipt"
)

// ChainStore implements receipt.ChainStore in memory. The head advance is a
// compare-and-swap under one mutex, mirroring the conditional UPDATE the
// durable store uses.
type ChainStore struct {
	mu       sync.Mutex
	heads    map[string]receipt.ChainState
	receipts map[string][]receipt.StoredReceipt
}

// NewChainStore creates an empty in-memory chain store.
func NewChainStore() *ChainStore {
	return &ChainStore{
		heads:    map[string]receipt.ChainState{},
		receipts: map[string][]receipt.StoredReceipt{},
	}
}

// GetHead returns the chain head for a scope, or nil if absent.
func (s *ChainStore) GetHead(ctx context.Context, scopeID string) (*receipt.ChainState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, ok := s.heads[scopeID]
	if !ok {
		return nil, nil
	}
	out := head
	return &out, nil
}

// AppendReceipt advances the head iff the stored head still matches prevHash
// ("" means no head may exist) and persists the receipt atomically.
func (s *ChainStore) AppendReceipt(ctx context.Context, scopeID, prevHash string, state *receipt.ChainState, rec *receipt.StoredReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, exists := s.heads[scopeID]
	if prevHash == "" {
		if exists {
			return receipt.ErrConcurrencyViolation
		}
	} else {
		if !exists || head.LastHash != prevHash {
			return receipt.ErrConcurrencyViolation
		}
	}

	s.heads[scopeID] = *state
	s.receipts[scopeID] = append(s.receipts[scopeID], *rec)
	return nil
}

// ListReceipts returns a scope's receipts in chain order.
func (s *ChainStore) ListReceipts(ctx context.Context, scopeID string) ([]receipt.StoredReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.receipts[scopeID]
	out := make([]receipt.StoredReceipt, len(stored))
	copy(out, stored)
	return out, nil
}

// Tamper rewrites a stored receipt in place, bypassing write-once rules.
// Exists only so integrity tests can simulate a compromised store.
func (s *ChainStore) Tamper(scopeID string, index int, fn func(sr *receipt.StoredReceipt)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.receipts[scopeID]) {
		fn(&s.receipts[scopeID][index])
	}
}

// Compile-time check that ChainStore implements receipt.ChainStore.
var _ receipt.ChainStore = (*ChainStore)(nil)
