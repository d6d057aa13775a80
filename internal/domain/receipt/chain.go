package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// maxAppendAttempts bounds the optimistic-concurrency retry loop when the
// chain head moves under us.
const maxAppendAttempts = 3

// ChainManager links receipts into per-scope hash chains. Each append reads
// the current head, sets the receipt's prev hash, signs, and advances the
// head with a compare-and-swap on the old hash. Lost races re-read and
// rebuild the receipt; after maxAppendAttempts the append fails rather than
// ever forking the chain.
type ChainManager struct {
	store  ChainStore
	signer *Signer
	logger *slog.Logger
}

// NewChainManager creates a chain manager.
func NewChainManager(store ChainStore, signer *Signer, logger *slog.Logger) *ChainManager {
	return &ChainManager{store: store, signer: signer, logger: logger}
}

// Append links, signs, and persists the receipt on its scope's chain.
// The receipt's Proof.PrevReceiptHash and Signature are set by Append;
// callers fill in everything else. Returns the persisted content hash.
func (cm *ChainManager) Append(ctx context.Context, scopeID string, r *Receipt) (string, error) {
	if scopeID == "" {
		return "", errors.New("append: missing scope id")
	}

	var lastErr error
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		head, err := cm.store.GetHead(ctx, scopeID)
		if err != nil {
			return "", fmt.Errorf("read chain head: %w", err)
		}

		prevHash := GenesisHash
		casHash := ""
		var seq int64 = 1
		if head != nil {
			prevHash = head.LastHash
			casHash = head.LastHash
			seq = head.Sequence + 1
		}

		// Rebuild link material fresh each attempt: a lost race means
		// the prev hash changed, which changes the payload and the
		// signature.
		r.Proof.PrevReceiptHash = prevHash
		r.Signature = nil
		if err := cm.signer.Sign(r); err != nil {
			return "", fmt.Errorf("sign receipt: %w", err)
		}
		hash, err := r.ContentHash()
		if err != nil {
			return "", fmt.Errorf("hash receipt: %w", err)
		}

		err = cm.store.AppendReceipt(ctx, scopeID, casHash, &ChainState{
			ScopeID:       scopeID,
			LastHash:      hash,
			LastReceiptID: r.ReceiptID,
			Sequence:      seq,
		}, &StoredReceipt{Receipt: r, Hash: hash, Sequence: seq})
		if err == nil {
			return hash, nil
		}
		if !errors.Is(err, ErrConcurrencyViolation) {
			return "", fmt.Errorf("append receipt: %w", err)
		}
		lastErr = err
		cm.logger.Debug("chain head moved, retrying append",
			"scope", scopeID, "receipt_id", r.ReceiptID, "attempt", attempt)
	}

	cm.logger.Error("chain append exhausted retries",
		"scope", scopeID, "receipt_id", r.ReceiptID, "attempts", maxAppendAttempts)
	return "", fmt.Errorf("append receipt for %s: %w", scopeID, lastErr)
}
