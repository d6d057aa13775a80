package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tollgate-ai/tollgate/internal/domain/receipt"
)

// ChainStore implements receipt.ChainStore over SQLite. The chain head
// advance is a compare-and-swap: an UPDATE guarded on the previously observed
// last_hash. Zero rows affected means another writer advanced the head first.
type ChainStore struct {
	store *Store
}

// NewChainStore creates a chain store over an open database.
func NewChainStore(store *Store) *ChainStore {
	return &ChainStore{store: store}
}

// GetHead returns the chain head for a scope, or nil for an empty chain.
func (s *ChainStore) GetHead(ctx context.Context, scopeID string) (*receipt.ChainState, error) {
	var state receipt.ChainState
	err := s.store.db.QueryRowContext(ctx, `
		SELECT scope_id, last_hash, last_receipt_id, sequence
		FROM chain_state WHERE scope_id = ?`, scopeID).
		Scan(&state.ScopeID, &state.LastHash, &state.LastReceiptID, &state.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get head: %w", err)
	}
	return &state, nil
}

// AppendReceipt advances the head and persists the receipt in one
// transaction. The receipts table's write-once triggers make the insert the
// only mutation that will ever touch the row.
func (s *ChainStore) AppendReceipt(ctx context.Context, scopeID, prevHash string, state *receipt.ChainState, rec *receipt.StoredReceipt) error {
	body, err := json.Marshal(rec.Receipt)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if prevHash == "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO chain_state (scope_id, last_hash, last_receipt_id, sequence)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(scope_id) DO NOTHING`,
			scopeID, state.LastHash, state.LastReceiptID, state.Sequence)
		if err != nil {
			return fmt.Errorf("insert head: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return receipt.ErrConcurrencyViolation
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE chain_state
			SET last_hash = ?, last_receipt_id = ?, sequence = ?
			WHERE scope_id = ? AND last_hash = ?`,
			state.LastHash, state.LastReceiptID, state.Sequence, scopeID, prevHash)
		if err != nil {
			return fmt.Errorf("advance head: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return receipt.ErrConcurrencyViolation
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO receipts (receipt_id, scope_id, sequence, hash, body)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Receipt.ReceiptID, scopeID, rec.Sequence, rec.Hash, string(body)); err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListReceipts returns a scope's receipts in chain order.
func (s *ChainStore) ListReceipts(ctx context.Context, scopeID string) ([]receipt.StoredReceipt, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT body, hash, sequence FROM receipts
		WHERE scope_id = ? ORDER BY sequence`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []receipt.StoredReceipt
	for rows.Next() {
		var (
			body string
			sr   receipt.StoredReceipt
		)
		if err := rows.Scan(&body, &sr.Hash, &sr.Sequence); err != nil {
			return nil, err
		}
		var rec receipt.Receipt
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal receipt: %w", err)
		}
		sr.Receipt = &rec
		out = append(out, sr)
	}
	return out, rows.Err()
}

// Compile-time check that ChainStore implements receipt.ChainStore.
var _ receipt.ChainStore = (*ChainStore)(nil)
