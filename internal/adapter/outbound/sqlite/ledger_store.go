package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain/ledger"
)

// LedgerStore implements ledger.Store over SQLite. Every InTx call runs in
// an immediate transaction, so concurrent reservations over the same scopes
// serialize at the database.
type LedgerStore struct {
	store *Store
}

// NewLedgerStore creates a ledger store over an open database.
func NewLedgerStore(store *Store) *LedgerStore {
	return &LedgerStore{store: store}
}

type sqlTx struct {
	tx  *sql.Tx
	ctx context.Context
}

// InTx runs fn inside one transaction; any error rolls back every write.
func (s *LedgerStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqlTx{tx: tx, ctx: ctx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqlTx) GetAccount(scopeID string) (*ledger.Account, error) {
	return scanAccount(t.tx.QueryRowContext(t.ctx, `
		SELECT scope_id, hard_limit, soft_limit, reserved_total, settled_total, currency
		FROM ledger_accounts WHERE scope_id = ?`, scopeID))
}

func (t *sqlTx) UpdateAccount(acct *ledger.Account) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE ledger_accounts
		SET hard_limit = ?, soft_limit = ?, reserved_total = ?, settled_total = ?, currency = ?
		WHERE scope_id = ?`,
		acct.HardLimit, acct.SoftLimit, acct.ReservedTotal, acct.SettledTotal,
		acct.Currency, acct.ScopeID)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (t *sqlTx) GetReservation(requestID string) (*ledger.Reservation, error) {
	return scanReservation(t.tx.QueryRowContext(t.ctx, `
		SELECT request_id, state, amount_reserved, amount_settled, scopes, expires_at, created_at
		FROM ledger_reservations WHERE request_id = ?`, requestID))
}

func (t *sqlTx) PutReservation(res *ledger.Reservation) error {
	scopes, err := json.Marshal(res.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_reservations
			(request_id, state, amount_reserved, amount_settled, scopes, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			state = excluded.state,
			amount_settled = excluded.amount_settled`,
		res.RequestID, string(res.State), res.AmountReserved, res.AmountSettled,
		string(scopes), res.ExpiresAt.UnixNano(), res.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put reservation: %w", err)
	}
	return nil
}

func (t *sqlTx) AppendEntry(entry *ledger.Entry) error {
	var codes any
	if len(entry.ReasonCodes) > 0 {
		raw, err := json.Marshal(entry.ReasonCodes)
		if err != nil {
			return fmt.Errorf("marshal reason codes: %w", err)
		}
		codes = string(raw)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_entries (request_id, entry_type, scope_id, amount, status, reason_codes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, string(entry.Type), entry.ScopeID, entry.Amount,
		entry.Status, codes, entry.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// GetAccount reads an account outside a transaction.
func (s *LedgerStore) GetAccount(ctx context.Context, scopeID string) (*ledger.Account, error) {
	return scanAccount(s.store.db.QueryRowContext(ctx, `
		SELECT scope_id, hard_limit, soft_limit, reserved_total, settled_total, currency
		FROM ledger_accounts WHERE scope_id = ?`, scopeID))
}

// UpsertAccount provisions an account or updates its limits. Balance totals
// are preserved on update; only limits and currency change.
func (s *LedgerStore) UpsertAccount(ctx context.Context, acct *ledger.Account) error {
	_, err := s.store.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (scope_id, hard_limit, soft_limit, reserved_total, settled_total, currency)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_id) DO UPDATE SET
			hard_limit = excluded.hard_limit,
			soft_limit = excluded.soft_limit,
			currency = excluded.currency`,
		acct.ScopeID, acct.HardLimit, acct.SoftLimit,
		acct.ReservedTotal, acct.SettledTotal, acct.Currency)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// GetReservation reads a reservation outside a transaction.
func (s *LedgerStore) GetReservation(ctx context.Context, requestID string) (*ledger.Reservation, error) {
	return scanReservation(s.store.db.QueryRowContext(ctx, `
		SELECT request_id, state, amount_reserved, amount_settled, scopes, expires_at, created_at
		FROM ledger_reservations WHERE request_id = ?`, requestID))
}

// ListExpiredReservations returns ids of RESERVED reservations at or past
// their expiry.
func (s *LedgerStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT request_id FROM ledger_reservations
		WHERE state = ? AND expires_at <= ?
		ORDER BY expires_at, request_id
		LIMIT ?`,
		string(ledger.StateReserved), now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var acct ledger.Account
	err := row.Scan(&acct.ScopeID, &acct.HardLimit, &acct.SoftLimit,
		&acct.ReservedTotal, &acct.SettledTotal, &acct.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &acct, nil
}

func scanReservation(row rowScanner) (*ledger.Reservation, error) {
	var (
		res       ledger.Reservation
		state     string
		scopes    string
		expiresAt int64
		createdAt int64
	)
	err := row.Scan(&res.RequestID, &state, &res.AmountReserved,
		&res.AmountSettled, &scopes, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	if err := json.Unmarshal([]byte(scopes), &res.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	res.State = ledger.ReservationState(state)
	res.ExpiresAt = time.Unix(0, expiresAt).UTC()
	res.CreatedAt = time.Unix(0, createdAt).UTC()
	return &res, nil
}

// Compile-time check that LedgerStore implements ledger.Store.
var _ ledger.Store = (*LedgerStore)(nil)
