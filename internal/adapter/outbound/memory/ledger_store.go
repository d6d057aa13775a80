// Package memory provides in-memory implementations of outbound ports,
// used for tests and single-process development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain/ledger"
)

// LedgerStore implements ledger.Store in memory. Transactions are
// serialized by a single mutex; writes are staged and applied only when the
// transaction function returns nil, giving all-or-nothing semantics.
type LedgerStore struct {
	mu           sync.Mutex
	accounts     map[string]ledger.Account
	reservations map[string]ledger.Reservation
	entries      []ledger.Entry
}

// NewLedgerStore creates an empty in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		accounts:     map[string]ledger.Account{},
		reservations: map[string]ledger.Reservation{},
	}
}

type memTx struct {
	store *LedgerStore

	stagedAccounts     map[string]ledger.Account
	stagedReservations map[string]ledger.Reservation
	stagedEntries      []ledger.Entry
}

// InTx runs fn atomically. The mutex serializes all transactions, so reads
// inside fn always see a consistent snapshot plus the transaction's own
// staged writes.
func (s *LedgerStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:              s,
		stagedAccounts:     map[string]ledger.Account{},
		stagedReservations: map[string]ledger.Reservation{},
	}
	if err := fn(tx); err != nil {
		return err
	}

	for k, v := range tx.stagedAccounts {
		s.accounts[k] = v
	}
	for k, v := range tx.stagedReservations {
		s.reservations[k] = v
	}
	s.entries = append(s.entries, tx.stagedEntries...)
	return nil
}

func (t *memTx) GetAccount(scopeID string) (*ledger.Account, error) {
	if acct, ok := t.stagedAccounts[scopeID]; ok {
		out := acct
		return &out, nil
	}
	acct, ok := t.store.accounts[scopeID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	out := acct
	return &out, nil
}

func (t *memTx) UpdateAccount(acct *ledger.Account) error {
	t.stagedAccounts[acct.ScopeID] = *acct
	return nil
}

func (t *memTx) GetReservation(requestID string) (*ledger.Reservation, error) {
	if res, ok := t.stagedReservations[requestID]; ok {
		out := res
		return &out, nil
	}
	res, ok := t.store.reservations[requestID]
	if !ok {
		return nil, nil
	}
	out := res
	return &out, nil
}

func (t *memTx) PutReservation(res *ledger.Reservation) error {
	t.stagedReservations[res.RequestID] = *res
	return nil
}

func (t *memTx) AppendEntry(entry *ledger.Entry) error {
	t.stagedEntries = append(t.stagedEntries, *entry)
	return nil
}

// GetAccount reads an account outside a transaction.
func (s *LedgerStore) GetAccount(ctx context.Context, scopeID string) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[scopeID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	out := acct
	return &out, nil
}

// UpsertAccount provisions or updates an account.
func (s *LedgerStore) UpsertAccount(ctx context.Context, acct *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ScopeID] = *acct
	return nil
}

// GetReservation reads a reservation outside a transaction.
func (s *LedgerStore) GetReservation(ctx context.Context, requestID string) (*ledger.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[requestID]
	if !ok {
		return nil, nil
	}
	out := res
	return &out, nil
}

// ListExpiredReservations returns ids of RESERVED reservations at or past
// their expiry, in deterministic order.
func (s *LedgerStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, res := range s.reservations {
		if res.State == ledger.StateReserved && !res.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Entries returns a copy of the transaction log, for tests and audit reads.
func (s *LedgerStore) Entries() []ledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Compile-time check that LedgerStore implements ledger.Store.
var _ ledger.Store = (*LedgerStore)(nil)
