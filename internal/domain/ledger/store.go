package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrAccountNotFound is returned when a scope has no provisioned account.
var ErrAccountNotFound = errors.New("ledger account not found")

// Tx exposes the operations available inside one atomic ledger transaction.
// All reads see the transaction's own writes; either every write commits or
// none does.
type Tx interface {
	// GetAccount returns the account for a scope, or ErrAccountNotFound.
	GetAccount(scopeID string) (*Account, error)
	// UpdateAccount persists changed balance totals.
	UpdateAccount(acct *Account) error
	// GetReservation returns the reservation for a request id, or nil.
	GetReservation(requestID string) (*Reservation, error)
	// PutReservation creates or updates a reservation row.
	PutReservation(res *Reservation) error
	// AppendEntry appends one transaction log row.
	AppendEntry(entry *Entry) error
}

// Store is the durable ledger storage port. Implementations must provide
// real transactional semantics for InTx: concurrent transactions touching
// the same accounts must serialize, and a returned error must roll back
// every write made through the Tx.
type Store interface {
	// InTx runs fn inside one atomic transaction.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// GetAccount reads an account outside a transaction (for budget checks).
	GetAccount(ctx context.Context, scopeID string) (*Account, error)
	// UpsertAccount provisions or updates an account's limits.
	UpsertAccount(ctx context.Context, acct *Account) error
	// GetReservation reads a reservation outside a transaction.
	GetReservation(ctx context.Context, requestID string) (*Reservation, error)
	// ListExpiredReservations returns request ids of reservations still
	// RESERVED whose expiry is at or before now.
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error)
}
