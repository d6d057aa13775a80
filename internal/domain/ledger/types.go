// Package ledger implements the budget reservation-settlement engine:
// durable account balances, per-request reservations, and the append-only
// transaction log. Money is never created by an operation — reserve places a
// hold, settle converts a hold into spend, void releases a hold.
package ledger

import "time"

// ReservationState is the lifecycle state of a reservation.
// Transitions are strictly RESERVED -> SETTLED or RESERVED -> VOIDED.
type ReservationState string

const (
	// StateReserved is the initial state: funds are held, not yet spent.
	StateReserved ReservationState = "RESERVED"
	// StateSettled is terminal: the hold was converted into actual spend.
	StateSettled ReservationState = "SETTLED"
	// StateVoided is terminal: the hold was released without spend.
	StateVoided ReservationState = "VOIDED"
)

// EntryType categorizes ledger log entries.
type EntryType string

const (
	// EntryReserve records a successful reservation.
	EntryReserve EntryType = "RESERVE"
	// EntrySettle records a settlement.
	EntrySettle EntryType = "SETTLE"
	// EntryRefund records the release of an unused reservation remainder.
	EntryRefund EntryType = "REFUND"
	// EntryVoid records a voided reservation.
	EntryVoid EntryType = "VOID"
)

// Entry statuses.
const (
	// StatusOK marks a normally-completed entry.
	StatusOK = "OK"
	// StatusOverrun marks a settlement whose real cost pushed a scope past
	// its hard limit. The charge is applied anyway (the spend already
	// happened upstream); the flag exists for downstream alerting.
	StatusOverrun = "OVERRUN_EXCEEDED"
)

// DefaultReservationTTL is how long a reservation may stay RESERVED before
// the reaper voids it.
const DefaultReservationTTL = 60 * time.Second

// Account is a scoped balance record. Scope ids are composite keys such as
// "tenant:acme", "project:p1", "user:u1", "tool:search", "dept:eng".
type Account struct {
	// ScopeID is the composite scope key.
	ScopeID string
	// HardLimit is the absolute spend ceiling for the scope.
	HardLimit float64
	// SoftLimit triggers degradation evaluation when projected usage
	// crosses it. Zero means no soft limit.
	SoftLimit float64
	// ReservedTotal is the sum of outstanding holds.
	ReservedTotal float64
	// SettledTotal is the sum of finalized spend.
	SettledTotal float64
	// Currency is the ISO currency code for the scope's amounts.
	Currency string
}

// Available returns the headroom below the hard limit.
func (a *Account) Available() float64 {
	return a.HardLimit - a.ReservedTotal - a.SettledTotal
}

// Reservation is one provisional hold, keyed by request id (the idempotency
// key). Terminal reservations are retained for audit, never deleted.
type Reservation struct {
	// RequestID is the idempotency key.
	RequestID string
	// State is the lifecycle state.
	State ReservationState
	// AmountReserved is the held amount per scope.
	AmountReserved float64
	// AmountSettled is the final charged amount (zero until settled).
	AmountSettled float64
	// Scopes are the budget scopes the hold spans, in sorted order.
	Scopes []string
	// ExpiresAt is when the reaper may void a still-RESERVED hold.
	ExpiresAt time.Time
	// CreatedAt is when the reservation was made.
	CreatedAt time.Time
}

// Entry is one append-only transaction log row. Entries are never updated
// or deleted.
type Entry struct {
	// RequestID correlates the entry to a request.
	RequestID string
	// Type is the operation recorded.
	Type EntryType
	// ScopeID is the affected scope.
	ScopeID string
	// Amount is the monetary amount of the operation.
	Amount float64
	// Status is StatusOK or StatusOverrun.
	Status string
	// ReasonCodes carries decision codes for audit.
	ReasonCodes []string
	// CreatedAt is when the entry was appended.
	CreatedAt time.Time
}
