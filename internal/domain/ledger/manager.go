package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ErrBudgetExceeded is returned when a reserve would push any scope past its
// hard limit. The whole reservation aborts; no scope is partially charged.
var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetExceededError identifies the scope that rejected a reservation.
type BudgetExceededError struct {
	ScopeID   string
	Requested float64
	Available float64
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s: requested %.6f, available %.6f",
		e.ScopeID, e.Requested, e.Available)
}

// Unwrap returns ErrBudgetExceeded so errors.Is works.
func (e *BudgetExceededError) Unwrap() error {
	return ErrBudgetExceeded
}

// FailMode governs behavior when the underlying store fails.
type FailMode string

const (
	// FailClosed surfaces ledger infrastructure errors as hard denials.
	// This is the default: correctness over availability.
	FailClosed FailMode = "closed"
	// FailOpen logs the failure and treats the operation as successful.
	// This deliberately breaks the accounting guarantee and is therefore
	// logged loudly every single time it triggers.
	FailOpen FailMode = "open"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// FailMode is FailClosed (default) or FailOpen.
	FailMode FailMode
	// ReservationTTL is how long reservations stay reservable before the
	// reaper voids them. Defaults to DefaultReservationTTL.
	ReservationTTL time.Duration
}

// Manager implements the ACID reserve/settle/void/reap operations over a
// Store. It is the most failure-sensitive component in the gateway: no code
// path may double-spend or lose funds.
type Manager struct {
	store  Store
	mode   FailMode
	ttl    time.Duration
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a ledger manager.
func NewManager(store Store, cfg ManagerConfig, logger *slog.Logger) *Manager {
	mode := cfg.FailMode
	if mode != FailOpen {
		mode = FailClosed
	}
	ttl := cfg.ReservationTTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &Manager{
		store:  store,
		mode:   mode,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Reserve places a hold of amount against every scope, all-or-nothing.
//
// Idempotent: if a reservation already exists for requestID in RESERVED or
// SETTLED state, Reserve returns success without re-reserving. Scopes are
// processed in sorted order at every call site so concurrent reservations
// over overlapping scope sets acquire row locks in a consistent order.
func (m *Manager) Reserve(ctx context.Context, requestID string, scopes []string, amount float64) error {
	if requestID == "" {
		return errors.New("reserve: missing request id")
	}
	if len(scopes) == 0 {
		return errors.New("reserve: no scopes")
	}
	if amount < 0 {
		return fmt.Errorf("reserve: negative amount %.6f", amount)
	}

	sorted := sortedScopes(scopes)
	now := m.now()

	err := m.store.InTx(ctx, func(tx Tx) error {
		existing, err := tx.GetReservation(requestID)
		if err != nil {
			return fmt.Errorf("lookup reservation: %w", err)
		}
		if existing != nil {
			switch existing.State {
			case StateReserved, StateSettled:
				// Replay of an already-admitted request.
				return nil
			case StateVoided:
				return fmt.Errorf("reserve: request %s already voided", requestID)
			}
		}

		// A scope with no provisioned account is unlimited: no hold is
		// placed on it and it is left out of the reservation.
		held := make([]string, 0, len(sorted))
		for _, scopeID := range sorted {
			acct, err := tx.GetAccount(scopeID)
			if errors.Is(err, ErrAccountNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("scope %s: %w", scopeID, err)
			}
			if amount > acct.Available() {
				return &BudgetExceededError{
					ScopeID:   scopeID,
					Requested: amount,
					Available: acct.Available(),
				}
			}
			acct.ReservedTotal += amount
			if err := tx.UpdateAccount(acct); err != nil {
				return fmt.Errorf("update scope %s: %w", scopeID, err)
			}
			if err := tx.AppendEntry(&Entry{
				RequestID: requestID,
				Type:      EntryReserve,
				ScopeID:   scopeID,
				Amount:    amount,
				Status:    StatusOK,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("append entry: %w", err)
			}
			held = append(held, scopeID)
		}

		return tx.PutReservation(&Reservation{
			RequestID:      requestID,
			State:          StateReserved,
			AmountReserved: amount,
			Scopes:         held,
			ExpiresAt:      now.Add(m.ttl),
			CreatedAt:      now,
		})
	})

	return m.applyFailMode("reserve", requestID, err)
}

// Settle converts the hold for requestID into a final charge of realCost.
//
// Idempotent: a missing or non-RESERVED reservation is a no-op. The hold is
// released in full and realCost is charged; when realCost exceeds the hold
// and the new settled total crosses a scope's hard limit, the settlement is
// still applied — the real-world spend already happened — but the entry is
// flagged OVERRUN_EXCEEDED for alerting. Unused remainder emits a REFUND
// entry.
func (m *Manager) Settle(ctx context.Context, requestID string, realCost float64) error {
	if requestID == "" {
		return errors.New("settle: missing request id")
	}
	if realCost < 0 {
		realCost = 0
	}
	now := m.now()

	err := m.store.InTx(ctx, func(tx Tx) error {
		res, err := tx.GetReservation(requestID)
		if err != nil {
			return fmt.Errorf("lookup reservation: %w", err)
		}
		if res == nil || res.State != StateReserved {
			// Already settled/voided or never reserved: idempotent no-op.
			return nil
		}

		delta := res.AmountReserved - realCost
		for _, scopeID := range res.Scopes {
			acct, err := tx.GetAccount(scopeID)
			if err != nil {
				return fmt.Errorf("scope %s: %w", scopeID, err)
			}
			acct.ReservedTotal -= res.AmountReserved
			if acct.ReservedTotal < 0 {
				acct.ReservedTotal = 0
			}
			acct.SettledTotal += realCost

			status := StatusOK
			if delta < 0 && acct.SettledTotal+acct.ReservedTotal > acct.HardLimit {
				status = StatusOverrun
				m.logger.Error("settlement overran hard limit",
					"request_id", requestID,
					"scope", scopeID,
					"reserved", res.AmountReserved,
					"real_cost", realCost,
					"hard_limit", acct.HardLimit,
				)
			}
			if err := tx.UpdateAccount(acct); err != nil {
				return fmt.Errorf("update scope %s: %w", scopeID, err)
			}
			if err := tx.AppendEntry(&Entry{
				RequestID: requestID,
				Type:      EntrySettle,
				ScopeID:   scopeID,
				Amount:    realCost,
				Status:    status,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("append entry: %w", err)
			}
			if delta > 0 {
				if err := tx.AppendEntry(&Entry{
					RequestID: requestID,
					Type:      EntryRefund,
					ScopeID:   scopeID,
					Amount:    delta,
					Status:    StatusOK,
					CreatedAt: now,
				}); err != nil {
					return fmt.Errorf("append refund: %w", err)
				}
			}
		}

		res.State = StateSettled
		res.AmountSettled = realCost
		return tx.PutReservation(res)
	})

	return m.applyFailMode("settle", requestID, err)
}

// Void releases the hold for requestID without charging.
// Only acts on RESERVED reservations; anything else is a no-op, so funds are
// never double-released.
func (m *Manager) Void(ctx context.Context, requestID string) error {
	if requestID == "" {
		return errors.New("void: missing request id")
	}
	now := m.now()

	err := m.store.InTx(ctx, func(tx Tx) error {
		res, err := tx.GetReservation(requestID)
		if err != nil {
			return fmt.Errorf("lookup reservation: %w", err)
		}
		if res == nil || res.State != StateReserved {
			return nil
		}

		for _, scopeID := range res.Scopes {
			acct, err := tx.GetAccount(scopeID)
			if err != nil {
				return fmt.Errorf("scope %s: %w", scopeID, err)
			}
			acct.ReservedTotal -= res.AmountReserved
			if acct.ReservedTotal < 0 {
				acct.ReservedTotal = 0
			}
			if err := tx.UpdateAccount(acct); err != nil {
				return fmt.Errorf("update scope %s: %w", scopeID, err)
			}
			if err := tx.AppendEntry(&Entry{
				RequestID: requestID,
				Type:      EntryVoid,
				ScopeID:   scopeID,
				Amount:    res.AmountReserved,
				Status:    StatusOK,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("append entry: %w", err)
			}
		}

		res.State = StateVoided
		return tx.PutReservation(res)
	})

	return m.applyFailMode("void", requestID, err)
}

// ReapExpired voids every reservation past its expiry that is still
// RESERVED. This is the mechanism preventing permanently-locked funds from
// abandoned or crashed requests. Returns the number of reservations voided.
func (m *Manager) ReapExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := m.store.ListExpiredReservations(ctx, m.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}
	voided := 0
	for _, id := range ids {
		if err := m.Void(ctx, id); err != nil {
			m.logger.Error("reaper failed to void reservation",
				"request_id", id, "error", err)
			continue
		}
		m.logger.Info("reaper voided expired reservation", "request_id", id)
		voided++
	}
	return voided, nil
}

// applyFailMode converts infrastructure errors according to the configured
// fail mode. Domain denials (budget exceeded) always propagate: fail-open is
// an escape valve for infrastructure failure, not a budget bypass.
func (m *Manager) applyFailMode(op, requestID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBudgetExceeded) {
		return err
	}
	if m.mode == FailOpen {
		m.logger.Error("ledger fail-open engaged: accounting guarantee broken for this request",
			"op", op,
			"request_id", requestID,
			"error", err,
		)
		return nil
	}
	return fmt.Errorf("ledger %s: %w", op, err)
}

func sortedScopes(scopes []string) []string {
	out := make([]string, len(scopes))
	copy(out, scopes)
	sort.Strings(out)
	return out
}
