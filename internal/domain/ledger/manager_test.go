package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/tollgate-ai/tollgate/internal/adapter/outbound/memory"
	"github.com/tollgate-ai/tollgate/internal/domain/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg ledger.ManagerConfig) (*ledger.Manager, *memory.LedgerStore) {
	t.Helper()
	store := memory.NewLedgerStore()
	return ledger.NewManager(store, cfg, testLogger()), store
}

func provision(t *testing.T, store *memory.LedgerStore, scopeID string, hard, soft float64) {
	t.Helper()
	err := store.UpsertAccount(context.Background(), &ledger.Account{
		ScopeID:   scopeID,
		HardLimit: hard,
		SoftLimit: soft,
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("provision %s: %v", scopeID, err)
	}
}

func account(t *testing.T, store *memory.LedgerStore, scopeID string) *ledger.Account {
	t.Helper()
	acct, err := store.GetAccount(context.Background(), scopeID)
	if err != nil {
		t.Fatalf("get account %s: %v", scopeID, err)
	}
	return acct
}

func TestReserveSettleLifecycle(t *testing.T) {
	mgr, store := newTestManager(t, ledger.ManagerConfig{})
	provision(t, store, "tenant:acme", 100, 0)
	ctx := context.Background()

	if err := mgr.Reserve(ctx, "req-1", []string{"tenant:acme"}, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	acct := account(t, store, "tenant:acme")
	if acct.ReservedTotal != 10 || acct.SettledTotal != 0 {
		t.Fatalf("after reserve: reserved=%v settled=%v", acct.ReservedTotal, acct.SettledTotal)
	}

	if err := mgr.Settle(ctx, "req-1", 7.5); err != nil {
		t.Fatalf("settle: %v", err)
	}
	acct = account(t, store, "tenant:acme")
	if acct.ReservedTotal != 0 {
		t.Errorf("reserved not released: %v", acct.ReservedTotal)
	}
	if acct.SettledTotal != 7.5 {
		t.Errorf("settled = %v, want 7.5", acct.SettledTotal)
	}

	res, err := store.GetReservation(ctx, "req-1")
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if res.State != ledger.StateSettled || res.AmountSettled != 7.5 {
		t.Errorf("reservation = %+v", res)
	}

	var refunds int
	for _, e := range store.Entries() {
		if e.Type == ledger.EntryRefund {
			refunds++
			if e.Amount != 2.5 {
				t.Errorf("refund amount = %v, want 2.5", e.Amount)
			}
		}
	}
	if refunds != 1 {
		t.Errorf("refund entries = %d, want 1", refunds)
	}
}

func TestReserveHardLimitBoundary(t *testing.T) {
	mgr, store := newTestManager(t, ledger.ManagerConfig{})
	provision(t, store, "tenant:acme", 20, 0)
	ctx := context.Background()

	// Filling the account to exactly the hard limit succeeds.
	if err := mgr.Reserve(ctx, "req-1", []string{"tenant:acme"}, 20); err != nil {
		t.Fatalf("reserve at exact limit: %v", err)
	}
	// Any further hold fails.
	err := mgr.Reserve(ctx, "req-2", []string{"tenant:acme"}, 0.01)
	if !errors.Is(err, ledger.ErrBudgetExceeded) {
		t.Fatalf("reserve past limit = %v, want ErrBudgetExceeded", err)
	}
	var bex *ledger.BudgetExceededError
	if !errors.As(err, &bex) {
		t.Fatalf("error is not *BudgetExceededError: %v", err)
	}
	if bex.ScopeID != "tenant:acme" {
		t.Errorf("scope = %q", bex.ScopeID)
	}
}

func TestReserveAllOrNothing(t *testing.T) {
	mgr, store := newTestManager(t, ledger.ManagerConfig{})
	provision(t, store, "tenant:acme", 100, 0)
	provision(t, store, "user:u1", 5, 0)
	ctx := context.Background()

	err := mgr.Reserve(ctx, "req-1", []string{"user:u1", "tenant:acme"}, 10)
	if !errors.Is(err, ledger.ErrBudgetExceeded) {
		t.Fatalf("reserve = %v, want ErrBudgetExceeded", err)
	}
	// The tenant scope must not carry a partial hold.
	if got := account(t, store, "tenant:acme").ReservedTotal; got != 0 {
		t.Errorf("tenant reserved = %v after failed multi-scope reserve", got)
	}
	if got := account(t, store, "user:u1").ReservedTotal; got != 0 {
		t.Errorf("user reserved = %v after failed multi-scope reserve", got)
	}
}

func TestReserveIdempotent(t *testing.T) {
	mgr, store := newTestManager(t, ledger.ManagerConfig{})
	provision(t, store, "tenant:acme", 100, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := mgr.Reserve(ctx, "req-1", []string{"tenant:acme"}, 10); err != nil {
			t.Fatalf("reserve attempt %d: %v", i, err)
		}
	}
	if got := account(t, store, "tenant:acme").ReservedTotal; got != 10 {
		t.Errorf("reserved = %v after replayed reserve, want 10", got)
	}
}

func TestSettleIdempotent(t *testing.T) {
	mgr, store := newTestManager(t, ledger.ManagerConfig{})
	provision(t, store, "tenant:acme", 100, 0)
	ctx := context.Background()

	if err := mgr.Reserve(ctx, "req-1", []string{"tenant:acme"}, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := mgr.Settle(ctx, "req-1", 4); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// Replayed settle with a different amount must not charge again.
	if err := mgr.Settle(ctx, "req-1", 9); err != nil {
		t.Fatalf("replayed settle: %v", err)
	}
	acct := account(t, store, "tenant:acme")
	if acct.SettledTotal != 4 || acct.ReservedTotal != 0 {
		t.Errorf("after replayed settle: settled=%v reserved=%v", acct.SettledTotal, acct.ReservedTotal)
	}
	// Settling a request that was never reserved is a no-op.
	if err := mgr.Settle(ctx, "req-unknown", 100); err != nil {
		t.Fatalf("settle unknown: %v", err)
	}
	if got := account(t, store, "tenant:acme").SettledTotal; got != 4 {
		t.Errorf("settled = %v after settling unknown request", got)
	}
}

func TestVoidIdempotent(t *testing.T) {
	mgr, store := newTestManager(t, ledger.ManagerConfig{})
	provision(t, store, "tenant:acme", 100, 0)
	ctx := context.Background()

	if err := mgr.Reserve(ctx, "req-1", []string{"tenant:acme"}, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := mgr.Void(ctx, "req-1"); err != nil {
		t.Fatalf("void: %v", err)
	}
	if err := mgr.Void(ctx, "req-1"); err != nil {
		t.Fatalf("replayed void: %v", err)
	}
	acct := account(t, store, "tenant:acme")
	if acct.ReservedTotal != 0 || acct.SettledTotal != 0 {
		t.Errorf("after double void: reserved=%v settled=%v", acct.ReservedTotal, acct.SettledTotal)
	}
	// Voiding after settle must not release funds twice.
	if err := mgr.Reserve(ctx, "req-2", []string{"tenant:acme"}, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := mgr.Settle(ctx, "req-2", 10); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := mgr.Void(ctx, "req-2"); err != nil {
		t.Fatalf("void after settle: %v", err)
	}
	if got := account(t, store, "tenant:acme").SettledTotal; got != 10 {
		t.Errorf("settled = %v after void-after-settle", got)
	}
}

func TestReserveAfterVoidRejected(t *testing.T) {
	mgr, store := newTestManager(t, ledger.ManagerConfig{})
	provision(t, store, "tenant:acme", 100, 0)
	ctx := context.Background()

	if err := mgr.Reserve(ctx, "req-1", []string{"tenant:acme"}, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := mgr.Void(ctx, "req-1"); err != nil {
		t.Fatalf("void: %v", err)
	}
	if err := mgr.Reserve(ctx, "req-1", []string{"tenant:acme"}, 10); err == nil {
		t.Fatal("reserve after void succeeded, want error")
	}
}

func TestSettlementOverrunFlagged(t *testing.T) {
	mgr, store := newTestManager(t, ledger.ManagerConfig{})
	provision(t, store, "tenant:acme", 10, 0)
	ctx := context.Background()

	if err := mgr.Reserve(ctx, "req-1", []string{"tenant:acme"}, 8); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Real cost exceeds both the hold and the hard limit. The charge is
	// still applied; the entry is flagged.
	if err := mgr.Settle(ctx, "req-1", 15); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := account(t, store, "tenant:acme").SettledTotal; got != 15 {
		t.Errorf("settled = %v, want 15", got)
	}
	found := false
	for _, e := range store.Entries() {
		if e.Type == ledger.EntrySettle && e.Status == ledger.StatusOverrun {
			found = true
		}
	}
	if !found {
		t.Error("no settle entry with OVERRUN_EXCEEDED status")
	}
}

func TestConcurrentReserveRace(t *testing.T) {
	mgr, store := newTestManager(t, ledger.ManagerConfig{})
	provision(t, store, "tenant:acme", 20, 0)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = mgr.Reserve(ctx, fmt.Sprintf("req-%d", i), []string{"tenant:acme"}, 1.00)
		}(i)
	}
	wg.Wait()

	var ok, denied int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrBudgetExceeded):
			denied++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 20 || denied != 30 {
		t.Errorf("ok=%d denied=%d, want 20/30", ok, denied)
	}
	if got := account(t, store, "tenant:acme").ReservedTotal; got != 20.00 {
		t.Errorf("reserved_total = %v, want 20.00", got)
	}
}

// TestConservationProperty drives a randomized operation sequence and checks
// that at every step no scope holds more than its hard limit in reserved plus
// settled funds, and that terminal balances reconcile with the log.
func TestConservationProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	mgr, store := newTestManager(t, ledger.ManagerConfig{})
	scopes := []string{"tenant:acme", "project:p1", "user:u1"}
	limits := map[string]float64{"tenant:acme": 50, "project:p1": 30, "user:u1": 10}
	for _, s := range scopes {
		provision(t, store, s, limits[s], 0)
	}
	ctx := context.Background()

	pending := []string{}
	for i := 0; i < 500; i++ {
		switch rng.Intn(3) {
		case 0:
			id := fmt.Sprintf("req-%d", i)
			n := 1 + rng.Intn(len(scopes))
			amount := float64(rng.Intn(8)) + 0.5
			if err := mgr.Reserve(ctx, id, scopes[:n], amount); err == nil {
				pending = append(pending, id)
			} else if !errors.Is(err, ledger.ErrBudgetExceeded) {
				t.Fatalf("reserve: %v", err)
			}
		case 1:
			if len(pending) == 0 {
				continue
			}
			id := pending[0]
			pending = pending[1:]
			if err := mgr.Settle(ctx, id, float64(rng.Intn(6))); err != nil {
				t.Fatalf("settle: %v", err)
			}
		case 2:
			if len(pending) == 0 {
				continue
			}
			id := pending[len(pending)-1]
			pending = pending[:len(pending)-1]
			if err := mgr.Void(ctx, id); err != nil {
				t.Fatalf("void: %v", err)
			}
		}

		for _, s := range scopes {
			acct := account(t, store, s)
			if acct.ReservedTotal < 0 {
				t.Fatalf("step %d: scope %s negative reserved %v", i, s, acct.ReservedTotal)
			}
			// Estimated holds never exceed the hard limit; only real
			// settlements may overrun it.
			if acct.ReservedTotal+acct.SettledTotal > acct.HardLimit+1e-9 {
				hasOverrun := false
				for _, e := range store.Entries() {
					if e.ScopeID == s && e.Status == ledger.StatusOverrun {
						hasOverrun = true
					}
				}
				if !hasOverrun {
					t.Fatalf("step %d: scope %s over limit without overrun flag: reserved=%v settled=%v limit=%v",
						i, s, acct.ReservedTotal, acct.SettledTotal, acct.HardLimit)
				}
			}
		}
	}

	// Drain remaining holds and reconcile settled totals against the log.
	for _, id := range pending {
		if err := mgr.Void(ctx, id); err != nil {
			t.Fatalf("drain void: %v", err)
		}
	}
	settledByScope := map[string]float64{}
	for _, e := range store.Entries() {
		if e.Type == ledger.EntrySettle {
			settledByScope[e.ScopeID] += e.Amount
		}
	}
	for _, s := range scopes {
		acct := account(t, store, s)
		if acct.ReservedTotal != 0 {
			t.Errorf("scope %s: residual reserved %v after drain", s, acct.ReservedTotal)
		}
		if diff := acct.SettledTotal - settledByScope[s]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("scope %s: settled %v does not reconcile with log %v",
				s, acct.SettledTotal, settledByScope[s])
		}
	}
}

func TestReapExpired(t *testing.T) {
	mgr, store := newTestManager(t, ledger.ManagerConfig{ReservationTTL: time.Minute})
	provision(t, store, "tenant:acme", 100, 0)
	ctx := context.Background()

	if err := mgr.Reserve(ctx, "req-old", []string{"tenant:acme"}, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Not yet expired: nothing to reap.
	voided, err := mgr.ReapExpired(ctx, 10)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if voided != 0 {
		t.Fatalf("reaped %d fresh reservations", voided)
	}

	// Force expiry by rewriting the reservation's deadline.
	res, err := store.GetReservation(ctx, "req-old")
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	res.ExpiresAt = time.Now().Add(-time.Second)
	if err := store.InTx(ctx, func(tx ledger.Tx) error {
		return tx.PutReservation(res)
	}); err != nil {
		t.Fatalf("rewrite reservation: %v", err)
	}

	voided, err = mgr.ReapExpired(ctx, 10)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if voided != 1 {
		t.Fatalf("reaped %d, want 1", voided)
	}
	if got := account(t, store, "tenant:acme").ReservedTotal; got != 0 {
		t.Errorf("reserved = %v after reap, want 0", got)
	}
	res, err = store.GetReservation(ctx, "req-old")
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if res.State != ledger.StateVoided {
		t.Errorf("state = %s, want VOIDED", res.State)
	}
}

// failingStore returns an infrastructure error from every transaction.
type failingStore struct {
	ledger.Store
}

func (f *failingStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return errors.New("disk on fire")
}

func TestFailModes(t *testing.T) {
	ctx := context.Background()
	base := memory.NewLedgerStore()
	broken := &failingStore{Store: base}

	closed := ledger.NewManager(broken, ledger.ManagerConfig{FailMode: ledger.FailClosed}, testLogger())
	if err := closed.Reserve(ctx, "req-1", []string{"tenant:acme"}, 1); err == nil {
		t.Error("fail-closed reserve succeeded on broken store")
	}

	open := ledger.NewManager(broken, ledger.ManagerConfig{FailMode: ledger.FailOpen}, testLogger())
	if err := open.Reserve(ctx, "req-1", []string{"tenant:acme"}, 1); err != nil {
		t.Errorf("fail-open reserve = %v, want nil", err)
	}
}

// Fail-open must never bypass a budget denial: only infrastructure errors
// are swallowed.
func TestFailOpenStillDeniesBudget(t *testing.T) {
	store := memory.NewLedgerStore()
	mgr := ledger.NewManager(store, ledger.ManagerConfig{FailMode: ledger.FailOpen}, testLogger())
	provision(t, store, "tenant:acme", 5, 0)

	err := mgr.Reserve(context.Background(), "req-1", []string{"tenant:acme"}, 10)
	if !errors.Is(err, ledger.ErrBudgetExceeded) {
		t.Fatalf("fail-open budget denial = %v, want ErrBudgetExceeded", err)
	}
}
