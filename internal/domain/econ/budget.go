package econ

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/tollgate-ai/tollgate/internal/domain/ledger"
)

// BudgetStatus classifies a scope's headroom for a projected spend.
type BudgetStatus string

const (
	// BudgetOK means the projected usage stays under every limit.
	BudgetOK BudgetStatus = "OK"
	// BudgetSoftExceeded means a soft limit is crossed: not a denial on
	// its own, it escalates to degradation evaluation.
	BudgetSoftExceeded BudgetStatus = "SOFT_EXCEEDED"
	// BudgetHardExceeded means a hard limit would be crossed: immediate
	// denial.
	BudgetHardExceeded BudgetStatus = "HARD_EXCEEDED"
)

// scopeRank orders scope kinds for checking. Low-level scopes go first so
// the most specific denial reason surfaces.
var scopeRank = map[string]int{
	"tool":    0,
	"user":    1,
	"dept":    2,
	"tenant":  3,
	"session": 4,
	"project": 5,
}

// SortScopesByPriority returns the scopes ordered by kind priority
// (tool, user, dept, tenant, session, project), unknown kinds last,
// ties broken lexically.
func SortScopesByPriority(scopes []string) []string {
	out := make([]string, len(scopes))
	copy(out, scopes)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rankOf(out[i]), rankOf(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

func rankOf(scopeID string) int {
	kind, _, _ := strings.Cut(scopeID, ":")
	if r, ok := scopeRank[kind]; ok {
		return r
	}
	return len(scopeRank)
}

// BudgetCheck is the outcome of checking one spend projection.
type BudgetCheck struct {
	// Status is the worst status found across scopes.
	Status BudgetStatus
	// ScopeID is the first scope that produced the status (empty for OK).
	ScopeID string
}

// BudgetManager reads account state and classifies projected usage against
// soft and hard limits. It never mutates balances; holds are the ledger
// manager's job.
type BudgetManager struct {
	store ledger.Store
}

// NewBudgetManager creates a budget manager over the ledger store.
func NewBudgetManager(store ledger.Store) *BudgetManager {
	return &BudgetManager{store: store}
}

// Check classifies estimate against every scope, in priority order.
// A hard-limit breach short-circuits immediately; soft-limit breaches are
// remembered and reported only when no hard breach exists. A scope with no
// provisioned account is treated as unlimited.
func (b *BudgetManager) Check(ctx context.Context, scopes []string, estimate float64) (BudgetCheck, error) {
	soft := BudgetCheck{Status: BudgetOK}
	for _, scopeID := range SortScopesByPriority(scopes) {
		acct, err := b.store.GetAccount(ctx, scopeID)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				continue
			}
			return BudgetCheck{}, err
		}
		projected := acct.SettledTotal + acct.ReservedTotal + estimate
		if projected > acct.HardLimit {
			return BudgetCheck{Status: BudgetHardExceeded, ScopeID: scopeID}, nil
		}
		if soft.Status == BudgetOK && acct.SoftLimit > 0 && projected > acct.SoftLimit {
			soft = BudgetCheck{Status: BudgetSoftExceeded, ScopeID: scopeID}
		}
	}
	return soft, nil
}
