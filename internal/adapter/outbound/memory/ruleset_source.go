package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tollgate-ai/tollgate/internal/domain/policy"
)

// RulesetSource implements policy.Store in memory. Publish replaces a
// tenant's active ruleset atomically.
type RulesetSource struct {
	mu       sync.RWMutex
	rulesets map[string]*policy.Ruleset
}

// NewRulesetSource creates an empty in-memory ruleset source.
func NewRulesetSource() *RulesetSource {
	return &RulesetSource{rulesets: map[string]*policy.Ruleset{}}
}

// ActiveRuleset returns the tenant's active ruleset. A tenant with no
// published ruleset gets an empty one, which leaves the engine's default
// decision in charge.
func (s *RulesetSource) ActiveRuleset(ctx context.Context, tenantID string) (*policy.Ruleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rulesets[tenantID]
	if !ok {
		return &policy.Ruleset{TenantID: tenantID}, nil
	}
	return rs, nil
}

// Publish validates and installs a ruleset as the tenant's active one.
func (s *RulesetSource) Publish(ctx context.Context, rs *policy.Ruleset) error {
	if rs == nil || rs.TenantID == "" {
		return fmt.Errorf("publish: missing tenant id")
	}
	for i := range rs.Rules {
		for j := range rs.Rules[i].Transforms {
			if err := rs.Rules[i].Transforms[j].Validate(); err != nil {
				return fmt.Errorf("publish: rule %s transform %d: %w", rs.Rules[i].ID, j, err)
			}
		}
	}
	s.mu.Lock()
	s.rulesets[rs.TenantID] = rs
	s.mu.Unlock()
	return nil
}

// Compile-time check that RulesetSource implements policy.Store.
var _ policy.Store = (*RulesetSource)(nil)
