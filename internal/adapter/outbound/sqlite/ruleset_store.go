package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain/policy"
)

// RulesetStore implements policy.Store over SQLite. One row per tenant
// holds the active ruleset; Publish replaces it atomically.
type RulesetStore struct {
	store *Store
}

// NewRulesetStore creates a ruleset store over an open database.
func NewRulesetStore(store *Store) *RulesetStore {
	return &RulesetStore{store: store}
}

// ActiveRuleset returns the tenant's published ruleset. A tenant with no
// published ruleset gets an empty one, which leaves the engine's default
// decision in charge.
func (s *RulesetStore) ActiveRuleset(ctx context.Context, tenantID string) (*policy.Ruleset, error) {
	var body string
	err := s.store.db.QueryRowContext(ctx, `
		SELECT body FROM policy_rules WHERE tenant_id = ?`, tenantID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return &policy.Ruleset{TenantID: tenantID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ruleset: %w", err)
	}
	var rs policy.Ruleset
	if err := json.Unmarshal([]byte(body), &rs); err != nil {
		return nil, fmt.Errorf("unmarshal ruleset: %w", err)
	}
	return &rs, nil
}

// Publish validates and installs a ruleset as the tenant's active one.
func (s *RulesetStore) Publish(ctx context.Context, rs *policy.Ruleset) error {
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

	body, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshal ruleset: %w", err)
	}
	_, err = s.store.db.ExecContext(ctx, `
		INSERT INTO policy_rules (tenant_id, version, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			version = excluded.version,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		rs.TenantID, rs.Version, string(body), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store ruleset: %w", err)
	}
	return nil
}

// Compile-time check that RulesetStore implements policy.Store.
var _ policy.Store = (*RulesetStore)(nil)
