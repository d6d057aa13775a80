package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tollgate-ai/tollgate/internal/domain/econ"
)

// PricingStore implements econ.PricingSource over SQLite. The wildcard
// specificity ranking (provider > model > endpoint) is computed in SQL so
// resolution is a single indexed query.
type PricingStore struct {
	store *Store
}

// NewPricingStore creates a pricing store over an open database.
func NewPricingStore(store *Store) *PricingStore {
	return &PricingStore{store: store}
}

// Seed installs or replaces price tiers and tool mappings, typically from
// config at startup.
func (s *PricingStore) Seed(ctx context.Context, tiers []econ.PriceTier, tools map[string]econ.PricingContext) error {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range tiers {
		t := &tiers[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pricing_tiers
				(provider, model, endpoint, input_price, output_price, flat_fee, currency, output_estimate)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(provider, model, endpoint) DO UPDATE SET
				input_price = excluded.input_price,
				output_price = excluded.output_price,
				flat_fee = excluded.flat_fee,
				currency = excluded.currency,
				output_estimate = excluded.output_estimate`,
			t.Provider, t.Model, t.Endpoint, t.InputPrice, t.OutputPrice,
			t.FlatFee, t.Currency, t.OutputEstimate); err != nil {
			return fmt.Errorf("seed tier %s/%s/%s: %w", t.Provider, t.Model, t.Endpoint, err)
		}
	}
	for tool, pc := range tools {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pricing_tools (tool_name, provider, model, endpoint)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(tool_name) DO UPDATE SET
				provider = excluded.provider,
				model = excluded.model,
				endpoint = excluded.endpoint`,
			tool, pc.Provider, pc.Model, pc.Endpoint); err != nil {
			return fmt.Errorf("seed tool %s: %w", tool, err)
		}
	}
	return tx.Commit()
}

// Resolve returns the most specific tier matching the context. A tier field
// participates either by exact match or by the "*" wildcard; exact provider
// scores 4, model 2, endpoint 1, so specificity ordering matches the
// in-memory source.
func (s *PricingStore) Resolve(ctx context.Context, pc econ.PricingContext) (*econ.PriceTier, error) {
	var tier econ.PriceTier
	err := s.store.db.QueryRowContext(ctx, `
		SELECT provider, model, endpoint, input_price, output_price, flat_fee, currency, output_estimate
		FROM pricing_tiers
		WHERE (provider = ?1 OR provider = '*')
		  AND (model = ?2 OR model = '*')
		  AND (endpoint = ?3 OR endpoint = '*')
		ORDER BY
			(CASE WHEN provider = ?1 THEN 4 ELSE 0 END) +
			(CASE WHEN model = ?2 THEN 2 ELSE 0 END) +
			(CASE WHEN endpoint = ?3 THEN 1 ELSE 0 END) DESC
		LIMIT 1`,
		pc.Provider, pc.Model, pc.Endpoint).
		Scan(&tier.Provider, &tier.Model, &tier.Endpoint, &tier.InputPrice,
			&tier.OutputPrice, &tier.FlatFee, &tier.Currency, &tier.OutputEstimate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: provider=%q model=%q endpoint=%q",
			econ.ErrPricingNotFound, pc.Provider, pc.Model, pc.Endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tier: %w", err)
	}
	return &tier, nil
}

// ContextForTool maps a tool name to its pricing context.
func (s *PricingStore) ContextForTool(ctx context.Context, toolName string) (econ.PricingContext, error) {
	var pc econ.PricingContext
	err := s.store.db.QueryRowContext(ctx, `
		SELECT provider, model, endpoint FROM pricing_tools WHERE tool_name = ?`, toolName).
		Scan(&pc.Provider, &pc.Model, &pc.Endpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return econ.PricingContext{}, fmt.Errorf("%w: tool %q has no pricing context",
			econ.ErrPricingNotFound, toolName)
	}
	if err != nil {
		return econ.PricingContext{}, fmt.Errorf("lookup tool pricing: %w", err)
	}
	return pc, nil
}

// Compile-time check that PricingStore implements econ.PricingSource.
var _ econ.PricingSource = (*PricingStore)(nil)
