package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain/auth"
)

// KeyStore implements auth.KeyStore over SQLite.
type KeyStore struct {
	store *Store
}

// NewKeyStore creates a key store over an open database.
func NewKeyStore(store *Store) *KeyStore {
	return &KeyStore{store: store}
}

// GetByPrefix returns the key records sharing a clear prefix.
func (s *KeyStore) GetByPrefix(ctx context.Context, prefix string) ([]auth.APIKeyRecord, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT key_id, prefix, hash, tenant, agent, role, disabled, created_at
		FROM api_keys WHERE prefix = ?`, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []auth.APIKeyRecord
	for rows.Next() {
		var (
			rec       auth.APIKeyRecord
			disabled  int
			createdAt int64
		)
		if err := rows.Scan(&rec.KeyID, &rec.Prefix, &rec.Hash, &rec.Tenant,
			&rec.Agent, &rec.Role, &disabled, &createdAt); err != nil {
			return nil, err
		}
		rec.Disabled = disabled != 0
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Put stores or replaces a key record.
func (s *KeyStore) Put(ctx context.Context, rec *auth.APIKeyRecord) error {
	disabled := 0
	if rec.Disabled {
		disabled = 1
	}
	_, err := s.store.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, prefix, hash, tenant, agent, role, disabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET
			prefix = excluded.prefix,
			hash = excluded.hash,
			tenant = excluded.tenant,
			agent = excluded.agent,
			role = excluded.role,
			disabled = excluded.disabled`,
		rec.KeyID, rec.Prefix, rec.Hash, rec.Tenant, rec.Agent, rec.Role,
		disabled, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store key: %w", err)
	}
	return nil
}

// Compile-time check that KeyStore implements auth.KeyStore.
var _ auth.KeyStore = (*KeyStore)(nil)
