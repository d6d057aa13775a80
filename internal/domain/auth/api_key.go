// Package auth implements gateway authentication: argon2id-hashed API keys
// resolving to tenant identities, and nonce-based replay protection.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
)

// ErrAuthMissing is returned when no credential is presented.
var ErrAuthMissing = errors.New("missing credentials")

// ErrAuthInvalid is returned when a presented credential does not verify.
var ErrAuthInvalid = errors.New("invalid credentials")

// keyPrefixLen is how many characters of the raw key are stored in clear for
// lookup. The rest is only ever stored as an argon2id hash.
const keyPrefixLen = 12

// Identity is the authenticated caller.
type Identity struct {
	// KeyID is the API key record id.
	KeyID string
	// Tenant is the tenant the key belongs to. Request bodies never
	// override this.
	Tenant string
	// Agent identifies the agent within the tenant.
	Agent string
	// Role feeds policy evaluation.
	Role string
}

// APIKeyRecord is one stored API key.
type APIKeyRecord struct {
	KeyID string
	// Prefix is the clear-text lookup prefix of the raw key.
	Prefix string
	// Hash is the argon2id encoded hash of the full raw key.
	Hash      string
	Tenant    string
	Agent     string
	Role      string
	Disabled  bool
	CreatedAt time.Time
}

// KeyStore is the storage port for API key records.
type KeyStore interface {
	// GetByPrefix returns the records sharing a key prefix. Prefix
	// collisions are possible, so verification tries each.
	GetByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error)
	// Put stores a key record.
	Put(ctx context.Context, rec *APIKeyRecord) error
}

// Authenticator verifies raw API keys against the key store.
type Authenticator struct {
	store KeyStore
}

// NewAuthenticator creates an authenticator over a key store.
func NewAuthenticator(store KeyStore) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate resolves a raw API key to an identity.
// The credential accepts an optional "Bearer " prefix.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if raw == "" {
		return nil, ErrAuthMissing
	}
	if len(raw) < keyPrefixLen {
		return nil, ErrAuthInvalid
	}

	records, err := a.store.GetByPrefix(ctx, raw[:keyPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("key lookup: %w", err)
	}
	for i := range records {
		rec := &records[i]
		if rec.Disabled {
			continue
		}
		match, err := argon2id.ComparePasswordAndHash(raw, rec.Hash)
		if err != nil {
			return nil, fmt.Errorf("compare key hash: %w", err)
		}
		if match {
			return &Identity{
				KeyID:  rec.KeyID,
				Tenant: rec.Tenant,
				Agent:  rec.Agent,
				Role:   rec.Role,
			}, nil
		}
	}
	return nil, ErrAuthInvalid
}

// NewKeyMaterial generates a raw API key and the hashed record to provision
// for it. The raw key is shown once and never stored.
func NewKeyMaterial(keyID, tenant, agent, role string) (string, *APIKeyRecord, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key material: %w", err)
	}
	raw := "tgk_" + hex.EncodeToString(buf)

	hash, err := argon2id.CreateHash(raw, argon2id.DefaultParams)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}
	return raw, &APIKeyRecord{
		KeyID:     keyID,
		Prefix:    raw[:keyPrefixLen],
		Hash:      hash,
		Tenant:    tenant,
		Agent:     agent,
		Role:      role,
		CreatedAt: time.Now(),
	}, nil
}

// MintKey generates a raw API key, stores its hashed record, and returns the
// raw key.
func MintKey(ctx context.Context, store KeyStore, keyID, tenant, agent, role string) (string, error) {
	raw, rec, err := NewKeyMaterial(keyID, tenant, agent, role)
	if err != nil {
		return "", err
	}
	if err := store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("store key: %w", err)
	}
	return raw, nil
}
