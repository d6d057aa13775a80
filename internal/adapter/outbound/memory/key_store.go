package memory

import (
	"context"
	"sync"

	"github.com/tollgate-ai/tollgate/internal/domain/auth"
)

// KeyStore implements auth.KeyStore in memory.
type KeyStore struct {
	mu    sync.RWMutex
	byID  map[string]auth.APIKeyRecord
	byPfx map[string][]string
}

// NewKeyStore creates an empty in-memory key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		byID:  map[string]auth.APIKeyRecord{},
		byPfx: map[string][]string{},
	}
}

// GetByPrefix returns the records sharing a key prefix.
func (s *KeyStore) GetByPrefix(ctx context.Context, prefix string) ([]auth.APIKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.APIKeyRecord
	for _, id := range s.byPfx[prefix] {
		out = append(out, s.byID[id])
	}
	return out, nil
}

// Put stores a key record.
func (s *KeyStore) Put(ctx context.Context, rec *auth.APIKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[rec.KeyID]; !exists {
		s.byPfx[rec.Prefix] = append(s.byPfx[rec.Prefix], rec.KeyID)
	}
	s.byID[rec.KeyID] = *rec
	return nil
}

// Disable marks a key disabled.
func (s *KeyStore) Disable(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byID[keyID]; ok {
		rec.Disabled = true
		s.byID[keyID] = rec
	}
}

// Compile-time check that KeyStore implements auth.KeyStore.
var _ auth.KeyStore = (*KeyStore)(nil)
