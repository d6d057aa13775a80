package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultCacheTTL is how long a fetched ruleset is served before re-reading
// the source.
const DefaultCacheTTL = 60 * time.Second

// CachedSource wraps a Source with a per-tenant TTL cache and explicit
// invalidation on publish. Safe for concurrent use.
type CachedSource struct {
	source Source
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	// now is swappable for tests.
	now func() time.Time
}

type cacheEntry struct {
	ruleset     *Ruleset
	fingerprint uint64
	fetchedAt   time.Time
}

// NewCachedSource wraps source with a TTL cache. A non-positive ttl uses
// DefaultCacheTTL.
func NewCachedSource(source Source, ttl time.Duration, logger *slog.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedSource{
		source:  source,
		ttl:     ttl,
		logger:  logger,
		entries: map[string]*cacheEntry{},
		now:     time.Now,
	}
}

// ActiveRuleset returns the cached ruleset for the tenant, refreshing from
// the underlying source when the entry is stale or absent.
func (c *CachedSource) ActiveRuleset(ctx context.Context, tenantID string) (*Ruleset, error) {
	c.mu.RLock()
	entry, ok := c.entries[tenantID]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.ruleset, nil
	}

	rs, err := c.source.ActiveRuleset(ctx, tenantID)
	if err != nil {
		// Serve the stale entry rather than failing the request when the
		// source is briefly unavailable; the miss is logged for operators.
		if ok {
			c.logger.Warn("ruleset refresh failed, serving stale entry",
				"tenant", tenantID, "error", err)
			return entry.ruleset, nil
		}
		return nil, fmt.Errorf("fetch ruleset for %s: %w", tenantID, err)
	}

	fp := Fingerprint(rs)
	c.mu.Lock()
	prev := c.entries[tenantID]
	c.entries[tenantID] = &cacheEntry{ruleset: rs, fingerprint: fp, fetchedAt: c.now()}
	c.mu.Unlock()

	if prev != nil && prev.fingerprint != fp {
		c.logger.Info("ruleset changed", "tenant", tenantID, "fingerprint", fmt.Sprintf("%016x", fp))
	}
	return rs, nil
}

// Invalidate drops the cached entry for a tenant. Called on ruleset publish.
func (c *CachedSource) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}

// Fingerprint returns a cheap content hash of a ruleset, used for change
// detection and metrics labels.
func Fingerprint(rs *Ruleset) uint64 {
	if rs == nil {
		return 0
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

// Compile-time check that CachedSource implements Source.
var _ Source = (*CachedSource)(nil)
