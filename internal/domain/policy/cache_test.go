package policy

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingSource struct {
	calls int
	rs    *Ruleset
	err   error
}

func (s *countingSource) ActiveRuleset(_ context.Context, tenantID string) (*Ruleset, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.rs, nil
}

func (s *countingSource) Publish(_ context.Context, rs *Ruleset) error {
	s.rs = rs
	return nil
}

func TestCachedSource_ServesFromCacheWithinTTL(t *testing.T) {
	src := &countingSource{rs: &Ruleset{TenantID: "acme", Version: "v1"}}
	cache := NewCachedSource(src, time.Minute, testLogger())

	for i := 0; i < 5; i++ {
		if _, err := cache.ActiveRuleset(context.Background(), "acme"); err != nil {
			t.Fatalf("ActiveRuleset() error = %v", err)
		}
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1", src.calls)
	}
}

func TestCachedSource_RefreshAfterTTL(t *testing.T) {
	src := &countingSource{rs: &Ruleset{TenantID: "acme"}}
	cache := NewCachedSource(src, time.Minute, testLogger())

	now := time.Now()
	cache.now = func() time.Time { return now }
	if _, err := cache.ActiveRuleset(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	cache.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := cache.ActiveRuleset(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2", src.calls)
	}
}

func TestCachedSource_InvalidateForcesRefetch(t *testing.T) {
	src := &countingSource{rs: &Ruleset{TenantID: "acme"}}
	cache := NewCachedSource(src, time.Hour, testLogger())

	_, _ = cache.ActiveRuleset(context.Background(), "acme")
	cache.Invalidate("acme")
	_, _ = cache.ActiveRuleset(context.Background(), "acme")
	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2 after invalidation", src.calls)
	}
}

func TestCachedSource_PublishThenInvalidateServesNewRuleset(t *testing.T) {
	var store Store = &countingSource{rs: &Ruleset{TenantID: "acme", Version: "v1"}}
	cache := NewCachedSource(store, time.Hour, testLogger())

	rs, err := cache.ActiveRuleset(context.Background(), "acme")
	if err != nil || rs.Version != "v1" {
		t.Fatalf("warmup: rs = %+v, err = %v", rs, err)
	}

	// A publish followed by invalidation must be visible before the TTL
	// expires; this is the provisioning sequence the gateway runs.
	if err := store.Publish(context.Background(), &Ruleset{TenantID: "acme", Version: "v2"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	cache.Invalidate("acme")
	rs, err = cache.ActiveRuleset(context.Background(), "acme")
	if err != nil {
		t.Fatalf("ActiveRuleset() error = %v", err)
	}
	if rs.Version != "v2" {
		t.Errorf("Version = %q, want v2 after publish and invalidation", rs.Version)
	}
}

func TestCachedSource_ServesStaleOnSourceError(t *testing.T) {
	src := &countingSource{rs: &Ruleset{TenantID: "acme", Version: "v1"}}
	cache := NewCachedSource(src, time.Minute, testLogger())

	now := time.Now()
	cache.now = func() time.Time { return now }
	rs, err := cache.ActiveRuleset(context.Background(), "acme")
	if err != nil || rs.Version != "v1" {
		t.Fatalf("warmup failed: %v", err)
	}

	src.err = errors.New("source down")
	cache.now = func() time.Time { return now.Add(5 * time.Minute) }
	rs, err = cache.ActiveRuleset(context.Background(), "acme")
	if err != nil {
		t.Fatalf("expected stale entry, got error %v", err)
	}
	if rs.Version != "v1" {
		t.Errorf("Version = %q, want stale v1", rs.Version)
	}

	// No cached entry at all: the error propagates.
	if _, err := cache.ActiveRuleset(context.Background(), "other"); err == nil {
		t.Error("expected error for uncached tenant with failing source")
	}
}

func TestFingerprint(t *testing.T) {
	a := &Ruleset{TenantID: "acme", Rules: []Rule{{ID: "r1", Priority: 1}}}
	b := &Ruleset{TenantID: "acme", Rules: []Rule{{ID: "r1", Priority: 1}}}
	c := &Ruleset{TenantID: "acme", Rules: []Rule{{ID: "r1", Priority: 2}}}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("equal rulesets must fingerprint equal")
	}
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("different rulesets should fingerprint differently")
	}
	if Fingerprint(nil) != 0 {
		t.Error("nil ruleset fingerprint should be 0")
	}
}
