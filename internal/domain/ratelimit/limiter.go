// Package ratelimit defines the rate limiting port used by the economic
// decider: request-rate limits per agent and cost-rate limits per tenant.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config specifies rate limit parameters.
//
// Rate is the number of units allowed per Period; Burst is how many units may
// be consumed at once. For request limits a unit is one request; for cost
// limits a unit is one currency unit (the weight is passed per call).
type Config struct {
	// Rate is units allowed per Period. Must be > 0.
	Rate int
	// Burst is the instantaneous allowance. Defaults to Rate when <= 0.
	Burst int
	// Period is the averaging window.
	Period time.Duration
}

// Result reports the outcome of a rate limit check.
type Result struct {
	// Allowed is true if the request may proceed.
	Allowed bool
	// Remaining is the approximate number of units left in the window.
	Remaining int
	// RetryAfter indicates when the next unit will be allowed (zero if allowed).
	RetryAfter time.Duration
	// ResetAfter indicates when the limiter fully resets for this key.
	ResetAfter time.Duration
}

// Limiter is the interface for rate limiting operations.
//
// Implementations should use GCRA (Generic Cell Rate Algorithm) for smooth
// limiting without burst artifacts at window boundaries. The check and the
// counter advance must be atomic per key: two concurrent requests must never
// both pass a check that only one should.
type Limiter interface {
	// Allow checks whether consuming weight units under key is allowed and,
	// if so, atomically records the consumption. weight is 1 for plain
	// request limits and the estimated cost for spend limits.
	Allow(ctx context.Context, key string, weight float64, config Config) (Result, error)
}

// AgentKey builds the limiter key for per-agent request limits.
func AgentKey(tenant, agent string) string {
	return fmt.Sprintf("req:%s:%s", tenant, agent)
}

// TenantCostKey builds the limiter key for per-tenant cost limits.
func TenantCostKey(tenant string) string {
	return fmt.Sprintf("cost:%s", tenant)
}
