package auth

import (
	"errors"
	"sync"
	"time"
)

// ErrReplayDetected is returned when a nonce has been seen before inside the
// staleness window.
var ErrReplayDetected = errors.New("replay attack detected")

// ErrStaleRequest is returned when a request timestamp falls outside the
// staleness window.
var ErrStaleRequest = errors.New("stale request")

// DefaultStalenessWindow bounds how old (or future-dated) a request
// timestamp may be. The nonce cache only needs to remember nonces for this
// long: anything older is rejected as stale before the nonce is consulted.
const DefaultStalenessWindow = 5 * time.Minute

// ReplayGuard rejects replayed nonces and stale timestamps. In-memory and
// per-process: behind a load balancer each instance guards its own slice of
// traffic, which still bounds replays to the window.
type ReplayGuard struct {
	window time.Duration

	mu    sync.Mutex
	seen  map[string]time.Time
	sweep time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewReplayGuard creates a replay guard. A non-positive window uses
// DefaultStalenessWindow.
func NewReplayGuard(window time.Duration) *ReplayGuard {
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	return &ReplayGuard{
		window: window,
		seen:   map[string]time.Time{},
		now:    time.Now,
	}
}

// Check validates the request timestamp and consumes the nonce. The nonce
// is recorded immediately, so a replayed request never gets past this point
// twice even if later pipeline stages reject the first copy.
func (g *ReplayGuard) Check(nonce string, requestTime time.Time) error {
	now := g.now()
	age := now.Sub(requestTime)
	if age > g.window || age < -g.window {
		return ErrStaleRequest
	}
	if nonce == "" {
		// No nonce, no replay protection for this caller; staleness
		// still applies.
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.sweep) > g.window {
		cutoff := now.Add(-g.window)
		for n, seenAt := range g.seen {
			if seenAt.Before(cutoff) {
				delete(g.seen, n)
			}
		}
		g.sweep = now
	}

	if _, dup := g.seen[nonce]; dup {
		return ErrReplayDetected
	}
	g.seen[nonce] = now
	return nil
}

// Size returns the number of tracked nonces, for tests and monitoring.
func (g *ReplayGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
