package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tollgate-ai/tollgate/internal/domain/ratelimit"
)

func TestRateLimiterAllowWithinBurst(t *testing.T) {
	rl := NewRateLimiter()
	defer rl.Stop()
	ctx := context.Background()
	cfg := ratelimit.Config{Rate: 10, Burst: 5, Period: time.Minute}

	for i := 0; i < 5; i++ {
		res, err := rl.Allow(ctx, "req:acme:agent-1", 1, cfg)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d denied within burst", i)
		}
	}

	res, err := rl.Allow(ctx, "req:acme:agent-1", 1, cfg)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Error("request allowed past burst")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("retry_after = %v, want > 0", res.RetryAfter)
	}
}

func TestRateLimiterKeysIndependent(t *testing.T) {
	rl := NewRateLimiter()
	defer rl.Stop()
	ctx := context.Background()
	cfg := ratelimit.Config{Rate: 1, Burst: 1, Period: time.Minute}

	if res, _ := rl.Allow(ctx, "req:acme:a", 1, cfg); !res.Allowed {
		t.Fatal("first key denied")
	}
	if res, _ := rl.Allow(ctx, "req:acme:a", 1, cfg); res.Allowed {
		t.Fatal("first key not exhausted")
	}
	if res, _ := rl.Allow(ctx, "req:acme:b", 1, cfg); !res.Allowed {
		t.Error("second key affected by first key's consumption")
	}
}

func TestRateLimiterWeightedConsumption(t *testing.T) {
	rl := NewRateLimiter()
	defer rl.Stop()
	ctx := context.Background()
	// Budget of 10 currency units per minute.
	cfg := ratelimit.Config{Rate: 10, Burst: 10, Period: time.Minute}

	res, err := rl.Allow(ctx, "cost:acme", 8, cfg)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed {
		t.Fatal("8-unit spend denied with 10-unit budget")
	}

	// Only ~2 units remain; a 5-unit spend must be denied.
	res, err = rl.Allow(ctx, "cost:acme", 5, cfg)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Error("5-unit spend allowed with ~2 units remaining")
	}

	// A 2-unit spend still fits.
	res, err = rl.Allow(ctx, "cost:acme", 2, cfg)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed {
		t.Error("2-unit spend denied with ~2 units remaining")
	}
}

func TestRateLimiterConcurrentExactBudget(t *testing.T) {
	rl := NewRateLimiter()
	defer rl.Stop()
	ctx := context.Background()
	cfg := ratelimit.Config{Rate: 20, Burst: 20, Period: time.Hour}

	const workers = 50
	var wg sync.WaitGroup
	allowed := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := rl.Allow(ctx, "req:acme:shared", 1, cfg)
			if err != nil {
				t.Errorf("allow: %v", err)
				return
			}
			allowed[i] = res.Allowed
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 20 {
		t.Errorf("allowed %d of %d, want exactly 20", count, workers)
	}
}

func TestRateLimiterCleanupRemovesStaleKeys(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := NewRateLimiterWithConfig(10*time.Millisecond, 1*time.Nanosecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl.StartCleanup(ctx)

	cfg := ratelimit.Config{Rate: 10, Burst: 10, Period: time.Second}
	if _, err := rl.Allow(ctx, "req:acme:a", 1, cfg); err != nil {
		t.Fatalf("allow: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rl.Size() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rl.Size() != 0 {
		t.Errorf("size = %d after cleanup window, want 0", rl.Size())
	}

	rl.Stop()
}

func TestRateLimiterStopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := NewRateLimiterWithConfig(time.Minute, time.Hour)
	rl.StartCleanup(context.Background())
	rl.Stop()
	rl.Stop()
}
