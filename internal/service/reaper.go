package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// reapBatchSize bounds how many expired reservations one sweep voids.
const reapBatchSize = 100

// Reaper periodically voids reservations whose TTL elapsed without a
// settlement, returning their held funds to the accounts.
type Reaper struct {
	manager  expiredReaper
	interval time.Duration
	logger   *slog.Logger

	wg   sync.WaitGroup
	once sync.Once
	stop chan struct{}
}

type expiredReaper interface {
	ReapExpired(ctx context.Context, limit int) (int, error)
}

// NewReaper creates a reaper. A non-positive interval defaults to 10s.
func NewReaper(manager expiredReaper, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reaper{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It stops when ctx is cancelled or Stop is
// called.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *Reaper) sweep(ctx context.Context) {
	n, err := r.manager.ReapExpired(ctx, reapBatchSize)
	if err != nil {
		r.logger.Error("reservation sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("voided expired reservations", "count", n)
	}
}

// Stop halts the loop and waits for an in-flight sweep to finish. Safe to
// call multiple times.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}
