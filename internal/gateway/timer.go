package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer prunes request log rows older than the retention window.
type Timer struct {
	store     Store
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewTimer creates a retention timer. A non-positive retention keeps
// logs forever and Start returns at once.
func NewTimer(store Store, retention time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		store:     store,
		interval:  time.Hour,
		retention: retention,
		now:       time.Now,
		logger:    logger,
		stop:      make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the prune loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	if t.retention <= 0 || t.store == nil {
		return
	}
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safePrune(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safePrune(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in gateway timer", "panic", fmt.Sprint(r))
		}
	}()
	t.prune(ctx)
}

func (t *Timer) prune(ctx context.Context) {
	cutoff := t.now().Add(-t.retention)
	n, err := t.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		t.logger.Warn("request log prune failed", "error", err)
		return
	}
	if n > 0 {
		logsPruned.Add(float64(n))
		t.logger.Info("request logs pruned", "removed", n, "before", cutoff)
	}
}
