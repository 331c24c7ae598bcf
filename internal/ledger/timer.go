package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RefillTimer periodically grants tier entitlements to accounts that are due.
type RefillTimer struct {
	ledger   *Ledger
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewRefillTimer creates a refill timer. The first sweep runs immediately.
func NewRefillTimer(l *Ledger, interval time.Duration, logger *slog.Logger) *RefillTimer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RefillTimer{
		ledger:   l,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *RefillTimer) Running() bool {
	return t.running.Load()
}

// Start begins the refill loop. Call in a goroutine.
func (t *RefillTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safeSweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *RefillTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *RefillTimer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in refill timer", "panic", fmt.Sprint(r))
		}
	}()

	n, err := t.ledger.RefillDue(ctx)
	if err != nil {
		t.logger.Warn("refill sweep incomplete", "refilled", n, "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("refill sweep complete", "refilled", n)
	}
}
