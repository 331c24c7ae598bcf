package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer owns the pool's background work: error decay and periodic
// snapshots. Both stop when Start's context ends or Stop is called.
type Timer struct {
	pool             *Pool
	decayInterval    time.Duration
	snapshotInterval time.Duration
	onSnapshot       func([]Snapshot)
	logger           *slog.Logger
	stop             chan struct{}
	running          atomic.Bool
}

// NewTimer creates a pool timer. onSnapshot may be nil.
func NewTimer(pool *Pool, decayInterval, snapshotInterval time.Duration, onSnapshot func([]Snapshot), logger *slog.Logger) *Timer {
	if decayInterval <= 0 {
		decayInterval = 60 * time.Second
	}
	if snapshotInterval <= 0 {
		snapshotInterval = 10 * time.Second
	}
	return &Timer{
		pool:             pool,
		decayInterval:    decayInterval,
		snapshotInterval: snapshotInterval,
		onSnapshot:       onSnapshot,
		logger:           logger,
		stop:             make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	decay := time.NewTicker(t.decayInterval)
	defer decay.Stop()
	snap := time.NewTicker(t.snapshotInterval)
	defer snap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-decay.C:
			t.pool.DecayErrors()
		case <-snap.C:
			t.safeSnapshot()
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

func (t *Timer) safeSnapshot() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in upstream snapshot", "panic", fmt.Sprint(r))
		}
	}()

	snaps := t.pool.Snapshot()
	recordSnapshot(snaps)
	for _, s := range snaps {
		t.logger.Debug("worker snapshot",
			"worker", s.Address,
			"serviceType", s.ServiceType,
			"active", s.Active,
			"load", s.Load,
			"errors", s.ErrorCount,
			"perMinute", s.PerMinute,
		)
	}
	if t.onSnapshot != nil {
		t.onSnapshot(snaps)
	}
}
