package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically drops idle client slots.
type Sweeper struct {
	queue    *Queue
	interval time.Duration
	idle     time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper that runs every interval and drops slots
// idle for at least idle.
func NewSweeper(queue *Queue, interval, idle time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Sweeper{
		queue:    queue,
		interval: interval,
		idle:     idle,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in admission sweep", "panic", fmt.Sprint(r))
		}
	}()

	if n := s.queue.Sweep(s.idle); n > 0 {
		s.logger.Debug("admission slots swept", "removed", n, "remaining", s.queue.Len())
	}
}
