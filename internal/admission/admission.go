// Package admission gates generation work per client.
//
// Each client key (usually the caller's IP) owns a slot. A slot runs at
// most cap tasks at once and spaces task starts at least interval apart.
// Tasks beyond that wait in a FIFO backlog. Occupancy (running plus
// waiting) is bounded by the queue size, and anything past the bound is
// rejected at once. Trusted callers bypass the spacing and get a higher
// cap, but with ForceQueue they still enter the same slot so the bound
// and the start order hold for everyone. Without ForceQueue they start at
// once, outside the cap and the FIFO, yet still count toward the bound.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrRejected    = errors.New("admission: too many requests")
	ErrWaitTimeout = errors.New("admission: timed out waiting for a slot")
	ErrTaskPanic   = errors.New("admission: task panicked")
)

// RejectedError carries the backlog state at the moment of rejection.
type RejectedError struct {
	ClientKey string
	Depth     int
	Max       int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("admission: too many requests for %s (%d/%d queued)", e.ClientKey, e.Depth, e.Max)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Options govern one Enqueue call.
type Options struct {
	Interval     time.Duration // minimum spacing between starts
	Cap          int           // concurrent tasks per client
	MaxQueueSize int           // running + waiting bound
	WaitTimeout  time.Duration // zero waits until ctx ends
	Bypass       bool          // trusted caller: no spacing, BypassCap
	BypassCap    int
	ForceQueue   bool // bypass callers still go through the slot
}

func (o Options) effective() Options {
	if o.Cap < 1 {
		o.Cap = 1
	}
	if o.Bypass {
		o.Interval = 0
		if o.BypassCap > o.Cap {
			o.Cap = o.BypassCap
		}
	}
	if o.MaxQueueSize < 1 {
		o.MaxQueueSize = 1
	}
	return o
}

type waiter struct {
	ready    chan struct{}
	interval time.Duration
	cap      int
	admitted bool
}

type slot struct {
	mu           sync.Mutex
	waiters      []*waiter
	running      int
	direct       int // bypass tasks started outside the FIFO
	lastStart    time.Time
	lastActivity time.Time
	timer        *time.Timer
	timerGen     uint64
}

func (s *slot) occupancy() int { return s.running + s.direct + len(s.waiters) }

func (s *slot) remove(w *waiter) {
	for i, x := range s.waiters {
		if x == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Queue holds every client slot.
type Queue struct {
	mu     sync.Mutex
	slots  map[string]*slot
	logger *slog.Logger
}

// New creates an empty queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{slots: make(map[string]*slot), logger: logger}
}

// lockSlot returns the client's slot, creating it, with s.mu held.
func (q *Queue) lockSlot(clientKey string) *slot {
	q.mu.Lock()
	s, ok := q.slots[clientKey]
	if !ok {
		s = &slot{lastActivity: time.Now()}
		q.slots[clientKey] = s
		slotsGauge.Set(float64(len(q.slots)))
	}
	s.mu.Lock()
	q.mu.Unlock()
	return s
}

// Enqueue runs task once the client's slot admits it and returns the
// task's error. A full backlog fails fast with *RejectedError. A task that
// panics is reported as ErrTaskPanic and the slot keeps working.
func (q *Queue) Enqueue(ctx context.Context, clientKey string, opts Options, task func(ctx context.Context) error) error {
	opts = opts.effective()
	mode := "normal"
	if opts.Bypass {
		mode = "bypass"
	}

	s := q.lockSlot(clientKey)
	if depth := s.occupancy(); depth >= opts.MaxQueueSize {
		s.mu.Unlock()
		rejected.Inc()
		q.logger.Warn("admission rejected", "client_key", clientKey, "depth", depth, "max", opts.MaxQueueSize)
		return &RejectedError{ClientKey: clientKey, Depth: depth, Max: opts.MaxQueueSize}
	}

	if opts.Bypass && !opts.ForceQueue {
		s.direct++
		s.lastActivity = time.Now()
		s.mu.Unlock()
		admitted.WithLabelValues("direct").Inc()
		defer q.releaseDirect(s)
		return runTask(ctx, task)
	}

	w := &waiter{ready: make(chan struct{}), interval: opts.Interval, cap: opts.Cap}
	s.waiters = append(s.waiters, w)
	s.lastActivity = time.Now()
	q.pump(s)
	s.mu.Unlock()

	enqueuedAt := time.Now()
	if err := q.await(ctx, s, w, opts.WaitTimeout); err != nil {
		return err
	}
	waitSeconds.WithLabelValues(mode).Observe(time.Since(enqueuedAt).Seconds())
	admitted.WithLabelValues(mode).Inc()

	defer q.release(s)
	return runTask(ctx, task)
}

func (q *Queue) await(ctx context.Context, s *slot, w *waiter, timeout time.Duration) error {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	var cause error
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timeoutC:
		cause = ErrWaitTimeout
		waitTimeouts.Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.admitted {
		// Admitted while giving up: hand the slot back.
		s.running--
	} else {
		s.remove(w)
	}
	s.lastActivity = time.Now()
	q.pump(s)
	return cause
}

func (q *Queue) release(s *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	s.lastActivity = time.Now()
	q.pump(s)
}

func (q *Queue) releaseDirect(s *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direct--
	s.lastActivity = time.Now()
}

// pump starts waiters from the front while the head's cap and interval
// allow, and arms a timer for the head otherwise. s.mu must be held.
func (q *Queue) pump(s *slot) {
	for len(s.waiters) > 0 {
		head := s.waiters[0]
		if s.running >= head.cap {
			return
		}
		now := time.Now()
		if wait := head.interval - now.Sub(s.lastStart); wait > 0 && !s.lastStart.IsZero() {
			q.arm(s, wait)
			return
		}
		s.waiters = s.waiters[1:]
		head.admitted = true
		s.running++
		s.lastStart = now
		close(head.ready)
	}
}

func (q *Queue) arm(s *slot, wait time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.timerGen == gen {
			s.timer = nil
		}
		q.pump(s)
	})
}

func runTask(ctx context.Context, task func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	return task(ctx)
}

// Depth returns running plus waiting tasks for a client.
func (q *Queue) Depth(clientKey string) int {
	q.mu.Lock()
	s, ok := q.slots[clientKey]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occupancy()
}

// Len returns the number of client slots held.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}

// Sweep drops slots with no running or waiting task that have been idle
// for at least idle. It returns how many were dropped.
func (q *Queue) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for key, s := range q.slots {
		s.mu.Lock()
		if s.occupancy() == 0 && !s.lastActivity.After(cutoff) && !s.lastStart.After(cutoff) {
			if s.timer != nil {
				s.timer.Stop()
				s.timer = nil
			}
			delete(q.slots, key)
			removed++
		}
		s.mu.Unlock()
	}
	slotsGauge.Set(float64(len(q.slots)))
	return removed
}
