// Package upstream tracks generation workers and routes calls to them.
//
// Workers announce themselves with heartbeats. A worker that misses
// heartbeats for longer than the timeout drops out of selection but keeps
// its counters until it comes back. Selection picks the lowest
// load = queued + in-flight + errorCount, breaking ties at random, so a
// failing worker sinks in the ranking without being removed. errorCount
// decays by one per interval.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mbd888/genmeter/internal/retry"
)

var (
	ErrNoWorkers   = errors.New("upstream: no workers available")
	ErrTransient   = errors.New("upstream: transient failure")
	ErrClient      = errors.New("upstream: request rejected by worker")
	ErrInvalidSpec = errors.New("upstream: address and service type are required")
)

// Class separates failures the pool may retry from those it must not.
type Class int

const (
	ClassServer Class = iota // timeouts, 5xx, transport errors
	ClassClient              // 4xx: the request itself is bad
)

// Error is a classified failure from one worker.
type Error struct {
	Worker     string
	StatusCode int
	Class      Class
	Timeout    bool
	Local      bool // failed before the worker was contacted
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("worker %s: HTTP %d: %v", e.Worker, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("worker %s: %v", e.Worker, e.Err)
}

// Unwrap exposes both the class sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Class == ClassClient {
		return []error{ErrClient, e.Err}
	}
	return []error{ErrTransient, e.Err}
}

// Request is the opaque generation payload.
type Request struct {
	ServiceType string         `json:"serviceType"`
	Params      map[string]any `json:"params"`
	Stream      bool           `json:"stream"`
}

// Response is a successful generation.
type Response struct {
	Worker      string `json:"worker"`
	StatusCode  int    `json:"-"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"-"`
	LatencyMs   int64  `json:"latencyMs"`
}

// Generator performs one call against one worker.
type Generator interface {
	Generate(ctx context.Context, address string, req Request) (*Response, error)
}

// Resolver supplies worker addresses when none is active for a service type.
type Resolver interface {
	Resolve(ctx context.Context, serviceType string) ([]string, error)
}

// Worker is one backend for one service type.
type Worker struct {
	Address     string
	ServiceType string
	StartTime   time.Time

	lastHeartbeat atomic.Int64 // unix nanos
	totalRequests atomic.Int64
	errorCount    atomic.Int64
	queued        atomic.Int64
	inFlight      atomic.Int64
	slots         *semaphore.Weighted
}

// Load is the selection score; lower is better.
func (w *Worker) Load() int64 {
	return w.queued.Load() + w.inFlight.Load() + w.errorCount.Load()
}

// ErrorCount returns the decaying error score.
func (w *Worker) ErrorCount() int64 { return w.errorCount.Load() }

// TotalRequests returns the number of dispatches routed to the worker.
func (w *Worker) TotalRequests() int64 { return w.totalRequests.Load() }

// LastHeartbeat returns the time of the last heartbeat.
func (w *Worker) LastHeartbeat() time.Time { return time.Unix(0, w.lastHeartbeat.Load()) }

func (w *Worker) decay() {
	for {
		n := w.errorCount.Load()
		if n <= 0 || w.errorCount.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Snapshot is a point-in-time view of a worker.
type Snapshot struct {
	Address       string    `json:"address"`
	ServiceType   string    `json:"serviceType"`
	Active        bool      `json:"active"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	TotalRequests int64     `json:"totalRequests"`
	ErrorCount    int64     `json:"errorCount"`
	Queued        int64     `json:"queued"`
	InFlight      int64     `json:"inFlight"`
	Load          int64     `json:"load"`
	PerMinute     float64   `json:"requestsPerMinute"`
}

// Config tunes the pool.
type Config struct {
	HeartbeatTimeout time.Duration // default 45s
	CallTimeout      time.Duration // hard limit per attempt, queue wait included
	Concurrency      int64         // simultaneous jobs per worker
	MaxAttempts      int           // 1 disables retry
	RetryDelay       time.Duration
}

func (c *Config) defaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
}

// Pool owns every known worker, grouped by service type.
type Pool struct {
	mu       sync.RWMutex
	workers  map[string]map[string]*Worker
	gen      Generator
	resolver Resolver
	cfg      Config
	now      func() time.Time
	pick     func(n int) int
	logger   *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithResolver sets the fallback source of addresses.
func WithResolver(r Resolver) Option {
	return func(p *Pool) { p.resolver = r }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates an empty pool.
func NewPool(gen Generator, cfg Config, opts ...Option) *Pool {
	cfg.defaults()
	p := &Pool{
		workers: make(map[string]map[string]*Worker),
		gen:     gen,
		cfg:     cfg,
		now:     time.Now,
		pick:    rand.IntN,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register upserts a worker and refreshes its heartbeat. It reports whether
// the worker was new.
func (p *Pool) Register(address, serviceType string) (*Worker, bool, error) {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	serviceType = strings.TrimSpace(serviceType)
	if address == "" || serviceType == "" {
		return nil, false, ErrInvalidSpec
	}
	now := p.now()

	p.mu.RLock()
	w, ok := p.workers[serviceType][address]
	p.mu.RUnlock()
	if ok {
		w.lastHeartbeat.Store(now.UnixNano())
		return w, false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	byAddr, ok := p.workers[serviceType]
	if !ok {
		byAddr = make(map[string]*Worker)
		p.workers[serviceType] = byAddr
	}
	if w, ok := byAddr[address]; ok {
		w.lastHeartbeat.Store(now.UnixNano())
		return w, false, nil
	}
	w = &Worker{
		Address:     address,
		ServiceType: serviceType,
		StartTime:   now,
		slots:       semaphore.NewWeighted(p.cfg.Concurrency),
	}
	w.lastHeartbeat.Store(now.UnixNano())
	byAddr[address] = w
	workersRegistered.Inc()
	p.logger.Info("worker registered", "address", address, "serviceType", serviceType)
	return w, true, nil
}

func (p *Pool) isActive(w *Worker, now time.Time) bool {
	return now.Sub(w.LastHeartbeat()) <= p.cfg.HeartbeatTimeout
}

// leastLoaded returns an active worker with minimal load, skipping those in
// exclude. Ties are broken uniformly at random.
func (p *Pool) leastLoaded(serviceType string, exclude map[string]bool) *Worker {
	now := p.now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	var best []*Worker
	bestLoad := int64(-1)
	for addr, w := range p.workers[serviceType] {
		if exclude[addr] || !p.isActive(w, now) {
			continue
		}
		load := w.Load()
		switch {
		case bestLoad < 0 || load < bestLoad:
			best = append(best[:0], w)
			bestLoad = load
		case load == bestLoad:
			best = append(best, w)
		}
	}
	if len(best) == 0 {
		return nil
	}
	return best[p.pick(len(best))]
}

// Select picks a worker for serviceType. With no active worker it asks the
// resolver once, registers what it returns, and tries again.
func (p *Pool) Select(ctx context.Context, serviceType string) (*Worker, error) {
	return p.selectExcluding(ctx, serviceType, nil)
}

func (p *Pool) selectExcluding(ctx context.Context, serviceType string, exclude map[string]bool) (*Worker, error) {
	if w := p.leastLoaded(serviceType, exclude); w != nil {
		return w, nil
	}
	if p.resolver == nil {
		return nil, ErrNoWorkers
	}

	resolves.Inc()
	addrs, err := p.resolver.Resolve(ctx, serviceType)
	if err != nil {
		p.logger.Warn("worker re-resolve failed", "serviceType", serviceType, "error", err)
		return nil, ErrNoWorkers
	}
	for _, addr := range addrs {
		if _, _, err := p.Register(addr, serviceType); err != nil {
			p.logger.Warn("resolved worker rejected", "address", addr, "error", err)
		}
	}
	if w := p.leastLoaded(serviceType, exclude); w != nil {
		return w, nil
	}
	return nil, ErrNoWorkers
}

// Dispatch runs req on the least-loaded worker. Transient failures are
// retried on a different worker up to MaxAttempts; client errors and caller
// cancellation are returned immediately.
func (p *Pool) Dispatch(ctx context.Context, req Request) (*Response, error) {
	tried := make(map[string]bool)
	var resp *Response
	var lastErr error

	err := retry.Do(ctx, p.cfg.MaxAttempts, p.cfg.RetryDelay, func(attempt int) error {
		w, err := p.selectExcluding(ctx, req.ServiceType, tried)
		if err != nil {
			if lastErr != nil {
				return retry.Permanent(lastErr)
			}
			return retry.Permanent(err)
		}
		if attempt > 0 {
			dispatchRetries.WithLabelValues(req.ServiceType).Inc()
		}
		tried[w.Address] = true

		r, err := p.call(ctx, w, req)
		if err == nil {
			resp = r
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrClient) || ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		dispatchTotal.WithLabelValues(req.ServiceType, outcome(err)).Inc()
		return nil, err
	}
	dispatchTotal.WithLabelValues(req.ServiceType, "success").Inc()
	return resp, nil
}

// call runs one attempt through the worker's bounded queue under the hard
// per-call timeout. Failures other than caller cancellation count against
// the worker.
func (p *Pool) call(ctx context.Context, w *Worker, req Request) (*Response, error) {
	w.totalRequests.Add(1)

	cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	w.queued.Add(1)
	err := w.slots.Acquire(cctx, 1)
	w.queued.Add(-1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		w.errorCount.Add(1)
		return nil, &Error{Worker: w.Address, Class: ClassServer, Timeout: true, Err: fmt.Errorf("queue wait: %w", err)}
	}
	w.inFlight.Add(1)
	defer func() {
		w.inFlight.Add(-1)
		w.slots.Release(1)
	}()

	start := time.Now()
	resp, err := p.gen.Generate(cctx, w.Address, req)
	callDuration.WithLabelValues(req.ServiceType).Observe(time.Since(start).Seconds())
	if err == nil {
		resp.Worker = w.Address
		return resp, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var uerr *Error
	if !errors.As(err, &uerr) {
		uerr = &Error{Worker: w.Address, Class: ClassServer, Err: err}
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		uerr.Class = ClassServer
		uerr.Timeout = true
	}
	uerr.Worker = w.Address
	if uerr.Local {
		return nil, uerr
	}
	w.errorCount.Add(1)
	p.logger.Warn("worker call failed",
		"worker", w.Address,
		"serviceType", req.ServiceType,
		"status", uerr.StatusCode,
		"timeout", uerr.Timeout,
		"errorCount", w.errorCount.Load(),
		"error", uerr.Err,
	)
	return nil, uerr
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrNoWorkers):
		return "no_workers"
	case errors.Is(err, ErrClient):
		return "client_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transient"
	}
}

// DecayErrors lowers every worker's errorCount by one, floored at zero.
func (p *Pool) DecayErrors() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, byAddr := range p.workers {
		for _, w := range byAddr {
			w.decay()
		}
	}
}

// Snapshot reports every known worker, active or not.
func (p *Pool) Snapshot() []Snapshot {
	now := p.now()

	p.mu.RLock()
	out := make([]Snapshot, 0, len(p.workers))
	for _, byAddr := range p.workers {
		for _, w := range byAddr {
			total := w.totalRequests.Load()
			perMin := 0.0
			if up := now.Sub(w.StartTime).Minutes(); up > 0 {
				perMin = float64(total) / up
			}
			out = append(out, Snapshot{
				Address:       w.Address,
				ServiceType:   w.ServiceType,
				Active:        p.isActive(w, now),
				LastHeartbeat: w.LastHeartbeat(),
				TotalRequests: total,
				ErrorCount:    w.errorCount.Load(),
				Queued:        w.queued.Load(),
				InFlight:      w.inFlight.Load(),
				Load:          w.Load(),
				PerMinute:     perMin,
			})
		}
	}
	p.mu.RUnlock()

	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := strings.Compare(a.ServiceType, b.ServiceType); c != 0 {
			return c
		}
		return strings.Compare(a.Address, b.Address)
	})
	return out
}

// ActiveCount returns the number of workers currently eligible for serviceType.
func (p *Pool) ActiveCount(serviceType string) int {
	now := p.now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, w := range p.workers[serviceType] {
		if p.isActive(w, now) {
			n++
		}
	}
	return n
}
