package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	mu      sync.Mutex
	calls   map[string]int
	handler func(ctx context.Context, address string) (*Response, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, address string, req Request) (*Response, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[address]++
	f.mu.Unlock()
	if f.handler == nil {
		return &Response{StatusCode: 200, Body: []byte("ok")}, nil
	}
	return f.handler(ctx, address)
}

func (f *fakeGenerator) count(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[address]
}

type fakeResolver struct {
	addrs []string
	calls atomic.Int32
}

func (r *fakeResolver) Resolve(ctx context.Context, serviceType string) ([]string, error) {
	r.calls.Add(1)
	return r.addrs, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(gen Generator, cfg Config, opts ...Option) (*Pool, *clock) {
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewPool(gen, cfg, opts...), clk
}

func TestRegister_Idempotent(t *testing.T) {
	p, clk := newTestPool(&fakeGenerator{}, Config{})

	w1, created, err := p.Register("http://a:1/", "text")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "http://a:1", w1.Address)

	clk.Advance(10 * time.Second)
	w2, created, err := p.Register("http://a:1", "text")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, w1, w2)
	assert.Equal(t, clk.Now(), w2.LastHeartbeat().UTC())

	_, _, err = p.Register("", "text")
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestSelect_LeastLoadedWithRandomTieBreak(t *testing.T) {
	p, _ := newTestPool(&fakeGenerator{}, Config{})
	ctx := context.Background()

	a, _, _ := p.Register("http://a", "image")
	b, _, _ := p.Register("http://b", "image")
	c, _, _ := p.Register("http://c", "image")
	a.errorCount.Store(2)
	b.queued.Store(1)
	b.inFlight.Store(1)
	c.errorCount.Store(5)

	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		w, err := p.Select(ctx, "image")
		require.NoError(t, err)
		seen[w.Address]++
	}
	assert.Zero(t, seen["http://c"])
	assert.Positive(t, seen["http://a"])
	assert.Positive(t, seen["http://b"])
}

func TestSelect_ExcludesStaleWorkers(t *testing.T) {
	p, clk := newTestPool(&fakeGenerator{}, Config{HeartbeatTimeout: 45 * time.Second})
	ctx := context.Background()

	stale, _, _ := p.Register("http://stale", "text")
	stale.totalRequests.Store(9)
	clk.Advance(30 * time.Second)
	_, _, _ = p.Register("http://fresh", "text")
	clk.Advance(20 * time.Second)

	for i := 0; i < 20; i++ {
		w, err := p.Select(ctx, "text")
		require.NoError(t, err)
		assert.Equal(t, "http://fresh", w.Address)
	}
	assert.Equal(t, 1, p.ActiveCount("text"))

	// A fresh heartbeat revives the worker with its history intact.
	w, created, _ := p.Register("http://stale", "text")
	assert.False(t, created)
	assert.Equal(t, int64(9), w.TotalRequests())
	assert.Equal(t, 2, p.ActiveCount("text"))
}

func TestSelect_ReResolvesOnce(t *testing.T) {
	res := &fakeResolver{addrs: []string{"http://seed"}}
	p, _ := newTestPool(&fakeGenerator{}, Config{}, WithResolver(res))

	w, err := p.Select(context.Background(), "audio")
	require.NoError(t, err)
	assert.Equal(t, "http://seed", w.Address)
	assert.Equal(t, int32(1), res.calls.Load())

	empty := &fakeResolver{}
	p2, _ := newTestPool(&fakeGenerator{}, Config{}, WithResolver(empty))
	_, err = p2.Select(context.Background(), "audio")
	assert.ErrorIs(t, err, ErrNoWorkers)
	assert.Equal(t, int32(1), empty.calls.Load())
}

func TestDispatch_RetriesTransientOnDifferentWorker(t *testing.T) {
	gen := &fakeGenerator{handler: func(ctx context.Context, address string) (*Response, error) {
		if address == "http://bad" {
			return nil, &Error{Class: ClassServer, StatusCode: 502, Err: errors.New("bad gateway")}
		}
		return &Response{StatusCode: 200, Body: []byte("img")}, nil
	}}
	p, _ := newTestPool(gen, Config{MaxAttempts: 2, RetryDelay: time.Millisecond})

	bad, _, _ := p.Register("http://bad", "image")
	good, _, _ := p.Register("http://good", "image")
	good.errorCount.Store(1) // make the bad worker the first pick

	resp, err := p.Dispatch(context.Background(), Request{ServiceType: "image"})
	require.NoError(t, err)
	assert.Equal(t, "http://good", resp.Worker)
	assert.Equal(t, int64(1), bad.ErrorCount())
	assert.Equal(t, int64(1), bad.TotalRequests())
	assert.Equal(t, int64(1), good.TotalRequests())
	assert.Equal(t, 1, gen.count("http://bad"))
}

func TestDispatch_ClientErrorNotRetried(t *testing.T) {
	gen := &fakeGenerator{handler: func(ctx context.Context, address string) (*Response, error) {
		return nil, &Error{Class: ClassClient, StatusCode: 422, Err: errors.New("bad prompt")}
	}}
	p, _ := newTestPool(gen, Config{MaxAttempts: 3, RetryDelay: time.Millisecond})
	_, _, _ = p.Register("http://a", "text")
	_, _, _ = p.Register("http://b", "text")

	_, err := p.Dispatch(context.Background(), Request{ServiceType: "text"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClient)

	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, 422, uerr.StatusCode)
	assert.Equal(t, 1, gen.count("http://a")+gen.count("http://b"))
}

func TestDispatch_SingleWorkerTransientStopsAfterOneAttempt(t *testing.T) {
	gen := &fakeGenerator{handler: func(ctx context.Context, address string) (*Response, error) {
		return nil, errors.New("connection reset")
	}}
	p, _ := newTestPool(gen, Config{MaxAttempts: 2, RetryDelay: time.Millisecond})
	w, _, _ := p.Register("http://only", "text")

	_, err := p.Dispatch(context.Background(), Request{ServiceType: "text"})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 1, gen.count("http://only"))
	assert.Equal(t, int64(1), w.ErrorCount())
}

func TestDispatch_NoWorkers(t *testing.T) {
	p, _ := newTestPool(&fakeGenerator{}, Config{})
	_, err := p.Dispatch(context.Background(), Request{ServiceType: "video"})
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestDispatch_TimeoutIsTransient(t *testing.T) {
	gen := &fakeGenerator{handler: func(ctx context.Context, address string) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p, _ := newTestPool(gen, Config{CallTimeout: 20 * time.Millisecond, MaxAttempts: 1})
	w, _, _ := p.Register("http://slow", "video")

	_, err := p.Dispatch(context.Background(), Request{ServiceType: "video"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)

	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.True(t, uerr.Timeout)
	assert.Equal(t, int64(1), w.ErrorCount())
}

func TestDispatch_CallerCancelDoesNotCountAgainstWorker(t *testing.T) {
	started := make(chan struct{})
	gen := &fakeGenerator{handler: func(ctx context.Context, address string) (*Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p, _ := newTestPool(gen, Config{CallTimeout: time.Minute})
	w, _, _ := p.Register("http://a", "text")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := p.Dispatch(ctx, Request{ServiceType: "text"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, w.ErrorCount())
}

func TestDispatch_WorkerConcurrencyBounded(t *testing.T) {
	release := make(chan struct{})
	var current, peak atomic.Int64
	gen := &fakeGenerator{handler: func(ctx context.Context, address string) (*Response, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return &Response{StatusCode: 200}, nil
	}}
	p, _ := newTestPool(gen, Config{Concurrency: 2, CallTimeout: 5 * time.Second})
	w, _, _ := p.Register("http://a", "image")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Dispatch(context.Background(), Request{ServiceType: "image"})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool {
		return w.inFlight.Load() == 2 && w.queued.Load() == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(6), w.Load())

	close(release)
	wg.Wait()
	assert.Equal(t, int64(2), peak.Load())
	assert.Equal(t, int64(6), w.TotalRequests())
	assert.Zero(t, w.Load())
}

func TestDecayErrors_FloorsAtZero(t *testing.T) {
	p, _ := newTestPool(&fakeGenerator{}, Config{})
	a, _, _ := p.Register("http://a", "text")
	b, _, _ := p.Register("http://b", "image")
	a.errorCount.Store(2)

	p.DecayErrors()
	assert.Equal(t, int64(1), a.ErrorCount())
	assert.Zero(t, b.ErrorCount())

	p.DecayErrors()
	p.DecayErrors()
	assert.Zero(t, a.ErrorCount())
}

func TestSnapshot(t *testing.T) {
	p, clk := newTestPool(&fakeGenerator{}, Config{HeartbeatTimeout: 45 * time.Second})
	a, _, _ := p.Register("http://a", "text")
	_, _, _ = p.Register("http://b", "audio")
	a.totalRequests.Store(30)
	a.errorCount.Store(1)

	clk.Advance(2 * time.Minute)
	_, _, _ = p.Register("http://b", "audio")

	snaps := p.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "audio", snaps[0].ServiceType)
	assert.True(t, snaps[0].Active)
	assert.False(t, snaps[1].Active)
	assert.Equal(t, int64(1), snaps[1].Load)
	assert.InDelta(t, 15.0, snaps[1].PerMinute, 0.001)
}

func TestTimer_DecaysAndSnapshots(t *testing.T) {
	p, _ := newTestPool(&fakeGenerator{}, Config{})
	w, _, _ := p.Register("http://a", "text")
	w.errorCount.Store(3)

	got := make(chan []Snapshot, 8)
	timer := NewTimer(p, 5*time.Millisecond, 5*time.Millisecond, func(s []Snapshot) {
		select {
		case got <- s:
		default:
		}
	}, p.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return w.ErrorCount() == 0 }, time.Second, 5*time.Millisecond)
	select {
	case s := <-got:
		require.Len(t, s, 1)
	case <-time.After(time.Second):
		t.Fatal("no snapshot emitted")
	}

	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}
