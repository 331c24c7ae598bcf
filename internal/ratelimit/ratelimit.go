// Package ratelimit provides per-client HTTP flood protection for the
// genmeter API. It sits in front of every route; generation pacing is the
// admission queue's job.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerSecond is the sustained rate per client.
	RequestsPerSecond float64
	// BurstSize allows brief bursts above the rate.
	BurstSize int
	// IdleTTL is how long an unused client entry is kept.
	IdleTTL time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100,
		BurstSize:         20,
		IdleTTL:           5 * time.Minute,
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a new rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize < 1 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	n := 0
	for key, state := range l.clients {
		if state.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			n++
		}
	}
	return n
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	state, ok := l.clients[key]
	if !ok {
		state = &clientState{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.clients[key] = state
	}
	state.lastSeen = now
	l.mu.Unlock()

	return state.limiter.AllowN(now, 1)
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			rejected.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
