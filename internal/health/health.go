// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single checker.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			statuses[i] = nc.check(cctx)
			if statuses[i].Name == "" {
				statuses[i].Name = nc.name
			}
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Database pings a SQL connection pool.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Redis pings the shared result tier.
func Redis(client goredis.Cmdable) Checker {
	return func(ctx context.Context) Status {
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Name: "redis", Detail: err.Error()}
		}
		return Status{Name: "redis", Healthy: true}
	}
}

// Workers reports unhealthy when any listed service type has no active
// worker. active returns the active count for a service type.
func Workers(serviceTypes []string, active func(serviceType string) int) Checker {
	return func(ctx context.Context) Status {
		var missing, counts []string
		for _, st := range serviceTypes {
			n := active(st)
			counts = append(counts, fmt.Sprintf("%s=%d", st, n))
			if n == 0 {
				missing = append(missing, st)
			}
		}
		if len(missing) > 0 {
			return Status{Name: "workers", Detail: "no active workers for " + strings.Join(missing, ", ")}
		}
		return Status{Name: "workers", Healthy: true, Detail: strings.Join(counts, " ")}
	}
}
