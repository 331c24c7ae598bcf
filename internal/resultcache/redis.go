package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mbd888/genmeter/internal/circuitbreaker"
)

// ErrSharedUnavailable is returned while the shared tier's circuit is open.
var ErrSharedUnavailable = errors.New("resultcache/redis: circuit open")

const breakerKey = "resultcache_redis"

// RedisShared stores completed results in Redis with a TTL.
type RedisShared struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
	breaker   *circuitbreaker.Breaker
}

var _ Shared = (*RedisShared)(nil)

// RedisOption configures RedisShared.
type RedisOption func(*RedisShared)

// WithKeyPrefix sets the Redis key prefix (default "genmeter:result:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisShared) { s.keyPrefix = prefix }
}

// WithBreaker skips Redis while b reports it unhealthy, so an outage costs
// one fast error per request instead of a network timeout.
func WithBreaker(b *circuitbreaker.Breaker) RedisOption {
	return func(s *RedisShared) { s.breaker = b }
}

// NewRedisShared creates a shared tier. A non-positive ttl keeps entries
// until Redis evicts them.
func NewRedisShared(client goredis.Cmdable, ttl time.Duration, opts ...RedisOption) *RedisShared {
	s := &RedisShared{
		client:    client,
		keyPrefix: "genmeter:result:",
		ttl:       ttl,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl < 0 {
		s.ttl = 0
	}
	return s
}

// Get returns the stored result, or found=false if absent.
func (s *RedisShared) Get(ctx context.Context, key string) (*Result, bool, error) {
	if !s.allow() {
		return nil, false, ErrSharedUnavailable
	}
	raw, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		s.record(nil)
		return nil, false, nil
	}
	s.record(err)
	if err != nil {
		return nil, false, fmt.Errorf("resultcache/redis: get: %w", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("resultcache/redis: decode: %w", err)
	}
	return &res, true, nil
}

// Set stores res under key.
func (s *RedisShared) Set(ctx context.Context, key string, res *Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("resultcache/redis: encode: %w", err)
	}
	if !s.allow() {
		return ErrSharedUnavailable
	}
	err = s.client.Set(ctx, s.keyPrefix+key, raw, s.ttl).Err()
	s.record(err)
	if err != nil {
		return fmt.Errorf("resultcache/redis: set: %w", err)
	}
	return nil
}

func (s *RedisShared) allow() bool {
	return s.breaker == nil || s.breaker.Allow(breakerKey)
}

// record feeds the breaker. The caller's own cancellation says nothing
// about Redis health.
func (s *RedisShared) record(err error) {
	switch {
	case s.breaker == nil:
	case err == nil:
		s.breaker.Success(breakerKey)
	case errors.Is(err, context.Canceled):
	default:
		s.breaker.Failure(breakerKey)
	}
}
