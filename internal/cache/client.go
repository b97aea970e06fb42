package cache

import (
	"context"
	"errors"
	"time"

	"ticketq/internal/breaker"
	"ticketq/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnavailable marks a cache call that could not reach the backend:
// breaker open, timeout, or connection failure. It is a fallback
// signal, never a hard failure; callers degrade to direct computation.
var ErrUnavailable = errors.New("cache backend unavailable")

// backend is the raw key/value surface the resilient client wraps.
type backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

type redisBackend struct {
	rdb *redis.Client
}

func (b redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b redisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, value, ttl).Err()
}

func (b redisBackend) Del(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

func (b redisBackend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Client wraps the cache backend with a circuit breaker and per-call
// timeouts. Every call first consults the breaker; while it is open,
// calls return ErrUnavailable without touching the backend. Timeouts
// count as failures for breaker purposes but are reported the same
// typed way, so callers always get a value-or-unavailable answer and
// never a panic or raw driver error.
type Client struct {
	backend backend
	brk     *breaker.Breaker
	timeout time.Duration
	logger  *log.Logger
}

func NewClient(addr, password string, poolSize int, brk *breaker.Breaker, timeout time.Duration, logger *log.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		PoolSize:     poolSize,
		MinIdleConns: poolSize / 4,
	})
	return newClient(redisBackend{rdb: rdb}, brk, timeout, logger)
}

func newClient(b backend, brk *breaker.Breaker, timeout time.Duration, logger *log.Logger) *Client {
	return &Client{
		backend: b,
		brk:     brk,
		timeout: timeout,
		logger:  logger,
	}
}

// Get returns (value, found, nil) on success, (nil, false, nil) on a
// clean miss, and (nil, false, ErrUnavailable) when the backend could
// not be consulted.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !c.brk.Allow() {
		return nil, false, ErrUnavailable
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	value, found, err := c.backend.Get(opCtx, key)
	if err != nil {
		c.brk.RecordFailure()
		c.logger.Warn("Cache get failed", zap.Error(err), zap.String("key", key))
		return nil, false, ErrUnavailable
	}
	c.brk.RecordSuccess()
	return value, found, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.brk.Allow() {
		return ErrUnavailable
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.backend.Set(opCtx, key, value, ttl); err != nil {
		c.brk.RecordFailure()
		c.logger.Warn("Cache set failed", zap.Error(err), zap.String("key", key))
		return ErrUnavailable
	}
	c.brk.RecordSuccess()
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if !c.brk.Allow() {
		return ErrUnavailable
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.backend.Del(opCtx, key); err != nil {
		c.brk.RecordFailure()
		c.logger.Warn("Cache delete failed", zap.Error(err), zap.String("key", key))
		return ErrUnavailable
	}
	c.brk.RecordSuccess()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if !c.brk.Allow() {
		return ErrUnavailable
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.backend.Ping(opCtx); err != nil {
		c.brk.RecordFailure()
		return ErrUnavailable
	}
	c.brk.RecordSuccess()
	return nil
}

// Stats is the health snapshot exposed on /health and metrics.
type Stats struct {
	BreakerOpen  bool      `json:"breaker_open"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

func (c *Client) Stats() Stats {
	failures, last := c.brk.Counts()
	return Stats{
		BreakerOpen:  c.brk.IsOpen(),
		FailureCount: failures,
		LastFailure:  last,
	}
}
