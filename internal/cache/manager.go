package cache

import (
	"context"
	"sync"
	"time"

	"ticketq/internal/clock"
	"ticketq/internal/log"
	"ticketq/internal/metrics"

	"go.uber.org/zap"
)

// Config describes the freshness policy for one data class.
type Config struct {
	TTL time.Duration
	// StaleWhileRevalidate extends the window in which an expired value
	// may still be served while a refetch happens.
	StaleWhileRevalidate time.Duration
	// BackgroundRefresh serves stale values immediately and refetches
	// asynchronously. When false, a stale value is treated as expired
	// and refetched synchronously.
	BackgroundRefresh bool
}

// FetchFunc loads the authoritative value on a miss or refresh.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Manager layers stale-while-revalidate semantics over the resilient
// client. The caller is never blocked on a cache write or a background
// refresh, and a backend outage degrades every read to a direct fetch.
type Manager struct {
	client  *Client
	codec   *codec
	clk     clock.Clock
	metrics *metrics.Metrics
	logger  *log.Logger

	// Guards against more than one background refresh per key.
	refreshMu sync.Mutex
	refreshes map[string]bool
}

func NewManager(client *Client, clk clock.Clock, compressMin int, m *metrics.Metrics, logger *log.Logger) (*Manager, error) {
	cdc, err := newCodec(compressMin)
	if err != nil {
		return nil, err
	}
	return &Manager{
		client:    client,
		codec:     cdc,
		clk:       clk,
		metrics:   m,
		logger:    logger,
		refreshes: make(map[string]bool),
	}, nil
}

// Get serves the value for key under the given freshness policy.
//
// Fresh hit: return cached. Stale within the revalidate window: return
// cached and schedule at most one background refetch. Miss, beyond the
// window, or backend unavailable: fetch synchronously, write back
// asynchronously.
func (m *Manager) Get(ctx context.Context, key string, cfg Config, fetch FetchFunc) ([]byte, error) {
	data, found, err := m.client.Get(ctx, key)
	if err != nil {
		// Breaker open or backend down: slower but correct path.
		m.metrics.CacheRequests.WithLabelValues("bypass").Inc()
		return m.fetchAndPopulate(ctx, key, cfg, fetch)
	}
	if !found {
		m.metrics.CacheRequests.WithLabelValues("miss").Inc()
		return m.fetchAndPopulate(ctx, key, cfg, fetch)
	}

	env, derr := m.codec.decode(data)
	if derr != nil {
		m.logger.Warn("Discarding undecodable cache entry", zap.Error(derr), zap.String("key", key))
		m.metrics.CacheRequests.WithLabelValues("miss").Inc()
		return m.fetchAndPopulate(ctx, key, cfg, fetch)
	}

	age := env.age(m.clk.Now())
	switch {
	case age <= cfg.TTL:
		m.metrics.CacheRequests.WithLabelValues("fresh").Inc()
		return env.Value, nil
	case cfg.BackgroundRefresh && age <= cfg.TTL+cfg.StaleWhileRevalidate:
		m.metrics.CacheRequests.WithLabelValues("stale").Inc()
		m.refreshAsync(key, cfg, fetch)
		return env.Value, nil
	default:
		m.metrics.CacheRequests.WithLabelValues("miss").Inc()
		return m.fetchAndPopulate(ctx, key, cfg, fetch)
	}
}

// Invalidate removes a key. Used by reservation completion side
// effects; an unavailable backend is not an error here, the entry will
// age out by TTL.
func (m *Manager) Invalidate(ctx context.Context, key string) {
	if err := m.client.Delete(ctx, key); err != nil {
		m.logger.Warn("Cache invalidation failed", zap.Error(err), zap.String("key", key))
	}
}

// Warmup synchronously populates critical keys, typically at startup.
func (m *Manager) Warmup(ctx context.Context, keys map[string]FetchFunc, cfg Config) {
	for key, fetch := range keys {
		value, err := fetch(ctx)
		if err != nil {
			m.logger.Warn("Warmup fetch failed", zap.Error(err), zap.String("key", key))
			continue
		}
		m.writeBack(ctx, key, value, cfg)
	}
}

func (m *Manager) fetchAndPopulate(ctx context.Context, key string, cfg Config, fetch FetchFunc) ([]byte, error) {
	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.writeBack(wctx, key, value, cfg)
	}()
	return value, nil
}

// refreshAsync refetches a stale key in the background, at most one
// in-flight refresh per key.
func (m *Manager) refreshAsync(key string, cfg Config, fetch FetchFunc) {
	m.refreshMu.Lock()
	if m.refreshes[key] {
		m.refreshMu.Unlock()
		return
	}
	m.refreshes[key] = true
	m.refreshMu.Unlock()

	go func() {
		defer func() {
			m.refreshMu.Lock()
			delete(m.refreshes, key)
			m.refreshMu.Unlock()
		}()

		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		value, err := fetch(rctx)
		if err != nil {
			m.logger.Warn("Background refresh failed", zap.Error(err), zap.String("key", key))
			return
		}
		m.writeBack(rctx, key, value, cfg)
	}()
}

func (m *Manager) writeBack(ctx context.Context, key string, value []byte, cfg Config) {
	data, err := m.codec.encode(value, m.clk.Now(), cfg.TTL)
	if err != nil {
		m.logger.Warn("Cache encode failed", zap.Error(err), zap.String("key", key))
		return
	}
	// Physical expiry well past the stale window; logical expiry is
	// decided by the envelope age.
	physical := cfg.TTL + cfg.StaleWhileRevalidate + time.Minute
	if err := m.client.Set(ctx, key, data, physical); err != nil {
		m.logger.Warn("Cache write-back failed", zap.Error(err), zap.String("key", key))
	}
}
