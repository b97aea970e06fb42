package metrics

import (
	"context"
	"net/http"
	"time"

	"ticketq/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	OffersPromoted *prometheus.CounterVec
	OffersExpired  *prometheus.CounterVec
	CacheRequests  *prometheus.CounterVec
	BreakerOpen    prometheus.Gauge
	BreakerFails   prometheus.Gauge
	JobsDispatched *prometheus.CounterVec
	JobsCompleted  *prometheus.CounterVec
	JobFailures    prometheus.Counter

	registry *prometheus.Registry
	addr     string
	logger   *log.Logger
}

// New builds the metric set on its own registry so that tests can
// construct independent instances without global registration panics.
func New(addr string, logger *log.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		OffersPromoted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketq_offers_promoted_total",
				Help: "Waiting list entries promoted to offers",
			},
			[]string{"event"},
		),
		OffersExpired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketq_offers_expired_total",
				Help: "Offers expired, by trigger path",
			},
			[]string{"path"},
		),
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketq_cache_requests_total",
				Help: "Cache reads by outcome (fresh, stale, miss, bypass)",
			},
			[]string{"outcome"},
		),
		BreakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ticketq_cache_breaker_open",
				Help: "Whether the cache circuit breaker is open (1) or closed (0)",
			},
		),
		BreakerFails: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ticketq_cache_breaker_failures",
				Help: "Current circuit breaker failure count",
			},
		),
		JobsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketq_jobs_dispatched_total",
				Help: "Reservation jobs submitted, by processing path",
			},
			[]string{"path"},
		),
		JobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketq_jobs_completed_total",
				Help: "Reservation jobs completed, by processing path",
			},
			[]string{"path"},
		),
		JobFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ticketq_job_failures_total",
				Help: "Reservation jobs that failed on both paths",
			},
		),
		registry: reg,
		addr:     addr,
		logger:   logger,
	}

	reg.MustRegister(
		m.OffersPromoted,
		m.OffersExpired,
		m.CacheRequests,
		m.BreakerOpen,
		m.BreakerFails,
		m.JobsDispatched,
		m.JobsCompleted,
		m.JobFailures,
	)

	return m
}

type breakerStats interface {
	IsOpen() bool
	Counts() (int, time.Time)
}

// Run serves /metrics and samples breaker state until ctx is canceled.
func (m *Metrics) Run(ctx context.Context, b breakerStats) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    m.addr,
		Handler: mux,
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if b == nil {
					continue
				}
				if b.IsOpen() {
					m.BreakerOpen.Set(1)
				} else {
					m.BreakerOpen.Set(0)
				}
				fails, _ := b.Counts()
				m.BreakerFails.Set(float64(fails))
			}
		}
	}()

	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", m.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
