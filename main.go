package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ticketq/internal/breaker"
	"ticketq/internal/cache"
	"ticketq/internal/clock"
	"ticketq/internal/config"
	"ticketq/internal/dispatch"
	"ticketq/internal/id"
	"ticketq/internal/log"
	"ticketq/internal/metrics"
	"ticketq/internal/notify"
	"ticketq/internal/retry"
	"ticketq/internal/server"
	"ticketq/internal/store"
	"ticketq/internal/waitlist"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// reservationHooks runs the side effects of a completed reservation
// job. Both dispatch paths funnel through the dedup claim, so these run
// once per reservation no matter which path finishes first.
type reservationHooks struct {
	cacheMgr *cache.Manager
	notifier *notify.Publisher
}

func (h reservationHooks) OnReservationComplete(ctx context.Context, job dispatch.ReservationJob) {
	h.cacheMgr.Invalidate(ctx, cache.PositionKey(job.EventID, job.UserID))
	h.notifier.ReservationReady(ctx, job.EventID, job.UserID, job.PrimaryJobID)
}

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	st, err := store.NewStore(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()
	if err := st.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}

	clk := clock.NewSystem()
	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal("Failed to initialize ID generator", zap.Error(err))
	}

	m := metrics.New(cfg.MetricsAddr, logger)

	brk := breaker.New(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout, clk)
	cacheClient := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPoolSize, brk, cfg.CacheOpTimeout, logger)
	cacheMgr, err := cache.NewManager(cacheClient, clk, cfg.CompressMinBytes, m, logger)
	if err != nil {
		logger.Fatal("Failed to initialize cache manager", zap.Error(err))
	}

	notifier := notify.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer notifier.Close()

	svc := waitlist.NewService(st, clk, node, notifier, m, logger, cfg.OfferTTL)
	defer svc.Stop()
	sweeper := waitlist.NewSweeper(svc, cfg.SweepInterval, m, logger)

	queue := dispatch.NewRedisQueue(rdb, cfg.JobStatusTTL)
	hooks := reservationHooks{cacheMgr: cacheMgr, notifier: notifier}
	disp := dispatch.NewDispatcher(queue, node, hooks, clk, m, logger, cfg.BackupDelay)
	worker := dispatch.NewWorker(queue, svc, hooks, clk, m, logger, cfg.WorkerPollInterval,
		retry.Policy{Base: cfg.RetryBase, MaxAttempts: cfg.RetryMaxAttempts})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go sweeper.Run(ctx)
	go worker.Run(ctx)
	go m.Run(ctx, brk)

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, st, cacheClient, cacheMgr, svc, disp)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
