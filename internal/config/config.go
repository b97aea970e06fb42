package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ticketq/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisPoolSize int

	KafkaBrokers []string
	KafkaTopic   string

	ListenAddr  string
	MetricsAddr string
	JWTSecret   string
	NodeID      int64

	// Offer lifecycle.
	OfferTTL      time.Duration
	SweepInterval time.Duration

	// Circuit breaker guarding the cache backend.
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration

	// Cache TTLs per data class plus the shared stale window.
	CacheOpTimeout   time.Duration
	CacheEventTTL    time.Duration
	CacheSessionTTL  time.Duration
	CacheStaleWindow time.Duration
	CompressMinBytes int

	// Dual-path dispatch.
	BackupDelay        time.Duration
	WorkerPollInterval time.Duration
	JobStatusTTL       time.Duration
	RetryBase          time.Duration
	RetryMaxAttempts   int
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables are set in the environment.
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisPoolSize:           envInt("REDIS_POOL_SIZE", 20),
		KafkaTopic:              envStr("KAFKA_TOPIC", "waitlist-notifications"),
		ListenAddr:              envStr("LISTEN_ADDR", ":8080"),
		MetricsAddr:             envStr("METRICS_ADDR", ":2112"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		NodeID:                  int64(envInt("NODE_ID", 1)),
		OfferTTL:                envDuration("OFFER_TTL", 10*time.Minute),
		SweepInterval:           envDuration("SWEEP_INTERVAL", time.Minute),
		BreakerFailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetTimeout:     envDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		CacheOpTimeout:          envDuration("CACHE_OP_TIMEOUT", 500*time.Millisecond),
		CacheEventTTL:           envDuration("CACHE_TTL_EVENT", time.Minute),
		CacheSessionTTL:         envDuration("CACHE_TTL_SESSION", 5*time.Minute),
		CacheStaleWindow:        envDuration("CACHE_STALE_WINDOW", 5*time.Minute),
		CompressMinBytes:        envInt("COMPRESS_MIN_BYTES", 1024),
		BackupDelay:             envDuration("BACKUP_DELAY", 30*time.Second),
		WorkerPollInterval:      envDuration("WORKER_POLL_INTERVAL", time.Second),
		JobStatusTTL:            envDuration("JOB_STATUS_TTL", 24*time.Hour),
		RetryBase:               envDuration("RETRY_BASE", 2*time.Second),
		RetryMaxAttempts:        envInt("RETRY_MAX_ATTEMPTS", 3),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.BreakerFailureThreshold <= 0 {
		return nil, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
