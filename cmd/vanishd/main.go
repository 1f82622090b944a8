package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/micksolo/VanishVoice-sub006/internal/authz"
	"github.com/micksolo/VanishVoice-sub006/internal/config"
	"github.com/micksolo/VanishVoice-sub006/internal/observability/logging"
	"github.com/micksolo/VanishVoice-sub006/internal/observability/metrics"
	"github.com/micksolo/VanishVoice-sub006/internal/realtime"
	"github.com/micksolo/VanishVoice-sub006/internal/service"
	"github.com/micksolo/VanishVoice-sub006/internal/store"
	transport "github.com/micksolo/VanishVoice-sub006/internal/transport/http"
)

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "vanishd",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("vanishd")

	logger.Info("starting service")

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	var blobs store.BlobStore
	var notify realtime.Notifier
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis ping", "error", err)
			os.Exit(1)
		}
		blobs = store.NewRedisBlobStore(rdb)
		notify = realtime.NewRedisNotifier(rdb)
	} else {
		// Single-process mode: in-memory fan-out, no blob durability across
		// restarts. Fine for development, not for production.
		logger.Warn("no redis configured, using in-process notifier and blob store")
		blobs = store.NewMemoryBlobStore()
		notify = realtime.NewLocalNotifier()
	}

	issuer := authz.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
	svc := service.New(st, blobs, notify, cfg.PurgeGrace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go svc.RunPurgeLoop(ctx, cfg.PurgeInterval)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           transport.NewRouter(svc, notify, issuer, cfg.PendingBatch),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	slog.Info("vanishd listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
