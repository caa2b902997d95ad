// Command server starts the task platform intake API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/ai-tool-platform/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/observability"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/progress"
	asynqadp "github.com/fairyhunter13/ai-tool-platform/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/storage"
	"github.com/fairyhunter13/ai-tool-platform/internal/app"
	"github.com/fairyhunter13/ai-tool-platform/internal/config"
	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
	"github.com/fairyhunter13/ai-tool-platform/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	taskRepo := postgres.NewTaskRepo(pool)
	toolRepo := postgres.NewToolRepo(pool)

	if cfg.ToolSeedPath != "" {
		if err := app.SeedTools(ctx, cfg.ToolSeedPath, toolRepo); err != nil {
			slog.Error("tool seed failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	broker, err := asynqadp.New(cfg.RedisURL)
	if err != nil {
		slog.Error("queue broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	bus, err := progress.New(cfg.RedisURL)
	if err != nil {
		slog.Error("progress bus connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := storage.New(ctx, storage.Options{
		Env:         cfg.AppEnv,
		Endpoint:    cfg.S3Endpoint,
		Region:      cfg.S3Region,
		AccessKey:   cfg.S3AccessKey,
		SecretKey:   cfg.S3SecretKey,
		UserBucket:  cfg.UserBucket,
		AdminBucket: cfg.AdminBucket,
		UserOrigin:  cfg.UserCDNOrigin,
		AdminOrigin: cfg.AdminCDNOrigin,
		SigningKey:  cfg.URLSigningKey,
	})
	if err != nil {
		slog.Error("artifact store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	backoff := domain.BackoffPolicy{
		Kind:   domain.BackoffExponential,
		BaseMs: cfg.TaskBackoffBase.Milliseconds(),
		MaxMs:  cfg.TaskBackoffMax.Milliseconds(),
	}
	intakeSvc := usecase.NewIntake(taskRepo, toolRepo, broker, cfg.TaskMaxAttempts, backoff)
	querySvc := usecase.NewQuery(taskRepo, toolRepo, store, cfg.URLSignTTL)
	uploadSvc := usecase.NewUpload(store, 15*time.Minute)

	sweeper := app.NewPendingSweeper(taskRepo, toolRepo, broker,
		cfg.SweeperPendingAge, cfg.SweeperInterval, cfg.TaskMaxAttempts, backoff)
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go sweeper.Run(sweepCtx)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, bus)
	srv := httpserver.NewServer(cfg, intakeSvc, querySvc, uploadSvc, bus, taskRepo, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		// WriteTimeout must outlast the longest SSE stream; the stream handler
		// bounds itself via the request context instead.
		WriteTimeout:      0,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
