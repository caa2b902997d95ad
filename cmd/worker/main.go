// Command worker runs the task execution pool for one queue prefix. The
// prefix fixes both the queues it drains and the provider credential catalog
// it may spend from.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/ledger"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/observability"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/progress"
	asynqadp "github.com/fairyhunter13/ai-tool-platform/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/registry"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/storage"
	"github.com/fairyhunter13/ai-tool-platform/internal/config"
	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
	"github.com/fairyhunter13/ai-tool-platform/internal/tool"
	"github.com/fairyhunter13/ai-tool-platform/internal/tool/handlers"
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
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker",
		slog.String("env", cfg.AppEnv),
		slog.String("queue_prefix", cfg.QueuePrefix),
		slog.Any("queues", cfg.QueueNames))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	taskRepo := postgres.NewTaskRepo(pool)
	toolRepo := postgres.NewToolRepo(pool)
	providerRepo := postgres.NewProviderRepo(pool)
	ledgerRepo := postgres.NewLedgerRepo(pool)

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

	// The credential catalog is bound to the queue prefix at start; job
	// payloads never select it.
	catalog := domain.CatalogForPrefix(cfg.QueuePrefix)
	creds := registry.New(providerRepo, catalog, cfg.CredentialCacheTTL)

	reg := tool.NewRegistry()
	handlers.RegisterAll(reg, cfg.ImageJobTimeout, cfg.ModelJobTimeout)
	if cfg.IsDev() {
		if tools, err := toolRepo.List(ctx); err == nil {
			if missing := reg.MissingHandlers(tools); len(missing) > 0 {
				slog.Warn("catalog tools without registered handlers", slog.Any("slugs", missing))
			}
		}
	}

	var exporter asynqadp.UsageExporter
	if cfg.LedgerExportEnabled() {
		kafkaExp, err := ledger.NewKafkaExporter(cfg.KafkaBrokers, cfg.UsageTopic)
		if err != nil {
			slog.Error("usage exporter init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer kafkaExp.Close()
		exporter = kafkaExp
	}

	workerPool, err := asynqadp.NewPool(cfg.RedisURL, cfg.QueuePrefix, cfg.QueueNames,
		cfg.WorkerConcurrency, cfg.WorkerShutdownTimeout(), asynqadp.PoolDeps{
			Tasks:       taskRepo,
			Ledger:      ledgerRepo,
			Bus:         bus,
			Registry:    reg,
			Artifacts:   store,
			Credentials: creds,
			Env:         cfg.AppEnv,
			SignTTL:     cfg.URLSignTTL,
			Export:      exporter,
		})
	if err != nil {
		slog.Error("worker pool init failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := workerPool.Start(); err != nil {
		slog.Error("worker pool start failed", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	workerPool.Shutdown()
	slog.Info("worker stopped")
}
