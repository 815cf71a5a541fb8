package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coreason-ai/ai-gateway/internal/accounting"
	"github.com/coreason-ai/ai-gateway/internal/budget"
	"github.com/coreason-ai/ai-gateway/internal/config"
	"github.com/coreason-ai/ai-gateway/internal/dispatch"
	"github.com/coreason-ai/ai-gateway/internal/gateway"
	"github.com/coreason-ai/ai-gateway/internal/ledger"
	"github.com/coreason-ai/ai-gateway/internal/metrics"
	"github.com/coreason-ai/ai-gateway/internal/secrets"
	"github.com/coreason-ai/ai-gateway/internal/server"
	"github.com/coreason-ai/ai-gateway/internal/storage/sqldb"
	"github.com/coreason-ai/ai-gateway/internal/telemetry"
	"github.com/coreason-ai/ai-gateway/internal/upstream"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("coreason-ai-gateway", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Budget ledger (Redis)
	store, err := ledger.NewRedis(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to initialize redis ledger: %v", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("Failed to reach redis: %v", err)
	}
	logger.Info("redis ledger initialized")

	// Secret store (Vault, AppRole)
	vault, err := secrets.NewVault(cfg.Vault.Addr, logger)
	if err != nil {
		log.Fatalf("Failed to initialize vault client: %v", err)
	}
	if err := vault.Authenticate(ctx, cfg.Vault.RoleID, cfg.Vault.SecretID); err != nil {
		log.Fatalf("Failed to authenticate with vault: %v", err)
	}
	logger.Info("vault client authenticated")

	// Optional usage audit trail
	var auditor accounting.Auditor
	var auditStore *sqldb.UsageStore
	if cfg.Storage.DSN != "" {
		auditStore, err = sqldb.NewUsageStore(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			log.Fatalf("Failed to open usage store: %v", err)
		}
		defer auditStore.Close()
		auditor = auditStore
		logger.Info("usage audit store initialized", slog.String("dsn", cfg.Storage.DSN))
	}

	collector := metrics.NewCollector()
	accountant := accounting.New(store, auditor, collector, logger)
	admission := budget.NewController(store, logger)
	estimator := budget.ForMode(cfg.Budget.Estimator)
	dispatcher := dispatch.New(cfg.Retry, logger, collector)

	clients := func(apiKey string) dispatch.CompletionClient {
		return upstream.NewClient(apiKey)
	}

	handler := gateway.NewHandler(estimator, admission, vault, dispatcher, clients, accountant, collector, logger)

	srv := server.New(cfg.Server.Port, logger,
		server.AuthGateMiddleware(cfg.Gateway.AccessToken),
		server.MetricsMiddleware(collector),
	)
	srv.Router.Get("/health", handler.Health)
	srv.Router.Handle("/metrics", collector.Handler())
	srv.Router.Post("/v1/chat/completions", handler.ChatCompletions)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("gateway shutdown complete")
}

func logLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
