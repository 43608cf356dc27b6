package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/config"
	"github.com/lumen-bi/lumen-engine/pkg/crypto"
	"github.com/lumen-bi/lumen-engine/pkg/database"
	"github.com/lumen-bi/lumen-engine/pkg/datasource"
	"github.com/lumen-bi/lumen-engine/pkg/handlers"
	"github.com/lumen-bi/lumen-engine/pkg/introspect"
	"github.com/lumen-bi/lumen-engine/pkg/jobs"
	"github.com/lumen-bi/lumen-engine/pkg/middleware"
	"github.com/lumen-bi/lumen-engine/pkg/query"
	"github.com/lumen-bi/lumen-engine/pkg/repositories"
	"github.com/lumen-bi/lumen-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const migrationsDir = "migrations"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", cfg.Database.Database),
		zap.Int("workers", cfg.Jobs.WorkerCount),
	)

	vault, err := crypto.NewCredentialVault(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("Failed to initialize credential vault", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.RunMigrations(cfg.Database.ConnectionString(), migrationsDir, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to metadata store", zap.Error(err))
	}
	defer db.Close()

	registry := datasource.NewRegistry(datasource.RegistryConfig{
		TTLMinutes:     cfg.Datasource.ConnectionTTLMinutes,
		PoolMaxConns:   cfg.Datasource.PoolMaxConns,
		PoolMinConns:   cfg.Datasource.PoolMinConns,
		ConnectTimeout: cfg.Datasource.ConnectTimeout(),
	}, logger)

	executor := query.NewExecutor(cfg.Query.DefaultRowLimit, cfg.Query.Timeout(), logger)
	introspector := introspect.NewIntrospector(logger)

	dsRepo := repositories.NewDatasourceRepository(db.Pool)
	historyRepo := repositories.NewQueryHistoryRepository(db.Pool)
	dsService := services.NewDatasourceService(dsRepo, historyRepo, vault, registry, executor, introspector, logger)

	historyRetention := time.Duration(cfg.Query.HistoryRetentionDays) * 24 * time.Hour
	go pruneQueryHistory(ctx, historyRepo, historyRetention, logger)

	policy := jobs.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Jobs.MaxAttempts
	queue := jobs.NewQueue(jobs.NewPGStore(db.Pool), policy, logger)

	scheduler := jobs.NewScheduler(queue, jobs.SchedulerConfig{
		StaleClaimAge:      cfg.Jobs.StaleClaimAge(),
		CompletedRetention: time.Duration(cfg.Jobs.CompletedRetentionDays) * 24 * time.Hour,
		FailedRetention:    time.Duration(cfg.Jobs.FailedRetentionDays) * 24 * time.Hour,
	}, logger)
	scheduler.Start(ctx)

	worker := jobs.NewWorker(queue, jobs.WorkerConfig{
		Slots:        cfg.Jobs.WorkerCount,
		PollInterval: cfg.Jobs.PollInterval(),
		DrainTimeout: cfg.Jobs.DrainTimeout(),
	}, logger)
	services.NewJobHandlers(dsService, cfg.Jobs.ExportDir, logger).RegisterAll(worker)
	worker.Start(ctx)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewDatasourcesHandler(dsService, logger).RegisterRoutes(mux)
	handlers.NewJobsHandler(queue, registry, logger).RegisterRoutes(mux)

	handler := middleware.Recover(logger)(middleware.RequestLogger(logger)(mux))
	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting lumen-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown did not complete cleanly", zap.Error(err))
	}

	if err := worker.Stop(); err != nil {
		logger.Warn("Worker drain did not complete cleanly", zap.Error(err))
	}
	scheduler.Stop()

	if err := registry.Shutdown(); err != nil {
		logger.Warn("Connection registry shutdown failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// pruneQueryHistory drops query history rows past the retention age once an
// hour until the context is cancelled.
func pruneQueryHistory(ctx context.Context, repo repositories.QueryHistoryRepository, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.DeleteOlderThan(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("Query history cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("Pruned query history", zap.Int64("rows", n))
			}
		}
	}
}
