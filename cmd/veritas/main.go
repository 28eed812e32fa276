package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/veritas-grc/veritas/internal/app"
	"github.com/veritas-grc/veritas/internal/auth"
	jobmetrics "github.com/veritas-grc/veritas/internal/jobs"
	"github.com/veritas-grc/veritas/internal/llm"
	"github.com/veritas-grc/veritas/internal/observability"
	"github.com/veritas-grc/veritas/internal/rbac"
	"github.com/veritas-grc/veritas/internal/registry"
	"github.com/veritas-grc/veritas/internal/shared"
	"github.com/veritas-grc/veritas/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if err := rbac.Migrate(ctx, dbpool); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}
	if err := rbac.Seed(ctx, dbpool); err != nil {
		logger.Error("seed permission catalog", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "veritas_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	if err := authService.EnsureAdmin(ctx, logger, cfg.AdminEmail, cfg.AdminPassword, cfg.AdminName); err != nil {
		logger.Error("bootstrap admin", slog.Any("error", err))
		os.Exit(1)
	}
	authHandler := auth.NewHandler(logger, authService, sessionManager)

	metrics := observability.NewMetrics()

	rbacRepo := rbac.NewRepository(dbpool)
	rbacCache := rbac.NewDecisionCache(redisClient, cfg.PermissionCacheTTL)
	rbacMetrics := rbac.NewMetrics(metrics.Registerer())
	rbacService := rbac.NewService(rbacRepo, rbacCache, rbacMetrics, logger)
	rbacHandler := rbac.NewHandler(rbacService, logger)
	rbacMiddleware := rbac.Middleware{Service: rbacService}

	jobRegistry, err := buildRegistry(cfg, redisClient, logger)
	if err != nil {
		logger.Error("init job registry", slog.Any("error", err))
		os.Exit(1)
	}
	control := registry.NewControl(redisClient, cfg.ControlFlagTTL, cfg.CheckpointTTL)

	jobsClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, jobRegistry, logger)
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	registryHandler := registry.NewHandler(jobRegistry, control, jobsClient, logger)
	jobsHandler := jobs.NewHandler(jobsClient, inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		AuthHandler:     authHandler,
		RBACHandler:     rbacHandler,
		RegistryHandler: registryHandler,
		JobsHandler:     jobsHandler,
		RBACMiddleware:  rbacMiddleware,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The memory backend keeps job records in-process, so the API embeds the
	// worker instead of delegating to a separate process.
	if cfg.RegistryBackend == app.RegistryBackendMemory {
		worker, err := embeddedWorker(cfg, dbpool, jobRegistry, control, logger, jobmetrics.NewMetrics(metrics.Registerer()))
		if err != nil {
			logger.Error("init embedded worker", slog.Any("error", err))
			os.Exit(1)
		}
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runtime error", slog.Any("error", err))
	}
}

func buildRegistry(cfg *app.Config, client *redis.Client, logger *slog.Logger) (registry.Registry, error) {
	if cfg.RegistryBackend == app.RegistryBackendMemory {
		return registry.NewMemoryRegistry(cfg.RegistrySnapshot, logger)
	}
	return registry.NewRedisRegistry(client, cfg.JobRetention), nil
}

func embeddedWorker(cfg *app.Config, pool *pgxpool.Pool, reg registry.Registry, control *registry.Control, logger *slog.Logger, metrics *jobmetrics.Metrics) (*jobs.Worker, error) {
	llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	executor := &jobs.PgRuleExecutor{Pool: pool}

	attrJob := jobs.NewAttributeGenerationJob(reg, control, llmClient, logger, metrics)
	pdeJob := jobs.NewPDEMappingJob(reg, control, llmClient, logger, metrics)
	profilingJob := jobs.NewProfilingRunJob(reg, control, executor, logger, metrics)
	watchdog := jobs.NewWatchdogJob(reg, cfg.JobLease, cfg.JobRetention, logger, metrics)

	return jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAttributeGeneration, Handler: attrJob.Handle},
			{Type: jobs.TaskPDEMapping, Handler: pdeJob.Handle},
			{Type: jobs.TaskProfilingRun, Handler: profilingJob.Handle},
			{Type: jobs.TaskRegistryWatchdog, Handler: watchdog.HandleReap},
			{Type: jobs.TaskRegistryPrune, Handler: watchdog.HandlePrune},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.WatchdogCron, Task: jobs.NewWatchdogTask(), Options: []asynq.Option{asynq.MaxRetry(0)}},
			{Spec: cfg.PruneCron, Task: jobs.NewPruneTask(), Options: []asynq.Option{asynq.MaxRetry(0)}},
		},
	})
}
