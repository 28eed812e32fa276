package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/veritas-grc/veritas/internal/app"
	"github.com/veritas-grc/veritas/internal/llm"
	"github.com/veritas-grc/veritas/internal/registry"
	"github.com/veritas-grc/veritas/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	// A standalone worker process shares job records with the API through
	// Redis. The memory backend is single-process; the API embeds its own
	// worker in that mode.
	if cfg.RegistryBackend != app.RegistryBackendRedis {
		logger.Error("standalone worker requires REGISTRY_BACKEND=redis")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	reg := registry.NewRedisRegistry(redisClient, cfg.JobRetention)
	control := registry.NewControl(redisClient, cfg.ControlFlagTTL, cfg.CheckpointTTL)

	llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	executor := &jobs.PgRuleExecutor{Pool: pool}

	attrJob := jobs.NewAttributeGenerationJob(reg, control, llmClient, logger, nil)
	pdeJob := jobs.NewPDEMappingJob(reg, control, llmClient, logger, nil)
	profilingJob := jobs.NewProfilingRunJob(reg, control, executor, logger, nil)
	watchdog := jobs.NewWatchdogJob(reg, cfg.JobLease, cfg.JobRetention, logger, nil)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
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
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
