package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/costing/internal/app"
	"github.com/odyssey-erp/costing/internal/inventory"
	jobmetrics "github.com/odyssey-erp/costing/internal/jobs"
	"github.com/odyssey-erp/costing/internal/observability"
	"github.com/odyssey-erp/costing/internal/platform/cache"
	"github.com/odyssey-erp/costing/internal/platform/db"
	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/saleor"
	"github.com/odyssey-erp/costing/internal/shared"
	"github.com/odyssey-erp/costing/jobs"
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

	pool, err := db.New(ctx, cfg.Postgres("worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	costing := observability.NewCostingMetrics(prometheus.DefaultRegisterer)
	metrics := jobmetrics.NewMetrics(nil)

	ledger := inventory.NewLedger(inventory.LedgerConfig{
		AllowNegativeStock: cfg.CostAllowNegativeStock,
		Logger:             logger,
		Audit:              shared.NewAuditLogger(pool),
		Metrics:            costing,
	})
	inventoryService := inventory.NewService(
		inventory.NewRepository(pool),
		ledger,
		inventory.NewRedisStateCache(redisClient, cfg.CostStateCacheTTL),
		inventory.ServiceConfig{Scale: cfg.CostScale},
		logger,
		costing,
	)

	saleorClient := saleor.NewClient(saleor.Config{
		APIURL:          cfg.SaleorAPIURL,
		Token:           cfg.SaleorAPIToken,
		WarehouseID:     cfg.SaleorWarehouseID,
		Timeout:         cfg.SaleorTimeout,
		BreakerFailures: cfg.SaleorBreakerFailures,
		BreakerOpenFor:  cfg.SaleorBreakerOpenFor,
	}, logger)
	orchestrator := posting.NewOrchestrator(posting.NewRepository(pool), saleorClient, posting.Config{
		ClaimLease:  cfg.PostingClaimLease,
		CallTimeout: cfg.SaleorTimeout,
	}, logger, costing)

	redisOpts := cfg.QueueRedis()
	dispatcher, err := jobs.NewClient(redisOpts, cfg.PostingMaxRetry)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	applyJob := jobs.NewPostingApplyJob(orchestrator, logger, metrics)
	sweepJob := jobs.NewPostingSweepJob(orchestrator, dispatcher, cfg.PostingSweepAge, logger, metrics)
	verifyJob := jobs.NewRollupVerifyJob(inventoryService, logger, metrics)

	sweepTask, err := jobs.NewPostingSweepTask(cfg.PostingSweepAge, 0)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	verifyTask, err := jobs.NewRollupVerifyTask()
	if err != nil {
		logger.Error("build rollup verify task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPostingApply, Handler: applyJob.Handle},
			{Type: jobs.TaskPostingSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskRollupVerify, Handler: verifyJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.PostingSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.RollupVerifyCron, Task: verifyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
