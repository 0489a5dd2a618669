package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/costing/cmd/odyssey/cli"
	"github.com/odyssey-erp/costing/internal/app"
	"github.com/odyssey-erp/costing/internal/audit"
	"github.com/odyssey-erp/costing/internal/inventory"
	"github.com/odyssey-erp/costing/internal/landedcost"
	"github.com/odyssey-erp/costing/internal/observability"
	"github.com/odyssey-erp/costing/internal/platform/cache"
	"github.com/odyssey-erp/costing/internal/platform/db"
	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/procurement"
	"github.com/odyssey-erp/costing/internal/saleor"
	"github.com/odyssey-erp/costing/internal/shared"
	"github.com/odyssey-erp/costing/jobs"
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := runJobsCommand(ctx, cfg, os.Args[2:]); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	dbpool, err := db.New(ctx, cfg.Postgres("api"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)

	ledger := inventory.NewLedger(inventory.LedgerConfig{
		AllowNegativeStock: cfg.CostAllowNegativeStock,
		Logger:             logger,
		Audit:              auditLogger,
		Metrics:            metrics.Costing(),
	})
	stateCache := inventory.NewRedisStateCache(redisClient, cfg.CostStateCacheTTL)
	inventoryService := inventory.NewService(inventory.NewRepository(dbpool), ledger, stateCache, inventory.ServiceConfig{Scale: cfg.CostScale}, logger, metrics.Costing())

	saleorClient := saleor.NewClient(saleor.Config{
		APIURL:          cfg.SaleorAPIURL,
		Token:           cfg.SaleorAPIToken,
		WarehouseID:     cfg.SaleorWarehouseID,
		Timeout:         cfg.SaleorTimeout,
		BreakerFailures: cfg.SaleorBreakerFailures,
		BreakerOpenFor:  cfg.SaleorBreakerOpenFor,
	}, logger)
	orchestrator := posting.NewOrchestrator(posting.NewRepository(dbpool), saleorClient, posting.Config{
		ClaimLease:  cfg.PostingClaimLease,
		CallTimeout: cfg.SaleorTimeout,
	}, logger, metrics.Costing())

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

	costConfig := procurement.Config{BaseCurrency: cfg.CostBaseCurrency, Scale: cfg.CostScale}
	procurementService := procurement.NewService(procurement.NewRepository(dbpool), inventoryService, dispatcher, orchestrator, auditLogger, costConfig, logger)
	landedCostService := landedcost.NewService(landedcost.NewRepository(dbpool), inventoryService, dispatcher, auditLogger, metrics.Costing(), landedcost.Config{
		BaseCurrency: cfg.CostBaseCurrency,
		Scale:        cfg.CostScale,
	}, logger)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		InventoryHandler:   inventory.NewHandler(logger, inventoryService),
		ProcurementHandler: procurement.NewHandler(logger, procurementService),
		LandedCostHandler:  landedcost.NewHandler(logger, landedCostService),
		PostingHandler:     posting.NewHandler(logger, orchestrator, dispatcher),
		CatalogHandler:     saleor.NewHandler(logger, saleorClient),
		AuditHandler:       audit.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool))),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		Ready: func(r *http.Request) error {
			if err := dbpool.Ping(r.Context()); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobsCommand handles `odyssey jobs trigger <task> [arg]` and `odyssey jobs stats`.
func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	jobsCLI, err := cli.NewJobsCLI(cfg.QueueRedis(), cfg.PostingMaxRetry)
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	if len(args) == 0 {
		return fmt.Errorf("usage: odyssey jobs trigger <task> [arg] | stats")
	}
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return fmt.Errorf("usage: odyssey jobs trigger <task> [arg]")
		}
		info, err := jobsCLI.Trigger(ctx, args[1], args[2:]...)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Printf("%-8s pending=%d active=%d scheduled=%d retry=%d archived=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
		}
	default:
		return fmt.Errorf("jobs: unknown command %q", args[0])
	}
	return nil
}
