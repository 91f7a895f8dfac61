package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/vnoptic/vnoptic-erp/internal/app"
	"github.com/vnoptic/vnoptic-erp/internal/contracts"
	"github.com/vnoptic/vnoptic-erp/internal/delivery"
	"github.com/vnoptic/vnoptic-erp/internal/inspection"
	"github.com/vnoptic/vnoptic-erp/internal/masterdata"
	"github.com/vnoptic/vnoptic-erp/internal/platform/cache"
	"github.com/vnoptic/vnoptic-erp/internal/platform/db"
	"github.com/vnoptic/vnoptic-erp/internal/purchasing"
	"github.com/vnoptic/vnoptic-erp/internal/shared"
	"github.com/vnoptic/vnoptic-erp/internal/stock"
	"github.com/vnoptic/vnoptic-erp/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, progress cache disabled", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	audit := shared.NewAuditLogger(pool)
	approvals := shared.NewApprovalRecorder(pool, logger)
	sequences := shared.NewSequenceAllocator(pool)
	idempotency := shared.NewIdempotencyStore(pool)

	stockService := stock.NewService(stock.NewRepository(pool), sequences, logger)
	masterdataService := masterdata.NewService(masterdata.NewRepository(pool), stockService)
	purchasingService := purchasing.NewService(purchasing.NewRepository(pool), stockService,
		sequences, audit, logger, cfg.IncomingPickingTypeID)
	contractsService := contracts.NewService(contracts.NewRepository(pool), purchasingService,
		stockService, masterdataService, approvals, audit, sequences, logger)
	deliveryService := delivery.NewService(delivery.NewRepository(pool), logger)
	inspectionService := inspection.NewService(inspection.NewRepository(pool), contractsService,
		masterdataService, stockService, audit, sequences, logger)

	contractsService.SetSchedulePort(deliveryService)
	contractsService.SetInspectionPort(inspectionService)
	inspectionService.SetDeliveryPort(deliveryService)
	if redisClient != nil {
		contractsService.SetProgressCache(redisClient, cfg.ProgressCacheTTL)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDeliveryRefresh, Handler: jobs.HandleDeliveryRefresh(contractsService, logger)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.HandleIdempotencyCleanup(idempotency, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/30 * * * *", Task: jobs.NewDeliveryRefreshTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker starting", slog.String("queue", jobs.QueueDefault))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
