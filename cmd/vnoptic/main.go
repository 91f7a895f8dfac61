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

	"github.com/vnoptic/vnoptic-erp/internal/app"
	"github.com/vnoptic/vnoptic-erp/internal/auth"
	"github.com/vnoptic/vnoptic-erp/internal/contracts"
	"github.com/vnoptic/vnoptic-erp/internal/delivery"
	"github.com/vnoptic/vnoptic-erp/internal/inspection"
	"github.com/vnoptic/vnoptic-erp/internal/masterdata"
	"github.com/vnoptic/vnoptic-erp/internal/observability"
	"github.com/vnoptic/vnoptic-erp/internal/platform/cache"
	"github.com/vnoptic/vnoptic-erp/internal/platform/db"
	"github.com/vnoptic/vnoptic-erp/internal/purchasing"
	"github.com/vnoptic/vnoptic-erp/internal/shared"
	"github.com/vnoptic/vnoptic-erp/internal/stock"
	"github.com/vnoptic/vnoptic-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	authService := auth.NewService(auth.NewRepository(pool), cfg.APIKeyPepper)

	stockService := stock.NewService(stock.NewRepository(pool), sequences, logger)
	masterdataService := masterdata.NewService(masterdata.NewRepository(pool), stockService)
	purchasingService := purchasing.NewService(purchasing.NewRepository(pool), stockService,
		sequences, audit, logger, cfg.IncomingPickingTypeID)
	contractsService := contracts.NewService(contracts.NewRepository(pool), purchasingService,
		stockService, masterdataService, approvals, audit, sequences, logger)
	deliveryService := delivery.NewService(delivery.NewRepository(pool), logger)
	inspectionService := inspection.NewService(inspection.NewRepository(pool), contractsService,
		masterdataService, stockService, audit, sequences, logger)

	// Observer order matters: purchasing syncs received quantities before the
	// contract engine recomputes delivery states.
	stockService.RegisterObserver(purchasingService)
	stockService.RegisterObserver(contractsService)
	stockService.RegisterObserver(inspectionService)
	contractsService.SetSchedulePort(deliveryService)
	contractsService.SetInspectionPort(inspectionService)
	inspectionService.SetDeliveryPort(deliveryService)
	if redisClient != nil {
		contractsService.SetProgressCache(redisClient, cfg.ProgressCacheTTL)
	}

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:  logger,
		Config:  cfg,
		Metrics: metrics,

		AuthService: authService,
		Idempotency: idempotency,

		MasterdataHandler: masterdata.NewHandler(logger, masterdataService),
		StockHandler:      stock.NewHandler(logger, stockService),
		PurchasingHandler: purchasing.NewHandler(logger, purchasingService),
		ContractsHandler:  contracts.NewHandler(logger, contractsService),
		InspectionHandler: inspection.NewHandler(logger, inspectionService),
		DeliveryHandler:   delivery.NewHandler(logger, deliveryService),
		JobHandler:        jobs.NewHandler(inspector, jobClient, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", slog.Any("error", err))
	}
	logger.Info("server stopped")
}
