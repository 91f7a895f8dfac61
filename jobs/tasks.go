package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vnoptic/vnoptic-erp/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDeliveryRefresh recomputes every active contract's delivery state.
	TaskDeliveryRefresh = "contracts:delivery_refresh"
	// TaskIdempotencyCleanup prunes aged idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// idempotencyRetention bounds how long processed keys are kept.
const idempotencyRetention = 30 * 24 * time.Hour

// DeliveryRefresher re-syncs contract receipt progress.
type DeliveryRefresher interface {
	RefreshDeliveryStates(ctx context.Context) (int, error)
}

// NewDeliveryRefreshTask constructs the refresh task.
func NewDeliveryRefreshTask() *asynq.Task {
	return asynq.NewTask(TaskDeliveryRefresh, nil)
}

// HandleDeliveryRefresh processes TaskDeliveryRefresh tasks. Receipt
// validation already syncs progress inline; this cron closes the gap left by
// missed observer runs.
func HandleDeliveryRefresh(refresher DeliveryRefresher, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		count, err := refresher.RefreshDeliveryStates(ctx)
		if err != nil {
			logger.Error("delivery refresh failed", slog.Any("error", err))
			return err
		}
		logger.Info("delivery states refreshed", slog.Int("contracts", count))
		return nil
	}
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}

// HandleIdempotencyCleanup processes TaskIdempotencyCleanup tasks.
func HandleIdempotencyCleanup(store *shared.IdempotencyStore, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		if err := store.Cleanup(ctx, idempotencyRetention); err != nil {
			logger.Error("idempotency cleanup failed", slog.Any("error", err))
			return err
		}
		logger.Info("idempotency keys pruned", slog.String("job", TaskIdempotencyCleanup))
		return nil
	}
}
