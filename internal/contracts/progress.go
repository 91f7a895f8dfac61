package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vnoptic/vnoptic-erp/internal/shared"
)

type progressCache struct {
	client *redis.Client
	ttl    time.Duration
}

// SetProgressCache enables redis caching of progress summaries.
func (s *Service) SetProgressCache(client *redis.Client, ttl time.Duration) {
	s.cache = progressCache{client: client, ttl: ttl}
}

// ProgressSummary is the receipt and inspection rollup of one contract.
type ProgressSummary struct {
	ContractID      int64         `json:"contract_id"`
	Number          string        `json:"number"`
	State           ContractState `json:"state"`
	DeliveryState   DeliveryState `json:"delivery_state"`
	TotalContracted float64       `json:"total_contracted"`
	TotalReceived   float64       `json:"total_received"`
	TotalRemaining  float64       `json:"total_remaining"`
	QtyChecked      float64       `json:"qty_checked"`
	QtyOK           float64       `json:"qty_ok"`
	QtyNG           float64       `json:"qty_ng"`
	HasDoneReceipt  bool          `json:"has_done_receipt"`
	ComputedAt      time.Time     `json:"computed_at"`
}

// Progress returns the contract's progress summary. Results are cached in
// redis; receipt syncs invalidate the entry.
func (s *Service) Progress(ctx context.Context, contractID int64) (ProgressSummary, error) {
	key := shared.ContractProgressKey(contractID)
	if s.cache.client != nil {
		payload, err := s.cache.client.Get(ctx, key).Bytes()
		if err == nil {
			var cached ProgressSummary
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn("progress cache read failed", slog.Any("error", err))
		}
	}

	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return ProgressSummary{}, err
	}

	var (
		lines   []ContractLine
		hasDone bool
		checked float64
		okQty   float64
		ngQty   float64
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		lines, err = s.repo.ListLines(groupCtx, contractID)
		return err
	})
	group.Go(func() error {
		var err error
		hasDone, err = s.stock.HasDoneIncomingForContract(groupCtx, contractID)
		return err
	})
	if s.inspection != nil {
		group.Go(func() error {
			var err error
			checked, okQty, ngQty, err = s.inspection.ContractTotals(groupCtx, contractID)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return ProgressSummary{}, err
	}

	summary := ProgressSummary{
		ContractID:     contractID,
		Number:         contract.Number,
		State:          contract.State,
		DeliveryState:  contract.DeliveryState,
		QtyChecked:     checked,
		QtyOK:          okQty,
		QtyNG:          ngQty,
		HasDoneReceipt: hasDone,
		ComputedAt:     time.Now().UTC(),
	}
	for _, line := range lines {
		if line.POLineID == 0 || line.QtyContract <= 0 {
			continue
		}
		summary.TotalContracted += line.QtyContract
		summary.TotalReceived += line.QtyReceived
	}
	summary.TotalRemaining = summary.TotalContracted - summary.TotalReceived
	if summary.TotalRemaining < 0 {
		summary.TotalRemaining = 0
	}

	if s.cache.client != nil {
		payload, err := json.Marshal(summary)
		if err == nil {
			if err := s.cache.client.Set(ctx, key, payload, s.cache.ttl).Err(); err != nil {
				s.logger.Warn("progress cache write failed", slog.Any("error", err))
			}
		}
	}
	return summary, nil
}

// InvalidateProgress drops the cached progress summary. Inspection sessions
// call this when their totals change.
func (s *Service) InvalidateProgress(ctx context.Context, contractID int64) {
	s.invalidateProgress(ctx, contractID)
}

func (s *Service) invalidateProgress(ctx context.Context, contractID int64) {
	if s.cache.client == nil {
		return
	}
	if err := s.cache.client.Del(ctx, shared.ContractProgressKey(contractID)).Err(); err != nil {
		s.logger.Warn("progress cache invalidate failed", slog.Any("error", err))
	}
}
