package contracts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vnoptic/vnoptic-erp/internal/masterdata"
	"github.com/vnoptic/vnoptic-erp/internal/purchasing"
	"github.com/vnoptic/vnoptic-erp/internal/shared"
)

type fakeInspection struct {
	checked, ok, ng float64
}

func (f *fakeInspection) ContractTotals(_ context.Context, _ int64) (float64, float64, float64, error) {
	return f.checked, f.ok, f.ng, nil
}

func TestProgressSummaryTotals(t *testing.T) {
	h := newHarness()
	h.service.SetInspectionPort(&fakeInspection{checked: 3, ok: 2, ng: 1})
	h.addProduct(11, masterdata.TrackingNone)
	h.addPO(1, purchasing.POLine{ID: 101, ProductID: 11, OrderedQty: 5, Price: 10})
	contract := h.approvedContract(t, 1)

	summary, err := h.service.Progress(context.Background(), contract.ID)
	require.NoError(t, err)
	require.Equal(t, contract.Number, summary.Number)
	require.InDelta(t, 5.0, summary.TotalContracted, 1e-9)
	require.InDelta(t, 0.0, summary.TotalReceived, 1e-9)
	require.InDelta(t, 5.0, summary.TotalRemaining, 1e-9)
	require.InDelta(t, 3.0, summary.QtyChecked, 1e-9)
	require.InDelta(t, 2.0, summary.QtyOK, 1e-9)
	require.InDelta(t, 1.0, summary.QtyNG, 1e-9)
	require.False(t, summary.HasDoneReceipt)
}

func TestProgressCacheHitAndInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	h := newHarness()
	h.service.SetProgressCache(client, 5*time.Minute)
	h.addProduct(11, masterdata.TrackingNone)
	h.addPO(1, purchasing.POLine{ID: 101, ProductID: 11, OrderedQty: 5, Price: 10})
	contract := h.approvedContract(t, 1)

	first, err := h.service.Progress(context.Background(), contract.ID)
	require.NoError(t, err)
	require.True(t, mr.Exists(shared.ContractProgressKey(contract.ID)))

	// a receipt lands; the cached entry still serves the stale summary
	receiptID := h.stk.addReceipt(1)
	require.NoError(t, h.stk.TagContractForPO(context.Background(), 1, &contract.ID))
	require.NoError(t, h.stk.SetMoveDone(context.Background(), receiptID, h.stk.moves[receiptID][0].ID, 3))

	cached, err := h.service.Progress(context.Background(), contract.ID)
	require.NoError(t, err)
	require.Equal(t, first.ComputedAt, cached.ComputedAt)
	require.InDelta(t, 0.0, cached.TotalReceived, 1e-9)

	// validation syncs progress, which drops the cache entry
	_, err = h.stk.Validate(context.Background(), receiptID)
	require.NoError(t, err)
	require.False(t, mr.Exists(shared.ContractProgressKey(contract.ID)))

	fresh, err := h.service.Progress(context.Background(), contract.ID)
	require.NoError(t, err)
	require.InDelta(t, 3.0, fresh.TotalReceived, 1e-9)
	require.InDelta(t, 2.0, fresh.TotalRemaining, 1e-9)
	require.True(t, fresh.HasDoneReceipt)
}
