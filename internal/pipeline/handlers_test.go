package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/orderflow/internal/broker"
	"github.com/oakline/orderflow/internal/queue/domain"
)

func workItem(t *testing.T, jobType domain.JobType, payload string) *domain.WorkItem {
	t.Helper()
	return &domain.WorkItem{
		ItemID:  "22222222-2222-2222-2222-222222222222",
		JobType: jobType,
		Status:  domain.StatusPending,
		Payload: json.RawMessage(payload),
	}
}

func TestHandleCancelOrder(t *testing.T) {
	gw := newFakeGateway()
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	t.Run("cancels the order", func(t *testing.T) {
		item := workItem(t, domain.JobCancelOrder, `{"orderId":"o9"}`)
		outcome, err := h.HandleCancelOrder(context.Background(), item)

		require.NoError(t, err)
		assert.Equal(t, "o9", outcome.BrokerOrderID)
		assert.Equal(t, []string{"o9"}, gw.canceled)
	})

	t.Run("rejects a missing order id", func(t *testing.T) {
		item := workItem(t, domain.JobCancelOrder, `{}`)
		_, err := h.HandleCancelOrder(context.Background(), item)

		rej, ok := domain.AsRejection(err)
		require.True(t, ok)
		assert.Equal(t, "missing_order_id", rej.Category)
	})
}

func TestHandleSyncOrders(t *testing.T) {
	gw := newFakeGateway()
	now := time.Now().UTC()
	gw.orders = []broker.Order{
		{ID: "o1", Symbol: "AAPL", Side: "buy", FilledQty: 5, FilledAvgPx: 180, UpdatedAt: now},
		{ID: "o2", Symbol: "MSFT", Side: "buy", FilledQty: 0, UpdatedAt: now},
		{ID: "o3", Symbol: "TSLA", Side: "sell", FilledQty: 2, FilledAvgPx: 200, UpdatedAt: now},
	}
	collab := newFakeCollaborators()
	collab.hasFill["o3"] = true
	h := testHandlers(gw, collab)

	item := workItem(t, domain.JobSyncOrders, `{}`)
	outcome, err := h.HandleSyncOrders(context.Background(), item)
	require.NoError(t, err)

	var res syncOrdersResult
	require.NoError(t, json.Unmarshal(outcome.Result, &res))

	// GetOrders returns the same list for both scopes in the fake.
	assert.Equal(t, 6, res.Synced)
	assert.Equal(t, 0, res.Errors)

	// Only o1 gets a synthesized fill: o2 has no filled quantity and o3
	// already has a fill record. The second scope pass sees o1's new record.
	require.Len(t, collab.fills, 1)
	assert.Equal(t, "o1", collab.fills[0].OrderID)
	assert.Equal(t, 5.0, collab.fills[0].Qty)
	assert.Equal(t, 180.0, collab.fills[0].Price)
}

func TestHandleClosePosition(t *testing.T) {
	gw := newFakeGateway()
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	t.Run("rejects when no position exists", func(t *testing.T) {
		item := workItem(t, domain.JobClosePosition, `{"symbol":"AAPL"}`)
		_, err := h.HandleClosePosition(context.Background(), item)

		rej, ok := domain.AsRejection(err)
		require.True(t, ok)
		assert.Equal(t, "no_position", rej.Category)
		assert.Empty(t, gw.closed)
	})

	t.Run("closes an existing position", func(t *testing.T) {
		gw.positions["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 10, QtyAvailable: 10}

		item := workItem(t, domain.JobClosePosition, `{"symbol":"AAPL"}`)
		outcome, err := h.HandleClosePosition(context.Background(), item)

		require.NoError(t, err)
		assert.JSONEq(t, `{"closed":"AAPL"}`, string(outcome.Result))
		assert.Equal(t, []string{"AAPL"}, gw.closed)
	})
}

func TestHandleKillSwitch(t *testing.T) {
	t.Run("cancels orders without closing positions", func(t *testing.T) {
		gw := newFakeGateway()
		gw.positions["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 10, QtyAvailable: 10}
		collab := newFakeCollaborators()
		h := testHandlers(gw, collab)

		item := workItem(t, domain.JobKillSwitch, `{}`)
		outcome, err := h.HandleKillSwitch(context.Background(), item)
		require.NoError(t, err)

		var res killSwitchResult
		require.NoError(t, json.Unmarshal(outcome.Result, &res))
		assert.True(t, res.KillSwitchActive)
		assert.True(t, res.OrdersCanceled)
		assert.Zero(t, res.PositionsClosed)

		assert.True(t, gw.canceledAll)
		assert.Empty(t, gw.closed)

		// The flag is persisted before anything else.
		require.NotEmpty(t, collab.statusSet)
		assert.True(t, collab.statusSet[0].KillSwitchActive)
	})

	t.Run("optionally flattens positions", func(t *testing.T) {
		gw := newFakeGateway()
		gw.positions["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 10, QtyAvailable: 10}
		gw.positions["MSFT"] = broker.Position{Symbol: "MSFT", Qty: 3, QtyAvailable: 3}
		collab := newFakeCollaborators()
		h := testHandlers(gw, collab)

		item := workItem(t, domain.JobKillSwitch, `{"closePositions":true}`)
		outcome, err := h.HandleKillSwitch(context.Background(), item)
		require.NoError(t, err)

		var res killSwitchResult
		require.NoError(t, json.Unmarshal(outcome.Result, &res))
		assert.Equal(t, 2, res.PositionsClosed)
		assert.Len(t, gw.closed, 2)
	})
}

func TestHandleEvaluateDecision(t *testing.T) {
	gw := newFakeGateway()
	collab := newFakeCollaborators()
	collab.verdict = json.RawMessage(`{"action":"buy","symbol":"AAPL"}`)
	h := testHandlers(gw, collab)

	item := workItem(t, domain.JobEvaluateDecision, `{"traceId":"t1"}`)
	outcome, err := h.HandleEvaluateDecision(context.Background(), item)

	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"buy","symbol":"AAPL"}`, string(outcome.Result))
}

func TestHandleSyncAssetUniverse(t *testing.T) {
	t.Run("reports a clean sync", func(t *testing.T) {
		gw := newFakeGateway()
		collab := newFakeCollaborators()
		collab.syncReport = UniverseSyncReport{Synced: 412}
		h := testHandlers(gw, collab)

		item := workItem(t, domain.JobSyncAssetUniverse, `{"assetClass":"us_equity"}`)
		outcome, err := h.HandleSyncAssetUniverse(context.Background(), item)

		require.NoError(t, err)
		assert.JSONEq(t, `{"synced":412}`, string(outcome.Result))
	})

	t.Run("fails on sync errors so the job retries", func(t *testing.T) {
		gw := newFakeGateway()
		collab := newFakeCollaborators()
		collab.syncReport = UniverseSyncReport{Synced: 10, Errors: []string{"upstream listing feed stale"}}
		h := testHandlers(gw, collab)

		item := workItem(t, domain.JobSyncAssetUniverse, `{"assetClass":"us_equity"}`)
		_, err := h.HandleSyncAssetUniverse(context.Background(), item)

		require.Error(t, err)
		_, isRejection := domain.AsRejection(err)
		assert.False(t, isRejection, "sync errors must stay retryable")
	})
}
