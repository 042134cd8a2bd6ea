package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/orderflow/internal/broker"
	"github.com/oakline/orderflow/internal/queue/domain"
)

// fakeGateway is a scriptable broker.Gateway.
type fakeGateway struct {
	orders        []broker.Order
	positions     map[string]broker.Position
	snapshots     map[string]broker.Snapshot
	createErr     error
	snapshotsErr  error
	createdOrders []broker.OrderRequest
	canceled      []string
	canceledAll   bool
	closed        []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		positions: make(map[string]broker.Position),
		snapshots: make(map[string]broker.Snapshot),
	}
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.createdOrders = append(g.createdOrders, req)
	return &broker.Order{
		ID:            "o1",
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Status:        "accepted",
	}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, orderID string) error {
	g.canceled = append(g.canceled, orderID)
	return nil
}

func (g *fakeGateway) CancelAllOrders(ctx context.Context) error {
	g.canceledAll = true
	return nil
}

func (g *fakeGateway) GetOrders(ctx context.Context, scope broker.OrderScope, limit int) ([]broker.Order, error) {
	return g.orders, nil
}

func (g *fakeGateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	var out []broker.Position
	for _, p := range g.positions {
		out = append(out, p)
	}
	return out, nil
}

func (g *fakeGateway) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	p, ok := g.positions[symbol]
	if !ok {
		return nil, broker.ErrNoPosition
	}
	return &p, nil
}

func (g *fakeGateway) ClosePosition(ctx context.Context, symbol string) error {
	g.closed = append(g.closed, symbol)
	return nil
}

func (g *fakeGateway) GetSnapshots(ctx context.Context, symbols []string) (map[string]broker.Snapshot, error) {
	if g.snapshotsErr != nil {
		return nil, g.snapshotsErr
	}
	return g.snapshots, nil
}

// fakeCollaborators bundles the non-gateway dependencies with happy defaults.
type fakeCollaborators struct {
	eligible    bool
	eligReason  string
	tradable    bool
	tradeReason string
	status      AgentStatus
	statusSet   []AgentStatus
	verdict     json.RawMessage
	syncReport  UniverseSyncReport
	upserted    []broker.Order
	fills       []Fill
	hasFill     map[string]bool
}

func newFakeCollaborators() *fakeCollaborators {
	return &fakeCollaborators{
		eligible: true,
		tradable: true,
		verdict:  json.RawMessage(`{"action":"hold"}`),
		hasFill:  make(map[string]bool),
	}
}

func (f *fakeCollaborators) CanTradeSymbol(ctx context.Context, symbol, traceID string) (EligibilityResult, error) {
	return EligibilityResult{Eligible: f.eligible, Reason: f.eligReason}, nil
}

func (f *fakeCollaborators) ValidateSymbolTradable(ctx context.Context, symbol string) (TradabilityResult, error) {
	return TradabilityResult{Tradable: f.tradable, Reason: f.tradeReason}, nil
}

func (f *fakeCollaborators) GetStatus(ctx context.Context) (AgentStatus, error) {
	return f.status, nil
}

func (f *fakeCollaborators) SetStatus(ctx context.Context, status AgentStatus) error {
	f.status = status
	f.statusSet = append(f.statusSet, status)
	return nil
}

func (f *fakeCollaborators) EvaluateDecision(ctx context.Context, traceID string) (json.RawMessage, error) {
	return f.verdict, nil
}

func (f *fakeCollaborators) SyncUniverse(ctx context.Context, assetClass string) (UniverseSyncReport, error) {
	return f.syncReport, nil
}

func (f *fakeCollaborators) UpsertOrder(ctx context.Context, order broker.Order) error {
	f.upserted = append(f.upserted, order)
	return nil
}

func (f *fakeCollaborators) HasFill(ctx context.Context, orderID string) (bool, error) {
	return f.hasFill[orderID], nil
}

func (f *fakeCollaborators) CreateFill(ctx context.Context, fill Fill) error {
	f.fills = append(f.fills, fill)
	f.hasFill[fill.OrderID] = true
	return nil
}

// passthroughRouter returns the intent unchanged.
type passthroughRouter struct{}

func (passthroughRouter) Transform(ctx context.Context, intent domain.SubmitOrderPayload, snap *broker.Snapshot) (RoutedOrder, error) {
	return RoutedOrder{
		Type:          intent.Type,
		TimeInForce:   intent.TimeInForce,
		LimitPrice:    intent.LimitPrice,
		ExtendedHours: intent.ExtendedHours,
		OrderClass:    intent.OrderClass,
		Session:       "regular",
	}, nil
}

func testHandlers(gw *fakeGateway, collab *fakeCollaborators) *Handlers {
	return NewHandlers(&Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Gateway:     gw,
		Enforcement: collab,
		Tradability: collab,
		Router:      passthroughRouter{},
		Status:      collab,
		Decisions:   collab,
		Universe:    collab,
		Orders:      collab,
	})
}

func submitItem(t *testing.T, payload string) *domain.WorkItem {
	t.Helper()
	return &domain.WorkItem{
		ItemID:         "11111111-1111-1111-1111-111111111111",
		JobType:        domain.JobSubmitOrder,
		Status:         domain.StatusPending,
		Payload:        json.RawMessage(payload),
		IdempotencyKey: "order-abc",
	}
}

func TestHandleSubmitOrder_HappyPathBuy(t *testing.T) {
	gw := newFakeGateway()
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"AAPL","side":"buy","qty":10,"type":"market"}`)
	outcome, err := h.HandleSubmitOrder(context.Background(), item)

	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, "o1", outcome.BrokerOrderID)
	assert.JSONEq(t, `{"orderId":"o1","status":"accepted"}`, string(outcome.Result))

	require.Len(t, gw.createdOrders, 1)
	assert.Equal(t, "order-abc", gw.createdOrders[0].ClientOrderID)
	assert.Equal(t, 10.0, gw.createdOrders[0].Qty)

	// The accepted order is mirrored locally.
	require.Len(t, collab.upserted, 1)
	assert.Equal(t, "o1", collab.upserted[0].ID)
}

func TestHandleSubmitOrder_KillSwitchBlocks(t *testing.T) {
	gw := newFakeGateway()
	collab := newFakeCollaborators()
	collab.status = AgentStatus{KillSwitchActive: true}
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"AAPL","side":"buy","qty":10,"type":"market"}`)
	_, err := h.HandleSubmitOrder(context.Background(), item)

	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "kill_switch", rej.Category)
	assert.Empty(t, gw.createdOrders)
}

func TestHandleSubmitOrder_EligibilityGate(t *testing.T) {
	gw := newFakeGateway()
	collab := newFakeCollaborators()
	collab.eligible = false
	collab.eligReason = "symbol not on approved list"
	h := testHandlers(gw, collab)

	t.Run("blocks buys", func(t *testing.T) {
		item := submitItem(t, `{"symbol":"AAPL","side":"buy","qty":10,"type":"market"}`)
		_, err := h.HandleSubmitOrder(context.Background(), item)

		rej, ok := domain.AsRejection(err)
		require.True(t, ok)
		assert.Equal(t, "not_eligible", rej.Category)
	})

	t.Run("never blocks sells", func(t *testing.T) {
		gw.positions["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 10, QtyAvailable: 10}
		item := submitItem(t, `{"symbol":"AAPL","side":"sell","qty":5,"type":"market"}`)
		outcome, err := h.HandleSubmitOrder(context.Background(), item)

		require.NoError(t, err)
		assert.Equal(t, "o1", outcome.BrokerOrderID)
	})
}

func TestHandleSubmitOrder_TradabilityGate(t *testing.T) {
	gw := newFakeGateway()
	collab := newFakeCollaborators()
	collab.tradable = false
	collab.tradeReason = "below price floor"
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"PENNY","side":"buy","qty":10,"type":"market"}`)
	_, err := h.HandleSubmitOrder(context.Background(), item)

	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "not_tradable", rej.Category)
	assert.Empty(t, gw.createdOrders)
}

func TestHandleSubmitOrder_DuplicateGuardAdoptsExistingOrder(t *testing.T) {
	gw := newFakeGateway()
	gw.orders = []broker.Order{
		{ID: "existing-1", ClientOrderID: "order-abc", Symbol: "AAPL", Status: "filled"},
	}
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"AAPL","side":"buy","qty":10,"type":"market"}`)
	outcome, err := h.HandleSubmitOrder(context.Background(), item)

	require.NoError(t, err)
	assert.Equal(t, "existing-1", outcome.BrokerOrderID)
	assert.JSONEq(t, `{"orderId":"existing-1","status":"filled","deduplicated":true}`, string(outcome.Result))

	// No second venue order.
	assert.Empty(t, gw.createdOrders)
}

func TestHandleSubmitOrder_DuplicateGuardMatchesRetrySuffix(t *testing.T) {
	gw := newFakeGateway()
	gw.orders = []broker.Order{
		{ID: "existing-1", ClientOrderID: "order-abc-r1", Symbol: "AAPL", Status: "accepted"},
	}
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"AAPL","side":"buy","qty":10,"type":"market"}`)
	item.Attempts = 2
	outcome, err := h.HandleSubmitOrder(context.Background(), item)

	require.NoError(t, err)
	assert.Equal(t, "existing-1", outcome.BrokerOrderID)
	assert.Empty(t, gw.createdOrders)
}

func TestHandleSubmitOrder_RetryUsesSuffixedClientOrderID(t *testing.T) {
	gw := newFakeGateway()
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"AAPL","side":"buy","qty":10,"type":"market"}`)
	item.Attempts = 1
	_, err := h.HandleSubmitOrder(context.Background(), item)

	require.NoError(t, err)
	require.Len(t, gw.createdOrders, 1)
	assert.Equal(t, "order-abc-r1", gw.createdOrders[0].ClientOrderID)
}

func TestHandleSubmitOrder_SellWithNoPosition(t *testing.T) {
	gw := newFakeGateway()
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"AAPL","side":"sell","qty":10,"type":"market"}`)
	_, err := h.HandleSubmitOrder(context.Background(), item)

	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "no_position", rej.Category)
	assert.Empty(t, gw.createdOrders)
}

func TestHandleSubmitOrder_SellWithZeroAvailable(t *testing.T) {
	gw := newFakeGateway()
	gw.positions["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 10, QtyAvailable: 0}
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"AAPL","side":"sell","qty":10,"type":"market"}`)
	_, err := h.HandleSubmitOrder(context.Background(), item)

	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "no_position", rej.Category)
	assert.Empty(t, gw.createdOrders)
}

func TestHandleSubmitOrder_SellQtyClampedToAvailable(t *testing.T) {
	gw := newFakeGateway()
	gw.positions["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 37, QtyAvailable: 37}
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"AAPL","side":"sell","qty":100,"type":"market"}`)
	outcome, err := h.HandleSubmitOrder(context.Background(), item)

	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.Len(t, gw.createdOrders, 1)
	assert.Equal(t, 37.0, gw.createdOrders[0].Qty)
}

func TestHandleSubmitOrder_NotionalSellConvertedAndClamped(t *testing.T) {
	gw := newFakeGateway()
	gw.positions["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 2, QtyAvailable: 2}
	gw.snapshots["AAPL"] = broker.Snapshot{Symbol: "AAPL", Bid: 100, Ask: 100}
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	// 1000 notional at 100/share asks for 10 shares; only 2 are available.
	item := submitItem(t, `{"symbol":"AAPL","side":"sell","notional":1000,"type":"market"}`)
	_, err := h.HandleSubmitOrder(context.Background(), item)

	require.NoError(t, err)
	require.Len(t, gw.createdOrders, 1)
	assert.Equal(t, 2.0, gw.createdOrders[0].Qty)
	assert.Zero(t, gw.createdOrders[0].Notional)
}

func TestHandleSubmitOrder_ExtendedHoursSellFloorsToWholeShares(t *testing.T) {
	gw := newFakeGateway()
	gw.positions["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 5.7, QtyAvailable: 5.7}
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"AAPL","side":"sell","qty":5.7,"type":"limit","limit_price":100,"extended_hours":true}`)
	outcome, err := h.HandleSubmitOrder(context.Background(), item)

	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.Len(t, gw.createdOrders, 1)
	assert.Equal(t, 5.0, gw.createdOrders[0].Qty)
}

func TestHandleSubmitOrder_ExtendedHoursSellFlooringToZeroRejects(t *testing.T) {
	gw := newFakeGateway()
	gw.positions["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 0.4, QtyAvailable: 0.4}
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"AAPL","side":"sell","qty":0.4,"type":"limit","limit_price":100,"extended_hours":true}`)
	_, err := h.HandleSubmitOrder(context.Background(), item)

	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "fractional_extended_hours", rej.Category)
	assert.Empty(t, gw.createdOrders)
}

func TestHandleSubmitOrder_ExtendedHoursNotionalBuyBelowOneShareRejects(t *testing.T) {
	gw := newFakeGateway()
	gw.snapshots["AAPL"] = broker.Snapshot{Symbol: "AAPL", Bid: 100, Ask: 100}
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	// 50 notional at 100/share cannot buy a whole share.
	item := submitItem(t, `{"symbol":"AAPL","side":"buy","notional":50,"type":"limit","limit_price":100,"extended_hours":true}`)
	_, err := h.HandleSubmitOrder(context.Background(), item)

	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "notional_too_small", rej.Category)
	assert.Empty(t, gw.createdOrders)
}

func TestHandleSubmitOrder_SnapshotFailureFallsBack(t *testing.T) {
	gw := newFakeGateway()
	gw.snapshotsErr = &broker.APIError{StatusCode: 503, Message: "data plane down"}
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":"AAPL","side":"buy","qty":10,"type":"market"}`)
	outcome, err := h.HandleSubmitOrder(context.Background(), item)

	// A market data outage must not block the order.
	require.NoError(t, err)
	assert.Equal(t, "o1", outcome.BrokerOrderID)
}

func TestHandleSubmitOrder_MalformedPayloadRejects(t *testing.T) {
	gw := newFakeGateway()
	collab := newFakeCollaborators()
	h := testHandlers(gw, collab)

	item := submitItem(t, `{"symbol":`)
	_, err := h.HandleSubmitOrder(context.Background(), item)

	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "invalid_payload", rej.Category)
}
