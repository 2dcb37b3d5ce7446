package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/core"
	"ordercore/internal/eventbus"
	"ordercore/internal/holdings"
	"ordercore/internal/idempotency"
	"ordercore/internal/store"
	"ordercore/internal/validate"
	apperrors "ordercore/pkg/errors"
	"ordercore/pkg/telemetry"
)

func TestMain(m *testing.M) {
	_ = telemetry.InitMetrics()
	m.Run()
}

type silentLogger struct{}

func (silentLogger) Debug(msg string, fields ...interface{}) {}
func (silentLogger) Info(msg string, fields ...interface{})  {}
func (silentLogger) Warn(msg string, fields ...interface{})  {}
func (silentLogger) Error(msg string, fields ...interface{}) {}
func (silentLogger) Fatal(msg string, fields ...interface{}) {}
func (l silentLogger) WithField(key string, value interface{}) core.ILogger {
	return l
}
func (l silentLogger) WithFields(fields map[string]interface{}) core.ILogger {
	return l
}

type fakeDirectory struct {
	investors map[int64]*core.Investor
	assets    map[int64]*core.Asset
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		investors: make(map[int64]*core.Investor),
		assets:    make(map[int64]*core.Asset),
	}
}

func (d *fakeDirectory) GetInvestor(ctx context.Context, investorID int64) (*core.Investor, error) {
	inv, ok := d.investors[investorID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return inv, nil
}

func (d *fakeDirectory) GetAsset(ctx context.Context, assetID int64) (*core.Asset, error) {
	asset, ok := d.assets[assetID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return asset, nil
}

// fakeScheduler records Schedule calls instead of running a real timer, so
// engine tests can assert handoff to settlement without waiting on it.
type fakeScheduler struct {
	scheduled map[string]time.Time
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[string]time.Time)}
}
func (f *fakeScheduler) Schedule(orderID string, dueAt time.Time) { f.scheduled[orderID] = dueAt }
func (f *fakeScheduler) Start(ctx context.Context) error          { return nil }
func (f *fakeScheduler) Stop()                                    {}

type testHarness struct {
	eng       Engine
	dir       *fakeDirectory
	scheduler *fakeScheduler
	bus       *eventbus.Bus
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	dir := newFakeDirectory()
	validator := validate.NewSequentialValidator(silentLogger{})
	mutator := holdings.NewMutator()
	registry := idempotency.NewRegistry(silentLogger{})
	bus := eventbus.NewBus(silentLogger{})
	scheduler := newFakeScheduler()

	cfg := DefaultConfig
	cfg.StepTimeout = 2 * time.Second

	eng := New(s, dir, validator, mutator, registry, bus, scheduler, silentLogger{}, cfg)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	return &testHarness{eng: eng, dir: dir, scheduler: scheduler, bus: bus}
}

func waitForStatus(t *testing.T, h *testHarness, orderID string, status core.OrderStatus) *core.Order {
	t.Helper()
	var order *core.Order
	require.Eventually(t, func() bool {
		o, err := h.eng.GetOrder(context.Background(), orderID)
		require.NoError(t, err)
		order = o
		return o.Status == status
	}, 2*time.Second, 10*time.Millisecond, "order %s never reached %s", orderID, status)
	return order
}

func TestEngine_HappyBuyReachesFilled(t *testing.T) {
	h := newHarness(t)
	h.dir.investors[1] = &core.Investor{InvestorID: 1, AccountStatus: core.AccountActive}
	h.dir.assets[1] = &core.Asset{AssetID: 1, IsActive: true, CurrentPrice: decimal.NewFromInt(50)}

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		InvestorID: 1, AssetID: 1, Side: core.SideBuy, Quantity: decimal.NewFromInt(10),
	}, "key-happy")
	require.NoError(t, err)

	filled := waitForStatus(t, h, order.OrderID, core.StatusFilled)
	assert.NotNil(t, filled.ExecutedAt)
	_, scheduled := h.scheduler.scheduled[order.OrderID]
	assert.True(t, scheduled, "a filled order must be handed off to the settlement scheduler")
}

func TestEngine_DuplicateSubmitReturnsOriginalOrder(t *testing.T) {
	h := newHarness(t)
	h.dir.investors[1] = &core.Investor{InvestorID: 1, AccountStatus: core.AccountActive}
	h.dir.assets[1] = &core.Asset{AssetID: 1, IsActive: true, CurrentPrice: decimal.NewFromInt(50)}

	req := CreateOrderRequest{InvestorID: 1, AssetID: 1, Side: core.SideBuy, Quantity: decimal.NewFromInt(10)}
	first, err := h.eng.CreateOrder(context.Background(), req, "dup-key")
	require.NoError(t, err)

	second, err := h.eng.CreateOrder(context.Background(), req, "dup-key")
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID, "a resubmission under the same key must resolve to the original order")
}

func TestEngine_WeightedAverageAcrossTwoBuys(t *testing.T) {
	h := newHarness(t)
	h.dir.investors[1] = &core.Investor{InvestorID: 1, AccountStatus: core.AccountActive}
	h.dir.assets[1] = &core.Asset{AssetID: 1, IsActive: true, CurrentPrice: decimal.NewFromInt(100)}

	first, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		InvestorID: 1, AssetID: 1, Side: core.SideBuy, Quantity: decimal.NewFromInt(10),
	}, "wavg-1")
	require.NoError(t, err)
	waitForStatus(t, h, first.OrderID, core.StatusFilled)

	h.dir.assets[1] = &core.Asset{AssetID: 1, IsActive: true, CurrentPrice: decimal.NewFromInt(200)}
	second, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		InvestorID: 1, AssetID: 1, Side: core.SideBuy, Quantity: decimal.NewFromInt(10),
	}, "wavg-2")
	require.NoError(t, err)
	waitForStatus(t, h, second.OrderID, core.StatusFilled)

	ctx := context.Background()
	tx, err := h.eng.(*engine).store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	holding, err := tx.GetHolding(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, holding.Quantity.Equal(decimal.NewFromInt(20)))
	assert.True(t, holding.AverageCost.Equal(decimal.NewFromInt(150)), "expected weighted average 150, got %s", holding.AverageCost)
}

func TestEngine_OversellIsRejected(t *testing.T) {
	h := newHarness(t)
	h.dir.investors[1] = &core.Investor{InvestorID: 1, AccountStatus: core.AccountActive}
	h.dir.assets[1] = &core.Asset{AssetID: 1, IsActive: true, CurrentPrice: decimal.NewFromInt(50)}

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		InvestorID: 1, AssetID: 1, Side: core.SideSell, Quantity: decimal.NewFromInt(5),
	}, "oversell-1")
	require.NoError(t, err)

	rejected := waitForStatus(t, h, order.OrderID, core.StatusRejected)
	assert.Contains(t, rejected.RejectReason, "Insufficient holdings")
}

func TestEngine_UnknownInvestorRejectsThroughValidator(t *testing.T) {
	h := newHarness(t)
	h.dir.assets[1] = &core.Asset{AssetID: 1, IsActive: true, CurrentPrice: decimal.NewFromInt(50)}
	// InvestorID 2 is never registered in the directory.

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		InvestorID: 2, AssetID: 1, Side: core.SideBuy, Quantity: decimal.NewFromInt(1),
	}, "unknown-investor")
	require.NoError(t, err)

	rejected := waitForStatus(t, h, order.OrderID, core.StatusRejected)
	assert.Contains(t, rejected.RejectReason, "Investor not found")
}

func TestEngine_UnknownAssetRejectsThroughValidator(t *testing.T) {
	h := newHarness(t)
	h.dir.investors[1] = &core.Investor{InvestorID: 1, AccountStatus: core.AccountActive}
	// AssetID 9 is never registered in the directory.

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		InvestorID: 1, AssetID: 9, Side: core.SideBuy, Quantity: decimal.NewFromInt(1),
	}, "unknown-asset")
	require.NoError(t, err)

	rejected := waitForStatus(t, h, order.OrderID, core.StatusRejected)
	assert.Contains(t, rejected.RejectReason, "Asset is not available for trading")
}

func TestEngine_StepTimeoutRejectsWithLiteralSystemErrorReason(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	dir := newFakeDirectory()
	dir.investors[1] = &core.Investor{InvestorID: 1, AccountStatus: core.AccountActive}
	dir.assets[1] = &core.Asset{AssetID: 1, IsActive: true, CurrentPrice: decimal.NewFromInt(50)}
	validator := validate.NewSequentialValidator(silentLogger{})
	mutator := holdings.NewMutator()
	registry := idempotency.NewRegistry(silentLogger{})
	bus := eventbus.NewBus(silentLogger{})
	scheduler := newFakeScheduler()

	cfg := DefaultConfig
	cfg.StepTimeout = time.Nanosecond // already expired by the time execute runs

	eng := New(s, dir, validator, mutator, registry, bus, scheduler, silentLogger{}, cfg)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	order, err := eng.CreateOrder(context.Background(), CreateOrderRequest{
		InvestorID: 1, AssetID: 1, Side: core.SideBuy, Quantity: decimal.NewFromInt(1),
	}, "step-timeout")
	require.NoError(t, err)

	h := &testHarness{eng: eng, dir: dir, scheduler: scheduler, bus: bus}
	rejected := waitForStatus(t, h, order.OrderID, core.StatusRejected)
	assert.Equal(t, "System error: timeout", rejected.RejectReason)
}

func TestEngine_CancelRaceLosesToCompletedWorkflow(t *testing.T) {
	h := newHarness(t)
	h.dir.investors[1] = &core.Investor{InvestorID: 1, AccountStatus: core.AccountActive}
	h.dir.assets[1] = &core.Asset{AssetID: 1, IsActive: true, CurrentPrice: decimal.NewFromInt(50)}

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		InvestorID: 1, AssetID: 1, Side: core.SideBuy, Quantity: decimal.NewFromInt(1),
	}, "cancel-race")
	require.NoError(t, err)

	waitForStatus(t, h, order.OrderID, core.StatusFilled)

	_, err = h.eng.CancelOrder(context.Background(), order.OrderID, "too late")
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "cancelling a Filled order must fail, the workflow already won the race")
}

func TestEngine_CancelNewOrderSucceeds(t *testing.T) {
	h := newHarness(t)
	h.dir.investors[1] = &core.Investor{InvestorID: 1, AccountStatus: core.AccountActive}
	h.dir.assets[1] = &core.Asset{AssetID: 1, IsActive: true, CurrentPrice: decimal.NewFromInt(50)}

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		InvestorID: 1, AssetID: 1, Side: core.SideBuy, Quantity: decimal.NewFromInt(1),
	}, "")
	require.NoError(t, err)

	cancelled, err := h.eng.CancelOrder(context.Background(), order.OrderID, "changed my mind")
	if err != nil {
		// The workflow goroutine may have already advanced the order past
		// New/Validated; accept that outcome rather than flake on the race.
		assert.ErrorIs(t, err, apperrors.ErrInvalidState)
		return
	}
	assert.Equal(t, core.StatusCancelled, cancelled.Status)
}

func TestEngine_MarketOrderOnInactiveAssetIsRejected(t *testing.T) {
	h := newHarness(t)
	h.dir.investors[1] = &core.Investor{InvestorID: 1, AccountStatus: core.AccountActive}
	h.dir.assets[1] = &core.Asset{AssetID: 1, IsActive: false, CurrentPrice: decimal.NewFromInt(50)}

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		InvestorID: 1, AssetID: 1, Side: core.SideBuy, Quantity: decimal.NewFromInt(1),
	}, "inactive-asset")
	require.NoError(t, err)

	rejected := waitForStatus(t, h, order.OrderID, core.StatusRejected)
	assert.Contains(t, rejected.RejectReason, "Asset is not available for trading")
}

func TestEngine_EventBusReceivesTransitions(t *testing.T) {
	h := newHarness(t)
	h.dir.investors[1] = &core.Investor{InvestorID: 1, AccountStatus: core.AccountActive}
	h.dir.assets[1] = &core.Asset{AssetID: 1, IsActive: true, CurrentPrice: decimal.NewFromInt(50)}

	ch, cancel := h.bus.Subscribe(1)
	defer cancel()

	order, err := h.eng.CreateOrder(context.Background(), CreateOrderRequest{
		InvestorID: 1, AssetID: 1, Side: core.SideBuy, Quantity: decimal.NewFromInt(1),
	}, "events-1")
	require.NoError(t, err)

	seen := map[core.OrderStatus]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[core.StatusFilled] {
		select {
		case event := <-ch:
			assert.Equal(t, order.OrderID, event.OrderID)
			seen[event.Current] = true
		case <-timeout:
			t.Fatalf("timed out waiting for Filled event, saw: %v", seen)
		}
	}
	assert.True(t, seen[core.StatusNew])
}
