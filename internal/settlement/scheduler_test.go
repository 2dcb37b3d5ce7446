package settlement

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/core"
	"ordercore/internal/store"
	"ordercore/pkg/telemetry"
)

func TestMain(m *testing.M) {
	_ = telemetry.InitMetrics()
	m.Run()
}

type testLogger struct{}

func (testLogger) Debug(msg string, fields ...interface{}) {}
func (testLogger) Info(msg string, fields ...interface{})  {}
func (testLogger) Warn(msg string, fields ...interface{})  {}
func (testLogger) Error(msg string, fields ...interface{}) {}
func (testLogger) Fatal(msg string, fields ...interface{}) {}
func (l testLogger) WithField(key string, value interface{}) core.ILogger {
	return l
}
func (l testLogger) WithFields(fields map[string]interface{}) core.ILogger {
	return l
}

type fakeBus struct {
	mu     sync.Mutex
	events []core.OrderEvent
}

func (b *fakeBus) Publish(_ context.Context, event core.OrderEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}
func (b *fakeBus) Subscribe(investorID int64) (<-chan core.OrderEvent, func()) {
	ch := make(chan core.OrderEvent)
	return ch, func() {}
}
func (b *fakeBus) snapshot() []core.OrderEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.OrderEvent, len(b.events))
	copy(out, b.events)
	return out
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func putOrder(t *testing.T, s *store.SQLiteStore, order *core.Order) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutOrder(ctx, order))
	require.NoError(t, tx.Commit())
}

func TestScheduler_ScheduleFiresAndSettlesFilledOrder(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	putOrder(t, s, &core.Order{
		OrderID: "ord-1", InvestorID: 1, AssetID: 1, Side: core.SideBuy,
		Quantity: decimal.NewFromInt(1), Status: core.StatusFilled, OrderedAt: now, ExecutedAt: &now,
	})

	bus := &fakeBus{}
	sched := NewScheduler(s, bus, testLogger{}, 10*time.Millisecond)
	sched.Schedule("ord-1", time.Now().Add(10*time.Millisecond))

	require.Eventually(t, func() bool {
		ctx := context.Background()
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		order, err := tx.GetOrder(ctx, "ord-1")
		require.NoError(t, err)
		return order.Status == core.StatusSettled
	}, time.Second, 10*time.Millisecond)

	events := bus.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, core.StatusFilled, events[0].Previous)
	assert.Equal(t, core.StatusSettled, events[0].Current)
	assert.Equal(t, "ord-1", events[0].OrderID)
}

func TestScheduler_SettleIsNoOpIfOrderNotFilled(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	putOrder(t, s, &core.Order{
		OrderID: "ord-1", InvestorID: 1, AssetID: 1, Side: core.SideBuy,
		Quantity: decimal.NewFromInt(1), Status: core.StatusCancelled, OrderedAt: now,
	})

	bus := &fakeBus{}
	sched := NewScheduler(s, bus, testLogger{}, 10*time.Millisecond)
	err := sched.settle(context.Background(), "ord-1")
	require.NoError(t, err)

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	order, err := tx.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, order.Status, "settlement must not touch an order that is not Filled")
	assert.Empty(t, bus.snapshot(), "no transition occurred, nothing should be published")
}

func TestScheduler_StartReconstructsPendingJobsFromStore(t *testing.T) {
	s := newTestStore(t)
	executedAt := time.Now().UTC().Add(-5 * time.Second)
	putOrder(t, s, &core.Order{
		OrderID: "ord-1", InvestorID: 1, AssetID: 1, Side: core.SideBuy,
		Quantity: decimal.NewFromInt(1), Status: core.StatusFilled, OrderedAt: executedAt, ExecutedAt: &executedAt,
	})

	sched := NewScheduler(s, &fakeBus{}, testLogger{}, 10*time.Millisecond)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	require.Eventually(t, func() bool {
		ctx := context.Background()
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		order, err := tx.GetOrder(ctx, "ord-1")
		require.NoError(t, err)
		return order.Status == core.StatusSettled
	}, time.Second, 10*time.Millisecond, "a job whose due time has already passed should fire promptly on reconstruction")
}

func TestScheduler_StopCancelsPendingTimers(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	putOrder(t, s, &core.Order{
		OrderID: "ord-1", InvestorID: 1, AssetID: 1, Side: core.SideBuy,
		Quantity: decimal.NewFromInt(1), Status: core.StatusFilled, OrderedAt: now, ExecutedAt: &now,
	})

	sched := NewScheduler(s, &fakeBus{}, testLogger{}, time.Hour)
	sched.Schedule("ord-1", time.Now().Add(time.Hour))
	sched.Stop()

	assert.Empty(t, sched.pending)

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	order, err := tx.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, order.Status, "stopped job must not have settled")
}
