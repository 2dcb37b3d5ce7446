package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/core"
	apperrors "ordercore/pkg/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_WALMode(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err)
	assert.Equal(t, "wal", journalMode)
}

func TestSQLiteStore_OrderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order := &core.Order{
		OrderID:    "ord-1",
		InvestorID: 7,
		AssetID:    3,
		Side:       core.SideBuy,
		Quantity:   decimal.NewFromInt(10),
		Status:     core.StatusNew,
		OrderedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutOrder(ctx, order))
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	loaded, err := tx.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.InvestorID, loaded.InvestorID)
	assert.True(t, order.Quantity.Equal(loaded.Quantity))
	assert.Equal(t, core.StatusNew, loaded.Status)
	assert.Nil(t, loaded.Price)
}

func TestSQLiteStore_GetOrderNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSQLiteStore_ReserveIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	existing, reserved, err := tx.ReserveIdempotencyKey(ctx, "key-1", "ord-a")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, "ord-a", existing)
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	existing, reserved, err = tx.ReserveIdempotencyKey(ctx, "key-1", "ord-b")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "ord-a", existing, "a second reservation resolves to the order that first claimed the key")
}

func TestSQLiteStore_HoldingUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	holding := &core.Holding{
		InvestorID:  1,
		AssetID:     2,
		Quantity:    decimal.NewFromInt(5),
		AverageCost: decimal.NewFromInt(100),
		UpdatedAt:   time.Now().UTC(),
	}

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutHolding(ctx, holding))
	require.NoError(t, tx.Commit())

	holding.Quantity = decimal.NewFromInt(8)
	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutHolding(ctx, holding))
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	loaded, err := tx.GetHolding(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, loaded.Quantity.Equal(decimal.NewFromInt(8)))
}

func TestSQLiteStore_ListFilledUnsettled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	filled := &core.Order{
		OrderID: "filled-1", InvestorID: 1, AssetID: 1, Side: core.SideBuy,
		Quantity: decimal.NewFromInt(1), Status: core.StatusFilled, OrderedAt: now, ExecutedAt: &now,
	}
	settled := &core.Order{
		OrderID: "settled-1", InvestorID: 1, AssetID: 1, Side: core.SideBuy,
		Quantity: decimal.NewFromInt(1), Status: core.StatusSettled, OrderedAt: now, ExecutedAt: &now, SettledAt: &now,
	}

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutOrder(ctx, filled))
	require.NoError(t, tx.PutOrder(ctx, settled))
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	pending, err := tx.ListFilledUnsettled(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "filled-1", pending[0].OrderID)
}

func TestSQLiteStore_AppendAndListStateLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	order := &core.Order{OrderID: "ord-log", InvestorID: 1, AssetID: 1, Side: core.SideBuy, Quantity: decimal.NewFromInt(1), Status: core.StatusNew, OrderedAt: now}

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutOrder(ctx, order))
	require.NoError(t, tx.AppendStateLog(ctx, &core.StateLogEntry{OrderID: "ord-log", ToStatus: core.StatusNew, LoggedBy: "engine", LoggedAt: now}))
	require.NoError(t, tx.AppendStateLog(ctx, &core.StateLogEntry{OrderID: "ord-log", FromStatus: core.StatusNew, ToStatus: core.StatusValidating, LoggedBy: "engine", LoggedAt: now.Add(time.Millisecond)}))
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	entries, err := tx.ListStateLog(ctx, "ord-log")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, core.StatusValidating, entries[1].ToStatus)
}
