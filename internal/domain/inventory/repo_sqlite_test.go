package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/stockledger/internal/platform/db"
	"github.com/ehr/stockledger/migrations"
)

func newSQLiteService(t *testing.T) (*Service, *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = db.MigrateSQLite(ctx, conn, migrations.SQLite())
	require.NoError(t, err)

	store := NewSQLiteStore(conn)
	svc := NewService(store, zerolog.Nop())
	svc.SetClock(func() time.Time { return testNow })
	return svc, store
}

func TestSQLiteStore_LedgerScenario(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()
	p := createTestProduct(t, svc, "SQL-GAUZE", true, true)

	receive(t, svc, p.ID, 100, "10", strPtr("A"), date(2026, 6, 1))
	receive(t, svc, p.ID, 50, "16", strPtr("A"), date(2026, 6, 1))
	receive(t, svc, p.ID, 20, "5", strPtr("B"), date(2026, 4, 1))

	lots, err := svc.ListLots(ctx, p.ID, false)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, "B", *lots[0].LotNumber)
	assert.Equal(t, "A", *lots[1].LotNumber)
	assert.Equal(t, int64(150), lots[1].CurrentStock)
	assert.True(t, lots[1].AverageCost.Equal(decimal.NewFromInt(12)), "average %s", lots[1].AverageCost)
	assert.True(t, lots[1].TotalValue.Equal(decimal.NewFromInt(1800)))

	out := issue(t, svc, p.ID, 180)
	tx, res, err := svc.Approve(ctx, out.ID, "pharm-1")
	require.NoError(t, err)
	require.Len(t, res.Takes, 2)
	assert.Equal(t, int64(20), res.Takes[0].Quantity)
	assert.Equal(t, int64(150), res.Takes[1].Quantity)
	assert.Equal(t, int64(10), tx.RemainingQuantity)

	stored, err := svc.GetTransaction(ctx, out.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsVerified)
	assert.Equal(t, StatusApproved, stored.ApprovalStatus)
	require.NotNil(t, stored.ApprovedBy)
	assert.Equal(t, "pharm-1", *stored.ApprovedBy)
	assert.Equal(t, int64(10), stored.RemainingQuantity)

	again, err := svc.ApplyTransaction(ctx, out.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyApplied)

	movements, err := svc.Movements(ctx, out.ID)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, int64(20), movements[0].StockBefore)
	assert.Equal(t, int64(0), movements[0].StockAfter)

	totals, err := svc.ProductStock(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), totals.Current)
	assert.Equal(t, 2, totals.LotCount)
}

func TestSQLiteStore_ReservationsAndConstraints(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()
	p := createTestProduct(t, svc, "SQL-RSV", true, false)
	receive(t, svc, p.ID, 10, "2", strPtr("L1"), nil)

	_, err := svc.Reserve(ctx, p.ID, 6, &LotSelector{LotNumber: strPtr("L1")})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, p.ID, 5, nil)
	require.ErrorIs(t, err, ErrInsufficientStock)

	out := issue(t, svc, p.ID, 7)
	_, _, err = svc.Approve(ctx, out.ID, "pharm")
	require.NoError(t, err)

	lots, err := svc.ListLots(ctx, p.ID, true)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(3), lots[0].CurrentStock)
	assert.Equal(t, int64(3), lots[0].ReservedStock)
	assert.Equal(t, int64(0), lots[0].AvailableStock)

	released, err := svc.Release(ctx, p.ID, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), released.Moved)

	err = svc.CreateProduct(ctx, &Product{Name: "dup", Code: "SQL-RSV"})
	require.ErrorIs(t, err, ErrValidation)

	err = svc.DeleteProduct(ctx, p.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSQLiteStore_RejectAndDelete(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()
	p := createTestProduct(t, svc, "SQL-REJ", false, false)
	receive(t, svc, p.ID, 4, "1", nil, nil)

	rejected := issue(t, svc, p.ID, 2)
	tx, err := svc.Reject(ctx, rejected.ID, "pharm", "not clinically indicated")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, tx.ApprovalStatus)

	stored, err := svc.GetTransaction(ctx, rejected.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RejectionReason)
	assert.Equal(t, "not clinically indicated", *stored.RejectionReason)
	assert.False(t, stored.IsVerified)

	require.ErrorIs(t, svc.DeleteTransaction(ctx, rejected.ID), ErrInvalidState)

	pending := issue(t, svc, p.ID, 1)
	require.NoError(t, svc.DeleteTransaction(ctx, pending.ID))
	_, err = svc.GetTransaction(ctx, pending.ID)
	require.ErrorIs(t, err, ErrNotFound)

	totals, err := svc.ProductStock(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), totals.Current)
}

func TestSQLiteStore_Queries(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	low := &Product{Name: "Alcohol swab", Code: "SQL-LOW", Category: "consumable", MinStock: 50}
	require.NoError(t, svc.CreateProduct(ctx, low))
	other := &Product{Name: "Bandage", Code: "SQL-OTHER", Category: "dressing", RequiresLotTracking: true, RequiresExpiryTracking: true}
	require.NoError(t, svc.CreateProduct(ctx, other))

	receive(t, svc, low.ID, 10, "0.5", nil, nil)
	receive(t, svc, other.ID, 3, "1", strPtr("X"), date(2026, 2, 10))
	issue(t, svc, low.ID, 1)

	items, err := svc.LowStock(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, low.ID, items[0].Product.ID)
	assert.Equal(t, int64(40), items[0].Shortage)

	products, total, err := svc.ListProducts(ctx, ProductFilter{Category: "dressing"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, products, 1)
	assert.Equal(t, other.ID, products[0].ID)

	_, total, err = svc.ListProducts(ctx, ProductFilter{Query: "swab"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	txs, total, err := svc.ListTransactions(ctx, TransactionFilter{ProductID: &low.ID, Direction: DirectionOut}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, txs, 1)
	assert.Equal(t, StatusPending, txs[0].ApprovalStatus)

	expiring, err := svc.ExpiringLots(ctx, 14)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.True(t, expiring[0].IsNearExpiry)

	rows, err := svc.Summary(ctx, testNow.AddDate(0, 0, -1), testNow.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, DirectionIn, row.Direction)
	}
}
