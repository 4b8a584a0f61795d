package postgres

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/workflow"
)

// These tests need a disposable database:
//
//	LEDGER_TEST_POSTGRES_DSN="host=localhost user=postgres password=postgres dbname=ledger_test sslmode=disable" go test ./store/postgres/...

var (
	_ ledger.TxStore        = (*Store)(nil)
	_ workflow.ProductStore = (*Store)(nil)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set")
	}

	store, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// TRUNCATE does not fire row-level triggers.
	require.NoError(t, store.root.Exec(
		"TRUNCATE revenue_transactions, product_requests, products, company_revenue RESTART IDENTITY").Error)
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func fund(t *testing.T, engine *ledger.Engine, amount string) {
	t.Helper()
	delta := ledger.MustMoney(amount)
	_, err := engine.Adjust(context.Background(), ledger.Adjustment{BudgetDelta: &delta, Reason: "opening balance", Actor: "admin"})
	require.NoError(t, err)
}

func TestStore_ApproveAndCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := ledger.NewEngine(store)
	fund(t, engine, "1000.00")

	product, err := store.AddProduct(ctx, ledger.Product{Name: "Monitor", UnitPrice: ledger.MustMoney("100.00")})
	require.NoError(t, err)

	flow := workflow.New(store, engine, store, nil)
	req, err := flow.Create(ctx, product.ID, 4, "alice", "")
	require.NoError(t, err)

	_, err = flow.Approve(ctx, req.ID, "manager", "")
	require.NoError(t, err)
	_, err = flow.Cancel(ctx, req.ID, "manager", "")
	require.NoError(t, err)

	rev, err := store.GetCurrentRevenue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", rev.AvailableBudget.String())
	assert.True(t, rev.TotalSpent.IsZero())
	assert.True(t, rev.Reconciles())
	assert.Equal(t, int64(3), rev.Version)

	txs, err := store.ListTransactions(ctx, ledger.TransactionFilter{RequestID: &req.ID}, ledger.Page{})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.Debit, txs[0].Direction)
	assert.Equal(t, ledger.Credit, txs[1].Direction)
	assert.Equal(t, "request-1-ORDER_PLACED", txs[0].IdempotencyKey)

	report, err := engine.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Transactions)
}

func TestStore_UpdateRevenueChecksVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rev, err := store.GetCurrentRevenue(ctx)
	require.NoError(t, err)

	_, err = store.UpdateRevenue(ctx, rev)
	require.NoError(t, err)

	_, err = store.UpdateRevenue(ctx, rev)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func TestStore_AppendOnly(t *testing.T) {
	store := newTestStore(t)
	fund(t, ledger.NewEngine(store), "10.00")

	err := store.root.Exec("UPDATE revenue_transactions SET amount = 1").Error
	assert.ErrorContains(t, err, "append-only")

	err = store.root.Exec("DELETE FROM revenue_transactions").Error
	assert.ErrorContains(t, err, "append-only")
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx := ledger.Transaction{
		Type:           ledger.TxAdjustment,
		Direction:      ledger.Credit,
		Amount:         ledger.MustMoney("1.00"),
		CreatedBy:      "admin",
		BalanceAfter:   ledger.MustMoney("1.00"),
		IdempotencyKey: "ADJUSTMENT-fixed",
	}
	_, err := store.AppendTransaction(ctx, tx)
	require.NoError(t, err)

	_, err = store.AppendTransaction(ctx, tx)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s ledger.Store) error {
		_, err := s.SaveRequest(ctx, ledger.ProductRequest{ProductID: 1, RequestedQuantity: 1, RequestedBy: "alice", Status: ledger.RequestPending})
		require.NoError(t, err)
		return ledger.ErrValidation
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	list, err := store.ListRequests(ctx, ledger.RequestFilter{}, ledger.Page{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_ConcurrentDeductions(t *testing.T) {
	// GIVEN: budget 1000.00 shared by one connection pool
	// WHEN: 10 goroutines each deduct 150.00
	// THEN: exactly 6 succeed and the row lock kept the singleton consistent

	store := newTestStore(t)
	engine := ledger.NewEngine(store)
	fund(t, engine, "1000.00")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Deduct(context.Background(), ledger.Movement{Amount: ledger.MustMoney("150.00"), Actor: "worker"})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, succeeded)
	rev, err := store.GetCurrentRevenue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100", rev.AvailableBudget.String())
	assert.True(t, rev.Valid())
}

func TestStore_Products(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.AddProduct(ctx, ledger.Product{Name: "Desk", UnitPrice: ledger.MustMoney("250.00"), Stock: 1})
	require.NoError(t, err)

	require.NoError(t, store.ReceiveStock(ctx, p.ID, 4))
	got, err := store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Stock)
	assert.Equal(t, "250", got.UnitPrice.String())

	assert.ErrorIs(t, store.ReceiveStock(ctx, 999, 1), ledger.ErrNotFound)
	_, err = store.GetProduct(ctx, 999)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
