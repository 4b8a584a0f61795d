package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/revenue-ledger/ledger"
)

func TestMemory_NotInitialized(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetCurrentRevenue(ctx)
	assert.ErrorIs(t, err, ledger.ErrNotInitialized)

	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Initialize(ctx))

	rev, err := m.GetCurrentRevenue(ctx)
	require.NoError(t, err)
	assert.True(t, rev.AvailableBudget.IsZero())
	assert.Equal(t, int64(0), rev.Version)
}

func TestMemory_UpdateRevenue_VersionCheck(t *testing.T) {
	m := NewInitializedMemory()
	ctx := context.Background()

	rev, err := m.GetCurrentRevenue(ctx)
	require.NoError(t, err)

	updated, err := m.UpdateRevenue(ctx, rev)
	require.NoError(t, err)
	assert.Equal(t, rev.Version+1, updated.Version)

	// stale version
	_, err = m.UpdateRevenue(ctx, rev)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func TestMemory_AppendTransaction(t *testing.T) {
	m := NewInitializedMemory()
	ctx := context.Background()

	// a clock that goes backwards still yields non-decreasing CreatedAt
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Minute)}
	m.SetClock(func() time.Time {
		now := times[0]
		if len(times) > 1 {
			times = times[1:]
		}
		return now
	})

	first, err := m.AppendTransaction(ctx, ledger.Transaction{
		Type: ledger.TxAdjustment, Direction: ledger.Credit, Amount: ledger.MustMoney("10"),
		BalanceAfter: ledger.MustMoney("10"), IdempotencyKey: "a",
	})
	require.NoError(t, err)
	second, err := m.AppendTransaction(ctx, ledger.Transaction{
		Type: ledger.TxAdjustment, Direction: ledger.Credit, Amount: ledger.MustMoney("5"),
		BalanceAfter: ledger.MustMoney("15"), IdempotencyKey: "b",
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.TransactionID(1), first.ID)
	assert.Equal(t, ledger.TransactionID(2), second.ID)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))

	_, err = m.AppendTransaction(ctx, ledger.Transaction{IdempotencyKey: "a"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	txs, err := m.ListTransactions(ctx, ledger.TransactionFilter{}, ledger.Page{})
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestMemory_WithTx_RollsBack(t *testing.T) {
	// GIVEN: an initialized store
	// WHEN: a unit of work appends a row then fails
	// THEN: neither the row nor its idempotency key survive

	m := NewInitializedMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s ledger.Store) error {
		_, err := s.AppendTransaction(ctx, ledger.Transaction{IdempotencyKey: "k", Direction: ledger.Credit})
		require.NoError(t, err)
		_, err = s.SaveRequest(ctx, ledger.ProductRequest{Status: ledger.RequestPending})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	txs, err := m.ListTransactions(ctx, ledger.TransactionFilter{}, ledger.Page{})
	require.NoError(t, err)
	assert.Empty(t, txs)

	reqs, err := m.ListRequests(ctx, ledger.RequestFilter{}, ledger.Page{})
	require.NoError(t, err)
	assert.Empty(t, reqs)

	// key is free again
	_, err = m.AppendTransaction(ctx, ledger.Transaction{IdempotencyKey: "k", Direction: ledger.Credit})
	assert.NoError(t, err)
}

func TestMemory_WithTx_CancelledContext(t *testing.T) {
	m := NewInitializedMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.WithTx(ctx, func(ledger.Store) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrStoreFailure)
}

func TestMemory_Requests(t *testing.T) {
	m := NewInitializedMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.SaveRequest(ctx, ledger.ProductRequest{Status: ledger.RequestPending, RequestedQuantity: i + 1})
		require.NoError(t, err)
	}

	reqs, err := m.ListRequests(ctx, ledger.RequestFilter{}, ledger.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, ledger.RequestID(3), reqs[0].ID)

	_, err = m.GetRequest(ctx, 42)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = m.SaveRequest(ctx, ledger.ProductRequest{ID: 42})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMemory_WithTx_PanicRollsBack(t *testing.T) {
	// GIVEN: a unit of work that updates the singleton then panics
	// WHEN: the panic is recovered by the caller
	// THEN: the singleton is unchanged and the store is still usable

	m := NewInitializedMemory()
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = m.WithTx(ctx, func(s ledger.Store) error {
			rev, err := s.GetCurrentRevenue(ctx)
			require.NoError(t, err)
			rev.AvailableBudget = ledger.MustMoney("99.00")
			_, err = s.UpdateRevenue(ctx, rev)
			require.NoError(t, err)
			panic("handler bug")
		})
	})

	rev, err := m.GetCurrentRevenue(ctx)
	require.NoError(t, err)
	assert.True(t, rev.AvailableBudget.IsZero())
	assert.Equal(t, int64(0), rev.Version)

	assert.NoError(t, m.WithTx(ctx, func(ledger.Store) error { return nil }))
}
