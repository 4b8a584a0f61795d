/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario leaves the expected state behind:
	- Products are created
	- Requests reach the expected status
	- Balances and the log reconcile

The handler runs on a :memory: SQLite store so these double as
integration tests for the SQLite catalog and ledger.
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/store/sqlite"
	"github.com/warp/revenue-ledger/workflow"
)

func setupTestHandler(t *testing.T) (*Handler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Initialize(context.Background()))

	engine := ledger.NewEngine(store)
	flow := workflow.New(store, engine, store, workflow.NewStockInventory(store))
	return NewHandler(engine, flow, store, nil), store
}

func loadScenario(t *testing.T, h *Handler, id string) {
	t.Helper()
	s := testServer{handler: h, router: NewRouter(h, nil)}
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScenario_OfficeSupplies(t *testing.T) {
	h, store := setupTestHandler(t)
	ctx := context.Background()

	loadScenario(t, h, "office-supplies")

	rev, err := store.GetCurrentRevenue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000.00", rev.AvailableBudget.StringFixed(2))

	products, err := store.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 3)
	assert.Equal(t, "Monitor", products[0].Name)
	assert.Equal(t, "45.50", products[2].UnitPrice.StringFixed(2))
}

func TestScenario_ApprovalCycle(t *testing.T) {
	// GIVEN: an empty ledger
	// WHEN: the approval-cycle scenario is loaded
	// THEN: monitors were deducted and restored, desks deducted and received

	h, store := setupTestHandler(t)
	ctx := context.Background()

	loadScenario(t, h, "approval-cycle")

	rev, err := store.GetCurrentRevenue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000.00", rev.CurrentRevenue.StringFixed(2))
	assert.Equal(t, "500.00", rev.AvailableBudget.StringFixed(2))
	assert.Equal(t, "500.00", rev.TotalSpent.StringFixed(2))

	txs, err := store.ListTransactions(ctx, ledger.TransactionFilter{}, ledger.Page{})
	require.NoError(t, err)
	require.Len(t, txs, 4)
	assert.Equal(t, ledger.TxAdjustment, txs[0].Type)
	assert.Equal(t, ledger.TxOrderPlaced, txs[1].Type)
	assert.Equal(t, ledger.TxOrderCancelled, txs[2].Type)
	assert.Equal(t, ledger.TxOrderPlaced, txs[3].Type)

	requests, err := store.ListRequests(ctx, ledger.RequestFilter{}, ledger.Page{})
	require.NoError(t, err)
	require.Len(t, requests, 3)
	// newest first
	assert.Equal(t, ledger.RequestPending, requests[0].Status)
	assert.Equal(t, ledger.RequestReceived, requests[1].Status)
	assert.Equal(t, ledger.RequestCancelled, requests[2].Status)

	desk, err := store.GetProduct(ctx, requests[1].ProductID)
	require.NoError(t, err)
	assert.Equal(t, 2, desk.Stock)

	_, err = h.Engine.Verify(ctx)
	assert.NoError(t, err)
}

func TestScenario_TightBudget(t *testing.T) {
	h, store := setupTestHandler(t)
	ctx := context.Background()

	loadScenario(t, h, "tight-budget")

	pending, err := store.ListRequests(ctx, ledger.RequestFilter{Status: ledger.RequestPending}, ledger.Page{})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = h.Workflow.Approve(ctx, pending[0].ID, "manager", "")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestScenario_UnknownAndCurrent(t *testing.T) {
	h, _ := setupTestHandler(t)
	s := testServer{handler: h, router: NewRouter(h, nil)}

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	loadScenario(t, h, "office-supplies")
	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "office-supplies", decode[ScenarioDTO](t, rec).ID)

	rec = s.do(t, http.MethodGet, "/api/scenarios", nil)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}
