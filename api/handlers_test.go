/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Revenue read, adjust, deduct and restore endpoints
- Request workflow end to end over HTTP
- Error to status code mapping
- Export and verification
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/ledger/store"
	"github.com/warp/revenue-ledger/report"
	"github.com/warp/revenue-ledger/workflow"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	handler *Handler
	router  http.Handler
	catalog *workflow.MemoryCatalog
}

func newTestServerWithStore(t *testing.T, st ledger.TxStore) testServer {
	t.Helper()
	engine := ledger.NewEngine(st)
	catalog := workflow.NewMemoryCatalog()
	flow := workflow.New(st, engine, catalog, workflow.NewStockInventory(catalog))
	h := NewHandler(engine, flow, catalog, zap.NewNop())
	return testServer{handler: h, router: NewRouter(h, nil), catalog: catalog}
}

func newTestServer(t *testing.T) testServer {
	return newTestServerWithStore(t, store.NewInitializedMemory())
}

func (s testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s testServer) fund(t *testing.T, amount string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/revenue/adjust", map[string]any{
		"budget_delta": amount, "reason": "opening balance", "actor": "admin",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s testServer) revenue(t *testing.T) RevenueDTO {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/revenue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[RevenueDTO](t, rec)
}

// =============================================================================
// REVENUE
// =============================================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRevenue_NotInitialized_503(t *testing.T) {
	s := newTestServerWithStore(t, store.NewMemory())

	rec := s.do(t, http.MethodGet, "/api/revenue", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_initialized", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdjust_FundsBudget(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "1000.00")

	rev := s.revenue(t)
	assert.Equal(t, "1000.00", rev.CurrentRevenue)
	assert.Equal(t, "1000.00", rev.AvailableBudget)
	assert.Equal(t, "0.00", rev.TotalSpent)
	assert.Equal(t, "admin", rev.UpdatedBy)
}

func TestAdjust_Invalid_400(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/revenue/adjust", map[string]any{"reason": "nothing", "actor": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_adjustment", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/revenue/adjust", map[string]any{"budget_delta": "-5.00", "actor": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeductAndRestore(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "500.00")

	rec := s.do(t, http.MethodPost, "/api/revenue/deduct", map[string]any{"amount": "120.50", "reason": "catering", "actor": "ops"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[TransactionDTO](t, rec)
	assert.Equal(t, "ORDER_PLACED", tx.Type)
	assert.Equal(t, "debit", tx.Direction)
	assert.Equal(t, "120.50", tx.Amount)
	assert.Equal(t, "379.50", tx.BalanceAfter)

	rec = s.do(t, http.MethodPost, "/api/revenue/restore", map[string]any{"amount": 20.5, "reason": "refund", "actor": "ops"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rev := s.revenue(t)
	assert.Equal(t, "400.00", rev.AvailableBudget)
	assert.Equal(t, "100.00", rev.TotalSpent)
}

func TestDeduct_LinkedToRequest(t *testing.T) {
	// GIVEN: a pending request
	// WHEN: a manual deduction is linked to it, then to an unknown id
	// THEN: the first succeeds and approval still works; the second is 404

	s := newTestServer(t)
	s.fund(t, "500.00")
	product := s.catalog.MustAddProduct("Lamp", "40.00")

	rec := s.do(t, http.MethodPost, "/api/requests", map[string]any{"product_id": product.ID, "quantity": 1, "requested_by": "gia"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/revenue/deduct", map[string]any{"amount": "5.00", "actor": "ops", "request_id": 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/requests/1/approve", map[string]any{"actor": "manager"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/revenue/deduct", map[string]any{"amount": "5.00", "actor": "ops", "request_id": 99})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "455.00", s.revenue(t).AvailableBudget)
}

func TestDeduct_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "100.00")

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"insufficient funds", map[string]any{"amount": "150.00", "actor": "ops"}, http.StatusConflict, "insufficient_funds"},
		{"zero amount", map[string]any{"amount": "0", "actor": "ops"}, http.StatusBadRequest, "invalid_amount"},
		{"three decimals", map[string]any{"amount": "1.005", "actor": "ops"}, http.StatusBadRequest, "invalid_amount"},
		{"missing actor", map[string]any{"amount": "1.00"}, http.StatusBadRequest, "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/revenue/deduct", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	// Nothing moved.
	assert.Equal(t, "100.00", s.revenue(t).AvailableBudget)
}

func TestDeduct_InsufficientFunds_Details(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "100.00")

	rec := s.do(t, http.MethodPost, "/api/revenue/deduct", map[string]any{"amount": "150.00", "actor": "ops"})
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp struct {
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "100.00", resp.Details["available"])
	assert.Equal(t, "150.00", resp.Details["requested"])
	assert.Equal(t, "50.00", resp.Details["shortfall"])
}

func TestMalformedBody_400(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/revenue/deduct", strings.NewReader(`{"amount": "abc"`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REQUEST WORKFLOW
// =============================================================================

func TestRequestWorkflow_ApproveCancel(t *testing.T) {
	// GIVEN: budget 1000.00 and a 100.00 monitor
	// WHEN: a request for 4 is created, approved, then cancelled over HTTP
	// THEN: the budget goes 1000 -> 600 -> 1000 and a second cancel is 409

	s := newTestServer(t)
	s.fund(t, "1000.00")

	rec := s.do(t, http.MethodPost, "/api/products", map[string]any{"name": "Monitor", "unit_price": "100.00"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	product := decode[ProductDTO](t, rec)

	rec = s.do(t, http.MethodPost, "/api/requests", map[string]any{"product_id": product.ID, "quantity": 4, "requested_by": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[RequestDTO](t, rec)
	assert.Equal(t, "Pending", created.Status)

	rec = s.do(t, http.MethodPost, "/api/requests/1/approve", map[string]any{"actor": "manager"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[RequestDTO](t, rec)
	assert.Equal(t, "Approved", approved.Status)
	assert.Equal(t, "400.00", approved.TotalCost)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "manager", *approved.ApprovedBy)
	assert.Equal(t, "600.00", s.revenue(t).AvailableBudget)

	rec = s.do(t, http.MethodPost, "/api/requests/1/cancel", map[string]any{"actor": "manager"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1000.00", s.revenue(t).AvailableBudget)

	rec = s.do(t, http.MethodPost, "/api/requests/1/cancel", map[string]any{"actor": "manager"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "invalid_transition", errResp.Code)

	rec = s.do(t, http.MethodGet, "/api/revenue/transactions?request_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Transactions []TransactionDTO `json:"transactions"`
	}](t, rec)
	require.Len(t, list.Transactions, 2)
	assert.Equal(t, "ORDER_PLACED", list.Transactions[0].Type)
	assert.Equal(t, "ORDER_CANCELLED", list.Transactions[1].Type)
	assert.Equal(t, "1000.00", list.Transactions[1].BalanceAfter)
}

func TestRequestWorkflow_ReceiveUpdatesStock(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "1000.00")
	product := s.catalog.MustAddProduct("Desk", "250.00")

	rec := s.do(t, http.MethodPost, "/api/requests", map[string]any{"product_id": product.ID, "quantity": 2, "requested_by": "bob"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/requests/1/approve", map[string]any{"actor": "manager"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/requests/1/receive", map[string]any{"actor": "facilities", "notes": "dock 2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Received", decode[RequestDTO](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/products/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[ProductDTO](t, rec).Stock)
}

func TestRejectEmptyReason_400(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "1000.00")
	product := s.catalog.MustAddProduct("Chair", "80.00")

	rec := s.do(t, http.MethodPost, "/api/requests", map[string]any{"product_id": product.ID, "quantity": 1, "requested_by": "erin"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/requests/1/reject", map[string]any{"actor": "manager", "reason": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/requests/1", nil)
	assert.Equal(t, "Pending", decode[RequestDTO](t, rec).Status)
	assert.Equal(t, "1000.00", s.revenue(t).AvailableBudget)
}

func TestApprove_InsufficientFunds_409(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "100.00")
	product := s.catalog.MustAddProduct("Laptop", "150.00")

	rec := s.do(t, http.MethodPost, "/api/requests", map[string]any{"product_id": product.ID, "quantity": 1, "requested_by": "dave"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/requests/1/approve", map[string]any{"actor": "manager"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_funds", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/requests?status=Pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[struct {
		Requests []RequestDTO `json:"requests"`
	}](t, rec)
	assert.Len(t, pending.Requests, 1)
}

func TestNotFoundAndBadIDs(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/requests/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/requests/99/approve", map[string]any{"actor": "m"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/requests/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/products/7", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/requests", map[string]any{"product_id": 7, "quantity": 1, "requested_by": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/requests?status=Lost", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRequest_InvalidQuantity_400(t *testing.T) {
	s := newTestServer(t)
	product := s.catalog.MustAddProduct("Pen", "1.00")

	rec := s.do(t, http.MethodPost, "/api/requests", map[string]any{"product_id": product.ID, "quantity": 0, "requested_by": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_quantity", decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// LOG, EXPORT, VERIFY
// =============================================================================

func TestListTransactions_FilterAndPaging(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "1000.00")
	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, "/api/revenue/deduct", map[string]any{"amount": "10.00", "actor": "ops"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/api/revenue/transactions?type=ORDER_PLACED&offset=1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Transactions []TransactionDTO `json:"transactions"`
	}](t, rec)
	require.Len(t, list.Transactions, 1)
	assert.Equal(t, "980.00", list.Transactions[0].BalanceAfter)

	rec = s.do(t, http.MethodGet, "/api/revenue/transactions?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/revenue/transactions?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportLedger_Xlsx(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "250.00")

	rec := s.do(t, http.MethodGet, "/api/revenue/export?actor=auditor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "revenue-ledger-")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	by, _ := f.GetCellValue(report.SummarySheet, "B12")
	assert.Equal(t, "auditor", by)
	rows, err := f.GetRows(report.TransactionsSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestVerifyLedger(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "300.00")

	rec := s.do(t, http.MethodPost, "/api/revenue/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[VerificationDTO](t, rec)
	assert.True(t, v.Reconciled)
	assert.Equal(t, 1, v.Transactions)
	assert.Equal(t, "300.00", v.ReplayedBalance)
}

func TestReconciliationEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/reconciliation/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.handler.Scheduler = NewReconciliationScheduler(s.handler.Engine, zap.NewNop())

	rec = s.do(t, http.MethodPost, "/api/reconciliation/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[struct {
		Run ReconciliationRunDTO `json:"run"`
	}](t, rec)
	assert.True(t, run.Run.Reconciled)

	rec = s.do(t, http.MethodGet, "/api/reconciliation/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[struct {
		Run ReconciliationRunDTO `json:"run"`
	}](t, rec)
	assert.True(t, status.Run.Reconciled)
	assert.NotEmpty(t, status.Run.NextRunAt)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{ledger.ErrNotInitialized, http.StatusServiceUnavailable},
		{ledger.ErrNotFound, http.StatusNotFound},
		{&ledger.InsufficientFundsError{}, http.StatusConflict},
		{&ledger.InvalidTransitionError{}, http.StatusConflict},
		{ledger.ErrDuplicateIdempotencyKey, http.StatusConflict},
		{ledger.ErrInvalidAmount, http.StatusBadRequest},
		{ledger.ErrInvalidQuantity, http.StatusBadRequest},
		{ledger.ErrInvalidAdjustment, http.StatusBadRequest},
		{ledger.ErrValidation, http.StatusBadRequest},
		{ledger.NewStoreError("x", context.DeadlineExceeded), http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
