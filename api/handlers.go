/*
handlers.go - HTTP API handlers for the revenue ledger

PURPOSE:
  Exposes the ledger engine and the request workflow via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Revenue:
    GET    /api/revenue                   Current singleton
    GET    /api/revenue/transactions      Ledger log (type, from, to, request_id, offset, limit)
    GET    /api/revenue/export            Ledger as .xlsx
    POST   /api/revenue/verify            Replay the log against the singleton
    POST   /api/revenue/deduct            Manual deduction
    POST   /api/revenue/restore           Manual restore
    POST   /api/revenue/adjust            Administrative adjustment

  Products:
    GET    /api/products                  List catalog
    POST   /api/products                  Add product
    GET    /api/products/{id}             Get product

  Requests:
    GET    /api/requests                  List (status, product_id, requested_by, offset, limit)
    POST   /api/requests                  Create
    GET    /api/requests/{id}             Get
    POST   /api/requests/{id}/approve     Approve and deduct
    POST   /api/requests/{id}/reject      Reject (reason required)
    POST   /api/requests/{id}/receive     Mark received
    POST   /api/requests/{id}/cancel      Cancel, restoring funds if approved

REQUEST FLOW:
  1. Parse HTTP request
  2. Call engine or workflow (they validate)
  3. Serialize response
  4. Map errors to status codes (writeLedgerError)

ERROR HANDLING:
  - 400: Validation, amount, quantity, adjustment errors
  - 404: Unknown request or product
  - 409: Insufficient funds, invalid transition, duplicate, conflicting restore
  - 503: Ledger not initialized
  - 500: Everything else

SECURITY NOTE:
  No authentication. The actor on every mutation is taken from the body.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/report"
	"github.com/warp/revenue-ledger/workflow"
	"go.uber.org/zap"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Workflow  *workflow.Workflow
	Products  workflow.ProductStore
	Scheduler *ReconciliationScheduler

	logger *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. A nil logger discards output.
func NewHandler(engine *ledger.Engine, flow *workflow.Workflow, products workflow.ProductStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:   engine,
		Workflow: flow,
		Products: products,
		logger:   logger,
	}
}

// Health reports liveness and whether the ledger is seeded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Engine.CurrentRevenue(r.Context()); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// REVENUE HANDLERS
// =============================================================================

// GetRevenue returns the singleton.
func (h *Handler) GetRevenue(w http.ResponseWriter, r *http.Request) {
	rev, err := h.Engine.CurrentRevenue(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRevenueDTO(rev))
}

// ListTransactions returns the ledger log in order.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTransactionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paging", err)
		return
	}

	txs, err := h.Engine.Transactions(r.Context(), filter, page)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": toTransactionDTOs(txs),
		"offset":       page.Offset,
		"limit":        page.Limit,
	})
}

// ExportLedger streams the singleton and the full log as a workbook. Both
// are read in one unit of work so the export is consistent.
func (h *Handler) ExportLedger(w http.ResponseWriter, r *http.Request) {
	snapshot := report.Snapshot{GeneratedBy: r.URL.Query().Get("actor")}
	err := h.Engine.Atomically(r.Context(), func(ctx context.Context, s ledger.Store) error {
		rev, err := s.GetCurrentRevenue(ctx)
		if err != nil {
			return err
		}
		txs, err := s.ListTransactions(ctx, ledger.TransactionFilter{}, ledger.Page{})
		if err != nil {
			return err
		}
		snapshot.Revenue = rev
		snapshot.Transactions = txs
		return nil
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	snapshot.GeneratedAt = time.Now().UTC()

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.FileName(snapshot.GeneratedAt)))
	if err := report.Write(w, snapshot); err != nil {
		// Headers are gone; all we can do is log.
		h.logger.Error("ledger export failed", zap.Error(err))
	}
}

// VerifyLedger replays the log and compares it with the singleton.
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.Verify(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerificationDTO(result))
}

// Deduct removes funds outside the request workflow.
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.Engine.Deduct)
}

// Restore returns funds outside the request workflow.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.Engine.Restore)
}

func (h *Handler) move(w http.ResponseWriter, r *http.Request, op func(context.Context, ledger.Movement) (ledger.Transaction, error)) {
	var req MovementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	m := ledger.Movement{Amount: req.Amount, Reason: req.Reason, Actor: req.Actor}
	if req.RequestID != nil {
		id := ledger.RequestID(*req.RequestID)
		if _, err := h.Workflow.Get(r.Context(), id); err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		m.RequestID = &id
	}

	tx, err := op(r.Context(), m)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// Adjust applies an administrative correction.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.Engine.Adjust(r.Context(), ledger.Adjustment{
		NewCurrentRevenue: req.NewCurrentRevenue,
		BudgetDelta:       req.BudgetDelta,
		Reason:            req.Reason,
		Actor:             req.Actor,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Products.ListProducts(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = toProductDTO(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": dtos})
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Products.AddProduct(r.Context(), ledger.Product{
		Name:      req.Name,
		UnitPrice: req.UnitPrice,
		Stock:     req.Stock,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(p))
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid product id", err)
		return
	}
	p, err := h.Products.GetProduct(r.Context(), ledger.ProductID(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// =============================================================================
// REQUEST WORKFLOW HANDLERS
// =============================================================================

// ListRequests returns requests newest first.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.RequestFilter{
		Status:      ledger.RequestStatus(q.Get("status")),
		RequestedBy: q.Get("requested_by"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "Invalid status", nil)
		return
	}
	if v := q.Get("product_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid product_id", err)
			return
		}
		pid := ledger.ProductID(id)
		filter.ProductID = &pid
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paging", err)
		return
	}

	requests, err := h.Workflow.List(r.Context(), filter, page)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]RequestDTO, len(requests))
	for i, req := range requests {
		dtos[i] = toRequestDTO(req)
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": dtos})
}

// CreateRequest opens a Pending request.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	created, err := h.Workflow.Create(r.Context(), ledger.ProductID(req.ProductID), req.Quantity, req.RequestedBy, req.Notes)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(created))
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request id", err)
		return
	}
	req, err := h.Workflow.Get(r.Context(), ledger.RequestID(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// ApproveRequest approves a pending request and deducts its total cost.
// POST /api/requests/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.Workflow.Approve)
}

// ReceiveRequest marks an approved request as received.
// POST /api/requests/{id}/receive
func (h *Handler) ReceiveRequest(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.Workflow.Receive)
}

// CancelRequest cancels a pending or approved request.
// POST /api/requests/{id}/cancel
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.Workflow.Cancel)
}

// RejectRequest rejects a pending request.
// POST /api/requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request id", err)
		return
	}
	var req RejectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	updated, err := h.Workflow.Reject(r.Context(), ledger.RequestID(id), req.Actor, req.Reason)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(updated))
}

type transitionFunc func(ctx context.Context, id ledger.RequestID, actor, notes string) (ledger.ProductRequest, error)

func (h *Handler) act(w http.ResponseWriter, r *http.Request, op transitionFunc) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request id", err)
		return
	}
	var req ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	updated, err := op(r.Context(), ledger.RequestID(id), req.Actor, req.Notes)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(updated))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// GetReconciliationStatus returns the scheduler's last run.
// GET /api/reconciliation/status
func (h *Handler) GetReconciliationStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Reconciliation scheduler not configured", nil)
		return
	}
	run, ok := h.Scheduler.LastRun()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"run": nil, "next_run_at": formatTime(h.Scheduler.GetNextRunTime())})
		return
	}
	dto := toReconciliationRunDTO(run)
	dto.NextRunAt = formatTime(h.Scheduler.GetNextRunTime())
	writeJSON(w, http.StatusOK, map[string]any{"run": dto})
}

// RunReconciliation triggers an immediate check.
// POST /api/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		h.VerifyLedger(w, r)
		return
	}
	run := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"run": toReconciliationRunDTO(run)})
}

func toReconciliationRunDTO(run ReconciliationRun) ReconciliationRunDTO {
	dto := ReconciliationRunDTO{At: formatTime(run.At), Reconciled: run.Err == nil}
	if run.Err != nil {
		dto.Error = run.Err.Error()
	} else {
		v := toVerificationDTO(run.Report)
		dto.Report = &v
	}
	return dto
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps a ledger or workflow error to its status code.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var funds *ledger.InsufficientFundsError
	var transition *ledger.InvalidTransitionError
	switch {
	case errors.As(err, &funds):
		resp.Details = map[string]string{
			"available": money(funds.Available),
			"requested": money(funds.Requested),
			"shortfall": money(funds.Shortfall),
		}
	case errors.As(err, &transition):
		resp.Details = map[string]string{
			"from":      string(transition.From),
			"attempted": string(transition.Attempted),
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
			resp.Details = err.Error()
		}
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrNotInitialized):
		return http.StatusServiceUnavailable, "not_initialized"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, ledger.ErrRestoreExceedsSpent):
		return http.StatusConflict, "restore_exceeds_spent"
	case errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, ledger.ErrInvalidAdjustment):
		return http.StatusBadRequest, "invalid_adjustment"
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, ledger.ErrLedgerCorrupted):
		return http.StatusInternalServerError, "ledger_corrupted"
	case errors.Is(err, ledger.ErrStoreFailure):
		return http.StatusInternalServerError, "store_failure"
	}
	return http.StatusInternalServerError, "internal"
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("id must be a positive integer")
	}
	return id, nil
}

func parsePage(r *http.Request) (ledger.Page, error) {
	q := r.URL.Query()
	page := ledger.Page{Limit: defaultPageLimit}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, fmt.Errorf("offset must be a non-negative integer")
		}
		page.Offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageLimit {
			return page, fmt.Errorf("limit must be between 1 and %d", maxPageLimit)
		}
		page.Limit = n
	}
	return page, nil
}

func parseTransactionFilter(r *http.Request) (ledger.TransactionFilter, error) {
	q := r.URL.Query()
	var filter ledger.TransactionFilter

	if v := q.Get("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			filter.Types = append(filter.Types, ledger.TransactionType(strings.TrimSpace(t)))
		}
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("from: %w", err)
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("to: %w", err)
		}
		filter.To = &t
	}
	if v := q.Get("request_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("request_id: %w", err)
		}
		rid := ledger.RequestID(id)
		filter.RequestID = &rid
	}
	return filter, nil
}
