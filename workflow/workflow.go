/*
workflow.go - Product request workflow

PURPOSE:
  Drives a ProductRequest through its state machine and calls the balance
  engine on the two transitions that move money:

    Approve  (Pending  → Approved)   deducts totalCost
    Cancel   (Approved → Cancelled)  restores totalCost

  The request row and the ledger mutation are written in the same unit of
  work, so a failed deduction leaves the request Pending and a failed
  request write leaves the ledger untouched.

CHECK-THEN-ACT:
  The status is read twice: once before pricing, to fail fast without a
  catalog lookup, and again inside the unit of work. Only the second read
  decides. Two racing approvals of the same request cannot both pass it,
  and the idempotency key on the ledger row rejects a second deduction even
  if a store let them.

SEE ALSO:
  - ledger/request.go: States and transitions
  - ledger/balance.go: DeductTx / RestoreTx
  - inventory.go: Receive notification
*/
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/revenue-ledger/ledger"
	"go.uber.org/zap"
)

// Workflow implements Create / Approve / Reject / Receive / Cancel.
type Workflow struct {
	requests  ledger.RequestStore
	engine    *ledger.Engine
	catalog   Catalog
	inventory Inventory
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Workflow)

func WithLogger(logger *zap.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// New wires a workflow. requests is used for reads outside a unit of work;
// writes always go through engine.Atomically. A nil inventory discards
// Receive notifications.
func New(requests ledger.RequestStore, engine *ledger.Engine, catalog Catalog, inventory Inventory, opts ...Option) *Workflow {
	if inventory == nil {
		inventory = NopInventory{}
	}
	w := &Workflow{
		requests:  requests,
		engine:    engine,
		catalog:   catalog,
		inventory: inventory,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Create records a new Pending request. No ledger effect.
func (w *Workflow) Create(ctx context.Context, productID ledger.ProductID, quantity int, requestedBy, notes string) (ledger.ProductRequest, error) {
	if quantity <= 0 {
		return ledger.ProductRequest{}, fmt.Errorf("%w: quantity must be positive, got %d", ledger.ErrInvalidQuantity, quantity)
	}
	if err := requireActor(requestedBy); err != nil {
		return ledger.ProductRequest{}, err
	}
	if _, err := w.catalog.GetProduct(ctx, productID); err != nil {
		return ledger.ProductRequest{}, err
	}

	now := w.now().UTC()
	req := ledger.ProductRequest{
		ProductID:         productID,
		RequestedQuantity: quantity,
		RequestedBy:       requestedBy,
		Status:            ledger.RequestPending,
		RequestDate:       now,
		Notes:             strings.TrimSpace(notes),
		TotalCost:         decimal.Zero,
		CreatedBy:         requestedBy,
		UpdatedAt:         now,
	}

	var saved ledger.ProductRequest
	err := w.engine.Atomically(ctx, func(ctx context.Context, s ledger.Store) error {
		var err error
		saved, err = s.SaveRequest(ctx, req)
		return err
	})
	if err != nil {
		return ledger.ProductRequest{}, err
	}

	w.logger.Info("request created",
		zap.Int64("request_id", int64(saved.ID)),
		zap.Int64("product_id", int64(productID)),
		zap.Int("quantity", quantity),
		zap.String("actor", requestedBy),
	)
	return saved, nil
}

// Approve prices the request, deducts the cost and marks it Approved.
func (w *Workflow) Approve(ctx context.Context, id ledger.RequestID, approvedBy, notes string) (ledger.ProductRequest, error) {
	if err := requireActor(approvedBy); err != nil {
		return ledger.ProductRequest{}, err
	}

	current, err := w.requests.GetRequest(ctx, id)
	if err != nil {
		return ledger.ProductRequest{}, requestErr(id, err)
	}
	if err := ledger.CheckTransition(current.Status, ledger.RequestApproved); err != nil {
		return ledger.ProductRequest{}, err
	}

	product, err := w.catalog.GetProduct(ctx, current.ProductID)
	if err != nil {
		return ledger.ProductRequest{}, err
	}
	cost := TotalCost(product.UnitPrice, current.RequestedQuantity)

	var saved ledger.ProductRequest
	err = w.engine.Atomically(ctx, func(ctx context.Context, s ledger.Store) error {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			return requestErr(id, err)
		}
		if err := ledger.CheckTransition(req.Status, ledger.RequestApproved); err != nil {
			return err
		}

		if cost.IsPositive() {
			reqID := req.ID
			if _, err := w.engine.DeductTx(ctx, s, ledger.Movement{
				Amount:    cost,
				Type:      ledger.TxOrderPlaced,
				Reason:    fmt.Sprintf("request %d approved: %d x %s", req.ID, req.RequestedQuantity, product.Name),
				Actor:     approvedBy,
				RequestID: &reqID,

				IdempotencyKey: ledger.RequestKey(req.ID, ledger.TxOrderPlaced),
			}); err != nil {
				return err
			}
		}

		now := w.now().UTC()
		req.Status = ledger.RequestApproved
		req.ApprovalDate = &now
		req.ApprovedBy = &approvedBy
		req.TotalCost = cost
		req.Notes = appendNote(req.Notes, notes)
		req.UpdatedAt = now

		saved, err = s.SaveRequest(ctx, req)
		return err
	})
	if err != nil {
		return ledger.ProductRequest{}, err
	}

	w.logger.Info("request approved",
		zap.Int64("request_id", int64(saved.ID)),
		zap.String("total_cost", saved.TotalCost.StringFixed(ledger.MoneyScale)),
		zap.String("actor", approvedBy),
	)
	return saved, nil
}

// Reject closes a Pending request. The reason is mandatory.
func (w *Workflow) Reject(ctx context.Context, id ledger.RequestID, rejectedBy, reason string) (ledger.ProductRequest, error) {
	if err := requireActor(rejectedBy); err != nil {
		return ledger.ProductRequest{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ledger.ProductRequest{}, fmt.Errorf("%w: rejection reason is required", ledger.ErrValidation)
	}

	saved, err := w.transition(ctx, id, ledger.RequestRejected, func(req *ledger.ProductRequest, now time.Time) {
		req.RejectedDate = &now
		req.RejectedBy = &rejectedBy
		req.RejectionReason = &reason
	}, nil)
	if err != nil {
		return ledger.ProductRequest{}, err
	}

	w.logger.Info("request rejected",
		zap.Int64("request_id", int64(saved.ID)),
		zap.String("actor", rejectedBy),
		zap.String("reason", reason),
	)
	return saved, nil
}

// Receive marks an Approved request as delivered and notifies inventory
// after the commit. Notification failures are logged only.
func (w *Workflow) Receive(ctx context.Context, id ledger.RequestID, receivedBy, notes string) (ledger.ProductRequest, error) {
	if err := requireActor(receivedBy); err != nil {
		return ledger.ProductRequest{}, err
	}

	saved, err := w.transition(ctx, id, ledger.RequestReceived, func(req *ledger.ProductRequest, now time.Time) {
		req.ReceivedDate = &now
		req.ReceivedBy = &receivedBy
		req.Notes = appendNote(req.Notes, notes)
	}, nil)
	if err != nil {
		return ledger.ProductRequest{}, err
	}

	event := ReceivedEvent{
		RequestID:  saved.ID,
		ProductID:  saved.ProductID,
		Quantity:   saved.RequestedQuantity,
		ReceivedBy: receivedBy,
		ReceivedAt: *saved.ReceivedDate,
	}
	if err := w.inventory.NotifyReceived(context.WithoutCancel(ctx), event); err != nil {
		w.logger.Warn("inventory notification failed",
			zap.Int64("request_id", int64(saved.ID)),
			zap.Int64("product_id", int64(saved.ProductID)),
			zap.Error(err),
		)
	}

	w.logger.Info("request received",
		zap.Int64("request_id", int64(saved.ID)),
		zap.String("actor", receivedBy),
	)
	return saved, nil
}

// Cancel closes a Pending or Approved request. An Approved request gets its
// totalCost restored in the same unit of work.
func (w *Workflow) Cancel(ctx context.Context, id ledger.RequestID, cancelledBy, notes string) (ledger.ProductRequest, error) {
	if err := requireActor(cancelledBy); err != nil {
		return ledger.ProductRequest{}, err
	}

	restore := func(ctx context.Context, s ledger.Store, req ledger.ProductRequest) error {
		if req.Status != ledger.RequestApproved || !req.TotalCost.IsPositive() {
			return nil
		}
		reqID := req.ID
		_, err := w.engine.RestoreTx(ctx, s, ledger.Movement{
			Amount:    req.TotalCost,
			Type:      ledger.TxOrderCancelled,
			Reason:    fmt.Sprintf("request %d cancelled", req.ID),
			Actor:     cancelledBy,
			RequestID: &reqID,

			IdempotencyKey: ledger.RequestKey(req.ID, ledger.TxOrderCancelled),
		})
		return err
	}

	saved, err := w.transition(ctx, id, ledger.RequestCancelled, func(req *ledger.ProductRequest, now time.Time) {
		req.CancelledDate = &now
		req.CancelledBy = &cancelledBy
		req.Notes = appendNote(req.Notes, notes)
	}, restore)
	if err != nil {
		return ledger.ProductRequest{}, err
	}

	w.logger.Info("request cancelled",
		zap.Int64("request_id", int64(saved.ID)),
		zap.String("restored", saved.TotalCost.StringFixed(ledger.MoneyScale)),
		zap.String("actor", cancelledBy),
	)
	return saved, nil
}

// transition runs the common read-check-(ledger)-write sequence. before runs
// against the request in its prior state, mutate sets the new fields.
func (w *Workflow) transition(
	ctx context.Context,
	id ledger.RequestID,
	to ledger.RequestStatus,
	mutate func(req *ledger.ProductRequest, now time.Time),
	before func(ctx context.Context, s ledger.Store, req ledger.ProductRequest) error,
) (ledger.ProductRequest, error) {
	var saved ledger.ProductRequest
	err := w.engine.Atomically(ctx, func(ctx context.Context, s ledger.Store) error {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			return requestErr(id, err)
		}
		if err := ledger.CheckTransition(req.Status, to); err != nil {
			return err
		}
		if before != nil {
			if err := before(ctx, s, req); err != nil {
				return err
			}
		}

		now := w.now().UTC()
		mutate(&req, now)
		req.Status = to
		req.UpdatedAt = now

		saved, err = s.SaveRequest(ctx, req)
		return err
	})
	return saved, err
}

// =============================================================================
// QUERIES
// =============================================================================

func (w *Workflow) Get(ctx context.Context, id ledger.RequestID) (ledger.ProductRequest, error) {
	req, err := w.requests.GetRequest(ctx, id)
	if err != nil {
		return ledger.ProductRequest{}, requestErr(id, err)
	}
	return req, nil
}

func (w *Workflow) List(ctx context.Context, filter ledger.RequestFilter, page ledger.Page) ([]ledger.ProductRequest, error) {
	return w.requests.ListRequests(ctx, filter, page)
}

// =============================================================================
// HELPERS
// =============================================================================

// TotalCost is quantity * unitPrice rounded half-up to cents.
func TotalCost(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return ledger.RoundMoney(unitPrice.Mul(decimal.NewFromInt(int64(quantity))))
}

func requireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("%w: actor is required", ledger.ErrValidation)
	}
	return nil
}

func requestErr(id ledger.RequestID, err error) error {
	if ledger.IsNotFound(err) {
		return fmt.Errorf("request %d: %w", id, err)
	}
	return err
}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	switch {
	case note == "":
		return existing
	case existing == "":
		return note
	default:
		return existing + "\n" + note
	}
}
