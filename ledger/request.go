/*
request.go - Product request model and its state machine

REQUEST FLOW:
  ┌─────────────────────────────────────────────────────────────┐
  │                                                             │
  │   Create ──▶ Pending ──▶ Approved ──▶ Received              │
  │                 │            │                              │
  │                 │            └────▶ Cancelled (restore)     │
  │                 ├────▶ Rejected                             │
  │                 └────▶ Cancelled                            │
  │                                                             │
  └─────────────────────────────────────────────────────────────┘

  Approve deducts TotalCost from the budget. Cancel after approval
  restores it. Nothing else moves money.

SEE ALSO:
  - workflow/workflow.go: Orchestrates transitions and ledger calls
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "Pending"
	RequestApproved  RequestStatus = "Approved"
	RequestRejected  RequestStatus = "Rejected"
	RequestReceived  RequestStatus = "Received"
	RequestCancelled RequestStatus = "Cancelled"
)

var transitions = map[RequestStatus][]RequestStatus{
	RequestPending:  {RequestApproved, RequestRejected, RequestCancelled},
	RequestApproved: {RequestReceived, RequestCancelled},
}

// CanTransitionTo reports whether to is a legal next state.
func (s RequestStatus) CanTransitionTo(to RequestStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true when no further transitions exist.
func (s RequestStatus) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestRejected, RequestReceived, RequestCancelled:
		return true
	}
	return false
}

func (s RequestStatus) String() string { return string(s) }

// CheckTransition returns an *InvalidTransitionError when from → to is illegal.
func CheckTransition(from, to RequestStatus) error {
	if !from.CanTransitionTo(to) {
		return &InvalidTransitionError{From: from, Attempted: to}
	}
	return nil
}

// ProductRequest is a purchase request gated by manager approval.
type ProductRequest struct {
	ID                RequestID
	ProductID         ProductID
	RequestedQuantity int
	RequestedBy       string
	Status            RequestStatus
	RequestDate       time.Time

	ApprovalDate    *time.Time
	ApprovedBy      *string
	ReceivedDate    *time.Time
	ReceivedBy      *string
	RejectedDate    *time.Time
	RejectedBy      *string
	RejectionReason *string
	CancelledDate   *time.Time
	CancelledBy     *string

	Notes string

	// TotalCost is zero until approval and fixed afterwards.
	TotalCost decimal.Decimal

	CreatedBy string
	UpdatedAt time.Time
}

// Product is the read-only catalog entry a request points at.
type Product struct {
	ID        ProductID
	Name      string
	UnitPrice decimal.Decimal
	Stock     int
	CreatedAt time.Time
}

// Validate checks a product before any catalog stores it.
func (p Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: product name is required", ErrValidation)
	}
	if p.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price must not be negative", ErrInvalidAmount)
	}
	if !IsMoney(p.UnitPrice) {
		return fmt.Errorf("%w: unit price %s has more than %d decimals", ErrInvalidAmount, p.UnitPrice, MoneyScale)
	}
	if p.Stock < 0 {
		return fmt.Errorf("%w: stock must not be negative", ErrValidation)
	}
	return nil
}

// RequestFilter narrows ListRequests. Zero value matches everything.
type RequestFilter struct {
	Status      RequestStatus
	ProductID   *ProductID
	RequestedBy string
}

func (f RequestFilter) Matches(r ProductRequest) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ProductID != nil && r.ProductID != *f.ProductID {
		return false
	}
	if f.RequestedBy != "" && r.RequestedBy != f.RequestedBy {
		return false
	}
	return true
}
