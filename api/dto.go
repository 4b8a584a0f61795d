/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Responses carry money as strings with exactly two decimals ("600.00").
  Requests accept either a JSON string or a JSON number; both are parsed
  exactly, so 1.005 is rejected rather than rounded.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/revenue-ledger/ledger"
)

// =============================================================================
// REVENUE
// =============================================================================

type RevenueDTO struct {
	CurrentRevenue  string `json:"current_revenue"`
	AvailableBudget string `json:"available_budget"`
	TotalSpent      string `json:"total_spent"`
	LastUpdated     string `json:"last_updated"`
	UpdatedBy       string `json:"updated_by"`
	UpdateReason    string `json:"update_reason,omitempty"`
	Version         int64  `json:"version"`
}

type TransactionDTO struct {
	ID               int64  `json:"id"`
	Type             string `json:"type"`
	Direction        string `json:"direction"`
	Amount           string `json:"amount"`
	BalanceAfter     string `json:"balance_after"`
	ProductRequestID *int64 `json:"product_request_id,omitempty"`
	CreatedBy        string `json:"created_by"`
	CreatedAt        string `json:"created_at"`
	Description      string `json:"description,omitempty"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
}

// MovementRequest is the body of POST /api/revenue/deduct and /restore.
type MovementRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	Actor     string          `json:"actor"`
	RequestID *int64          `json:"request_id,omitempty"`
}

// AdjustmentRequest is the body of POST /api/revenue/adjust.
type AdjustmentRequest struct {
	NewCurrentRevenue *decimal.Decimal `json:"new_current_revenue,omitempty"`
	BudgetDelta       *decimal.Decimal `json:"budget_delta,omitempty"`
	Reason            string           `json:"reason"`
	Actor             string           `json:"actor"`
}

type VerificationDTO struct {
	Reconciled      bool       `json:"reconciled"`
	Transactions    int        `json:"transactions"`
	ReplayedBalance string     `json:"replayed_balance,omitempty"`
	Revenue         RevenueDTO `json:"revenue"`
	CheckedAt       string     `json:"checked_at"`
}

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Stock     int    `json:"stock"`
	CreatedAt string `json:"created_at,omitempty"`
}

type CreateProductRequest struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Stock     int             `json:"stock"`
}

// =============================================================================
// PRODUCT REQUESTS
// =============================================================================

type RequestDTO struct {
	ID                int64   `json:"id"`
	ProductID         int64   `json:"product_id"`
	RequestedQuantity int     `json:"requested_quantity"`
	RequestedBy       string  `json:"requested_by"`
	Status            string  `json:"status"`
	RequestDate       string  `json:"request_date"`
	ApprovalDate      *string `json:"approval_date,omitempty"`
	ApprovedBy        *string `json:"approved_by,omitempty"`
	ReceivedDate      *string `json:"received_date,omitempty"`
	ReceivedBy        *string `json:"received_by,omitempty"`
	RejectedDate      *string `json:"rejected_date,omitempty"`
	RejectedBy        *string `json:"rejected_by,omitempty"`
	RejectionReason   *string `json:"rejection_reason,omitempty"`
	CancelledDate     *string `json:"cancelled_date,omitempty"`
	CancelledBy       *string `json:"cancelled_by,omitempty"`
	Notes             string  `json:"notes,omitempty"`
	TotalCost         string  `json:"total_cost"`
	UpdatedAt         string  `json:"updated_at"`
}

type CreateRequestRequest struct {
	ProductID   int64  `json:"product_id"`
	Quantity    int    `json:"quantity"`
	RequestedBy string `json:"requested_by"`
	Notes       string `json:"notes"`
}

// ActionRequest is the body of approve, receive and cancel.
type ActionRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes"`
}

type RejectRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// =============================================================================
// SCENARIOS & RECONCILIATION
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ReconciliationRunDTO struct {
	At         string           `json:"at"`
	Reconciled bool             `json:"reconciled"`
	Error      string           `json:"error,omitempty"`
	Report     *VerificationDTO `json:"report,omitempty"`
	NextRunAt  string           `json:"next_run_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.MoneyScale)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toRevenueDTO(r ledger.CompanyRevenue) RevenueDTO {
	return RevenueDTO{
		CurrentRevenue:  money(r.CurrentRevenue),
		AvailableBudget: money(r.AvailableBudget),
		TotalSpent:      money(r.TotalSpent),
		LastUpdated:     formatTime(r.LastUpdated),
		UpdatedBy:       r.UpdatedBy,
		UpdateReason:    r.UpdateReason,
		Version:         r.Version,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:             int64(tx.ID),
		Type:           string(tx.Type),
		Direction:      string(tx.Direction),
		Amount:         money(tx.Amount),
		BalanceAfter:   money(tx.BalanceAfter),
		CreatedBy:      tx.CreatedBy,
		CreatedAt:      formatTime(tx.CreatedAt),
		Description:    tx.Description,
		IdempotencyKey: tx.IdempotencyKey,
	}
	if tx.ProductRequestID != nil {
		id := int64(*tx.ProductRequestID)
		dto.ProductRequestID = &id
	}
	return dto
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toProductDTO(p ledger.Product) ProductDTO {
	dto := ProductDTO{
		ID:        int64(p.ID),
		Name:      p.Name,
		UnitPrice: money(p.UnitPrice),
		Stock:     p.Stock,
	}
	if !p.CreatedAt.IsZero() {
		dto.CreatedAt = formatTime(p.CreatedAt)
	}
	return dto
}

func toRequestDTO(r ledger.ProductRequest) RequestDTO {
	return RequestDTO{
		ID:                int64(r.ID),
		ProductID:         int64(r.ProductID),
		RequestedQuantity: r.RequestedQuantity,
		RequestedBy:       r.RequestedBy,
		Status:            string(r.Status),
		RequestDate:       formatTime(r.RequestDate),
		ApprovalDate:      formatTimePtr(r.ApprovalDate),
		ApprovedBy:        r.ApprovedBy,
		ReceivedDate:      formatTimePtr(r.ReceivedDate),
		ReceivedBy:        r.ReceivedBy,
		RejectedDate:      formatTimePtr(r.RejectedDate),
		RejectedBy:        r.RejectedBy,
		RejectionReason:   r.RejectionReason,
		CancelledDate:     formatTimePtr(r.CancelledDate),
		CancelledBy:       r.CancelledBy,
		Notes:             r.Notes,
		TotalCost:         money(r.TotalCost),
		UpdatedAt:         formatTime(r.UpdatedAt),
	}
}

func toVerificationDTO(r ledger.ReconciliationReport) VerificationDTO {
	return VerificationDTO{
		Reconciled:      true,
		Transactions:    r.Transactions,
		ReplayedBalance: money(r.ReplayedBalance),
		Revenue:         toRevenueDTO(r.Revenue),
		CheckedAt:       formatTime(r.CheckedAt),
	}
}
