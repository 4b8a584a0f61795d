/*
Package ledger provides the revenue ledger and balance engine.

PURPOSE:
  Tracks one company-wide operating budget. Every change to the budget is
  recorded as an immutable RevenueTransaction, and the CompanyRevenue
  singleton always reconciles to that log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts with exactly 2 fractional digits
  - CompanyRevenue: the singleton row (current revenue, budget, spent)
  - Transaction: an append-only ledger entry
  - TransactionFilter / Page: read-side query options

INVARIANTS:
  1. availableBudget >= 0
  2. currentRevenue == availableBudget + totalSpent
  3. Replaying the log from zero reproduces every BalanceAfter

USAGE:
  engine := ledger.NewEngine(store)
  tx, err := engine.Deduct(ctx, ledger.Movement{
      Amount: ledger.MustMoney("400.00"),
      Actor:  "manager-1",
  })

SEE ALSO:
  - balance.go: Engine (the only writer of the singleton)
  - store.go: Persistence interfaces
  - replay.go: Ledger-replay verification
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyScale is the number of fractional digits kept for every amount.
const MoneyScale int32 = 2

// MustMoney parses a decimal string. Panics on malformed input, so only use
// it with literals.
func MustMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// RoundMoney rounds half-up to MoneyScale digits.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// IsMoney reports whether d carries no more than MoneyScale fractional digits.
func IsMoney(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TransactionID int64
type RequestID int64
type ProductID int64

// =============================================================================
// COMPANY REVENUE - The singleton row
// =============================================================================

// CompanyRevenue is the current global financial state.
type CompanyRevenue struct {
	CurrentRevenue  decimal.Decimal
	AvailableBudget decimal.Decimal
	TotalSpent      decimal.Decimal

	LastUpdated  time.Time
	UpdatedBy    string
	UpdateReason string

	// Version is incremented by the store on every write.
	Version int64
}

// Reconciles reports whether currentRevenue == availableBudget + totalSpent.
func (r CompanyRevenue) Reconciles() bool {
	return r.CurrentRevenue.Equal(r.AvailableBudget.Add(r.TotalSpent))
}

// Valid checks both singleton invariants.
func (r CompanyRevenue) Valid() bool {
	return r.Reconciles() &&
		!r.AvailableBudget.IsNegative() &&
		!r.CurrentRevenue.IsNegative() &&
		!r.TotalSpent.IsNegative()
}

// =============================================================================
// TRANSACTION - Append-only ledger entry
// =============================================================================

type TransactionType string

const (
	TxOrderPlaced    TransactionType = "ORDER_PLACED"
	TxOrderCancelled TransactionType = "ORDER_CANCELLED"
	TxAdjustment     TransactionType = "ADJUSTMENT"
)

// Direction says whether a transaction lowers (debit) or raises (credit) the
// available budget. Amounts are always stored positive.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

func (d Direction) Valid() bool { return d == Debit || d == Credit }

type Transaction struct {
	ID               TransactionID
	Type             TransactionType
	Direction        Direction
	Amount           decimal.Decimal
	ProductRequestID *RequestID
	CreatedBy        string
	CreatedAt        time.Time
	Description      string

	// BalanceAfter is availableBudget immediately after this row committed.
	BalanceAfter decimal.Decimal

	// IdempotencyKey is unique across the log when set.
	IdempotencyKey string
}

// Signed returns the amount with the sign implied by Direction.
func (t Transaction) Signed() decimal.Decimal {
	if t.Direction == Debit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// =============================================================================
// QUERY OPTIONS
// =============================================================================

// TransactionFilter narrows ListTransactions. Zero value matches everything.
type TransactionFilter struct {
	Types     []TransactionType
	From      *time.Time // inclusive
	To        *time.Time // inclusive
	RequestID *RequestID
}

// Matches applies the filter in memory.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == tx.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	if f.RequestID != nil && (tx.ProductRequestID == nil || *tx.ProductRequestID != *f.RequestID) {
		return false
	}
	return true
}

// Page is offset/limit pagination. Limit <= 0 means no limit.
type Page struct {
	Offset int
	Limit  int
}

// Paginate slices an already ordered result.
func Paginate[T any](items []T, p Page) []T {
	if p.Offset > 0 {
		if p.Offset >= len(items) {
			return []T{}
		}
		items = items[p.Offset:]
	}
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}
