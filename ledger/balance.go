/*
balance.go - Balance engine: the only writer of the revenue singleton

PURPOSE:
  Validates and applies deductions, restores and administrative
  adjustments. Each operation reads the singleton, validates, writes the
  singleton and appends one transaction inside a single unit of work.
  A transaction without its balance update (or the reverse) is never
  observable.

OPERATIONS:
  Deduct:  availableBudget -= amount, totalSpent += amount   (debit)
  Restore: availableBudget += amount, totalSpent -= amount   (credit)
  Adjust:  currentRevenue and availableBudget move together  (either)

RESTORE CLAMP:
  A restore larger than totalSpent means some earlier bookkeeping went
  wrong. By default totalSpent is floored at zero, the excess is credited
  to currentRevenue so the reconciliation invariant still holds, and the
  anomaly is logged at WARN. WithStrictRestore(true) turns this into
  ErrRestoreExceedsSpent.

COMPOSITION:
  Deduct/Restore/Adjust open their own unit of work. DeductTx/RestoreTx
  run inside a unit of work the caller opened with Atomically, which is
  how the request workflow updates the request row in the same commit.

SEE ALSO:
  - store.go: TxStore / WithTx
  - replay.go: Replay and Verify
  - workflow/workflow.go: Main caller
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultOperationTimeout bounds every unit of work started by the engine.
const DefaultOperationTimeout = 5 * time.Second

// Engine applies balance mutations. Construct with NewEngine.
type Engine struct {
	store         TxStore
	logger        *zap.Logger
	timeout       time.Duration
	strictRestore bool
	now           func() time.Time
}

type EngineOption func(*Engine)

func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTimeout sets the per-operation timeout. Zero disables it.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

func WithStrictRestore(strict bool) EngineOption {
	return func(e *Engine) { e.strictRestore = strict }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store TxStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		logger:  zap.NewNop(),
		timeout: DefaultOperationTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// COMMANDS
// =============================================================================

// Movement describes a deduction or restore.
type Movement struct {
	Amount decimal.Decimal

	// Type defaults to ORDER_PLACED for Deduct and ORDER_CANCELLED for Restore.
	Type TransactionType

	Reason    string
	Actor     string
	RequestID *RequestID

	// IdempotencyKey is stored as given. Empty means a random
	// "<TYPE>-<uuid>" key.
	IdempotencyKey string
}

// Adjustment is an administrative correction. At least one of
// NewCurrentRevenue and BudgetDelta must be set; if both are, they must
// describe the same change.
type Adjustment struct {
	NewCurrentRevenue *decimal.Decimal
	BudgetDelta       *decimal.Decimal
	Reason            string
	Actor             string
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// Atomically runs fn in one unit of work bounded by the engine timeout.
func (e *Engine) Atomically(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.store.WithTx(ctx, func(s Store) error {
		return fn(ctx, s)
	})
}

// Deduct removes funds from the available budget.
func (e *Engine) Deduct(ctx context.Context, m Movement) (Transaction, error) {
	var out Transaction
	err := e.Atomically(ctx, func(ctx context.Context, s Store) error {
		tx, err := e.DeductTx(ctx, s, m)
		out = tx
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

// Restore returns funds to the available budget.
func (e *Engine) Restore(ctx context.Context, m Movement) (Transaction, error) {
	var out Transaction
	err := e.Atomically(ctx, func(ctx context.Context, s Store) error {
		tx, err := e.RestoreTx(ctx, s, m)
		out = tx
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

// Adjust applies an administrative correction.
func (e *Engine) Adjust(ctx context.Context, adj Adjustment) (Transaction, error) {
	var out Transaction
	err := e.Atomically(ctx, func(ctx context.Context, s Store) error {
		tx, err := e.AdjustTx(ctx, s, adj)
		out = tx
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

// =============================================================================
// IN-TRANSACTION OPERATIONS
// =============================================================================

// DeductTx is Deduct inside a caller-owned unit of work.
func (e *Engine) DeductTx(ctx context.Context, s Store, m Movement) (Transaction, error) {
	if err := validateMovement(m); err != nil {
		return Transaction{}, err
	}

	rev, err := s.GetCurrentRevenue(ctx)
	if err != nil {
		return Transaction{}, err
	}

	if rev.AvailableBudget.LessThan(m.Amount) {
		return Transaction{}, &InsufficientFundsError{
			Available: rev.AvailableBudget,
			Requested: m.Amount,
			Shortfall: m.Amount.Sub(rev.AvailableBudget),
		}
	}

	rev.AvailableBudget = rev.AvailableBudget.Sub(m.Amount)
	rev.TotalSpent = rev.TotalSpent.Add(m.Amount)

	return e.commit(ctx, s, rev, Transaction{
		Type:             typeOr(m.Type, TxOrderPlaced),
		Direction:        Debit,
		Amount:           m.Amount,
		ProductRequestID: m.RequestID,
		CreatedBy:        m.Actor,
		Description:      m.Reason,
		IdempotencyKey:   m.IdempotencyKey,
	})
}

// RestoreTx is Restore inside a caller-owned unit of work.
func (e *Engine) RestoreTx(ctx context.Context, s Store, m Movement) (Transaction, error) {
	if err := validateMovement(m); err != nil {
		return Transaction{}, err
	}

	rev, err := s.GetCurrentRevenue(ctx)
	if err != nil {
		return Transaction{}, err
	}

	rev.AvailableBudget = rev.AvailableBudget.Add(m.Amount)
	spent := rev.TotalSpent.Sub(m.Amount)
	if spent.IsNegative() {
		excess := spent.Neg()
		if e.strictRestore {
			return Transaction{}, fmt.Errorf("%w: restoring %s with total spent %s",
				ErrRestoreExceedsSpent, m.Amount.StringFixed(MoneyScale), rev.TotalSpent.StringFixed(MoneyScale))
		}
		e.logger.Warn("restore exceeds total spent, clamping at zero",
			zap.String("amount", m.Amount.StringFixed(MoneyScale)),
			zap.String("total_spent", rev.TotalSpent.StringFixed(MoneyScale)),
			zap.String("excess", excess.StringFixed(MoneyScale)),
			zap.String("actor", m.Actor),
			zap.Any("request_id", m.RequestID),
		)
		spent = decimal.Zero
		rev.CurrentRevenue = rev.CurrentRevenue.Add(excess)
	}
	rev.TotalSpent = spent

	return e.commit(ctx, s, rev, Transaction{
		Type:             typeOr(m.Type, TxOrderCancelled),
		Direction:        Credit,
		Amount:           m.Amount,
		ProductRequestID: m.RequestID,
		CreatedBy:        m.Actor,
		Description:      m.Reason,
		IdempotencyKey:   m.IdempotencyKey,
	})
}

// AdjustTx is Adjust inside a caller-owned unit of work.
func (e *Engine) AdjustTx(ctx context.Context, s Store, adj Adjustment) (Transaction, error) {
	if adj.Actor == "" {
		return Transaction{}, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if adj.NewCurrentRevenue == nil && adj.BudgetDelta == nil {
		return Transaction{}, fmt.Errorf("%w: nothing to adjust", ErrInvalidAdjustment)
	}
	if adj.NewCurrentRevenue != nil && !IsMoney(*adj.NewCurrentRevenue) {
		return Transaction{}, fmt.Errorf("%w: current revenue has more than %d decimals", ErrInvalidAdjustment, MoneyScale)
	}
	if adj.BudgetDelta != nil && !IsMoney(*adj.BudgetDelta) {
		return Transaction{}, fmt.Errorf("%w: budget delta has more than %d decimals", ErrInvalidAdjustment, MoneyScale)
	}

	rev, err := s.GetCurrentRevenue(ctx)
	if err != nil {
		return Transaction{}, err
	}

	var delta decimal.Decimal
	switch {
	case adj.NewCurrentRevenue != nil && adj.BudgetDelta != nil:
		delta = adj.NewCurrentRevenue.Sub(rev.CurrentRevenue)
		if !delta.Equal(*adj.BudgetDelta) {
			return Transaction{}, fmt.Errorf("%w: new revenue implies delta %s, got %s",
				ErrInvalidAdjustment, delta.StringFixed(MoneyScale), adj.BudgetDelta.StringFixed(MoneyScale))
		}
	case adj.NewCurrentRevenue != nil:
		delta = adj.NewCurrentRevenue.Sub(rev.CurrentRevenue)
	default:
		delta = *adj.BudgetDelta
	}

	if delta.IsZero() {
		return Transaction{}, fmt.Errorf("%w: adjustment changes nothing", ErrInvalidAdjustment)
	}

	newCurrent := rev.CurrentRevenue.Add(delta)
	newAvailable := rev.AvailableBudget.Add(delta)
	if newCurrent.IsNegative() {
		return Transaction{}, fmt.Errorf("%w: current revenue would be %s", ErrInvalidAdjustment, newCurrent.StringFixed(MoneyScale))
	}
	if newAvailable.IsNegative() {
		return Transaction{}, fmt.Errorf("%w: available budget would be %s", ErrInvalidAdjustment, newAvailable.StringFixed(MoneyScale))
	}

	rev.CurrentRevenue = newCurrent
	rev.AvailableBudget = newAvailable

	direction := Credit
	if delta.IsNegative() {
		direction = Debit
	}

	return e.commit(ctx, s, rev, Transaction{
		Type:        TxAdjustment,
		Direction:   direction,
		Amount:      delta.Abs(),
		CreatedBy:   adj.Actor,
		Description: adj.Reason,
	})
}

// commit writes the singleton and appends tx. The caller's unit of work
// makes the pair atomic.
func (e *Engine) commit(ctx context.Context, s Store, rev CompanyRevenue, tx Transaction) (Transaction, error) {
	if !rev.Valid() {
		return Transaction{}, fmt.Errorf("%w: mutation would leave revenue=%s budget=%s spent=%s",
			ErrLedgerCorrupted,
			rev.CurrentRevenue.StringFixed(MoneyScale),
			rev.AvailableBudget.StringFixed(MoneyScale),
			rev.TotalSpent.StringFixed(MoneyScale))
	}

	if tx.Description == "" {
		tx.Description = string(tx.Type)
	}
	rev.LastUpdated = e.now().UTC()
	rev.UpdatedBy = tx.CreatedBy
	rev.UpdateReason = tx.Description

	updated, err := s.UpdateRevenue(ctx, rev)
	if err != nil {
		return Transaction{}, err
	}

	tx.BalanceAfter = updated.AvailableBudget
	if tx.IdempotencyKey == "" {
		tx.IdempotencyKey = fmt.Sprintf("%s-%s", tx.Type, uuid.NewString())
	}

	appended, err := s.AppendTransaction(ctx, tx)
	if err != nil {
		return Transaction{}, err
	}

	e.logger.Debug("ledger mutation committed",
		zap.Int64("transaction_id", int64(appended.ID)),
		zap.String("type", string(appended.Type)),
		zap.String("direction", string(appended.Direction)),
		zap.String("amount", appended.Amount.StringFixed(MoneyScale)),
		zap.String("balance_after", appended.BalanceAfter.StringFixed(MoneyScale)),
		zap.String("actor", appended.CreatedBy),
	)
	return appended, nil
}

// =============================================================================
// READS
// =============================================================================

// CurrentRevenue returns the singleton snapshot.
func (e *Engine) CurrentRevenue(ctx context.Context) (CompanyRevenue, error) {
	return e.store.GetCurrentRevenue(ctx)
}

// Transactions lists the log.
func (e *Engine) Transactions(ctx context.Context, filter TransactionFilter, page Page) ([]Transaction, error) {
	return e.store.ListTransactions(ctx, filter, page)
}

// =============================================================================
// HELPERS
// =============================================================================

func validateMovement(m Movement) error {
	if !m.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, m.Amount.String())
	}
	if !IsMoney(m.Amount) {
		return fmt.Errorf("%w: amount %s has more than %d decimals", ErrInvalidAmount, m.Amount.String(), MoneyScale)
	}
	if m.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrValidation)
	}
	return nil
}

func typeOr(t, fallback TransactionType) TransactionType {
	if t == "" {
		return fallback
	}
	return t
}

// RequestKey is the idempotency key the workflow uses for a request's
// ledger row of type t. At most one such row exists per (request, type).
func RequestKey(id RequestID, t TransactionType) string {
	return fmt.Sprintf("request-%d-%s", id, t)
}
