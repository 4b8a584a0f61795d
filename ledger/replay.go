package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SortTransactions orders txs by CreatedAt, ties broken by ID.
func SortTransactions(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
}

// Replay sums signed amounts from a zero baseline and checks every
// BalanceAfter along the way. txs must already be in log order.
func Replay(txs []Transaction) (decimal.Decimal, error) {
	balance := decimal.Zero
	for _, tx := range txs {
		if !tx.Direction.Valid() {
			return balance, fmt.Errorf("%w: transaction %d has direction %q", ErrLedgerCorrupted, tx.ID, tx.Direction)
		}
		if tx.Amount.IsNegative() {
			return balance, fmt.Errorf("%w: transaction %d has negative amount", ErrLedgerCorrupted, tx.ID)
		}
		balance = balance.Add(tx.Signed())
		if !balance.Equal(tx.BalanceAfter) {
			return balance, &ReplayMismatchError{
				TransactionID: tx.ID,
				Expected:      balance,
				Recorded:      tx.BalanceAfter,
			}
		}
		if balance.IsNegative() {
			return balance, fmt.Errorf("%w: balance negative after transaction %d", ErrLedgerCorrupted, tx.ID)
		}
	}
	return balance, nil
}

// ReconciliationReport is the result of a successful Verify.
type ReconciliationReport struct {
	Revenue         CompanyRevenue
	Transactions    int
	ReplayedBalance decimal.Decimal
	CheckedAt       time.Time
}

// Verify replays the whole log inside one unit of work and compares the
// result with the singleton.
func (e *Engine) Verify(ctx context.Context) (ReconciliationReport, error) {
	var report ReconciliationReport
	err := e.Atomically(ctx, func(ctx context.Context, s Store) error {
		rev, err := s.GetCurrentRevenue(ctx)
		if err != nil {
			return err
		}
		txs, err := s.ListTransactions(ctx, TransactionFilter{}, Page{})
		if err != nil {
			return err
		}

		balance, err := Replay(txs)
		if err != nil {
			return err
		}
		if !balance.Equal(rev.AvailableBudget) {
			return fmt.Errorf("%w: replayed balance %s, available budget %s",
				ErrLedgerCorrupted, balance.StringFixed(MoneyScale), rev.AvailableBudget.StringFixed(MoneyScale))
		}
		if !rev.Valid() {
			return fmt.Errorf("%w: revenue %s != budget %s + spent %s",
				ErrLedgerCorrupted,
				rev.CurrentRevenue.StringFixed(MoneyScale),
				rev.AvailableBudget.StringFixed(MoneyScale),
				rev.TotalSpent.StringFixed(MoneyScale))
		}

		report = ReconciliationReport{
			Revenue:         rev,
			Transactions:    len(txs),
			ReplayedBalance: balance,
			CheckedAt:       e.now().UTC(),
		}
		return nil
	})
	return report, err
}
