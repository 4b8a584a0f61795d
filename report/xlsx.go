/*
xlsx.go - Ledger export as an Excel workbook

SHEETS:
  Summary       Singleton balances, reconciliation status, row count
  Transactions  One row per ledger entry in log order

Amounts are written as numbers with a two-decimal format so the workbook
can be summed directly. The ledger itself stays the source of truth; the
export is a read-only snapshot.

SEE ALSO:
  - api/handlers.go: GET /api/revenue/export
*/
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/warp/revenue-ledger/ledger"
	"github.com/xuri/excelize/v2"
)

const (
	SummarySheet      = "Summary"
	TransactionsSheet = "Transactions"

	// ContentType is the MIME type of the workbook.
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	// built-in excelize number format "0.00"
	moneyNumFmt = 2
)

var transactionHeader = []interface{}{
	"ID", "Created At", "Type", "Direction", "Amount", "Balance After",
	"Request ID", "Created By", "Description", "Idempotency Key",
}

// Snapshot is everything one export contains.
type Snapshot struct {
	Revenue      ledger.CompanyRevenue
	Transactions []ledger.Transaction
	GeneratedAt  time.Time
	GeneratedBy  string
}

// Build renders the snapshot into a new workbook. The caller must Close it.
func Build(s Snapshot) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(TransactionsSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	styles, err := newStyles(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSummary(f, styles, s); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeTransactions(f, styles, s.Transactions); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Write renders the snapshot and streams it to w.
func Write(w io.Writer, s Snapshot) error {
	f, err := Build(s)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// FileName is the suggested download name for an export taken at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("revenue-ledger-%s.xlsx", t.UTC().Format("20060102-150405"))
}

// =============================================================================
// SHEETS
// =============================================================================

type styles struct {
	header int
	money  int
}

func newStyles(f *excelize.File) (styles, error) {
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return styles{}, fmt.Errorf("failed to create header style: %w", err)
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: moneyNumFmt})
	if err != nil {
		return styles{}, fmt.Errorf("failed to create money style: %w", err)
	}
	return styles{header: header, money: money}, nil
}

func writeSummary(f *excelize.File, st styles, s Snapshot) error {
	rev := s.Revenue
	reconciled := "yes"
	if !rev.Reconciles() {
		reconciled = "NO"
	}

	rows := [][]interface{}{
		{"Field", "Value"},
		{"Current Revenue", rev.CurrentRevenue.InexactFloat64()},
		{"Available Budget", rev.AvailableBudget.InexactFloat64()},
		{"Total Spent", rev.TotalSpent.InexactFloat64()},
		{"Reconciled", reconciled},
		{"Last Updated", rev.LastUpdated.UTC().Format(time.RFC3339)},
		{"Updated By", rev.UpdatedBy},
		{"Update Reason", rev.UpdateReason},
		{"Version", rev.Version},
		{"Transactions", len(s.Transactions)},
		{"Generated At", s.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Generated By", s.GeneratedBy},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write summary row %d: %w", i+1, err)
		}
	}

	if err := f.SetCellStyle(SummarySheet, "A1", "B1", st.header); err != nil {
		return err
	}
	if err := f.SetCellStyle(SummarySheet, "B2", "B4", st.money); err != nil {
		return err
	}
	return f.SetColWidth(SummarySheet, "A", "B", 22)
}

func writeTransactions(f *excelize.File, st styles, txs []ledger.Transaction) error {
	if err := f.SetSheetRow(TransactionsSheet, "A1", &transactionHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, tx := range txs {
		var requestID interface{}
		if tx.ProductRequestID != nil {
			requestID = int64(*tx.ProductRequestID)
		}
		row := []interface{}{
			int64(tx.ID),
			tx.CreatedAt.UTC().Format(time.RFC3339Nano),
			string(tx.Type),
			string(tx.Direction),
			tx.Amount.InexactFloat64(),
			tx.BalanceAfter.InexactFloat64(),
			requestID,
			tx.CreatedBy,
			tx.Description,
			tx.IdempotencyKey,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(TransactionsSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write transaction %d: %w", tx.ID, err)
		}
	}

	last, err := excelize.CoordinatesToCellName(len(transactionHeader), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(TransactionsSheet, "A1", last, st.header); err != nil {
		return err
	}
	if len(txs) > 0 {
		bottom := fmt.Sprintf("F%d", len(txs)+1)
		if err := f.SetCellStyle(TransactionsSheet, "E2", bottom, st.money); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(TransactionsSheet, "A", "A", 8); err != nil {
		return err
	}
	return f.SetColWidth(TransactionsSheet, "B", "J", 20)
}
