package report_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/report"
	"github.com/xuri/excelize/v2"
)

var raw = excelize.Options{RawCellValue: true}

func TestWrite_SummaryAndTransactions(t *testing.T) {
	// GIVEN: a funded ledger with one approval
	// WHEN: it is exported
	// THEN: both sheets carry the balances and the log in order

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reqID := ledger.RequestID(7)
	snapshot := report.Snapshot{
		Revenue: ledger.CompanyRevenue{
			CurrentRevenue:  ledger.MustMoney("1000.00"),
			AvailableBudget: ledger.MustMoney("600.00"),
			TotalSpent:      ledger.MustMoney("400.00"),
			LastUpdated:     at,
			UpdatedBy:       "manager",
			Version:         2,
		},
		Transactions: []ledger.Transaction{
			{ID: 1, Type: ledger.TxAdjustment, Direction: ledger.Credit, Amount: ledger.MustMoney("1000.00"),
				BalanceAfter: ledger.MustMoney("1000.00"), CreatedBy: "admin", CreatedAt: at},
			{ID: 2, Type: ledger.TxOrderPlaced, Direction: ledger.Debit, Amount: ledger.MustMoney("400.00"),
				BalanceAfter: ledger.MustMoney("600.00"), CreatedBy: "manager", CreatedAt: at.Add(time.Minute),
				ProductRequestID: &reqID, IdempotencyKey: "request-7-ORDER_PLACED"},
		},
		GeneratedAt: at.Add(time.Hour),
		GeneratedBy: "auditor",
	}

	var buf bytes.Buffer
	require.NoError(t, report.Write(&buf, snapshot))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{report.SummarySheet, report.TransactionsSheet}, f.GetSheetList())

	budget, err := f.GetCellValue(report.SummarySheet, "B3", raw)
	require.NoError(t, err)
	assert.Equal(t, "600", budget)

	reconciled, _ := f.GetCellValue(report.SummarySheet, "B5")
	assert.Equal(t, "yes", reconciled)

	count, _ := f.GetCellValue(report.SummarySheet, "B10", raw)
	assert.Equal(t, "2", count)

	rows, err := f.GetRows(report.TransactionsSheet, raw)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "ORDER_PLACED", rows[2][2])
	assert.Equal(t, "debit", rows[2][3])
	assert.Equal(t, "400", rows[2][4])
	assert.Equal(t, "600", rows[2][5])
	assert.Equal(t, "7", rows[2][6])
	assert.Equal(t, "request-7-ORDER_PLACED", rows[2][9])
}

func TestWrite_FlagsUnreconciledSingleton(t *testing.T) {
	snapshot := report.Snapshot{
		Revenue: ledger.CompanyRevenue{
			CurrentRevenue:  ledger.MustMoney("10.00"),
			AvailableBudget: ledger.MustMoney("9.00"),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, report.Write(&buf, snapshot))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	reconciled, _ := f.GetCellValue(report.SummarySheet, "B5")
	assert.Equal(t, "NO", reconciled)

	rows, err := f.GetRows(report.TransactionsSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestFileName(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 5, 0, time.UTC)
	assert.Equal(t, "revenue-ledger-20260301-093005.xlsx", report.FileName(at))
}
