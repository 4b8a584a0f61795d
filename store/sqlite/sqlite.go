/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements ledger.TxStore (revenue singleton, transaction log, product
  requests) and the product catalog using SQLite.

INTERFACES IMPLEMENTED:
  ledger.TxStore:          Singleton, transaction log, requests, units of work
  workflow.ProductStore:   Catalog lookups and stock increments

APPEND-ONLY ENFORCEMENT:
  The transaction log is append-only at two levels:
  - The store has no UPDATE or DELETE statement for revenue_transactions
  - BEFORE UPDATE / BEFORE DELETE triggers abort any attempt from outside

KEY TABLES:
  company_revenue:      The singleton row (CHECK id = 1), versioned
  revenue_transactions: Immutable ledger of all budget changes
  products:             Catalog with on-hand stock
  product_requests:     One row per purchase request

MONEY AND TIME:
  Decimals are stored as TEXT with two fractional digits so no value ever
  passes through float64. Timestamps are stored as fixed-width UTC text,
  which makes lexical order equal chronological order.

CONCURRENCY:
  A sync.RWMutex serializes units of work; reads outside a unit of work take
  the read lock. The pool is capped at one connection, which also keeps a
  ":memory:" database alive for the life of the store. Inside WithTx every
  read and write goes through the *sql.Tx.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  if err := store.Initialize(ctx); err != nil { ... }
  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/revenue-ledger/ledger"
)

// timeLayout is fixed width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the clock used to stamp rows. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Revenue singleton
	CREATE TABLE IF NOT EXISTS company_revenue (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		current_revenue TEXT NOT NULL,
		available_budget TEXT NOT NULL,
		total_spent TEXT NOT NULL,
		last_updated TEXT NOT NULL,
		updated_by TEXT NOT NULL,
		update_reason TEXT,
		version INTEGER NOT NULL DEFAULT 0
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS revenue_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tx_type TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
		amount TEXT NOT NULL,
		product_request_id INTEGER,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		description TEXT,
		balance_after TEXT NOT NULL,
		idempotency_key TEXT UNIQUE
	);

	-- Replay order (hot path for Verify and listing)
	CREATE INDEX IF NOT EXISTS idx_revenue_transactions_order
		ON revenue_transactions(created_at, id);

	-- For request tracking
	CREATE INDEX IF NOT EXISTS idx_revenue_transactions_request
		ON revenue_transactions(product_request_id) WHERE product_request_id IS NOT NULL;

	-- For transaction type filtering
	CREATE INDEX IF NOT EXISTS idx_revenue_transactions_type
		ON revenue_transactions(tx_type);

	CREATE TRIGGER IF NOT EXISTS revenue_transactions_no_update
		BEFORE UPDATE ON revenue_transactions
	BEGIN
		SELECT RAISE(ABORT, 'revenue_transactions is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS revenue_transactions_no_delete
		BEFORE DELETE ON revenue_transactions
	BEGIN
		SELECT RAISE(ABORT, 'revenue_transactions is append-only');
	END;

	-- Product catalog
	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		created_at TEXT NOT NULL
	);

	-- Purchase requests
	CREATE TABLE IF NOT EXISTS product_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id INTEGER NOT NULL,
		requested_quantity INTEGER NOT NULL CHECK (requested_quantity > 0),
		requested_by TEXT NOT NULL,
		status TEXT NOT NULL,
		request_date TEXT NOT NULL,
		approval_date TEXT,
		approved_by TEXT,
		received_date TEXT,
		received_by TEXT,
		rejected_date TEXT,
		rejected_by TEXT,
		rejection_reason TEXT,
		cancelled_date TEXT,
		cancelled_by TEXT,
		notes TEXT,
		total_cost TEXT NOT NULL,
		created_by TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_product_requests_status
		ON product_requests(status);
	CREATE INDEX IF NOT EXISTS idx_product_requests_product
		ON product_requests(product_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Initialize seeds a zeroed singleton. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO company_revenue
		(id, current_revenue, available_budget, total_spent, last_updated, updated_by, update_reason, version)
		VALUES (1, ?, ?, ?, ?, 'system', 'initialized', 0)
	`, formatMoney(decimal.Zero), formatMoney(decimal.Zero), formatMoney(decimal.Zero), formatTime(s.now()))
	return ledger.NewStoreError("initialize", err)
}

// =============================================================================
// LEDGER STORE (ledger.LedgerStore interface)
// =============================================================================

func (s *Store) GetCurrentRevenue(ctx context.Context) (ledger.CompanyRevenue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRevenue(ctx, s.db)
}

func (s *Store) UpdateRevenue(ctx context.Context, rev ledger.CompanyRevenue) (ledger.CompanyRevenue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateRevenue(ctx, s.db, rev)
}

// AppendTransaction adds a single transaction. Append-only.
func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTransaction(ctx, s.db, tx, s.now())
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter, page ledger.Page) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, filter, page)
}

func getRevenue(ctx context.Context, q queryer) (ledger.CompanyRevenue, error) {
	var (
		rev                                    ledger.CompanyRevenue
		current, available, spent, lastUpdated string
		reason                                 sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT current_revenue, available_budget, total_spent, last_updated, updated_by, update_reason, version
		FROM company_revenue WHERE id = 1
	`).Scan(&current, &available, &spent, &lastUpdated, &rev.UpdatedBy, &reason, &rev.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CompanyRevenue{}, ledger.ErrNotInitialized
	}
	if err != nil {
		return ledger.CompanyRevenue{}, ledger.NewStoreError("get revenue", err)
	}

	if rev.CurrentRevenue, err = parseMoney(current); err != nil {
		return ledger.CompanyRevenue{}, ledger.NewStoreError("get revenue", err)
	}
	if rev.AvailableBudget, err = parseMoney(available); err != nil {
		return ledger.CompanyRevenue{}, ledger.NewStoreError("get revenue", err)
	}
	if rev.TotalSpent, err = parseMoney(spent); err != nil {
		return ledger.CompanyRevenue{}, ledger.NewStoreError("get revenue", err)
	}
	if rev.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return ledger.CompanyRevenue{}, ledger.NewStoreError("get revenue", err)
	}
	rev.UpdateReason = reason.String
	return rev, nil
}

func updateRevenue(ctx context.Context, q queryer, rev ledger.CompanyRevenue) (ledger.CompanyRevenue, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE company_revenue SET
			current_revenue = ?, available_budget = ?, total_spent = ?,
			last_updated = ?, updated_by = ?, update_reason = ?,
			version = version + 1
		WHERE id = 1 AND version = ?
	`,
		formatMoney(rev.CurrentRevenue), formatMoney(rev.AvailableBudget), formatMoney(rev.TotalSpent),
		formatTime(rev.LastUpdated), rev.UpdatedBy, nullString(rev.UpdateReason),
		rev.Version,
	)
	if err != nil {
		return ledger.CompanyRevenue{}, ledger.NewStoreError("update revenue", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return ledger.CompanyRevenue{}, ledger.NewStoreError("update revenue", err)
	}
	if n == 0 {
		// Either missing or moved under us.
		if _, err := getRevenue(ctx, q); err != nil {
			return ledger.CompanyRevenue{}, err
		}
		return ledger.CompanyRevenue{}, ledger.ErrConcurrentModification
	}

	rev.Version++
	return rev, nil
}

func appendTransaction(ctx context.Context, q queryer, tx ledger.Transaction, now time.Time) (ledger.Transaction, error) {
	created := now.UTC()

	var last sql.NullString
	if err := q.QueryRowContext(ctx, `SELECT MAX(created_at) FROM revenue_transactions`).Scan(&last); err != nil {
		return ledger.Transaction{}, ledger.NewStoreError("append transaction", err)
	}
	if last.Valid {
		prev, err := parseTime(last.String)
		if err != nil {
			return ledger.Transaction{}, ledger.NewStoreError("append transaction", err)
		}
		if created.Before(prev) {
			created = prev
		}
	}

	var requestID sql.NullInt64
	if tx.ProductRequestID != nil {
		requestID = sql.NullInt64{Int64: int64(*tx.ProductRequestID), Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO revenue_transactions
		(tx_type, direction, amount, product_request_id, created_by, created_at, description, balance_after, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(tx.Type), string(tx.Direction), formatMoney(tx.Amount), requestID,
		tx.CreatedBy, formatTime(created), nullString(tx.Description),
		formatMoney(tx.BalanceAfter), nullString(tx.IdempotencyKey),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Transaction{}, ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.Transaction{}, ledger.NewStoreError("append transaction", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Transaction{}, ledger.NewStoreError("append transaction", err)
	}
	tx.ID = ledger.TransactionID(id)
	tx.CreatedAt = created
	return tx, nil
}

func listTransactions(ctx context.Context, q queryer, filter ledger.TransactionFilter, page ledger.Page) ([]ledger.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "tx_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	if filter.RequestID != nil {
		where = append(where, "product_request_id = ?")
		args = append(args, int64(*filter.RequestID))
	}

	query := `
		SELECT id, tx_type, direction, amount, product_request_id, created_by, created_at,
		       description, balance_after, idempotency_key
		FROM revenue_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	query, args = paginate(query, args, page)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.NewStoreError("list transactions", err)
	}
	defer rows.Close()

	transactions := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, ledger.NewStoreError("list transactions", err)
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.NewStoreError("list transactions", err)
	}
	return transactions, nil
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx                   ledger.Transaction
		txType, direction    string
		amount, balanceAfter string
		requestID            sql.NullInt64
		createdAt            string
		description, idemKey sql.NullString
	)

	err := rows.Scan(
		&tx.ID, &txType, &direction, &amount, &requestID, &tx.CreatedBy, &createdAt,
		&description, &balanceAfter, &idemKey,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Type = ledger.TransactionType(txType)
	tx.Direction = ledger.Direction(direction)
	if tx.Amount, err = parseMoney(amount); err != nil {
		return tx, err
	}
	if tx.BalanceAfter, err = parseMoney(balanceAfter); err != nil {
		return tx, err
	}
	if requestID.Valid {
		id := ledger.RequestID(requestID.Int64)
		tx.ProductRequestID = &id
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return tx, err
	}
	tx.Description = description.String
	tx.IdempotencyKey = idemKey.String
	return tx, nil
}

// =============================================================================
// REQUEST STORE (ledger.RequestStore interface)
// =============================================================================

const requestColumns = `
	id, product_id, requested_quantity, requested_by, status, request_date,
	approval_date, approved_by, received_date, received_by,
	rejected_date, rejected_by, rejection_reason, cancelled_date, cancelled_by,
	notes, total_cost, created_by, updated_at`

func (s *Store) GetRequest(ctx context.Context, id ledger.RequestID) (ledger.ProductRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRequest(ctx, s.db, id)
}

// SaveRequest inserts when req.ID is zero, updates otherwise.
func (s *Store) SaveRequest(ctx context.Context, req ledger.ProductRequest) (ledger.ProductRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRequest(ctx, s.db, req)
}

func (s *Store) ListRequests(ctx context.Context, filter ledger.RequestFilter, page ledger.Page) ([]ledger.ProductRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRequests(ctx, s.db, filter, page)
}

func getRequest(ctx context.Context, q queryer, id ledger.RequestID) (ledger.ProductRequest, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+requestColumns+" FROM product_requests WHERE id = ?", int64(id))
	if err != nil {
		return ledger.ProductRequest{}, ledger.NewStoreError("get request", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.ProductRequest{}, ledger.NewStoreError("get request", err)
		}
		return ledger.ProductRequest{}, ledger.ErrNotFound
	}
	req, err := scanRequest(rows)
	if err != nil {
		return ledger.ProductRequest{}, ledger.NewStoreError("get request", err)
	}
	return req, nil
}

func saveRequest(ctx context.Context, q queryer, r ledger.ProductRequest) (ledger.ProductRequest, error) {
	args := []any{
		int64(r.ProductID), r.RequestedQuantity, r.RequestedBy, string(r.Status), formatTime(r.RequestDate),
		nullTime(r.ApprovalDate), nullStringPtr(r.ApprovedBy),
		nullTime(r.ReceivedDate), nullStringPtr(r.ReceivedBy),
		nullTime(r.RejectedDate), nullStringPtr(r.RejectedBy), nullStringPtr(r.RejectionReason),
		nullTime(r.CancelledDate), nullStringPtr(r.CancelledBy),
		nullString(r.Notes), formatMoney(r.TotalCost), nullString(r.CreatedBy), formatTime(r.UpdatedAt),
	}

	if r.ID == 0 {
		res, err := q.ExecContext(ctx, `
			INSERT INTO product_requests
			(product_id, requested_quantity, requested_by, status, request_date,
			 approval_date, approved_by, received_date, received_by,
			 rejected_date, rejected_by, rejection_reason, cancelled_date, cancelled_by,
			 notes, total_cost, created_by, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, args...)
		if err != nil {
			return ledger.ProductRequest{}, ledger.NewStoreError("insert request", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return ledger.ProductRequest{}, ledger.NewStoreError("insert request", err)
		}
		r.ID = ledger.RequestID(id)
		return r, nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE product_requests SET
			product_id = ?, requested_quantity = ?, requested_by = ?, status = ?, request_date = ?,
			approval_date = ?, approved_by = ?, received_date = ?, received_by = ?,
			rejected_date = ?, rejected_by = ?, rejection_reason = ?, cancelled_date = ?, cancelled_by = ?,
			notes = ?, total_cost = ?, created_by = ?, updated_at = ?
		WHERE id = ?
	`, append(args, int64(r.ID))...)
	if err != nil {
		return ledger.ProductRequest{}, ledger.NewStoreError("update request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.ProductRequest{}, ledger.NewStoreError("update request", err)
	}
	if n == 0 {
		return ledger.ProductRequest{}, ledger.ErrNotFound
	}
	return r, nil
}

func listRequests(ctx context.Context, q queryer, filter ledger.RequestFilter, page ledger.Page) ([]ledger.ProductRequest, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ProductID != nil {
		where = append(where, "product_id = ?")
		args = append(args, int64(*filter.ProductID))
	}
	if filter.RequestedBy != "" {
		where = append(where, "requested_by = ?")
		args = append(args, filter.RequestedBy)
	}

	query := "SELECT " + requestColumns + " FROM product_requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	query, args = paginate(query, args, page)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.NewStoreError("list requests", err)
	}
	defer rows.Close()

	requests := []ledger.ProductRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, ledger.NewStoreError("list requests", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.NewStoreError("list requests", err)
	}
	return requests, nil
}

func scanRequest(rows *sql.Rows) (ledger.ProductRequest, error) {
	var (
		r                                                       ledger.ProductRequest
		productID                                               int64
		status, requestDate, totalCost, updatedAt               string
		approvalDate, receivedDate, rejectedDate, cancelledDate sql.NullString
		approvedBy, receivedBy, rejectedBy, reason, cancelledBy sql.NullString
		notes, createdBy                                        sql.NullString
	)

	err := rows.Scan(
		&r.ID, &productID, &r.RequestedQuantity, &r.RequestedBy, &status, &requestDate,
		&approvalDate, &approvedBy, &receivedDate, &receivedBy,
		&rejectedDate, &rejectedBy, &reason, &cancelledDate, &cancelledBy,
		&notes, &totalCost, &createdBy, &updatedAt,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan request: %w", err)
	}

	r.ProductID = ledger.ProductID(productID)
	r.Status = ledger.RequestStatus(status)
	if r.RequestDate, err = parseTime(requestDate); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return r, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&r.ApprovalDate, approvalDate},
		{&r.ReceivedDate, receivedDate},
		{&r.RejectedDate, rejectedDate},
		{&r.CancelledDate, cancelledDate},
	} {
		if *f.dst, err = timePtr(f.src); err != nil {
			return r, err
		}
	}
	r.ApprovedBy = stringPtr(approvedBy)
	r.ReceivedBy = stringPtr(receivedBy)
	r.RejectedBy = stringPtr(rejectedBy)
	r.RejectionReason = stringPtr(reason)
	r.CancelledBy = stringPtr(cancelledBy)
	r.Notes = notes.String
	r.CreatedBy = createdBy.String
	if r.TotalCost, err = parseMoney(totalCost); err != nil {
		return r, err
	}
	return r, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.NewStoreError("begin", err)
	}
	defer sqlTx.Rollback()

	txStore := &txStore{tx: sqlTx, now: s.now}
	if err := fn(txStore); err != nil {
		return err
	}

	// An expired context must not commit.
	if err := ctx.Err(); err != nil {
		return ledger.NewStoreError("commit", err)
	}
	return ledger.NewStoreError("commit", sqlTx.Commit())
}

type txStore struct {
	tx  *sql.Tx
	now func() time.Time
}

func (ts *txStore) GetCurrentRevenue(ctx context.Context) (ledger.CompanyRevenue, error) {
	return getRevenue(ctx, ts.tx)
}

func (ts *txStore) UpdateRevenue(ctx context.Context, rev ledger.CompanyRevenue) (ledger.CompanyRevenue, error) {
	return updateRevenue(ctx, ts.tx, rev)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	return appendTransaction(ctx, ts.tx, tx, ts.now())
}

func (ts *txStore) ListTransactions(ctx context.Context, filter ledger.TransactionFilter, page ledger.Page) ([]ledger.Transaction, error) {
	return listTransactions(ctx, ts.tx, filter, page)
}

func (ts *txStore) GetRequest(ctx context.Context, id ledger.RequestID) (ledger.ProductRequest, error) {
	return getRequest(ctx, ts.tx, id)
}

func (ts *txStore) SaveRequest(ctx context.Context, req ledger.ProductRequest) (ledger.ProductRequest, error) {
	return saveRequest(ctx, ts.tx, req)
}

func (ts *txStore) ListRequests(ctx context.Context, filter ledger.RequestFilter, page ledger.Page) ([]ledger.ProductRequest, error) {
	return listRequests(ctx, ts.tx, filter, page)
}

// =============================================================================
// PRODUCT CATALOG (workflow.ProductStore interface)
// =============================================================================

// AddProduct inserts a catalog entry and returns it with its id.
func (s *Store) AddProduct(ctx context.Context, p ledger.Product) (ledger.Product, error) {
	if err := p.Validate(); err != nil {
		return ledger.Product{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO products (name, unit_price, stock, created_at) VALUES (?, ?, ?, ?)
	`, p.Name, formatMoney(p.UnitPrice), p.Stock, formatTime(p.CreatedAt))
	if err != nil {
		return ledger.Product{}, ledger.NewStoreError("add product", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Product{}, ledger.NewStoreError("add product", err)
	}
	p.ID = ledger.ProductID(id)
	return p, nil
}

func (s *Store) GetProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p                ledger.Product
		price, createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit_price, stock, created_at FROM products WHERE id = ?
	`, int64(id)).Scan(&p.ID, &p.Name, &price, &p.Stock, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Product{}, fmt.Errorf("product %d: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Product{}, ledger.NewStoreError("get product", err)
	}
	if p.UnitPrice, err = parseMoney(price); err != nil {
		return ledger.Product{}, ledger.NewStoreError("get product", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Product{}, ledger.NewStoreError("get product", err)
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, unit_price, stock, created_at FROM products ORDER BY id`)
	if err != nil {
		return nil, ledger.NewStoreError("list products", err)
	}
	defer rows.Close()

	products := []ledger.Product{}
	for rows.Next() {
		var (
			p                ledger.Product
			price, createdAt string
		)
		if err := rows.Scan(&p.ID, &p.Name, &price, &p.Stock, &createdAt); err != nil {
			return nil, ledger.NewStoreError("list products", err)
		}
		if p.UnitPrice, err = parseMoney(price); err != nil {
			return nil, ledger.NewStoreError("list products", err)
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, ledger.NewStoreError("list products", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.NewStoreError("list products", err)
	}
	return products, nil
}

// ReceiveStock adds quantity to the product's on-hand stock.
func (s *Store) ReceiveStock(ctx context.Context, id ledger.ProductID, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE products SET stock = stock + ? WHERE id = ?`, quantity, int64(id))
	if err != nil {
		return ledger.NewStoreError("receive stock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.NewStoreError("receive stock", err)
	}
	if n == 0 {
		return fmt.Errorf("product %d: %w", id, ledger.ErrNotFound)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func paginate(query string, args []any, page ledger.Page) (string, []any) {
	if page.Limit <= 0 && page.Offset <= 0 {
		return query, args
	}
	limit := page.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return query + " LIMIT ? OFFSET ?", append(args, limit, max(page.Offset, 0))
}

func formatMoney(d decimal.Decimal) string {
	return d.StringFixed(ledger.MoneyScale)
}

func parseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed amount %q: %w", s, err)
	}
	return d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
