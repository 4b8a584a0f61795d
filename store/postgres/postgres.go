/*
Package postgres provides a PostgreSQL implementation of the ledger stores
built on GORM.

INTERFACES IMPLEMENTED:
  ledger.TxStore:        Singleton, transaction log, requests, units of work
  workflow.ProductStore: Catalog lookups and stock increments

CONCURRENCY:
  Several server processes may share one database, so an in-process mutex
  is not enough. Every unit of work starts by taking a row lock on the
  singleton (SELECT ... FOR UPDATE); a second unit of work blocks there
  until the first commits. UpdateRevenue additionally checks the row
  version, so a writer that skipped WithTx still cannot lose an update.

APPEND-ONLY ENFORCEMENT:
  A BEFORE UPDATE OR DELETE trigger on revenue_transactions raises.

ERRORS:
  gorm.Config.TranslateError maps unique violations to gorm.ErrDuplicatedKey,
  which becomes ledger.ErrDuplicateIdempotencyKey. Everything else is
  wrapped in ledger.StoreError.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite/sqlite.go: Single-process default
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/revenue-ledger/ledger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// =============================================================================
// MODELS
// =============================================================================

type revenueRow struct {
	ID              int             `gorm:"primaryKey;autoIncrement:false;check:company_revenue_singleton,id = 1"`
	CurrentRevenue  decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	AvailableBudget decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	TotalSpent      decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	LastUpdated     time.Time       `gorm:"not null"`
	UpdatedBy       string          `gorm:"type:varchar(255);not null"`
	UpdateReason    string          `gorm:"type:text"`
	Version         int64           `gorm:"not null;default:0"`
}

func (revenueRow) TableName() string { return "company_revenue" }

type transactionRow struct {
	ID               int64           `gorm:"primaryKey;index:idx_revenue_transactions_order,priority:2"`
	TxType           string          `gorm:"type:varchar(64);not null;index"`
	Direction        string          `gorm:"type:varchar(8);not null;check:revenue_transactions_direction,direction IN ('debit', 'credit')"`
	Amount           decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	ProductRequestID *int64          `gorm:"index"`
	CreatedBy        string          `gorm:"type:varchar(255);not null"`
	CreatedAt        time.Time       `gorm:"autoCreateTime:false;not null;index:idx_revenue_transactions_order,priority:1"`
	Description      string          `gorm:"type:text"`
	BalanceAfter     decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	IdempotencyKey   *string         `gorm:"type:varchar(255);uniqueIndex"`
}

func (transactionRow) TableName() string { return "revenue_transactions" }

type productRow struct {
	ID        int64           `gorm:"primaryKey"`
	Name      string          `gorm:"type:varchar(255);not null"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Stock     int             `gorm:"type:int;default:0;not null"`
	CreatedAt time.Time       `gorm:"autoCreateTime:false;not null"`
}

func (productRow) TableName() string { return "products" }

type requestRow struct {
	ID                int64  `gorm:"primaryKey"`
	ProductID         int64  `gorm:"not null;index"`
	RequestedQuantity int    `gorm:"type:int;not null"`
	RequestedBy       string `gorm:"type:varchar(255);not null"`
	Status            string `gorm:"type:varchar(20);not null;index"`
	RequestDate       time.Time
	ApprovalDate      *time.Time
	ApprovedBy        *string `gorm:"type:varchar(255)"`
	ReceivedDate      *time.Time
	ReceivedBy        *string `gorm:"type:varchar(255)"`
	RejectedDate      *time.Time
	RejectedBy        *string `gorm:"type:varchar(255)"`
	RejectionReason   *string `gorm:"type:text"`
	CancelledDate     *time.Time
	CancelledBy       *string         `gorm:"type:varchar(255)"`
	Notes             string          `gorm:"type:text"`
	TotalCost         decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	CreatedBy         string          `gorm:"type:varchar(255)"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime:false"`
}

func (requestRow) TableName() string { return "product_requests" }

const appendOnlyTrigger = `
CREATE OR REPLACE FUNCTION revenue_transactions_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'revenue_transactions is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS revenue_transactions_no_mutation ON revenue_transactions;
CREATE TRIGGER revenue_transactions_no_mutation
	BEFORE UPDATE OR DELETE ON revenue_transactions
	FOR EACH ROW EXECUTE FUNCTION revenue_transactions_append_only();
`

// =============================================================================
// STORE
// =============================================================================

// Store implements ledger.TxStore on PostgreSQL.
type Store struct {
	queries
	root *gorm.DB
}

// queries holds every read and write; the root Store and the per-unit-of-work
// view differ only in which *gorm.DB they carry.
type queries struct {
	db  *gorm.DB
	now func() time.Time
}

// New opens a connection pool and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewFromDB(db)
}

// NewFromDB wraps an existing handle. The handle must have TranslateError
// enabled.
func NewFromDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&revenueRow{}, &transactionRow{}, &productRow{}, &requestRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := db.Exec(appendOnlyTrigger).Error; err != nil {
		return nil, fmt.Errorf("failed to install append-only trigger: %w", err)
	}
	return &Store{queries: queries{db: db, now: time.Now}, root: db}, nil
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close releases the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.root.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.root.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Initialize seeds a zeroed singleton. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	row := revenueRow{
		ID:              1,
		CurrentRevenue:  decimal.Zero,
		AvailableBudget: decimal.Zero,
		TotalSpent:      decimal.Zero,
		LastUpdated:     s.now().UTC(),
		UpdatedBy:       "system",
		UpdateReason:    "initialized",
	}
	err := s.root.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	return ledger.NewStoreError("initialize", err)
}

// WithTx runs fn in a database transaction holding the singleton row lock.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	var fnErr error
	err := s.root.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row revenueRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", 1).Take(&row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.NewStoreError("lock revenue", err)
		}

		if fnErr = fn(&queries{db: tx, now: s.now}); fnErr != nil {
			return fnErr
		}
		if err := ctx.Err(); err != nil {
			return ledger.NewStoreError("commit", err)
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	return ledger.NewStoreError("commit", err)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (q *queries) GetCurrentRevenue(ctx context.Context) (ledger.CompanyRevenue, error) {
	var row revenueRow
	err := q.db.WithContext(ctx).Where("id = ?", 1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.CompanyRevenue{}, ledger.ErrNotInitialized
	}
	if err != nil {
		return ledger.CompanyRevenue{}, ledger.NewStoreError("get revenue", err)
	}
	return ledger.CompanyRevenue{
		CurrentRevenue:  row.CurrentRevenue,
		AvailableBudget: row.AvailableBudget,
		TotalSpent:      row.TotalSpent,
		LastUpdated:     row.LastUpdated.UTC(),
		UpdatedBy:       row.UpdatedBy,
		UpdateReason:    row.UpdateReason,
		Version:         row.Version,
	}, nil
}

func (q *queries) UpdateRevenue(ctx context.Context, rev ledger.CompanyRevenue) (ledger.CompanyRevenue, error) {
	res := q.db.WithContext(ctx).Model(&revenueRow{}).
		Where("id = ? AND version = ?", 1, rev.Version).
		Updates(map[string]any{
			"current_revenue":  rev.CurrentRevenue,
			"available_budget": rev.AvailableBudget,
			"total_spent":      rev.TotalSpent,
			"last_updated":     rev.LastUpdated,
			"updated_by":       rev.UpdatedBy,
			"update_reason":    rev.UpdateReason,
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return ledger.CompanyRevenue{}, ledger.NewStoreError("update revenue", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := q.GetCurrentRevenue(ctx); err != nil {
			return ledger.CompanyRevenue{}, err
		}
		return ledger.CompanyRevenue{}, ledger.ErrConcurrentModification
	}
	rev.Version++
	return rev, nil
}

// AppendTransaction adds a single transaction. Append-only.
func (q *queries) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	// timestamptz keeps microseconds.
	created := q.now().UTC().Truncate(time.Microsecond)

	var last sql.NullTime
	if err := q.db.WithContext(ctx).Model(&transactionRow{}).Select("MAX(created_at)").Row().Scan(&last); err != nil {
		return ledger.Transaction{}, ledger.NewStoreError("append transaction", err)
	}
	if last.Valid && created.Before(last.Time) {
		created = last.Time.UTC()
	}

	row := transactionRow{
		TxType:       string(tx.Type),
		Direction:    string(tx.Direction),
		Amount:       tx.Amount,
		CreatedBy:    tx.CreatedBy,
		CreatedAt:    created,
		Description:  tx.Description,
		BalanceAfter: tx.BalanceAfter,
	}
	if tx.ProductRequestID != nil {
		id := int64(*tx.ProductRequestID)
		row.ProductRequestID = &id
	}
	if tx.IdempotencyKey != "" {
		key := tx.IdempotencyKey
		row.IdempotencyKey = &key
	}

	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ledger.Transaction{}, ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.Transaction{}, ledger.NewStoreError("append transaction", err)
	}

	tx.ID = ledger.TransactionID(row.ID)
	tx.CreatedAt = created
	return tx, nil
}

func (q *queries) ListTransactions(ctx context.Context, filter ledger.TransactionFilter, page ledger.Page) ([]ledger.Transaction, error) {
	db := q.db.WithContext(ctx).Model(&transactionRow{})
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		db = db.Where("tx_type IN ?", types)
	}
	if filter.From != nil {
		db = db.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		db = db.Where("created_at <= ?", filter.To.UTC())
	}
	if filter.RequestID != nil {
		db = db.Where("product_request_id = ?", int64(*filter.RequestID))
	}

	var rows []transactionRow
	if err := paginate(db.Order("created_at ASC, id ASC"), page).Find(&rows).Error; err != nil {
		return nil, ledger.NewStoreError("list transactions", err)
	}

	result := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		tx := ledger.Transaction{
			ID:           ledger.TransactionID(row.ID),
			Type:         ledger.TransactionType(row.TxType),
			Direction:    ledger.Direction(row.Direction),
			Amount:       row.Amount,
			CreatedBy:    row.CreatedBy,
			CreatedAt:    row.CreatedAt.UTC(),
			Description:  row.Description,
			BalanceAfter: row.BalanceAfter,
		}
		if row.ProductRequestID != nil {
			id := ledger.RequestID(*row.ProductRequestID)
			tx.ProductRequestID = &id
		}
		if row.IdempotencyKey != nil {
			tx.IdempotencyKey = *row.IdempotencyKey
		}
		result = append(result, tx)
	}
	return result, nil
}

// =============================================================================
// REQUEST STORE
// =============================================================================

func (q *queries) GetRequest(ctx context.Context, id ledger.RequestID) (ledger.ProductRequest, error) {
	var row requestRow
	err := q.db.WithContext(ctx).Where("id = ?", int64(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ProductRequest{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.ProductRequest{}, ledger.NewStoreError("get request", err)
	}
	return row.toDomain(), nil
}

// SaveRequest inserts when req.ID is zero, updates otherwise.
func (q *queries) SaveRequest(ctx context.Context, req ledger.ProductRequest) (ledger.ProductRequest, error) {
	row := requestFromDomain(req)

	if row.ID == 0 {
		if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
			return ledger.ProductRequest{}, ledger.NewStoreError("insert request", err)
		}
		return row.toDomain(), nil
	}

	res := q.db.WithContext(ctx).Model(&row).Select("*").Updates(&row)
	if res.Error != nil {
		return ledger.ProductRequest{}, ledger.NewStoreError("update request", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.ProductRequest{}, ledger.ErrNotFound
	}
	return row.toDomain(), nil
}

func (q *queries) ListRequests(ctx context.Context, filter ledger.RequestFilter, page ledger.Page) ([]ledger.ProductRequest, error) {
	db := q.db.WithContext(ctx).Model(&requestRow{})
	if filter.Status != "" {
		db = db.Where("status = ?", string(filter.Status))
	}
	if filter.ProductID != nil {
		db = db.Where("product_id = ?", int64(*filter.ProductID))
	}
	if filter.RequestedBy != "" {
		db = db.Where("requested_by = ?", filter.RequestedBy)
	}

	var rows []requestRow
	if err := paginate(db.Order("id DESC"), page).Find(&rows).Error; err != nil {
		return nil, ledger.NewStoreError("list requests", err)
	}
	result := make([]ledger.ProductRequest, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func requestFromDomain(r ledger.ProductRequest) requestRow {
	return requestRow{
		ID:                int64(r.ID),
		ProductID:         int64(r.ProductID),
		RequestedQuantity: r.RequestedQuantity,
		RequestedBy:       r.RequestedBy,
		Status:            string(r.Status),
		RequestDate:       r.RequestDate.UTC(),
		ApprovalDate:      r.ApprovalDate,
		ApprovedBy:        r.ApprovedBy,
		ReceivedDate:      r.ReceivedDate,
		ReceivedBy:        r.ReceivedBy,
		RejectedDate:      r.RejectedDate,
		RejectedBy:        r.RejectedBy,
		RejectionReason:   r.RejectionReason,
		CancelledDate:     r.CancelledDate,
		CancelledBy:       r.CancelledBy,
		Notes:             r.Notes,
		TotalCost:         r.TotalCost,
		CreatedBy:         r.CreatedBy,
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

func (row requestRow) toDomain() ledger.ProductRequest {
	return ledger.ProductRequest{
		ID:                ledger.RequestID(row.ID),
		ProductID:         ledger.ProductID(row.ProductID),
		RequestedQuantity: row.RequestedQuantity,
		RequestedBy:       row.RequestedBy,
		Status:            ledger.RequestStatus(row.Status),
		RequestDate:       row.RequestDate.UTC(),
		ApprovalDate:      utcPtr(row.ApprovalDate),
		ApprovedBy:        row.ApprovedBy,
		ReceivedDate:      utcPtr(row.ReceivedDate),
		ReceivedBy:        row.ReceivedBy,
		RejectedDate:      utcPtr(row.RejectedDate),
		RejectedBy:        row.RejectedBy,
		RejectionReason:   row.RejectionReason,
		CancelledDate:     utcPtr(row.CancelledDate),
		CancelledBy:       row.CancelledBy,
		Notes:             row.Notes,
		TotalCost:         row.TotalCost,
		CreatedBy:         row.CreatedBy,
		UpdatedAt:         row.UpdatedAt.UTC(),
	}
}

// =============================================================================
// PRODUCT CATALOG
// =============================================================================

func (s *Store) AddProduct(ctx context.Context, p ledger.Product) (ledger.Product, error) {
	if err := p.Validate(); err != nil {
		return ledger.Product{}, err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	row := productRow{Name: p.Name, UnitPrice: p.UnitPrice, Stock: p.Stock, CreatedAt: p.CreatedAt}
	if err := s.root.WithContext(ctx).Create(&row).Error; err != nil {
		return ledger.Product{}, ledger.NewStoreError("add product", err)
	}
	p.ID = ledger.ProductID(row.ID)
	return p, nil
}

func (s *Store) GetProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	var row productRow
	err := s.root.WithContext(ctx).Where("id = ?", int64(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Product{}, fmt.Errorf("product %d: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Product{}, ledger.NewStoreError("get product", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	var rows []productRow
	if err := s.root.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, ledger.NewStoreError("list products", err)
	}
	result := make([]ledger.Product, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

// ReceiveStock adds quantity to the product's on-hand stock.
func (s *Store) ReceiveStock(ctx context.Context, id ledger.ProductID, quantity int) error {
	res := s.root.WithContext(ctx).Model(&productRow{}).
		Where("id = ?", int64(id)).
		UpdateColumn("stock", gorm.Expr("stock + ?", quantity))
	if res.Error != nil {
		return ledger.NewStoreError("receive stock", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("product %d: %w", id, ledger.ErrNotFound)
	}
	return nil
}

func (row productRow) toDomain() ledger.Product {
	return ledger.Product{
		ID:        ledger.ProductID(row.ID),
		Name:      row.Name,
		UnitPrice: row.UnitPrice,
		Stock:     row.Stock,
		CreatedAt: row.CreatedAt.UTC(),
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func paginate(db *gorm.DB, page ledger.Page) *gorm.DB {
	if page.Offset > 0 {
		db = db.Offset(page.Offset)
	}
	if page.Limit > 0 {
		db = db.Limit(page.Limit)
	}
	return db
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
