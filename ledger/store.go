/*
store.go - Persistence interfaces for the ledger and requests

APPEND-ONLY CONTRACT:
  The transaction log has exactly one write operation, AppendTransaction.
  There is no Update or Delete for transactions. Corrections are new rows.

UNIT OF WORK:
  WithTx runs fn against a transactional view of the store. If fn returns
  an error, or ctx expires before commit, nothing fn wrote is kept. Units of
  work are serialized: at most one is in flight per store, which is what
  keeps the singleton read-modify-write free of lost updates.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via GORM
*/
package ledger

import "context"

// LedgerStore persists the revenue singleton and the transaction log.
type LedgerStore interface {
	// GetCurrentRevenue returns the singleton. ErrNotInitialized if missing.
	GetCurrentRevenue(ctx context.Context) (CompanyRevenue, error)

	// UpdateRevenue writes the singleton if rev.Version matches the stored
	// version and returns it with the new version. ErrConcurrentModification
	// otherwise. Only the Engine calls this.
	UpdateRevenue(ctx context.Context, rev CompanyRevenue) (CompanyRevenue, error)

	// AppendTransaction assigns an id, stamps CreatedAt and persists tx.
	// ErrDuplicateIdempotencyKey if the key is already used.
	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// ListTransactions returns rows ordered by CreatedAt, then ID.
	ListTransactions(ctx context.Context, filter TransactionFilter, page Page) ([]Transaction, error)
}

// RequestStore persists product requests.
type RequestStore interface {
	GetRequest(ctx context.Context, id RequestID) (ProductRequest, error)

	// SaveRequest inserts when req.ID is zero, updates otherwise.
	SaveRequest(ctx context.Context, req ProductRequest) (ProductRequest, error)

	// ListRequests returns requests newest first.
	ListRequests(ctx context.Context, filter RequestFilter, page Page) ([]ProductRequest, error)
}

// Store is everything a unit of work can touch.
type Store interface {
	LedgerStore
	RequestStore
}

// TxStore wraps Store with unit-of-work support.
type TxStore interface {
	Store

	// Initialize seeds a zeroed singleton if none exists. Idempotent.
	Initialize(ctx context.Context) error

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
