// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/revenue-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
	now   func() time.Time
}

type memoryState struct {
	revenue       *ledger.CompanyRevenue
	transactions  []ledger.Transaction
	idempotency   map[string]bool
	requests      map[ledger.RequestID]ledger.ProductRequest
	nextTxID      ledger.TransactionID
	nextRequestID ledger.RequestID
	lastCreated   time.Time
}

func NewMemory() *Memory {
	return &Memory{
		state: memoryState{
			idempotency: make(map[string]bool),
			requests:    make(map[ledger.RequestID]ledger.ProductRequest),
		},
		now: time.Now,
	}
}

// NewInitializedMemory returns a Memory with a zeroed singleton.
func NewInitializedMemory() *Memory {
	m := NewMemory()
	_ = m.Initialize(context.Background())
	return m
}

// SetClock replaces the clock used to stamp rows. Tests only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Initialize(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.revenue == nil {
		m.state.revenue = &ledger.CompanyRevenue{LastUpdated: m.now().UTC(), UpdatedBy: "system", UpdateReason: "initialized"}
	}
	return nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (m *Memory) GetCurrentRevenue(_ context.Context) (ledger.CompanyRevenue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getRevenue()
}

func (m *Memory) UpdateRevenue(_ context.Context, rev ledger.CompanyRevenue) (ledger.CompanyRevenue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateRevenue(rev)
}

// AppendTransaction adds a single transaction. Append-only.
func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendTransaction(tx, m.now())
}

func (m *Memory) ListTransactions(_ context.Context, filter ledger.TransactionFilter, page ledger.Page) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listTransactions(filter, page), nil
}

// =============================================================================
// REQUEST STORE
// =============================================================================

func (m *Memory) GetRequest(_ context.Context, id ledger.RequestID) (ledger.ProductRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getRequest(id)
}

func (m *Memory) SaveRequest(_ context.Context, req ledger.ProductRequest) (ledger.ProductRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.saveRequest(req)
}

func (m *Memory) ListRequests(_ context.Context, filter ledger.RequestFilter, page ledger.Page) ([]ledger.ProductRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listRequests(filter, page), nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn while holding the writer lock.
// Simulated with a snapshot + rollback on error, panic or expired context.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if err := ctx.Err(); err != nil {
		return ledger.NewStoreError("begin", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	view := &memoryView{parent: m}

	defer func() {
		if p := recover(); p != nil {
			m.state = snapshot
			panic(p)
		}
	}()

	if err := fn(view); err != nil {
		m.state = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.state = snapshot
		return ledger.NewStoreError("commit", err)
	}
	return nil
}

type memoryView struct {
	parent *Memory
}

func (v *memoryView) GetCurrentRevenue(ctx context.Context) (ledger.CompanyRevenue, error) {
	if err := ctx.Err(); err != nil {
		return ledger.CompanyRevenue{}, ledger.NewStoreError("get revenue", err)
	}
	return v.parent.state.getRevenue()
}

func (v *memoryView) UpdateRevenue(ctx context.Context, rev ledger.CompanyRevenue) (ledger.CompanyRevenue, error) {
	if err := ctx.Err(); err != nil {
		return ledger.CompanyRevenue{}, ledger.NewStoreError("update revenue", err)
	}
	return v.parent.state.updateRevenue(rev)
}

func (v *memoryView) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, ledger.NewStoreError("append transaction", err)
	}
	return v.parent.state.appendTransaction(tx, v.parent.now())
}

func (v *memoryView) ListTransactions(_ context.Context, filter ledger.TransactionFilter, page ledger.Page) ([]ledger.Transaction, error) {
	return v.parent.state.listTransactions(filter, page), nil
}

func (v *memoryView) GetRequest(_ context.Context, id ledger.RequestID) (ledger.ProductRequest, error) {
	return v.parent.state.getRequest(id)
}

func (v *memoryView) SaveRequest(ctx context.Context, req ledger.ProductRequest) (ledger.ProductRequest, error) {
	if err := ctx.Err(); err != nil {
		return ledger.ProductRequest{}, ledger.NewStoreError("save request", err)
	}
	return v.parent.state.saveRequest(req)
}

func (v *memoryView) ListRequests(_ context.Context, filter ledger.RequestFilter, page ledger.Page) ([]ledger.ProductRequest, error) {
	return v.parent.state.listRequests(filter, page), nil
}

// =============================================================================
// STATE (callers hold the lock)
// =============================================================================

func (s *memoryState) getRevenue() (ledger.CompanyRevenue, error) {
	if s.revenue == nil {
		return ledger.CompanyRevenue{}, ledger.ErrNotInitialized
	}
	return *s.revenue, nil
}

func (s *memoryState) updateRevenue(rev ledger.CompanyRevenue) (ledger.CompanyRevenue, error) {
	if s.revenue == nil {
		return ledger.CompanyRevenue{}, ledger.ErrNotInitialized
	}
	if s.revenue.Version != rev.Version {
		return ledger.CompanyRevenue{}, ledger.ErrConcurrentModification
	}
	rev.Version++
	s.revenue = &rev
	return rev, nil
}

func (s *memoryState) appendTransaction(tx ledger.Transaction, now time.Time) (ledger.Transaction, error) {
	if tx.IdempotencyKey != "" && s.idempotency[tx.IdempotencyKey] {
		return ledger.Transaction{}, ledger.ErrDuplicateIdempotencyKey
	}

	created := now.UTC()
	if created.Before(s.lastCreated) {
		created = s.lastCreated
	}
	s.lastCreated = created
	s.nextTxID++

	tx.ID = s.nextTxID
	tx.CreatedAt = created
	s.transactions = append(s.transactions, tx)
	if tx.IdempotencyKey != "" {
		s.idempotency[tx.IdempotencyKey] = true
	}
	return tx, nil
}

func (s *memoryState) listTransactions(filter ledger.TransactionFilter, page ledger.Page) []ledger.Transaction {
	result := make([]ledger.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		if filter.Matches(tx) {
			result = append(result, tx)
		}
	}
	ledger.SortTransactions(result)
	return ledger.Paginate(result, page)
}

func (s *memoryState) getRequest(id ledger.RequestID) (ledger.ProductRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return ledger.ProductRequest{}, ledger.ErrNotFound
	}
	return req, nil
}

func (s *memoryState) saveRequest(req ledger.ProductRequest) (ledger.ProductRequest, error) {
	if req.ID == 0 {
		s.nextRequestID++
		req.ID = s.nextRequestID
	} else if _, ok := s.requests[req.ID]; !ok {
		return ledger.ProductRequest{}, ledger.ErrNotFound
	}
	s.requests[req.ID] = req
	return req, nil
}

func (s *memoryState) listRequests(filter ledger.RequestFilter, page ledger.Page) []ledger.ProductRequest {
	result := make([]ledger.ProductRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if filter.Matches(r) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return ledger.Paginate(result, page)
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		transactions:  append([]ledger.Transaction(nil), s.transactions...),
		idempotency:   make(map[string]bool, len(s.idempotency)),
		requests:      make(map[ledger.RequestID]ledger.ProductRequest, len(s.requests)),
		nextTxID:      s.nextTxID,
		nextRequestID: s.nextRequestID,
		lastCreated:   s.lastCreated,
	}
	if s.revenue != nil {
		rev := *s.revenue
		c.revenue = &rev
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	return c
}
