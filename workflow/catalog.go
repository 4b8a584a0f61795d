package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/revenue-ledger/ledger"
)

// Catalog is the read-only product lookup used to price approvals.
type Catalog interface {
	GetProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error)
}

// StockReceiver increments on-hand stock when a request is received.
type StockReceiver interface {
	ReceiveStock(ctx context.Context, id ledger.ProductID, quantity int) error
}

// ProductStore is a full catalog: lookup, listing, creation and stock.
type ProductStore interface {
	Catalog
	StockReceiver
	AddProduct(ctx context.Context, p ledger.Product) (ledger.Product, error)
	ListProducts(ctx context.Context) ([]ledger.Product, error)
}

// =============================================================================
// MEMORY CATALOG
// =============================================================================

// MemoryCatalog is an in-process Catalog and StockReceiver.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[ledger.ProductID]ledger.Product
	nextID   ledger.ProductID
}

var _ ProductStore = (*MemoryCatalog)(nil)

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{products: make(map[ledger.ProductID]ledger.Product)}
}

// AddProduct assigns an id and stores p.
func (c *MemoryCatalog) AddProduct(_ context.Context, p ledger.Product) (ledger.Product, error) {
	if err := p.Validate(); err != nil {
		return ledger.Product{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	p.ID = c.nextID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	c.products[p.ID] = p
	return p, nil
}

// MustAddProduct is AddProduct for fixtures.
func (c *MemoryCatalog) MustAddProduct(name string, unitPrice string) ledger.Product {
	p, err := c.AddProduct(context.Background(), ledger.Product{Name: name, UnitPrice: decimal.RequireFromString(unitPrice)})
	if err != nil {
		panic(err)
	}
	return p
}

func (c *MemoryCatalog) GetProduct(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	if !ok {
		return ledger.Product{}, fmt.Errorf("product %d: %w", id, ledger.ErrNotFound)
	}
	return p, nil
}

func (c *MemoryCatalog) ListProducts(_ context.Context) ([]ledger.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]ledger.Product, 0, len(c.products))
	for _, p := range c.products {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (c *MemoryCatalog) ReceiveStock(_ context.Context, id ledger.ProductID, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[id]
	if !ok {
		return fmt.Errorf("product %d: %w", id, ledger.ErrNotFound)
	}
	p.Stock += quantity
	c.products[id] = p
	return nil
}
