/*
inventory.go - Inventory notification on Receive

PURPOSE:
  Receive is the only transition that touches inventory. The workflow hands
  a ReceivedEvent to an Inventory after the request row committed; whatever
  happens next never rolls the transition back.

DESIGN:
  - StockInventory applies the event to a StockReceiver synchronously
  - QueuedInventory puts events on a buffered channel drained by one worker
    goroutine; a full queue rejects the event with ErrQueueFull
  - Stop closes the queue and waits until every queued event is delivered

USAGE:
  queued := NewQueuedInventory(NewStockInventory(catalog), 64, logger)
  queued.Start()
  defer queued.Stop()

SEE ALSO:
  - workflow.go: Receive
  - catalog.go: StockReceiver implementations
*/
package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/revenue-ledger/ledger"
	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("inventory queue full")
	ErrQueueClosed = errors.New("inventory queue closed")
)

// ReceivedEvent is emitted once per received request.
type ReceivedEvent struct {
	RequestID  ledger.RequestID
	ProductID  ledger.ProductID
	Quantity   int
	ReceivedBy string
	ReceivedAt time.Time
}

// Inventory is notified when goods arrive.
type Inventory interface {
	NotifyReceived(ctx context.Context, event ReceivedEvent) error
}

// NopInventory discards events.
type NopInventory struct{}

func (NopInventory) NotifyReceived(context.Context, ReceivedEvent) error { return nil }

// =============================================================================
// STOCK INVENTORY
// =============================================================================

// StockInventory increments product stock.
type StockInventory struct {
	receiver StockReceiver
}

func NewStockInventory(receiver StockReceiver) *StockInventory {
	return &StockInventory{receiver: receiver}
}

func (s *StockInventory) NotifyReceived(ctx context.Context, event ReceivedEvent) error {
	return s.receiver.ReceiveStock(ctx, event.ProductID, event.Quantity)
}

// =============================================================================
// QUEUED INVENTORY
// =============================================================================

// DeliveryTimeout bounds a single delivery by the queue worker.
const DeliveryTimeout = 10 * time.Second

// QueuedInventory decouples delivery from the caller.
type QueuedInventory struct {
	next   Inventory
	logger *zap.Logger
	queue  chan ReceivedEvent

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewQueuedInventory creates a notifier with room for size pending events.
func NewQueuedInventory(next Inventory, size int, logger *zap.Logger) *QueuedInventory {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueuedInventory{
		next:   next,
		logger: logger.Named("inventory"),
		queue:  make(chan ReceivedEvent, size),
	}
}

// Start launches the worker. Calling it twice is a no-op.
func (q *QueuedInventory) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.run()
	q.logger.Info("inventory worker started", zap.Int("queue_size", cap(q.queue)))
}

// NotifyReceived enqueues the event without blocking.
func (q *QueuedInventory) NotifyReceived(_ context.Context, event ReceivedEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects new events and waits for the queue to drain.
func (q *QueuedInventory) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.queue)
	started := q.started
	q.mu.Unlock()

	if !started {
		// Nobody will drain the queue, deliver inline.
		for event := range q.queue {
			q.deliver(event)
		}
		return
	}
	q.wg.Wait()
	q.logger.Info("inventory worker stopped")
}

// Pending returns the number of queued events.
func (q *QueuedInventory) Pending() int {
	return len(q.queue)
}

func (q *QueuedInventory) run() {
	defer q.wg.Done()
	for event := range q.queue {
		q.deliver(event)
	}
}

func (q *QueuedInventory) deliver(event ReceivedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), DeliveryTimeout)
	defer cancel()

	if err := q.next.NotifyReceived(ctx, event); err != nil {
		q.logger.Error("inventory delivery failed",
			zap.Int64("request_id", int64(event.RequestID)),
			zap.Int64("product_id", int64(event.ProductID)),
			zap.Int("quantity", event.Quantity),
			zap.Error(err),
		)
		return
	}
	q.logger.Debug("inventory delivered",
		zap.Int64("request_id", int64(event.RequestID)),
		zap.Int64("product_id", int64(event.ProductID)),
		zap.Int("quantity", event.Quantity),
	)
}
