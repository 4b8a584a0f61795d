/*
scheduler.go - Automated ledger reconciliation

PURPOSE:
  Periodically replays the transaction log and compares the result with
  the revenue singleton. A mismatch means someone wrote to the store
  outside the engine, or a bug slipped through; it is logged at ERROR and
  kept as the last run for GET /api/reconciliation/status.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Never repairs anything; reconciliation is read-only

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/replay.go: Engine.Verify
  - handlers.go: RunReconciliation endpoint (manual check)
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/revenue-ledger/ledger"
	"go.uber.org/zap"
)

// ReconciliationRun is the outcome of one check.
type ReconciliationRun struct {
	At     time.Time
	Report ledger.ReconciliationReport
	Err    error
}

// ReconciliationScheduler handles automated ledger verification.
type ReconciliationScheduler struct {
	Engine        *ledger.Engine
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger

	ticker  *time.Ticker
	stop    chan bool
	wg      sync.WaitGroup
	mu      sync.Mutex
	startAt time.Time

	lastMu  sync.RWMutex
	last    ReconciliationRun
	hasLast bool
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(engine *ledger.Engine, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        logger.Named("reconciliation"),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}
	if rs.CheckInterval <= 0 {
		rs.logger.Warn("scheduler interval not positive, not starting", zap.Duration("interval", rs.CheckInterval))
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan bool)
	rs.startAt = time.Now()
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.logger.Info("scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight check.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger.Info("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan bool) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.check(context.Background())

	for {
		select {
		case <-ticker.C:
			rs.check(context.Background())
		case <-stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) check(ctx context.Context) ReconciliationRun {
	report, err := rs.Engine.Verify(ctx)
	run := ReconciliationRun{At: time.Now().UTC(), Report: report, Err: err}

	switch {
	case err == nil:
		rs.logger.Info("ledger reconciled",
			zap.Int("transactions", report.Transactions),
			zap.String("available_budget", report.Revenue.AvailableBudget.StringFixed(ledger.MoneyScale)))
	case errors.Is(err, ledger.ErrLedgerCorrupted):
		rs.logger.Error("ledger reconciliation failed", zap.Error(err))
	default:
		rs.logger.Warn("ledger reconciliation could not run", zap.Error(err))
	}

	rs.lastMu.Lock()
	rs.last = run
	rs.hasLast = true
	rs.lastMu.Unlock()
	return run
}

// RunNow triggers an immediate check (for testing/admin).
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) ReconciliationRun {
	return rs.check(ctx)
}

// LastRun returns the most recent check, if any.
func (rs *ReconciliationScheduler) LastRun() (ReconciliationRun, bool) {
	rs.lastMu.RLock()
	defer rs.lastMu.RUnlock()
	return rs.last, rs.hasLast
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil || rs.CheckInterval <= 0 {
		return time.Now().Add(rs.CheckInterval)
	}
	elapsed := time.Since(rs.startAt)
	periods := elapsed/rs.CheckInterval + 1
	return rs.startAt.Add(periods * rs.CheckInterval)
}
