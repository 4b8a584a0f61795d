/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the catalog and the ledger
	with realistic data for demos. Each scenario goes through the engine and
	the workflow, so every row it writes is a normal ledger entry.

AVAILABLE SCENARIOS:

	office-supplies:  Funded budget and a small catalog, nothing requested yet
	approval-cycle:   Approve, cancel, re-approve and receive
	tight-budget:     Budget smaller than the one pending request

HOW SCENARIOS WORK:
 1. Fund the budget with an ADJUSTMENT
 2. Add products to the catalog
 3. Optionally drive requests through the workflow

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "approval-cycle"}

NOTE:

	The ledger is append-only, so there is no reset. Loading a scenario adds
	to whatever is already there. Use a fresh database for a clean demo.

SEE ALSO:
  - handlers.go: Handler dependencies
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/revenue-ledger/ledger"
)

const scenarioActor = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "office-supplies",
		Name:        "Office Supplies",
		Description: "Budget of 1000.00 and three products, ready for requests",
	},
	{
		ID:          "approval-cycle",
		Name:        "Approval Cycle",
		Description: "Monitors approved then cancelled, desks approved and received",
	},
	{
		ID:          "tight-budget",
		Name:        "Tight Budget",
		Description: "Budget of 100.00 with a pending 150.00 laptop request",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	var err error
	switch req.ScenarioID {
	case "office-supplies":
		_, err = h.loadOfficeSuppliesScenario(ctx)
	case "approval-cycle":
		err = h.loadApprovalCycleScenario(ctx)
	case "tight-budget":
		err = h.loadTightBudgetScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		h.writeLedgerError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type officeCatalog struct {
	monitor  ledger.Product
	desk     ledger.Product
	keyboard ledger.Product
}

func (h *Handler) loadOfficeSuppliesScenario(ctx context.Context) (officeCatalog, error) {
	var catalog officeCatalog

	if err := h.fund(ctx, "1000.00"); err != nil {
		return catalog, err
	}

	var err error
	if catalog.monitor, err = h.addProduct(ctx, "Monitor", "100.00", 2); err != nil {
		return catalog, err
	}
	if catalog.desk, err = h.addProduct(ctx, "Standing Desk", "250.00", 0); err != nil {
		return catalog, err
	}
	if catalog.keyboard, err = h.addProduct(ctx, "Keyboard", "45.50", 10); err != nil {
		return catalog, err
	}
	return catalog, nil
}

func (h *Handler) loadApprovalCycleScenario(ctx context.Context) error {
	catalog, err := h.loadOfficeSuppliesScenario(ctx)
	if err != nil {
		return err
	}

	// Four monitors: 400.00 deducted, then restored on cancel.
	monitors, err := h.Workflow.Create(ctx, catalog.monitor.ID, 4, "alice", "new hires")
	if err != nil {
		return err
	}
	if _, err := h.Workflow.Approve(ctx, monitors.ID, "manager", ""); err != nil {
		return err
	}
	if _, err := h.Workflow.Cancel(ctx, monitors.ID, "manager", "hiring paused"); err != nil {
		return err
	}

	// Two desks: 500.00 deducted and delivered.
	desks, err := h.Workflow.Create(ctx, catalog.desk.ID, 2, "bob", "")
	if err != nil {
		return err
	}
	if _, err := h.Workflow.Approve(ctx, desks.ID, "manager", ""); err != nil {
		return err
	}
	if _, err := h.Workflow.Receive(ctx, desks.ID, "facilities", "delivered to floor 3"); err != nil {
		return err
	}

	// One keyboard left pending for the demo.
	_, err = h.Workflow.Create(ctx, catalog.keyboard.ID, 1, "carol", "")
	return err
}

func (h *Handler) loadTightBudgetScenario(ctx context.Context) error {
	if err := h.fund(ctx, "100.00"); err != nil {
		return err
	}
	laptop, err := h.addProduct(ctx, "Laptop", "150.00", 0)
	if err != nil {
		return err
	}
	_, err = h.Workflow.Create(ctx, laptop.ID, 1, "dave", "approval will fail until the budget grows")
	return err
}

func (h *Handler) fund(ctx context.Context, amount string) error {
	delta := ledger.MustMoney(amount)
	_, err := h.Engine.Adjust(ctx, ledger.Adjustment{
		BudgetDelta: &delta,
		Reason:      "scenario funding",
		Actor:       scenarioActor,
	})
	return err
}

func (h *Handler) addProduct(ctx context.Context, name, price string, stock int) (ledger.Product, error) {
	return h.Products.AddProduct(ctx, ledger.Product{
		Name:      name,
		UnitPrice: ledger.MustMoney(price),
		Stock:     stock,
	})
}
