/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  ledger data for demos and for exercising the finance frontend. Each
  scenario creates leases, accrues rent through the batch generator, and
  allocates payments through the FIFO engine, so the resulting entries are
  exactly what production traffic would produce.

AVAILABLE SCENARIOS:
  arrears-student:   Five months accrued, one short payment; oldest months
                     cleared first and the rest left outstanding
  advance-payer:     Pays more than is owed; excess lands as an advance
  forfeiting-tenant: Deposit paid, then the first month is forfeited and the
                     paid deposit recognized as forfeited income

HOW SCENARIOS WORK:
  1. Reset database (clear all data)
  2. Seed the default chart of accounts
  3. Save the debtor (lease)
  4. Batch-accrue through the scenario's last month
  5. Allocate payments and apply corrections

USAGE VIA API:
  POST /api/scenarios/load
  {"scenarioId": "arrears-student"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.
  Dates are fixed in 2025 so results are reproducible.

SEE ALSO:
  - handlers.go: Handler wiring
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/rent-ledger/accrual"
	"github.com/warp/rent-ledger/allocation"
	"github.com/warp/rent-ledger/ledger"
)

const scenarioActor = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "arrears-student",
		Name:        "Student in Arrears",
		Description: "March-July rent accrued, one $500 payment clears the oldest months first",
	},
	{
		ID:          "advance-payer",
		Name:        "Advance Payer",
		Description: "Pays a full term up front; the excess is booked as an advance",
	},
	{
		ID:          "forfeiting-tenant",
		Name:        "Forfeiting Tenant",
		Description: "Deposit paid, first month forfeited, deposit kept as forfeited income",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"arrears-student":   (*Handler).loadArrearsScenario,
	"advance-payer":     (*Handler).loadAdvancePayerScenario,
	"forfeiting-tenant": (*Handler).loadForfeitingTenantScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("no scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.reset(ctx); err != nil {
		h.fail(w, "Failed to reset database", err)
		return
	}
	if err := load(h, ctx); err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data and re-seeds the default chart.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		h.fail(w, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	return h.Ledger.Accounts().Seed(ctx, ledger.DefaultChart())
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadArrearsScenario(ctx context.Context) error {
	if err := h.Store.SaveDebtor(ctx, accrual.Debtor{
		StudentID:  "stu-arrears",
		Name:       "Thabo Nkosi",
		Residence:  "St Kilda",
		LeaseStart: day(2025, time.March, 1),
		RoomPrice:  ledger.Money("220"),
		AdminFee:   ledger.Money("20"),
		Deposit:    ledger.Money("220"),
		Active:     true,
	}); err != nil {
		return err
	}
	if err := h.accrueThrough(ctx, "2025-07"); err != nil {
		return err
	}
	// March admin + deposit + rent, then April rent, then part of May
	return h.pay(ctx, allocation.PaymentEvent{
		PaymentID: "pay-arrears-1",
		StudentID: "stu-arrears",
		Payments: []allocation.PaymentComponent{
			{Type: ledger.PaymentRent, Amount: ledger.Money("500")},
			{Type: ledger.PaymentAdmin, Amount: ledger.Money("20")},
			{Type: ledger.PaymentDeposit, Amount: ledger.Money("220")},
		},
		Date:   day(2025, time.June, 12),
		Method: "bank_transfer",
	})
}

func (h *Handler) loadAdvancePayerScenario(ctx context.Context) error {
	if err := h.Store.SaveDebtor(ctx, accrual.Debtor{
		StudentID:  "stu-advance",
		Name:       "Naledi Dube",
		Residence:  "Belvedere",
		LeaseStart: day(2025, time.June, 1),
		RoomPrice:  ledger.Money("180"),
		AdminFee:   ledger.Money("0"),
		Deposit:    ledger.Money("180"),
		Active:     true,
	}); err != nil {
		return err
	}
	if err := h.accrueThrough(ctx, "2025-07"); err != nil {
		return err
	}
	// two months owed, a term paid
	return h.pay(ctx, allocation.PaymentEvent{
		PaymentID: "pay-advance-1",
		StudentID: "stu-advance",
		Payments: []allocation.PaymentComponent{
			{Type: ledger.PaymentRent, Amount: ledger.Money("900")},
			{Type: ledger.PaymentDeposit, Amount: ledger.Money("180")},
		},
		Date:   day(2025, time.June, 2),
		Method: "cash",
	})
}

func (h *Handler) loadForfeitingTenantScenario(ctx context.Context) error {
	if err := h.Store.SaveDebtor(ctx, accrual.Debtor{
		StudentID:  "stu-forfeit",
		Name:       "Kuda Moyo",
		Residence:  "Avondale",
		LeaseStart: day(2025, time.May, 1),
		LeaseEnd:   day(2025, time.June, 30),
		RoomPrice:  ledger.Money("200"),
		AdminFee:   ledger.Money("0"),
		Deposit:    ledger.Money("150"),
		Active:     true,
	}); err != nil {
		return err
	}
	if err := h.accrueThrough(ctx, "2025-06"); err != nil {
		return err
	}
	if err := h.pay(ctx, allocation.PaymentEvent{
		PaymentID: "pay-forfeit-1",
		StudentID: "stu-forfeit",
		Payments:  []allocation.PaymentComponent{{Type: ledger.PaymentDeposit, Amount: ledger.Money("150")}},
		Date:      day(2025, time.May, 3),
		Method:    "bank_transfer",
	}); err != nil {
		return err
	}

	may := ledger.MustParsePeriod("2025-05")
	accruals, err := h.Ledger.Collect(ctx, ledger.Filter{
		StudentID:     "stu-forfeit",
		Sources:       []ledger.Source{ledger.SourceRentalAccrual},
		Statuses:      []ledger.Status{ledger.StatusPosted},
		AccrualPeriod: &may,
	})
	if err != nil {
		return err
	}
	if len(accruals) != 1 {
		return fmt.Errorf("expected one May accrual, found %d", len(accruals))
	}
	_, err = h.Corrections.ReverseForfeiture(ctx, accruals[0].TransactionID, scenarioActor)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) accrueThrough(ctx context.Context, period string) error {
	res, err := h.Accruals.CreateMonthlyAccrualsBatch(ctx, ledger.MustParsePeriod(period), accrual.Options{Actor: scenarioActor})
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("accrual for %s %s: %s", res.Errors[0].StudentID, res.Errors[0].Period, res.Errors[0].Error)
	}
	return nil
}

func (h *Handler) pay(ctx context.Context, p allocation.PaymentEvent) error {
	p.Actor = scenarioActor
	res, err := h.Payments.AllocatePayment(ctx, p)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("payment %s: %s: %s", p.PaymentID, res.Error, res.Message)
	}
	return nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
