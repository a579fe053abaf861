/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a small
	library: service points with opening hours, patrons, items, policies,
	circulation rules and loans in interesting states. Loans are created
	through the circulation service with past loan dates, so the next sweep
	picks up whatever is overdue.

AVAILABLE SCENARIOS:

	basic-circulation: Three week loans with a daily overdue fine
	overdue-reminders: Overdue loan on a reminder fee ladder
	aged-to-lost:      Long overdue loan ready to age to lost and bill
	actual-cost:       Declared lost item awaiting actual cost billing
	claimed-returned:  Loan the patron claims was returned
	holds:             Checked out item with a queued hold

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create service points and timetables
 3. Create patrons and items
 4. Create policies from presets and set the circulation rules
 5. Check items out with past loan dates
 6. Optionally run follow-up actions (declare lost, claim returned, hold)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "aged-to-lost"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, now)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Setup endpoints doing the same one record at a time
  - factory/presets.go: Policy JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/calendar"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "basic-circulation",
		Name:        "Basic Circulation",
		Description: "Three week renewable loans, daily overdue fine, courtesy notices",
	},
	{
		ID:          "overdue-reminders",
		Name:        "Overdue Reminders",
		Description: "Loan two weeks overdue on a three stage reminder fee ladder",
	},
	{
		ID:          "aged-to-lost",
		Name:        "Aged to Lost",
		Description: "Loan six weeks overdue; the next sweep ages it to lost and bills the replacement fee",
	},
	{
		ID:          "actual-cost",
		Name:        "Actual Cost",
		Description: "Item declared lost under an actual cost policy, waiting for staff to bill",
	},
	{
		ID:          "claimed-returned",
		Name:        "Claimed Returned",
		Description: "Overdue loan the patron claims to have returned",
	},
	{
		ID:          "holds",
		Name:        "Holds",
		Description: "Checked out item with a hold queued by another patron",
	},
}

// Scenario fixtures shared by every loader.
const (
	mainDesk   = circulation.ServicePointID("sp-main")
	branchDesk = circulation.ServicePointID("sp-branch")

	alice = circulation.UserID("patron-alice")
	bob   = circulation.UserID("patron-bob")
	carol = circulation.UserID("patron-carol")

	groupUndergrad = "undergrad"
	groupFaculty   = "faculty"
)

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
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

// LoadScenario resets the database and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var load func(context.Context, time.Time) error
	switch req.ScenarioID {
	case "basic-circulation":
		load = h.loadBasicCirculationScenario
	case "overdue-reminders":
		load = h.loadOverdueRemindersScenario
	case "aged-to-lost":
		load = h.loadAgedToLostScenario
	case "actual-cost":
		load = h.loadActualCostScenario
	case "claimed-returned":
		load = h.loadClaimedReturnedScenario
	case "holds":
		load = h.loadHoldsScenario
	default:
		writeError(w, http.StatusNotFound, "Unknown scenario",
			circulation.Parameter{Key: "scenarioId", Value: req.ScenarioID})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		h.writeServiceError(w, r, fmt.Errorf("failed to reset database: %w", err))
		return
	}

	now := time.Now().In(h.Location)
	if err := load(ctx, now); err != nil {
		h.writeServiceError(w, r, fmt.Errorf("failed to load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadBasicCirculationScenario(ctx context.Context, now time.Time) error {
	if err := h.seedLibrary(ctx, now); err != nil {
		return err
	}
	if err := h.createPolicies(ctx,
		factory.ThreeWeekLoanJSON("loan-3w", "Three week loan", 2),
		factory.ShortTermLoanJSON("loan-reserve", "Reserve desk", 4),
		factory.DailyFineJSON("fine-daily", "Daily fine", "0.25", "10.00"),
		factory.ReplacementFeeJSON("lost-replacement", "Replacement fee", "10.00", "40.00"),
		factory.CourtesyNoticesJSON("notices-standard", "Standard notices"),
	); err != nil {
		return err
	}
	if err := h.Store.SetCirculationRules(ctx, []circulation.PolicyRule{
		{PatronGroupID: groupFaculty, LoanPolicyID: "loan-reserve", OverdueFinePolicyID: "fine-daily", LostItemPolicyID: "lost-replacement", NoticePolicyID: "notices-standard"},
		{LoanPolicyID: "loan-3w", OverdueFinePolicyID: "fine-daily", LostItemPolicyID: "lost-replacement", NoticePolicyID: "notices-standard"},
	}); err != nil {
		return fmt.Errorf("failed to set circulation rules: %w", err)
	}

	// One current loan and one that will be a few days overdue at check in.
	if _, err := h.checkoutAt(ctx, "item-1", alice, mainDesk, now); err != nil {
		return err
	}
	_, err := h.checkoutAt(ctx, "item-2", alice, mainDesk, now.AddDate(0, 0, -25))
	return err
}

func (h *Handler) loadOverdueRemindersScenario(ctx context.Context, now time.Time) error {
	if err := h.seedLibrary(ctx, now); err != nil {
		return err
	}
	if err := h.createPolicies(ctx,
		factory.ThreeWeekLoanJSON("loan-3w", "Three week loan", 2),
		factory.ReminderLadderJSON("fine-reminders", "Reminder ladder", "1.00", "2.50", "5.00"),
		factory.ReplacementFeeJSON("lost-replacement", "Replacement fee", "10.00", "40.00"),
	); err != nil {
		return err
	}
	if err := h.Store.SetCirculationRules(ctx, []circulation.PolicyRule{
		{LoanPolicyID: "loan-3w", OverdueFinePolicyID: "fine-reminders", LostItemPolicyID: "lost-replacement"},
	}); err != nil {
		return fmt.Errorf("failed to set circulation rules: %w", err)
	}

	_, err := h.checkoutAt(ctx, "item-1", bob, mainDesk, now.AddDate(0, 0, -35))
	return err
}

func (h *Handler) loadAgedToLostScenario(ctx context.Context, now time.Time) error {
	if err := h.seedLibrary(ctx, now); err != nil {
		return err
	}
	if err := h.createPolicies(ctx,
		factory.ThreeWeekLoanJSON("loan-3w", "Three week loan", 0),
		factory.ReplacementFeeJSON("lost-replacement", "Replacement fee", "10.00", "40.00"),
		factory.CourtesyNoticesJSON("notices-standard", "Standard notices"),
	); err != nil {
		return err
	}
	if err := h.Store.SetCirculationRules(ctx, []circulation.PolicyRule{
		{LoanPolicyID: "loan-3w", LostItemPolicyID: "lost-replacement", NoticePolicyID: "notices-standard"},
	}); err != nil {
		return fmt.Errorf("failed to set circulation rules: %w", err)
	}

	// Due six weeks ago, past the five week aging period.
	_, err := h.checkoutAt(ctx, "item-1", alice, mainDesk, now.AddDate(0, 0, -63))
	return err
}

func (h *Handler) loadActualCostScenario(ctx context.Context, now time.Time) error {
	if err := h.seedLibrary(ctx, now); err != nil {
		return err
	}
	if err := h.createPolicies(ctx,
		factory.ThreeWeekLoanJSON("loan-3w", "Three week loan", 1),
		factory.ActualCostJSON("lost-actual", "Actual cost", 4),
	); err != nil {
		return err
	}
	if err := h.Store.SetCirculationRules(ctx, []circulation.PolicyRule{
		{LoanPolicyID: "loan-3w", LostItemPolicyID: "lost-actual"},
	}); err != nil {
		return fmt.Errorf("failed to set circulation rules: %w", err)
	}

	res, err := h.checkoutAt(ctx, "item-3", carol, branchDesk, now.AddDate(0, 0, -30))
	if err != nil {
		return err
	}
	declared := now.AddDate(0, 0, -2)
	_, err = h.Service.DeclareLost(ctx, circulation.DeclareLostRequest{
		LoanID:           res.Loan.ID,
		ServicePointID:   branchDesk,
		Comment:          "Patron reports the book was left on a train",
		DeclaredLostDate: &declared,
	})
	if err != nil {
		return fmt.Errorf("failed to declare item lost: %w", err)
	}
	return nil
}

func (h *Handler) loadClaimedReturnedScenario(ctx context.Context, now time.Time) error {
	if err := h.seedLibrary(ctx, now); err != nil {
		return err
	}
	if err := h.createPolicies(ctx,
		factory.ThreeWeekLoanJSON("loan-3w", "Three week loan", 2),
		factory.DailyFineJSON("fine-daily", "Daily fine", "0.25", "10.00"),
		factory.CourtesyNoticesJSON("notices-standard", "Standard notices"),
	); err != nil {
		return err
	}
	if err := h.Store.SetCirculationRules(ctx, []circulation.PolicyRule{
		{LoanPolicyID: "loan-3w", OverdueFinePolicyID: "fine-daily", NoticePolicyID: "notices-standard"},
	}); err != nil {
		return fmt.Errorf("failed to set circulation rules: %w", err)
	}

	res, err := h.checkoutAt(ctx, "item-2", bob, mainDesk, now.AddDate(0, 0, -28))
	if err != nil {
		return err
	}
	claimed := now.AddDate(0, 0, -1)
	_, err = h.Service.ClaimItemReturned(ctx, circulation.ClaimReturnedRequest{
		LoanID:                  res.Loan.ID,
		ItemClaimedReturnedDate: &claimed,
		Comment:                 "Patron says it went in the book drop",
	})
	if err != nil {
		return fmt.Errorf("failed to claim item returned: %w", err)
	}
	return nil
}

func (h *Handler) loadHoldsScenario(ctx context.Context, now time.Time) error {
	if err := h.seedLibrary(ctx, now); err != nil {
		return err
	}
	if err := h.createPolicies(ctx,
		factory.ThreeWeekLoanJSON("loan-3w", "Three week loan", 2),
	); err != nil {
		return err
	}
	if err := h.Store.SetCirculationRules(ctx, []circulation.PolicyRule{
		{LoanPolicyID: "loan-3w"},
	}); err != nil {
		return fmt.Errorf("failed to set circulation rules: %w", err)
	}

	if _, err := h.checkoutAt(ctx, "item-1", alice, mainDesk, now.AddDate(0, 0, -7)); err != nil {
		return err
	}
	_, err := h.Service.PlaceHold(ctx, circulation.PlaceHoldRequest{
		ItemID:               "item-1",
		RequesterID:          bob,
		PickupServicePointID: branchDesk,
	})
	if err != nil {
		return fmt.Errorf("failed to place hold: %w", err)
	}
	return nil
}

// =============================================================================
// SEEDING HELPERS
// =============================================================================

// seedLibrary creates the service points, patrons and items every scenario
// starts from.
func (h *Handler) seedLibrary(ctx context.Context, now time.Time) error {
	desks := []struct {
		sp     circulation.ServicePoint
		closed []time.Weekday
	}{
		{circulation.ServicePoint{ID: mainDesk, Name: "Main Library Circulation Desk"}, []time.Weekday{time.Sunday}},
		{circulation.ServicePoint{ID: branchDesk, Name: "Science Branch"}, []time.Weekday{time.Saturday, time.Sunday}},
	}
	for _, d := range desks {
		if err := h.Store.SaveServicePoint(ctx, d.sp); err != nil {
			return fmt.Errorf("failed to create service point %s: %w", d.sp.ID, err)
		}
		tt := calendar.Timetable{ClosedWeekdays: d.closed, Exceptions: map[string]bool{}}
		if err := h.Store.SaveTimetable(ctx, d.sp.ID, tt); err != nil {
			return fmt.Errorf("failed to create timetable for %s: %w", d.sp.ID, err)
		}
		if h.Calendar != nil {
			h.Calendar.Set(d.sp.ID, tt)
		}
	}

	expires := now.AddDate(1, 0, 0)
	patrons := []circulation.Patron{
		{ID: alice, Barcode: "21000001", PatronGroupID: groupUndergrad, Active: true, ExpirationDate: &expires},
		{ID: bob, Barcode: "21000002", PatronGroupID: groupUndergrad, Active: true},
		{ID: carol, Barcode: "21000003", PatronGroupID: groupFaculty, Active: true},
	}
	for _, p := range patrons {
		if err := h.Store.SavePatron(ctx, p); err != nil {
			return fmt.Errorf("failed to create patron %s: %w", p.ID, err)
		}
	}

	items := []struct {
		id      circulation.ItemID
		barcode string
		cost    string
	}{
		{"item-1", "31000001", "45.00"},
		{"item-2", "31000002", "28.50"},
		{"item-3", "31000003", "120.00"},
		{"item-4", "31000004", ""},
	}
	for _, it := range items {
		item := circulation.Item{
			ID:         it.id,
			Barcode:    it.barcode,
			Status:     circulation.ItemAvailable,
			StatusDate: now,
		}
		if it.cost != "" {
			cost := decimal.RequireFromString(it.cost)
			item.ReplacementCost = &cost
		}
		if err := h.Store.PutItem(ctx, item); err != nil {
			return fmt.Errorf("failed to create item %s: %w", it.id, err)
		}
	}
	return nil
}

func (h *Handler) createPolicies(ctx context.Context, docs ...string) error {
	for _, doc := range docs {
		if _, err := h.Store.SavePolicyJSON(ctx, doc); err != nil {
			return fmt.Errorf("failed to create policy: %w", err)
		}
	}
	return nil
}

func (h *Handler) checkoutAt(ctx context.Context, item circulation.ItemID, patron circulation.UserID, sp circulation.ServicePointID, at time.Time) (*circulation.Result, error) {
	res, err := h.Service.Checkout(ctx, circulation.CheckoutRequest{
		ItemID:         item,
		UserID:         patron,
		ServicePointID: sp,
		LoanDate:       &at,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check out %s to %s: %w", item, patron, err)
	}
	return res, nil
}
