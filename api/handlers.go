/*
handlers.go - HTTP API handlers for the circulation engine

PURPOSE:
  Exposes the circulation service via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the service.

ENDPOINTS:
  Circulation:
    POST   /api/circulation/check-out                Check an item out
    POST   /api/circulation/check-in                 Check an item in
    GET    /api/circulation/loans/{id}               Get a loan
    POST   /api/circulation/loans/{id}/renew         Renew a loan
    POST   /api/circulation/loans/{id}/change-due-date
    POST   /api/circulation/loans/{id}/declare-item-lost
    POST   /api/circulation/loans/{id}/claim-item-returned
    POST   /api/circulation/loans/{id}/declare-claimed-returned-item-as-missing
    GET    /api/circulation/loans/{id}/accounts      Fees and fines of a loan
    GET    /api/circulation/loans/{id}/scheduled-notices
    GET    /api/circulation/loans/{id}/actual-cost-records
    GET    /api/circulation/loans/{id}/events        Audit history

  Actual cost:
    POST   /api/actual-cost-records/{id}/bill        Bill the actual cost
    POST   /api/actual-cost-records/{id}/cancel      Cancel without billing

  Requests:
    POST   /api/requests                             Place a hold

  Setup:
    PUT    /api/items                                Create or replace an item
    PUT    /api/patrons                              Create or replace a patron
    PUT    /api/service-points                       Service point and timetable
    GET    /api/circulation-rules                    Current rules
    PUT    /api/circulation-rules                    Replace rules

  Policies:
    GET    /api/policies                             List (?kind=loan)
    POST   /api/policies                             Create from JSON document
    GET    /api/policies/{id}                        Get one
    DELETE /api/policies/{id}                        Delete

  Admin:
    POST   /api/admin/sweep                          Run the sweep now
    GET    /api/admin/sweeps                         Recent sweep runs

  Scenarios:
    GET    /api/scenarios                            List demo scenarios
    GET    /api/scenarios/current                    Loaded scenario
    POST   /api/scenarios/load                       Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: SQLite records, directory, policies and history
  - Service: Circulation actions
  - Scheduler: Sweep runs, shared with the background ticker
  - Calendar: In-process calendar kept in step with stored timetables

ERROR HANDLING:
  Errors are returned as {"errors":[{"message","parameters"}]}:
  - 400: Malformed JSON
  - 404: Loan, item, patron or policy not found
  - 409: Concurrent modification, duplicate charge
  - 422: Validation errors, rejected actions
  - 503: Calendar or other dependency unavailable
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/calendar"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/factory"
	"github.com/warp/circulation-engine/store/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Service   *circulation.Service
	Scheduler *SweepScheduler
	Calendar  *calendar.Static // nil when calendars come from a remote service
	Location  *time.Location
	Logger    *slog.Logger

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler.
func NewHandler(store *sqlite.Store, svc *circulation.Service, scheduler *SweepScheduler, cal *calendar.Static, loc *time.Location, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		Store:     store,
		Service:   svc,
		Scheduler: scheduler,
		Calendar:  cal,
		Location:  loc,
		Logger:    logger,
		validate:  newValidator(),
	}
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// CIRCULATION ENDPOINTS
// =============================================================================

// CheckOut checks an item out to a patron.
// POST /api/circulation/check-out
func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	var req CheckOutRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.Checkout(r.Context(), circulation.CheckoutRequest{
		ItemID:         circulation.ItemID(req.ItemID),
		UserID:         circulation.UserID(req.UserID),
		ServicePointID: circulation.ServicePointID(req.ServicePointID),
		LoanDate:       req.LoanDate,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// CheckIn returns an item.
// POST /api/circulation/check-in
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req CheckInRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.CheckIn(r.Context(), circulation.CheckInRequest{
		ItemID:         circulation.ItemID(req.ItemID),
		ServicePointID: circulation.ServicePointID(req.ServicePointID),
		CheckInDate:    req.CheckInDate,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// GetLoan returns a loan.
// GET /api/circulation/loans/{id}
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Service.GetLoan(r.Context(), loanID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// Renew extends a loan.
// POST /api/circulation/loans/{id}/renew
func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Renew(r.Context(), loanID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// ChangeDueDate overrides the due date of a loan.
// POST /api/circulation/loans/{id}/change-due-date
func (h *Handler) ChangeDueDate(w http.ResponseWriter, r *http.Request) {
	var req ChangeDueDateRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.ChangeDueDate(r.Context(), loanID(r), req.DueDate)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// DeclareLost declares the loaned item lost and charges the lost item fees.
// POST /api/circulation/loans/{id}/declare-item-lost
func (h *Handler) DeclareLost(w http.ResponseWriter, r *http.Request) {
	var req DeclareLostRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.DeclareLost(r.Context(), circulation.DeclareLostRequest{
		LoanID:           loanID(r),
		ServicePointID:   circulation.ServicePointID(req.ServicePointID),
		Comment:          req.Comment,
		DeclaredLostDate: req.DeclaredLostDate,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// ClaimReturned records the patron's claim that the item was returned.
// POST /api/circulation/loans/{id}/claim-item-returned
func (h *Handler) ClaimReturned(w http.ResponseWriter, r *http.Request) {
	var req ClaimReturnedRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.ClaimItemReturned(r.Context(), circulation.ClaimReturnedRequest{
		LoanID:                  loanID(r),
		ItemClaimedReturnedDate: req.ItemClaimedReturnedDate,
		Comment:                 req.Comment,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// MarkMissing closes a claimed returned loan and marks the item missing.
// POST /api/circulation/loans/{id}/declare-claimed-returned-item-as-missing
func (h *Handler) MarkMissing(w http.ResponseWriter, r *http.Request) {
	var req MarkMissingRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.DeclareClaimedReturnedItemAsMissing(r.Context(), circulation.MarkMissingRequest{
		LoanID:         loanID(r),
		Comment:        req.Comment,
		ServicePointID: circulation.ServicePointID(req.ServicePointID),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// LoanAccounts lists the fees and fines charged against a loan.
// GET /api/circulation/loans/{id}/accounts
func (h *Handler) LoanAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Service.LoanAccounts(r.Context(), loanID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTOs(accounts))
}

// LoanNotices lists the pending notices of a loan.
// GET /api/circulation/loans/{id}/scheduled-notices
func (h *Handler) LoanNotices(w http.ResponseWriter, r *http.Request) {
	notices, err := h.Service.LoanNotices(r.Context(), loanID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNoticeDTOs(notices))
}

// LoanActualCostRecords lists the actual cost records of a loan.
// GET /api/circulation/loans/{id}/actual-cost-records
func (h *Handler) LoanActualCostRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.Service.ActualCostRecords(r.Context(), loanID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]*ActualCostRecordDTO, len(records))
	for i := range records {
		dtos[i] = toActualCostRecordDTO(&records[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoanEvents returns the audit history of a loan.
// GET /api/circulation/loans/{id}/events
func (h *Handler) LoanEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.ListEvents(r.Context(), loanID(r), queryInt(r, "limit", 0))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// =============================================================================
// ACTUAL COST ENDPOINTS
// =============================================================================

// BillActualCost bills the actual replacement cost of a lost item.
// POST /api/actual-cost-records/{id}/bill
func (h *Handler) BillActualCost(w http.ResponseWriter, r *http.Request) {
	var req BillActualCostRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Amount is not a decimal number",
			circulation.Parameter{Key: "amount", Value: req.Amount})
		return
	}

	res, err := h.Service.BillActualCost(r.Context(), recordID(r), amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// CancelActualCost closes an actual cost record without billing.
// POST /api/actual-cost-records/{id}/cancel
func (h *Handler) CancelActualCost(w http.ResponseWriter, r *http.Request) {
	var req CancelActualCostRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.Service.CancelActualCost(r.Context(), recordID(r), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActualCostRecordDTO(rec))
}

// =============================================================================
// REQUEST ENDPOINTS
// =============================================================================

// PlaceHold queues a hold on an item.
// POST /api/requests
func (h *Handler) PlaceHold(w http.ResponseWriter, r *http.Request) {
	var req PlaceHoldRequest
	if !h.decode(w, r, &req) {
		return
	}

	hold, err := h.Service.PlaceHold(r.Context(), circulation.PlaceHoldRequest{
		ItemID:               circulation.ItemID(req.ItemID),
		RequesterID:          circulation.UserID(req.RequesterID),
		PickupServicePointID: circulation.ServicePointID(req.PickupServicePointID),
		RequestDate:          req.RequestDate,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toHoldDTO(hold))
}

// =============================================================================
// SETUP ENDPOINTS
// =============================================================================

// PutItem creates or replaces an item.
// PUT /api/items
func (h *Handler) PutItem(w http.ResponseWriter, r *http.Request) {
	var req ItemRequest
	if !h.decode(w, r, &req) {
		return
	}

	item := circulation.Item{
		ID:         circulation.ItemID(req.ID),
		Barcode:    req.Barcode,
		Status:     circulation.ItemStatus(req.Status),
		StatusDate: time.Now(),
	}
	if item.Status == "" {
		item.Status = circulation.ItemAvailable
	}
	if req.ReplacementCost != "" {
		cost, err := decimal.NewFromString(req.ReplacementCost)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "Replacement cost is not a decimal number",
				circulation.Parameter{Key: "replacementCost", Value: req.ReplacementCost})
			return
		}
		item.ReplacementCost = &cost
	}

	if err := h.Store.PutItem(r.Context(), item); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(&item))
}

// PutPatron creates or replaces a patron.
// PUT /api/patrons
func (h *Handler) PutPatron(w http.ResponseWriter, r *http.Request) {
	var req PatronRequest
	if !h.decode(w, r, &req) {
		return
	}

	patron := circulation.Patron{
		ID:             circulation.UserID(req.ID),
		Barcode:        req.Barcode,
		PatronGroupID:  req.PatronGroupID,
		Active:         *req.Active,
		ExpirationDate: req.ExpirationDate,
	}
	if err := h.Store.SavePatron(r.Context(), patron); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// PutServicePoint creates a service point and stores its opening pattern.
// PUT /api/service-points
func (h *Handler) PutServicePoint(w http.ResponseWriter, r *http.Request) {
	var req ServicePointRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	for day := range req.Exceptions {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "Calendar exception is not a date",
				circulation.Parameter{Key: "exceptions", Value: day})
			return
		}
	}

	sp := circulation.ServicePoint{ID: circulation.ServicePointID(req.ID), Name: req.Name}
	if err := h.Store.SaveServicePoint(ctx, sp); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	tt := calendar.Timetable{ClosedWeekdays: req.ClosedWeekdays, Exceptions: req.Exceptions}
	if err := h.Store.SaveTimetable(ctx, sp.ID, tt); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if h.Calendar != nil {
		h.Calendar.Set(sp.ID, tt)
	}
	writeJSON(w, http.StatusOK, req)
}

// GetRules returns the circulation rules.
// GET /api/circulation-rules
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.CirculationRules(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]RuleRequest, len(rules))
	for i, rule := range rules {
		dtos[i] = RuleRequest{
			PatronGroupID:       rule.PatronGroupID,
			LoanPolicyID:        string(rule.LoanPolicyID),
			OverdueFinePolicyID: string(rule.OverdueFinePolicyID),
			LostItemPolicyID:    string(rule.LostItemPolicyID),
			NoticePolicyID:      string(rule.NoticePolicyID),
		}
	}
	writeJSON(w, http.StatusOK, RulesRequest{Rules: dtos})
}

// SetRules replaces the circulation rules. Every referenced policy must
// exist with the right kind.
// PUT /api/circulation-rules
func (h *Handler) SetRules(w http.ResponseWriter, r *http.Request) {
	var req RulesRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	rules := make([]circulation.PolicyRule, len(req.Rules))
	for i, rr := range req.Rules {
		rules[i] = circulation.PolicyRule{
			PatronGroupID:       rr.PatronGroupID,
			LoanPolicyID:        circulation.PolicyID(rr.LoanPolicyID),
			OverdueFinePolicyID: circulation.PolicyID(rr.OverdueFinePolicyID),
			LostItemPolicyID:    circulation.PolicyID(rr.LostItemPolicyID),
			NoticePolicyID:      circulation.PolicyID(rr.NoticePolicyID),
		}
		if err := h.checkRulePolicies(r, rules[i]); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}

	if err := h.Store.SetCirculationRules(ctx, rules); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) checkRulePolicies(r *http.Request, rule circulation.PolicyRule) error {
	ctx := r.Context()
	if _, err := h.Store.GetLoanPolicy(ctx, rule.LoanPolicyID); err != nil {
		return err
	}
	if rule.OverdueFinePolicyID != "" {
		if _, err := h.Store.GetOverdueFinePolicy(ctx, rule.OverdueFinePolicyID); err != nil {
			return err
		}
	}
	if rule.LostItemPolicyID != "" {
		if _, err := h.Store.GetLostItemFeePolicy(ctx, rule.LostItemPolicyID); err != nil {
			return err
		}
	}
	if rule.NoticePolicyID != "" {
		if _, err := h.Store.GetNoticePolicy(ctx, rule.NoticePolicyID); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// POLICY ENDPOINTS
// =============================================================================

// ListPolicies returns stored policies, optionally filtered by kind.
// GET /api/policies?kind=loan
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Store.ListPolicies(r.Context(), factory.Kind(r.URL.Query().Get("kind")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]PolicyDTO, len(policies))
	for i, p := range policies {
		dtos[i] = toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPolicy returns one policy.
// GET /api/policies/{id}
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPolicyRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(*p))
}

// CreatePolicy stores a policy document. Posting an existing id replaces
// the policy and bumps its version.
// POST /api/policies
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	ctx := r.Context()

	p, err := h.Store.SavePolicyJSON(ctx, string(body))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	rec, err := h.Store.GetPolicyRecord(ctx, string(p.ID()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPolicyDTO(*rec))
}

// DeletePolicy removes a policy.
// DELETE /api/policies/{id}
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeletePolicy(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// RunSweep runs the sweep immediately, at the given time or now.
// POST /api/admin/sweep
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !h.decode(w, r, &req) {
		return
	}
	now := h.Scheduler.Now()
	if req.Now != nil {
		now = *req.Now
	}

	run, err := h.Scheduler.RunNow(r.Context(), now)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepRunDTO(run))
}

// ListSweeps returns recent sweep runs, newest first.
// GET /api/admin/sweeps?limit=20
func (h *Handler) ListSweeps(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListSweepRuns(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports whether the database answers.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func loanID(r *http.Request) circulation.LoanID {
	return circulation.LoanID(chi.URLParam(r, "id"))
}

func recordID(r *http.Request) circulation.RecordID {
	return circulation.RecordID(chi.URLParam(r, "id"))
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}
	return n
}

// decode reads a JSON body into dst and validates it. An empty body
// decodes as an empty object. It writes the error response and returns
// false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body",
			circulation.Parameter{Key: "error", Value: err.Error()})
		return false
	}

	err := h.validate.Struct(dst)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		writeJSON(w, http.StatusUnprocessableEntity, fieldErrorResponse(fieldErrs))
		return false
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body",
			circulation.Parameter{Key: "error", Value: err.Error()})
		return false
	}
	return true
}

func fieldErrorResponse(fieldErrs validator.ValidationErrors) ErrorResponse {
	resp := ErrorResponse{Errors: make([]ErrorDTO, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
		if fe.Tag() == "required" {
			msg = fe.Field() + " is required"
		}
		resp.Errors = append(resp.Errors, ErrorDTO{
			Message:    msg,
			Parameters: []circulation.Parameter{{Key: fe.Field(), Value: fmt.Sprint(fe.Value())}},
		})
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, params ...circulation.Parameter) {
	writeJSON(w, status, ErrorResponse{Errors: []ErrorDTO{{Message: message, Parameters: params}}})
}

// writeServiceError maps a service error to its HTTP status.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if v, ok := circulation.AsValidation(err); ok {
		writeError(w, http.StatusUnprocessableEntity, v.Message, v.Parameters...)
		return
	}

	var notFound *circulation.NotFoundError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error(),
			circulation.Parameter{Key: notFound.Kind, Value: notFound.ID})
	case circulation.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, circulation.ErrConcurrentModification),
		errors.Is(err, circulation.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, circulation.ErrDependency):
		h.Logger.Warn("dependency failure", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.Logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
