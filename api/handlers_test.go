package api_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/api"
	"github.com/warp/circulation-engine/calendar"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/factory"
	"github.com/warp/circulation-engine/store/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// monday is the fixed "now" of the handler tests.
var monday = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type testServer struct {
	store   *sqlite.Store
	clock   *circulation.FixedClock
	handler *api.Handler
	router  http.Handler

	mu   sync.Mutex
	sent []circulation.Notice
	logs logBuffer
}

// logBuffer collects log output written from any goroutine.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestServer wires the full API over an in-memory SQLite store. clock
// nil means the wall clock.
func newTestServer(t *testing.T, clock *circulation.FixedClock) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := &testServer{store: store, clock: clock}
	logger := slog.New(slog.NewTextHandler(&ts.logs, nil))
	cal := calendar.NewStatic(time.UTC)
	opts := []circulation.Option{circulation.WithPublisher(store), circulation.WithLogger(logger)}
	if clock != nil {
		opts = append(opts, circulation.WithClock(clock))
	}
	svc := circulation.NewService(store, store, store,
		circulation.NewDueDateCalculator(cal, time.UTC, time.Second), opts...)

	sweeper := circulation.NewSweeper(svc, circulation.NoticeSenderFunc(func(_ context.Context, n circulation.Notice) error {
		ts.mu.Lock()
		ts.sent = append(ts.sent, n)
		ts.mu.Unlock()
		return nil
	}))
	scheduler := api.NewSweepScheduler(sweeper, store, logger)
	if clock != nil {
		scheduler.Now = clock.Now
	}

	ts.handler = api.NewHandler(store, svc, scheduler, cal, time.UTC, logger)
	ts.router = api.NewRouter(ts.handler)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
}

// setupLibrary creates one desk closed on Sundays, one patron, one item
// and a three week loan with replacement fees, through the setup endpoints.
func (ts *testServer) setupLibrary(t *testing.T) {
	t.Helper()

	requireStatus(t, ts.do(t, http.MethodPut, "/api/service-points", api.ServicePointRequest{
		ID: "sp-1", Name: "Main desk", ClosedWeekdays: []time.Weekday{time.Sunday},
	}), http.StatusOK)

	active := true
	requireStatus(t, ts.do(t, http.MethodPut, "/api/patrons", api.PatronRequest{
		ID: "patron-1", PatronGroupID: "undergrad", Active: &active,
	}), http.StatusOK)

	requireStatus(t, ts.do(t, http.MethodPut, "/api/items", api.ItemRequest{
		ID: "item-1", Barcode: "31000001", ReplacementCost: "45.00",
	}), http.StatusOK)

	for _, doc := range []string{
		factory.ThreeWeekLoanJSON("loan-3w", "Three week loan", 1),
		factory.DailyFineJSON("fine-daily", "Daily fine", "0.25", "10.00"),
		factory.ReplacementFeeJSON("lost-replacement", "Replacement fee", "10.00", "40.00"),
	} {
		requireStatus(t, ts.do(t, http.MethodPost, "/api/policies", doc), http.StatusCreated)
	}

	requireStatus(t, ts.do(t, http.MethodPut, "/api/circulation-rules", api.RulesRequest{
		Rules: []api.RuleRequest{{
			LoanPolicyID:        "loan-3w",
			OverdueFinePolicyID: "fine-daily",
			LostItemPolicyID:    "lost-replacement",
		}},
	}), http.StatusOK)
}

func (ts *testServer) checkOut(t *testing.T, loanDate *time.Time) api.ResultDTO {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/circulation/check-out", api.CheckOutRequest{
		ItemID: "item-1", UserID: "patron-1", ServicePointID: "sp-1", LoanDate: loanDate,
	})
	requireStatus(t, rec, http.StatusCreated)
	return decodeBody[api.ResultDTO](t, rec)
}

// =============================================================================
// CIRCULATION
// =============================================================================

func TestCheckOut_ComputesDueDate(t *testing.T) {
	// GIVEN: A library with a three week loan policy
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	ts.setupLibrary(t)

	// WHEN: Checking the item out on a Monday
	res := ts.checkOut(t, nil)

	// THEN: The loan is due at the end of the day three weeks later
	require.NotNil(t, res.Loan)
	assert.Equal(t, "Open", res.Loan.Status)
	assert.Equal(t, "checkedout", res.Loan.Action)
	assert.True(t, time.Date(2024, 3, 25, 23, 59, 59, 0, time.UTC).Equal(res.Loan.DueDate), res.Loan.DueDate)
	assert.Equal(t, "Checked out", res.Item.Status)

	// AND: The loan can be read back
	rec := ts.do(t, http.MethodGet, "/api/circulation/loans/"+res.Loan.ID, nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, res.Loan.ID, decodeBody[api.LoanDTO](t, rec).ID)
}

func TestCheckOut_RequestValidation(t *testing.T) {
	ts := newTestServer(t, circulation.NewFixedClock(monday))

	tests := []struct {
		name   string
		body   any
		status int
		field  string
	}{
		{"missing item", api.CheckOutRequest{UserID: "patron-1", ServicePointID: "sp-1"}, http.StatusUnprocessableEntity, "itemId"},
		{"missing service point", api.CheckOutRequest{ItemID: "item-1", UserID: "patron-1"}, http.StatusUnprocessableEntity, "servicePointId"},
		{"malformed json", `{"itemId":`, http.StatusBadRequest, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/circulation/check-out", tt.body)

			requireStatus(t, rec, tt.status)
			resp := decodeBody[api.ErrorResponse](t, rec)
			require.NotEmpty(t, resp.Errors)
			require.NotEmpty(t, resp.Errors[0].Parameters)
			assert.Equal(t, tt.field, resp.Errors[0].Parameters[0].Key)
		})
	}
}

func TestCheckOut_UnknownPatronIsNotFound(t *testing.T) {
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	ts.setupLibrary(t)

	rec := ts.do(t, http.MethodPost, "/api/circulation/check-out", api.CheckOutRequest{
		ItemID: "item-1", UserID: "nobody", ServicePointID: "sp-1",
	})

	requireStatus(t, rec, http.StatusNotFound)
}

func TestCheckOut_ItemAlreadyOnLoan(t *testing.T) {
	// GIVEN: The item is checked out
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	ts.setupLibrary(t)
	ts.checkOut(t, nil)

	// WHEN: Checking it out again
	rec := ts.do(t, http.MethodPost, "/api/circulation/check-out", api.CheckOutRequest{
		ItemID: "item-1", UserID: "patron-1", ServicePointID: "sp-1",
	})

	// THEN: The action is rejected with the item named
	requireStatus(t, rec, http.StatusUnprocessableEntity)
	resp := decodeBody[api.ErrorResponse](t, rec)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Parameters, circulation.Parameter{Key: "itemId", Value: "item-1"})
}

func TestCheckIn_ClosesLoanAndRecordsHistory(t *testing.T) {
	// GIVEN: An open loan
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	ts.setupLibrary(t)
	loan := ts.checkOut(t, nil).Loan

	// WHEN: The item is checked in a week later
	ts.clock.Advance(7 * 24 * time.Hour)
	rec := ts.do(t, http.MethodPost, "/api/circulation/check-in", api.CheckInRequest{
		ItemID: "item-1", ServicePointID: "sp-1",
	})

	// THEN: The loan is closed and the item available
	requireStatus(t, rec, http.StatusOK)
	res := decodeBody[api.ResultDTO](t, rec)
	assert.Equal(t, "Closed", res.Loan.Status)
	assert.Equal(t, "Available", res.Item.Status)
	assert.Equal(t, "sp-1", res.Loan.CheckinServicePointID)

	// AND: Both actions are in the loan history
	rec = ts.do(t, http.MethodGet, "/api/circulation/loans/"+loan.ID+"/events", nil)
	requireStatus(t, rec, http.StatusOK)
	events := decodeBody[[]api.EventDTO](t, rec)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, string(circulation.EventItemCheckedOut))
	assert.Contains(t, types, string(circulation.EventItemCheckedIn))
}

func TestGetLoan_NotFound(t *testing.T) {
	ts := newTestServer(t, circulation.NewFixedClock(monday))

	rec := ts.do(t, http.MethodGet, "/api/circulation/loans/missing", nil)

	requireStatus(t, rec, http.StatusNotFound)
	resp := decodeBody[api.ErrorResponse](t, rec)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, []circulation.Parameter{{Key: "loan", Value: "missing"}}, resp.Errors[0].Parameters)
}

func TestRenew_ExtendsDueDate(t *testing.T) {
	// GIVEN: A loan checked out two weeks ago
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	ts.setupLibrary(t)
	loanDate := monday.AddDate(0, 0, -14)
	loan := ts.checkOut(t, &loanDate).Loan

	// WHEN: Renewing it today
	rec := ts.do(t, http.MethodPost, "/api/circulation/loans/"+loan.ID+"/renew", nil)

	// THEN: The due date moves to three weeks from today
	requireStatus(t, rec, http.StatusOK)
	res := decodeBody[api.ResultDTO](t, rec)
	assert.Equal(t, 1, res.Loan.RenewalCount)
	assert.True(t, res.Loan.DueDate.After(loan.DueDate))

	// AND: The single allowed renewal is used up
	rec = ts.do(t, http.MethodPost, "/api/circulation/loans/"+loan.ID+"/renew", nil)
	requireStatus(t, rec, http.StatusUnprocessableEntity)
}

func TestDeclareLost_ChargesFees(t *testing.T) {
	// GIVEN: An open loan under a replacement fee policy
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	ts.setupLibrary(t)
	loan := ts.checkOut(t, nil).Loan

	// WHEN: The patron declares the item lost
	rec := ts.do(t, http.MethodPost, "/api/circulation/loans/"+loan.ID+"/declare-item-lost", api.DeclareLostRequest{
		ServicePointID: "sp-1", Comment: "left on the bus",
	})

	// THEN: The processing fee and the replacement fee are charged
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, "Declared lost", decodeBody[api.ResultDTO](t, rec).Item.Status)

	rec = ts.do(t, http.MethodGet, "/api/circulation/loans/"+loan.ID+"/accounts", nil)
	requireStatus(t, rec, http.StatusOK)
	accounts := decodeBody[[]api.AccountDTO](t, rec)
	require.Len(t, accounts, 2)
	total := decimal.Zero
	for _, a := range accounts {
		total = total.Add(a.Amount)
	}
	assert.True(t, decimal.NewFromInt(50).Equal(total), total.String())
}

func TestBillActualCost_RejectsNonNumericAmount(t *testing.T) {
	ts := newTestServer(t, circulation.NewFixedClock(monday))

	rec := ts.do(t, http.MethodPost, "/api/actual-cost-records/rec-1/bill", api.BillActualCostRequest{Amount: "lots"})

	requireStatus(t, rec, http.StatusUnprocessableEntity)
	resp := decodeBody[api.ErrorResponse](t, rec)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "amount", resp.Errors[0].Parameters[0].Key)
}

func TestPlaceHold_QueuesRequest(t *testing.T) {
	// GIVEN: The item is on loan and a second patron exists
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	ts.setupLibrary(t)
	ts.checkOut(t, nil)
	active := true
	requireStatus(t, ts.do(t, http.MethodPut, "/api/patrons", api.PatronRequest{ID: "patron-2", Active: &active}), http.StatusOK)

	// WHEN: The second patron places a hold
	rec := ts.do(t, http.MethodPost, "/api/requests", api.PlaceHoldRequest{
		ItemID: "item-1", RequesterID: "patron-2", PickupServicePointID: "sp-1",
	})

	// THEN: The hold is first in the queue
	requireStatus(t, rec, http.StatusCreated)
	hold := decodeBody[api.HoldDTO](t, rec)
	assert.Equal(t, 1, hold.Position)
	assert.Equal(t, "patron-2", hold.RequesterID)
}

// =============================================================================
// SETUP AND POLICIES
// =============================================================================

func TestPolicies_CreateListAndReplace(t *testing.T) {
	ts := newTestServer(t, nil)

	// GIVEN: A loan policy posted twice
	doc := factory.ThreeWeekLoanJSON("loan-3w", "Three week loan", 2)
	requireStatus(t, ts.do(t, http.MethodPost, "/api/policies", doc), http.StatusCreated)
	rec := ts.do(t, http.MethodPost, "/api/policies", doc)

	// THEN: The second post replaces it with a new version
	requireStatus(t, rec, http.StatusCreated)
	assert.Equal(t, 2, decodeBody[api.PolicyDTO](t, rec).Version)

	// AND: It is listed under its kind only
	rec = ts.do(t, http.MethodGet, "/api/policies?kind=loan", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Len(t, decodeBody[[]api.PolicyDTO](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/policies?kind=notice", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Empty(t, decodeBody[[]api.PolicyDTO](t, rec))
}

func TestPolicies_InvalidDocument(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/policies", `{"id":"p-1","kind":"loan"}`)

	requireStatus(t, rec, http.StatusUnprocessableEntity)
	resp := decodeBody[api.ErrorResponse](t, rec)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "Policy document is invalid", resp.Errors[0].Message)
}

func TestPolicies_DeleteThenNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	requireStatus(t, ts.do(t, http.MethodPost, "/api/policies", factory.CourtesyNoticesJSON("n-1", "Notices")), http.StatusCreated)

	requireStatus(t, ts.do(t, http.MethodDelete, "/api/policies/n-1", nil), http.StatusNoContent)

	requireStatus(t, ts.do(t, http.MethodGet, "/api/policies/n-1", nil), http.StatusNotFound)
}

func TestSetRules_UnknownPolicy(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPut, "/api/circulation-rules", api.RulesRequest{
		Rules: []api.RuleRequest{{LoanPolicyID: "missing"}},
	})

	requireStatus(t, rec, http.StatusNotFound)
}

func TestSetRules_RoundTrip(t *testing.T) {
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	ts.setupLibrary(t)

	rec := ts.do(t, http.MethodGet, "/api/circulation-rules", nil)

	requireStatus(t, rec, http.StatusOK)
	rules := decodeBody[api.RulesRequest](t, rec)
	require.Len(t, rules.Rules, 1)
	assert.Equal(t, "loan-3w", rules.Rules[0].LoanPolicyID)
	assert.Equal(t, "lost-replacement", rules.Rules[0].LostItemPolicyID)
}

func TestPutServicePoint_RejectsBadException(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPut, "/api/service-points", api.ServicePointRequest{
		ID: "sp-1", Name: "Main", Exceptions: map[string]bool{"next tuesday": false},
	})

	requireStatus(t, rec, http.StatusUnprocessableEntity)
}

func TestPutServicePoint_ClosureMovesDueDate(t *testing.T) {
	// GIVEN: The desk is closed on the day a loan would fall due
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	ts.setupLibrary(t)
	requireStatus(t, ts.do(t, http.MethodPut, "/api/service-points", api.ServicePointRequest{
		ID: "sp-1", Name: "Main desk",
		ClosedWeekdays: []time.Weekday{time.Sunday},
		Exceptions:     map[string]bool{"2024-03-25": false},
	}), http.StatusOK)

	// WHEN: Checking out
	res := ts.checkOut(t, nil)

	// THEN: The due date moves to the end of the next open day
	assert.True(t, time.Date(2024, 3, 26, 23, 59, 59, 0, time.UTC).Equal(res.Loan.DueDate), res.Loan.DueDate)
}

// =============================================================================
// SWEEP
// =============================================================================

func TestRunSweep_AgesAndBillsOverdueLoan(t *testing.T) {
	// GIVEN: A loan that fell due six weeks ago
	ts := newTestServer(t, circulation.NewFixedClock(monday))
	ts.setupLibrary(t)
	loanDate := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	loan := ts.checkOut(t, &loanDate).Loan

	// WHEN: The sweep runs now
	rec := ts.do(t, http.MethodPost, "/api/admin/sweep", nil)

	// THEN: The loan ages to lost
	requireStatus(t, rec, http.StatusOK)
	run := decodeBody[api.SweepRunDTO](t, rec)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, 1, run.Report.AgedToLost)
	assert.Zero(t, run.Report.Billed)
	assert.Empty(t, run.Report.Failures)

	rec = ts.do(t, http.MethodGet, "/api/circulation/loans/"+loan.ID, nil)
	requireStatus(t, rec, http.StatusOK)
	aged := decodeBody[api.LoanDTO](t, rec)
	require.NotNil(t, aged.AgedToLostBillingDate)

	// WHEN: The sweep runs again after the billing date
	later := aged.AgedToLostBillingDate.Add(time.Hour)
	rec = ts.do(t, http.MethodPost, "/api/admin/sweep", api.SweepRequest{Now: &later})

	// THEN: The lost item fees are billed
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, 1, decodeBody[api.SweepRunDTO](t, rec).Report.Billed)

	// AND: Both runs are in the history, newest first
	rec = ts.do(t, http.MethodGet, "/api/admin/sweeps", nil)
	requireStatus(t, rec, http.StatusOK)
	runs := decodeBody[[]api.SweepRunDTO](t, rec)
	require.Len(t, runs, 2)
	assert.Equal(t, 1, runs[0].Report.Billed)
	assert.Equal(t, 1, runs[1].Report.AgedToLost)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", nil)

	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, rec)["status"])
}
