package circulation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/calendar"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

const (
	desk       circulation.ServicePointID = "desk"
	branch     circulation.ServicePointID = "branch"
	patronID   circulation.UserID         = "patron-1"
	otherID    circulation.UserID         = "patron-2"
	itemID     circulation.ItemID         = "item-1"
	loanPolicy circulation.PolicyID       = "loan-3w"
	finePolicy circulation.PolicyID       = "fine-daily"
	lostPolicy circulation.PolicyID       = "lost-fixed"
	notePolicy circulation.PolicyID       = "notices"
)

// monday is 2024-03-04 10:00 UTC.
var monday = time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func period(n int, unit circulation.Interval) *circulation.Period {
	return &circulation.Period{Duration: n, Interval: unit}
}

func ptr[T any](v T) *T { return &v }

// fixture wires a Service over the memory store with a desk and a branch
// that are open every day, one active patron, one available item and a
// default circulation rule.
type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *store.Memory
	cal     *calendar.Static
	clock   *circulation.FixedClock
	svc     *circulation.Service
	events  *recordingPublisher
	notices *recordingSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	cal := calendar.NewStatic(time.UTC)
	cal.Set(desk, calendar.Timetable{})
	cal.Set(branch, calendar.Timetable{})
	clock := circulation.NewFixedClock(monday)
	events := &recordingPublisher{}

	mem.PutServicePoint(circulation.ServicePoint{ID: desk, Name: "Main desk"})
	mem.PutServicePoint(circulation.ServicePoint{ID: branch, Name: "Branch"})
	mem.PutPatron(circulation.Patron{ID: patronID, PatronGroupID: "undergrad", Active: true})
	mem.PutPatron(circulation.Patron{ID: otherID, PatronGroupID: "undergrad", Active: true})
	mem.PutItem(circulation.Item{ID: itemID, Barcode: "0001", Status: circulation.ItemAvailable, ReplacementCost: dec("55.00")})

	mem.PutLoanPolicy(&circulation.LoanPolicy{
		ID:           loanPolicy,
		Name:         "Three weeks",
		Loanable:     true,
		Profile:      circulation.ProfileRolling,
		Period:       period(3, circulation.Weeks),
		Renewable:    true,
		RenewalLimit: 2,
		RenewFrom:    circulation.RenewFromSystemDate,
	})
	mem.PutOverdueFinePolicy(&circulation.OverdueFinePolicy{
		ID:             finePolicy,
		Name:           "Quarter a day",
		OverdueFine:    &circulation.Rate{Quantity: decimal.RequireFromString("0.25"), Interval: circulation.Days},
		MaxOverdueFine: dec("10.00"),
	})
	mem.PutLostItemFeePolicy(&circulation.LostItemFeePolicy{
		ID:            lostPolicy,
		Name:          "Fixed replacement",
		ProcessingFee: dec("5.00"),
		ItemCharge:    circulation.ItemCharge{Type: circulation.ChargeAnotherCost, Amount: dec("40.00")},
	})
	mem.PutNoticePolicy(&circulation.NoticePolicy{ID: notePolicy, Name: "None"})
	mem.SetRules(circulation.PolicyRule{
		LoanPolicyID:        loanPolicy,
		OverdueFinePolicyID: finePolicy,
		LostItemPolicyID:    lostPolicy,
		NoticePolicyID:      notePolicy,
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := circulation.NewService(mem, mem, mem,
		circulation.NewDueDateCalculator(cal, time.UTC, time.Second),
		circulation.WithClock(clock),
		circulation.WithPublisher(events),
		circulation.WithLogger(logger),
		circulation.WithLookupTimeout(time.Second))

	return &fixture{
		t:       t,
		ctx:     context.Background(),
		store:   mem,
		cal:     cal,
		clock:   clock,
		svc:     svc,
		events:  events,
		notices: &recordingSender{},
	}
}

func (f *fixture) checkout() *circulation.Result {
	f.t.Helper()
	res, err := f.svc.Checkout(f.ctx, circulation.CheckoutRequest{ItemID: itemID, UserID: patronID, ServicePointID: desk})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) checkin() *circulation.Result {
	f.t.Helper()
	res, err := f.svc.CheckIn(f.ctx, circulation.CheckInRequest{ItemID: itemID, ServicePointID: desk})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) loan(id circulation.LoanID) *circulation.Loan {
	f.t.Helper()
	loan, err := f.store.GetLoan(f.ctx, id)
	require.NoError(f.t, err)
	return loan
}

func (f *fixture) item() *circulation.Item {
	f.t.Helper()
	item, err := f.store.GetItem(f.ctx, itemID)
	require.NoError(f.t, err)
	return item
}

func (f *fixture) accounts(id circulation.LoanID) []circulation.FeeFineAccount {
	f.t.Helper()
	accounts, err := f.svc.LoanAccounts(f.ctx, id)
	require.NoError(f.t, err)
	return accounts
}

func (f *fixture) pending(id circulation.LoanID) []circulation.ScheduledNotice {
	f.t.Helper()
	notices, err := f.svc.LoanNotices(f.ctx, id)
	require.NoError(f.t, err)
	return notices
}

func (f *fixture) sweeper() *circulation.Sweeper {
	w := circulation.NewSweeper(f.svc, f.notices)
	w.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return w
}

// setLostPolicy replaces the lost item fee policy used by the default rule.
func (f *fixture) setLostPolicy(p *circulation.LostItemFeePolicy) {
	p.ID = lostPolicy
	f.store.PutLostItemFeePolicy(p)
}

func (f *fixture) setNoticePolicy(notices ...circulation.NoticeConfig) {
	f.store.PutNoticePolicy(&circulation.NoticePolicy{ID: notePolicy, Name: "Test notices", LoanNotices: notices})
}

func chargeTypes(accounts []circulation.FeeFineAccount) []circulation.ChargeType {
	out := make([]circulation.ChargeType, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.ChargeType)
	}
	return out
}

// =============================================================================
// RECORDERS
// =============================================================================

type recordingPublisher struct {
	mu     sync.Mutex
	events []circulation.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e circulation.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []circulation.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]circulation.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingSender struct {
	mu   sync.Mutex
	sent []circulation.Notice
	// fail makes Send fail for notices with this template id.
	fail string
}

var errMailboxDown = errors.New("mailbox down")

func (s *recordingSender) Send(_ context.Context, n circulation.Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != "" && n.TemplateID == s.fail {
		return errMailboxDown
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSender) templates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, n := range s.sent {
		out = append(out, n.TemplateID)
	}
	return out
}

// failingCalendar fails every call.
type failingCalendar struct{ err error }

func (c failingCalendar) IsOpen(context.Context, circulation.ServicePointID, time.Time) (bool, error) {
	return false, c.err
}

func (c failingCalendar) NextOpenDay(context.Context, circulation.ServicePointID, time.Time) (time.Time, error) {
	return time.Time{}, c.err
}

func (c failingCalendar) PreviousOpenDay(context.Context, circulation.ServicePointID, time.Time) (time.Time, error) {
	return time.Time{}, c.err
}
