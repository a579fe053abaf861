/*
service.go - Synchronous circulation actions

PURPOSE:
  The action API of the engine: checkout, check-in, renew, change due
  date, declare lost, claim returned, mark missing, plus the autonomous
  aged-to-lost transition and actual cost resolution used by the sweep.
  Every action returns the mutated Loan/Item projection or a structured
  error (see errors.go).

ACTION SHAPE:
  1. Validate input
  2. Lock the item (same-item actions serialize in process)
  3. Read loan, item and policies; run the state machine
  4. Compute everything that can fail (due dates, fees) BEFORE writing
  5. Write loan, item, notices, accounts, records in one WithTx
  6. Publish an audit event (best effort)

CONCURRENCY:
  The in-process item lock serializes actions on one item. SaveLoan and
  SaveItem additionally check versions, so a second process racing on
  the same loan gets ErrConcurrentModification instead of a lost update.

LOOKUPS:
  Directory and policy lookups run under LookupTimeout. A failed lookup
  is a DependencyError and is never retried here: retrying inside a user
  request risks acting on state that moved underneath it.

SEE ALSO:
  - lost.go: Loss related actions
  - state.go: Transition table
  - sweep.go: Scheduled processing
*/
package circulation

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/warp/circulation-engine/circulation"

// =============================================================================
// SERVICE
// =============================================================================

// Service executes circulation actions.
type Service struct {
	Store         TxStore
	Directory     Directory
	Policies      PolicyStore
	DueDates      *DueDateCalculator
	Clock         Clock
	Publisher     Publisher
	Logger        *slog.Logger
	LookupTimeout time.Duration

	tracer trace.Tracer
	locks  *keyedMutex
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.Clock = c } }

func WithPublisher(p Publisher) Option { return func(s *Service) { s.Publisher = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.Logger = l } }

func WithLookupTimeout(d time.Duration) Option {
	return func(s *Service) { s.LookupTimeout = d }
}

// NewService creates a Service. dueDates may be nil, in which case every
// service point is treated as always open.
func NewService(store TxStore, dir Directory, policies PolicyStore, dueDates *DueDateCalculator, opts ...Option) *Service {
	s := &Service{
		Store:         store,
		Directory:     dir,
		Policies:      policies,
		DueDates:      dueDates,
		Clock:         SystemClock{},
		Publisher:     NopPublisher{},
		Logger:        slog.Default(),
		LookupTimeout: DefaultLookupTimeout,
		tracer:        otel.Tracer(instrumentationName),
		locks:         newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.DueDates == nil {
		s.DueDates = NewDueDateCalculator(nil, time.UTC, s.LookupTimeout)
	}
	return s
}

// Result is the projection returned by every action.
type Result struct {
	Loan             *Loan
	Item             *Item
	Accounts         []FeeFineAccount
	ActualCostRecord *ActualCostRecord
}

// =============================================================================
// CHECKOUT
// =============================================================================

// CheckoutRequest checks an item out to a patron.
type CheckoutRequest struct {
	ItemID         ItemID
	UserID         UserID
	ServicePointID ServicePointID
	LoanDate       *time.Time // defaults to now
}

// Checkout creates an open loan and computes its due date.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (res *Result, err error) {
	ctx, span := s.start(ctx, "checkout",
		attribute.String("item.id", string(req.ItemID)),
		attribute.String("user.id", string(req.UserID)))
	defer func() { err = s.finish(ctx, span, "checkout", err) }()

	switch {
	case req.ItemID == "":
		return nil, NewValidationError("Item id is required", "itemId", "")
	case req.UserID == "":
		return nil, NewValidationError("User id is required", "userId", "")
	case req.ServicePointID == "":
		return nil, NewValidationError("Check out must be performed at a service point", "servicePointId", "")
	}

	unlock := s.locks.Lock(string(req.ItemID))
	defer unlock()

	patron, err := s.patron(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !patron.Active {
		return nil, NewValidationError("Cannot check out to inactive patron", "userId", string(patron.ID))
	}
	if err := s.requireServicePoint(ctx, req.ServicePointID, "Check Out Service Point does not exist", "servicePointId"); err != nil {
		return nil, err
	}

	item, err := s.Store.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	open, err := s.Store.FindOpenLoanByItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	next, err := Transition(StateOf(open, item), ActionCheckedOut)
	if err != nil {
		return nil, withParam(err, "itemId", string(item.ID))
	}

	var fulfilled *HoldRequest
	if item.Status == ItemAwaitingPickup {
		requests, err := s.Store.ListOpenRequestsByItem(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		fulfilled = awaitingPickup(requests)
		if fulfilled == nil || fulfilled.RequesterID != patron.ID {
			return nil, NewValidationError("Item is awaiting pickup for another patron",
				"itemId", string(item.ID), "userId", string(patron.ID))
		}
	}

	rule, policies, err := s.resolvePolicies(ctx, patron)
	if err != nil {
		return nil, err
	}
	if !policies.Loan.Loanable {
		return nil, NewValidationError("Item is not loanable", "loanPolicyId", string(policies.Loan.ID))
	}

	loanDate := s.now()
	if req.LoanDate != nil {
		loanDate = *req.LoanDate
	}
	due, err := s.DueDates.ComputeDueDate(ctx, policies.Loan, loanDate, req.ServicePointID)
	if err != nil {
		return nil, err
	}
	due, err = s.DueDates.TruncateToPatronExpiration(ctx, due, patron.ExpirationDate, req.ServicePointID)
	if err != nil {
		return nil, err
	}

	loan := &Loan{
		ID:                     LoanID(NewID()),
		ItemID:                 item.ID,
		UserID:                 patron.ID,
		CheckoutServicePointID: req.ServicePointID,
		LoanDate:               loanDate,
		DueDate:                due,
		Status:                 next.Loan,
		Action:                 ActionCheckedOut,
		LoanPolicyID:           rule.LoanPolicyID,
		OverdueFinePolicyID:    rule.OverdueFinePolicyID,
		LostItemPolicyID:       rule.LostItemPolicyID,
		NoticePolicyID:         rule.NoticePolicyID,
	}
	item.Status = next.Item
	item.StatusDate = loanDate

	err = s.Store.WithTx(ctx, func(tx Store) error {
		if err := s.save(ctx, tx, loan, item); err != nil {
			return err
		}
		if fulfilled != nil {
			fulfilled.Status = RequestClosedFilled
			if err := tx.SaveRequest(ctx, fulfilled); err != nil {
				return err
			}
		}
		return s.scheduleDueNotices(ctx, tx, loan, policies)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventItemCheckedOut, loan, map[string]any{
		"dueDate":        loan.DueDate,
		"servicePointId": string(loan.CheckoutServicePointID),
	})
	return &Result{Loan: loan, Item: item}, nil
}

func awaitingPickup(requests []HoldRequest) *HoldRequest {
	for i := range requests {
		if requests[i].Status == RequestOpenAwaitPickup {
			return &requests[i]
		}
	}
	return nil
}

// =============================================================================
// CHECK IN
// =============================================================================

// CheckInRequest returns an item at a service point.
type CheckInRequest struct {
	ItemID         ItemID
	ServicePointID ServicePointID
	CheckInDate    *time.Time // defaults to now
}

// CheckIn closes the item's open loan. Pending notices for the loan are
// deleted without being sent; open lost fees are refunded per policy.
func (s *Service) CheckIn(ctx context.Context, req CheckInRequest) (res *Result, err error) {
	ctx, span := s.start(ctx, "check_in", attribute.String("item.id", string(req.ItemID)))
	defer func() { err = s.finish(ctx, span, "check_in", err) }()

	if strings.TrimSpace(string(req.ServicePointID)) == "" {
		return nil, NewValidationError("A Closed loan must have a Checkin Service Point", "checkinServicePointId", "")
	}
	if req.ItemID == "" {
		return nil, NewValidationError("Item id is required", "itemId", "")
	}
	if err := s.requireServicePoint(ctx, req.ServicePointID, "Check In Service Point does not exist", "checkinServicePointId"); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(string(req.ItemID))
	defer unlock()

	item, err := s.Store.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	loan, err := s.Store.FindOpenLoanByItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, &NotFoundError{Kind: "open loan for item", ID: string(req.ItemID)}
	}
	next, err := Transition(StateOf(loan, item), ActionCheckedIn)
	if err != nil {
		return nil, withParam(err, "loanId", string(loan.ID))
	}

	policies, err := s.loanPolicies(ctx, loan)
	if err != nil {
		return nil, err
	}
	requests, err := s.Store.ListOpenRequestsByItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	returnDate := s.now()
	if req.CheckInDate != nil {
		returnDate = *req.CheckInDate
	}
	previous := item.Status
	result := &Result{Loan: loan, Item: item}

	err = s.Store.WithTx(ctx, func(tx Store) error {
		ledger := NewLedger(tx)

		switch {
		case previous.IsLost():
			if err := s.resolveReturnedLostItem(ctx, tx, loan, policies.LostItem, returnDate); err != nil {
				return err
			}
		case previous == ItemCheckedOut:
			if fine, ok := OverdueFine(policies.OverdueFine, loan.DueDate, returnDate); ok {
				written, err := ledger.Charge(ctx, OverdueFineAccount(loan, fine, returnDate))
				if err != nil {
					return err
				}
				result.Accounts = append(result.Accounts, written...)
			}
		}

		loan.close(returnDate, req.ServicePointID, ActionCheckedIn)
		item.Status = next.Item
		item.StatusDate = returnDate
		if len(requests) > 0 {
			r := requests[0]
			if r.PickupServicePointID == req.ServicePointID {
				item.Status, r.Status = ItemAwaitingPickup, RequestOpenAwaitPickup
			} else {
				item.Status, r.Status = ItemInTransit, RequestOpenInTransit
			}
			if err := tx.SaveRequest(ctx, &r); err != nil {
				return err
			}
		}

		if _, err := tx.DeleteNoticesByLoan(ctx, loan.ID); err != nil {
			return err
		}
		return s.save(ctx, tx, loan, item)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventItemCheckedIn, loan, map[string]any{
		"returnDate":            returnDate,
		"checkinServicePointId": string(req.ServicePointID),
		"itemStatus":            string(item.Status),
		"previousItemStatus":    string(previous),
	})
	return result, nil
}

// resolveReturnedLostItem cancels open actual cost records and refunds
// lost item fees when a lost item comes back.
func (s *Service) resolveReturnedLostItem(ctx context.Context, tx Store, loan *Loan, policy *LostItemFeePolicy, returnedAt time.Time) error {
	records, err := tx.FindActualCostRecordsByLoan(ctx, loan.ID)
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].Status != ActualCostOpen {
			continue
		}
		records[i].Status = ActualCostCancelled
		if err := tx.SaveActualCostRecord(ctx, &records[i]); err != nil {
			return err
		}
	}

	lostAt := returnedAt
	switch {
	case loan.DeclaredLostDate != nil:
		lostAt = *loan.DeclaredLostDate
	case loan.AgedToLostDate != nil:
		lostAt = *loan.AgedToLostDate
	}
	accounts, err := tx.ListAccountsByLoan(ctx, loan.ID)
	if err != nil {
		return err
	}
	_, err = NewLedger(tx).Cancel(ctx, LostFeesToRefund(policy, accounts, lostAt, returnedAt))
	return err
}

// =============================================================================
// RENEW
// =============================================================================

// Renew extends an open loan per its loan policy.
func (s *Service) Renew(ctx context.Context, loanID LoanID) (res *Result, err error) {
	ctx, span := s.start(ctx, "renew", attribute.String("loan.id", string(loanID)))
	defer func() { err = s.finish(ctx, span, "renew", err) }()

	loan, item, unlock, err := s.lockLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := Transition(StateOf(loan, item), ActionRenewed); err != nil {
		return nil, withParam(err, "loanId", string(loan.ID))
	}

	policies, err := s.loanPolicies(ctx, loan)
	if err != nil {
		return nil, err
	}
	policy := policies.Loan
	if !policy.Renewable {
		return nil, NewValidationError("loan is not renewable", "loanPolicyId", string(policy.ID))
	}
	if policy.RenewalsExhausted(loan.RenewalCount) {
		return nil, NewValidationError("loan has reached its maximum number of renewals", "loanPolicyId", string(policy.ID))
	}
	requests, err := s.Store.ListOpenRequestsByItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if len(requests) > 0 {
		return nil, NewValidationError("Items cannot be renewed when there is an active pending request",
			"itemId", string(item.ID))
	}

	now := s.now()
	due, err := s.DueDates.ComputeRenewalDueDate(ctx, policy, loan, now)
	if err != nil {
		return nil, err
	}
	patron, err := s.patron(ctx, loan.UserID)
	if err != nil {
		return nil, err
	}
	due, err = s.DueDates.TruncateToPatronExpiration(ctx, due, patron.ExpirationDate, loan.CheckoutServicePointID)
	if err != nil {
		return nil, err
	}
	if !due.After(loan.DueDate) {
		return nil, NewValidationError("renewal would not change the due date",
			"loanId", string(loan.ID), "dueDate", due.Format(time.RFC3339))
	}

	result := &Result{Loan: loan, Item: item}
	err = s.Store.WithTx(ctx, func(tx Store) error {
		if loan.IsOverdue(now) && policies.OverdueFine != nil && !policies.OverdueFine.ForgiveOverdueFine {
			if fine, ok := OverdueFine(policies.OverdueFine, loan.DueDate, now); ok {
				account := OverdueFineAccount(loan, fine, now)
				account.IdempotencyKey = account.IdempotencyKey + ":renewal:" + strconv.Itoa(loan.RenewalCount+1)
				written, err := NewLedger(tx).Charge(ctx, account)
				if err != nil {
					return err
				}
				result.Accounts = append(result.Accounts, written...)
			}
		}

		loan.DueDate = due
		loan.RenewalCount++
		loan.Action = ActionRenewed
		loan.LastReminderStage = 0
		loan.LastReminderDate = nil
		if _, err := tx.DeleteNoticesByLoan(ctx, loan.ID, TriggerDueDate, TriggerOverdueReminder); err != nil {
			return err
		}
		if err := s.scheduleDueNotices(ctx, tx, loan, policies); err != nil {
			return err
		}
		return s.save(ctx, tx, loan, nil)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventLoanRenewed, loan, map[string]any{
		"dueDate":      loan.DueDate,
		"renewalCount": loan.RenewalCount,
	})
	return result, nil
}

// =============================================================================
// CHANGE DUE DATE
// =============================================================================

// ChangeDueDate sets a new due date on an open loan and reschedules its
// due date notices.
func (s *Service) ChangeDueDate(ctx context.Context, loanID LoanID, dueDate *time.Time) (res *Result, err error) {
	ctx, span := s.start(ctx, "change_due_date", attribute.String("loan.id", string(loanID)))
	defer func() { err = s.finish(ctx, span, "change_due_date", err) }()

	if dueDate == nil || dueDate.IsZero() {
		return nil, NewValidationError("A new due date is required in order to change the due date",
			"loanId", string(loanID), "dueDate", "")
	}

	loan, item, unlock, err := s.lockLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := Transition(StateOf(loan, item), ActionDueDateChanged); err != nil {
		return nil, withParam(err, "loanId", string(loan.ID))
	}
	policies, err := s.loanPolicies(ctx, loan)
	if err != nil {
		return nil, err
	}

	previous := loan.DueDate
	// An aged to lost loan keeps its new due date but gets no due date
	// notices or reminders back.
	checkedOut := item.Status == ItemCheckedOut
	err = s.Store.WithTx(ctx, func(tx Store) error {
		loan.DueDate = *dueDate
		loan.Action = ActionDueDateChanged
		if !checkedOut {
			return s.save(ctx, tx, loan, nil)
		}
		triggers := []NoticeTrigger{TriggerDueDate}
		if loan.LastReminderStage == 0 {
			triggers = append(triggers, TriggerOverdueReminder)
		}
		if _, err := tx.DeleteNoticesByLoan(ctx, loan.ID, triggers...); err != nil {
			return err
		}
		if err := s.saveNotices(ctx, tx, DueDateNotices(policies.Notice, loan)); err != nil {
			return err
		}
		if loan.LastReminderStage == 0 {
			if err := s.scheduleReminder(ctx, tx, loan, policies.OverdueFine, 1, loan.DueDate); err != nil {
				return err
			}
		}
		return s.save(ctx, tx, loan, nil)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventLoanDueDateChanged, loan, map[string]any{
		"dueDate":         loan.DueDate,
		"previousDueDate": previous,
	})
	return &Result{Loan: loan, Item: item}, nil
}

// =============================================================================
// HOLD REQUESTS
// =============================================================================

// PlaceHoldRequest queues a patron for an item.
type PlaceHoldRequest struct {
	ItemID               ItemID
	RequesterID          UserID
	PickupServicePointID ServicePointID
	RequestDate          *time.Time
}

// PlaceHold appends a request to the item's queue. Check-in routes the
// item to the first request in the queue.
func (s *Service) PlaceHold(ctx context.Context, req PlaceHoldRequest) (hold *HoldRequest, err error) {
	ctx, span := s.start(ctx, "place_hold", attribute.String("item.id", string(req.ItemID)))
	defer func() { err = s.finish(ctx, span, "place_hold", err) }()

	if req.PickupServicePointID == "" {
		return nil, NewValidationError("A pickup service point is required", "pickupServicePointId", "")
	}
	if err := s.requireServicePoint(ctx, req.PickupServicePointID, "Pickup Service Point does not exist", "pickupServicePointId"); err != nil {
		return nil, err
	}
	if _, err := s.patron(ctx, req.RequesterID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(string(req.ItemID))
	defer unlock()

	item, err := s.Store.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	open, err := s.Store.FindOpenLoanByItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if open != nil && open.UserID == req.RequesterID {
		return nil, NewValidationError("This requester currently has this item on loan",
			"itemId", string(item.ID), "requesterId", string(req.RequesterID))
	}
	queue, err := s.Store.ListOpenRequestsByItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	for _, q := range queue {
		if q.RequesterID == req.RequesterID {
			return nil, NewValidationError("This requester already has an open request for this item",
				"itemId", string(item.ID), "requesterId", string(req.RequesterID))
		}
	}

	requestDate := s.now()
	if req.RequestDate != nil {
		requestDate = *req.RequestDate
	}
	hold = &HoldRequest{
		ID:                   RequestID(NewID()),
		ItemID:               item.ID,
		RequesterID:          req.RequesterID,
		PickupServicePointID: req.PickupServicePointID,
		Status:               RequestOpenNotYetFilled,
		Position:             len(queue) + 1,
		RequestDate:          requestDate,
	}
	if err := s.Store.SaveRequest(ctx, hold); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, Event{Type: EventRequestCreated, ItemID: item.ID, UserID: req.RequesterID,
		Payload: map[string]any{"requestId": string(hold.ID), "position": hold.Position}})
	return hold, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetLoan returns a loan by id.
func (s *Service) GetLoan(ctx context.Context, id LoanID) (*Loan, error) {
	return s.Store.GetLoan(ctx, id)
}

// LoanAccounts returns the fee/fine accounts of a loan.
func (s *Service) LoanAccounts(ctx context.Context, id LoanID) ([]FeeFineAccount, error) {
	return NewLedger(s.Store).Accounts(ctx, id)
}

// LoanNotices returns the pending notices of a loan.
func (s *Service) LoanNotices(ctx context.Context, id LoanID) ([]ScheduledNotice, error) {
	return s.Store.ListNoticesByLoan(ctx, id)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) now() time.Time { return s.Clock.Now() }

// lockLoan locks the loan's item and returns a fresh read of both.
func (s *Service) lockLoan(ctx context.Context, id LoanID) (*Loan, *Item, func(), error) {
	loan, err := s.Store.GetLoan(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock := s.locks.Lock(string(loan.ItemID))
	loan, err = s.Store.GetLoan(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	item, err := s.Store.GetItem(ctx, loan.ItemID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return loan, item, unlock, nil
}

// save checks the loan invariants and writes item then loan.
func (s *Service) save(ctx context.Context, tx Store, loan *Loan, item *Item) error {
	if err := ValidateLoan(loan, item); err != nil {
		s.Logger.ErrorContext(ctx, "refusing inconsistent write", "loan_id", loan.ID, "error", err)
		return err
	}
	if item != nil {
		if err := tx.SaveItem(ctx, item); err != nil {
			return err
		}
	}
	return tx.SaveLoan(ctx, loan)
}

func (s *Service) saveNotices(ctx context.Context, tx Store, notices []ScheduledNotice) error {
	for i := range notices {
		if err := tx.SaveNotice(ctx, &notices[i]); err != nil {
			return err
		}
	}
	return nil
}

// scheduleDueNotices writes the due date notices and the first reminder.
func (s *Service) scheduleDueNotices(ctx context.Context, tx Store, loan *Loan, policies PolicySet) error {
	if err := s.saveNotices(ctx, tx, DueDateNotices(policies.Notice, loan)); err != nil {
		return err
	}
	return s.scheduleReminder(ctx, tx, loan, policies.OverdueFine, loan.LastReminderStage+1, loan.DueDate)
}

// scheduleReminder writes reminder stage n counted from from. Unless the
// ladder counts closed days, a run time on a closed day moves to the same
// time on the next open day.
func (s *Service) scheduleReminder(ctx context.Context, tx Store, loan *Loan, policy *OverdueFinePolicy, n int, from time.Time) error {
	notice, ok := ReminderNotice(policy, loan, n, from)
	if !ok {
		return nil
	}
	if !policy.Reminders.CountClosed {
		runTime, err := s.openRunTime(ctx, loan.CheckoutServicePointID, notice.RunTime)
		if err != nil {
			return err
		}
		notice.RunTime = runTime
	}
	return tx.SaveNotice(ctx, &notice)
}

func (s *Service) openRunTime(ctx context.Context, sp ServicePointID, at time.Time) (time.Time, error) {
	open, err := s.DueDates.isOpen(ctx, sp, at)
	if err != nil {
		if IsClientError(err) {
			return at, nil // no calendar: keep the raw run time
		}
		return time.Time{}, err
	}
	if open {
		return at, nil
	}
	next, err := s.DueDates.nextOpenDay(ctx, sp, at)
	if err != nil {
		if IsClientError(err) {
			return at, nil
		}
		return time.Time{}, err
	}
	loc := s.DueDates.Location
	return StartOfDay(next, loc).Add(at.In(loc).Sub(StartOfDay(at, loc))), nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

func (s *Service) lookupCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.LookupTimeout)
}

func (s *Service) patron(ctx context.Context, id UserID) (*Patron, error) {
	ctx, cancel := s.lookupCtx(ctx)
	defer cancel()
	p, err := s.Directory.GetPatron(ctx, id)
	return p, lookupError(err, "directory", "getPatron")
}

func (s *Service) requireServicePoint(ctx context.Context, id ServicePointID, message, param string) error {
	ctx, cancel := s.lookupCtx(ctx)
	defer cancel()
	_, err := s.Directory.GetServicePoint(ctx, id)
	if IsNotFound(err) {
		return NewValidationError(message, param, string(id))
	}
	return lookupError(err, "directory", "getServicePoint")
}

// resolvePolicies applies the circulation rules to a patron.
func (s *Service) resolvePolicies(ctx context.Context, patron *Patron) (PolicyRule, PolicySet, error) {
	lctx, cancel := s.lookupCtx(ctx)
	rules, err := s.Directory.CirculationRules(lctx)
	cancel()
	if err != nil {
		return PolicyRule{}, PolicySet{}, lookupError(err, "directory", "circulationRules")
	}
	rule, ok := ResolveRule(rules, patron.PatronGroupID)
	if !ok {
		return PolicyRule{}, PolicySet{}, NewValidationError("No circulation rule applies to patron group",
			"patronGroupId", patron.PatronGroupID)
	}
	set, err := s.policySet(ctx, rule)
	return rule, set, err
}

// loanPolicies loads the policies recorded on a loan.
func (s *Service) loanPolicies(ctx context.Context, loan *Loan) (PolicySet, error) {
	return s.policySet(ctx, PolicyRule{
		LoanPolicyID:        loan.LoanPolicyID,
		OverdueFinePolicyID: loan.OverdueFinePolicyID,
		LostItemPolicyID:    loan.LostItemPolicyID,
		NoticePolicyID:      loan.NoticePolicyID,
	})
}

func (s *Service) policySet(ctx context.Context, rule PolicyRule) (PolicySet, error) {
	ctx, cancel := s.lookupCtx(ctx)
	defer cancel()

	var set PolicySet
	var err error
	if set.Loan, err = s.Policies.GetLoanPolicy(ctx, rule.LoanPolicyID); err != nil {
		return set, lookupError(err, "policy store", "getLoanPolicy")
	}
	if rule.OverdueFinePolicyID != "" {
		if set.OverdueFine, err = s.Policies.GetOverdueFinePolicy(ctx, rule.OverdueFinePolicyID); err != nil {
			return set, lookupError(err, "policy store", "getOverdueFinePolicy")
		}
	}
	if rule.LostItemPolicyID != "" {
		if set.LostItem, err = s.Policies.GetLostItemFeePolicy(ctx, rule.LostItemPolicyID); err != nil {
			return set, lookupError(err, "policy store", "getLostItemFeePolicy")
		}
	}
	if rule.NoticePolicyID != "" {
		if set.Notice, err = s.Policies.GetNoticePolicy(ctx, rule.NoticePolicyID); err != nil {
			return set, lookupError(err, "policy store", "getNoticePolicy")
		}
	}
	return set, nil
}

// lookupError passes not-found and already classified errors through and
// wraps everything else as a DependencyError.
func lookupError(err error, dependency, op string) error {
	if err == nil || IsNotFound(err) || IsClientError(err) || errors.Is(err, ErrDependency) {
		return err
	}
	return &DependencyError{Dependency: dependency, Op: op, Err: err, Transient: errors.Is(err, context.DeadlineExceeded)}
}

// classify maps unclassified store errors to DependencyError.
func classify(err error, op string) error {
	switch {
	case err == nil,
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDependency),
		errors.Is(err, ErrInvariantViolation),
		errors.Is(err, ErrConcurrentModification):
		return err
	}
	return &DependencyError{Dependency: "store", Op: op, Err: err, Transient: errors.Is(err, context.DeadlineExceeded)}
}

// withParam appends a parameter to a ValidationError.
func withParam(err error, key, value string) error {
	v, ok := AsValidation(err)
	if !ok {
		return err
	}
	params := append(append([]Parameter{}, v.Parameters...), Parameter{Key: key, Value: value})
	return &ValidationError{Message: v.Message, Parameters: params}
}

// =============================================================================
// TRACING, LOGGING, EVENTS
// =============================================================================

func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "circulation."+op, trace.WithAttributes(attrs...))
}

// finish classifies err, records it on the span, logs it and ends the span.
func (s *Service) finish(ctx context.Context, span trace.Span, op string, err error) error {
	defer span.End()
	if err == nil {
		return nil
	}
	err = classify(err, op)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	level := slog.LevelError
	if IsClientError(err) || IsNotFound(err) {
		level = slog.LevelInfo
	}
	s.Logger.Log(ctx, level, "circulation action rejected", "action", op, "error", err)
	return err
}

func (s *Service) publish(ctx context.Context, typ EventType, loan *Loan, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["loanStatus"] = string(loan.Status)
	payload["action"] = string(loan.Action)
	s.publishEvent(ctx, Event{Type: typ, LoanID: loan.ID, ItemID: loan.ItemID, UserID: loan.UserID, Payload: payload})
}

func (s *Service) publishEvent(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	if err := s.Publisher.Publish(ctx, e); err != nil {
		s.Logger.WarnContext(ctx, "event publish failed", "event_type", e.Type, "loan_id", e.LoanID, "error", err)
	}
}
