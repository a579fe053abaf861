/*
duedate.go - Due date calculator

PURPOSE:
  Computes due dates for checkouts and renewals from a LoanPolicy and the
  checkout service point's calendar.

PIPELINE:
  1. Initial due date
       Rolling: loanDate + period. Day-or-longer periods land on the end
                of the day; minute/hour periods keep their time of day.
       Fixed:   due boundary of the schedule interval containing loanDate.
  2. Limit
       Rolling policies with a fixed schedule are clamped to the due
       boundary of the interval containing loanDate. A fixed profile's own
       boundary is its limit.
  3. Closed library management (only when the due day is closed)
       KEEP:     unchanged
       PREVIOUS: end of the previous open day. When step 2 clamped the
                 date, the search starts from the limit date.
       NEXT:     end of the next open day, unless that passes the limit,
                 in which case the previous open day is used.
  4. Patron expiration (checkout only, see TruncateToPatronExpiration)

  The result never exceeds the limit.

FAILURES:
  - No schedule interval for the loan date: ValidationError
  - No calendar for the service point:
      ValidationError "Calendar timetable is absent for requested date"
  - Calendar unreachable or slow: DependencyError (Transient)

  Every calendar call runs under Timeout. The calculator never writes, so
  a failure here leaves loan and item untouched.

SEE ALSO:
  - time.go: Calendar, EndOfDay
  - policy.go: LoanPolicy, FixedDueDateSchedule
  - service.go: Checkout, Renew
*/
package circulation

import (
	"context"
	"errors"
	"time"
)

// DefaultLookupTimeout bounds a single calendar call.
const DefaultLookupTimeout = 5 * time.Second

// DueDateCalculator computes due dates.
type DueDateCalculator struct {
	Calendar Calendar
	Location *time.Location
	Timeout  time.Duration
}

// NewDueDateCalculator creates a calculator. A nil calendar means every
// service point is always open; a nil location means UTC.
func NewDueDateCalculator(cal Calendar, loc *time.Location, timeout time.Duration) *DueDateCalculator {
	if cal == nil {
		cal = AlwaysOpen{}
	}
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &DueDateCalculator{Calendar: cal, Location: loc, Timeout: timeout}
}

// bounds is an unadjusted due date and the limit it must respect.
type bounds struct {
	due     time.Time
	limit   *time.Time
	clamped bool
}

// =============================================================================
// CHECKOUT
// =============================================================================

// ComputeDueDate returns the due date of a loan made at loanDate.
func (c *DueDateCalculator) ComputeDueDate(ctx context.Context, policy *LoanPolicy, loanDate time.Time, sp ServicePointID) (time.Time, error) {
	b, err := c.initial(policy, loanDate)
	if err != nil {
		return time.Time{}, err
	}
	return c.applyClosedLibrary(ctx, policy.ClosedLibraryDueDateManagement, b, sp)
}

func (c *DueDateCalculator) initial(policy *LoanPolicy, loanDate time.Time) (bounds, error) {
	switch policy.Profile {
	case ProfileFixed:
		interval, ok := policy.FixedDueDateSchedule.Find(loanDate)
		if !ok {
			return bounds{}, NewValidationError(
				"Item can't be checked out as the loan date falls outside of the date ranges in the loan policy",
				"loanPolicyId", string(policy.ID))
		}
		due := interval.DueDate()
		return bounds{due: due, limit: &due}, nil

	case ProfileRolling:
		if policy.Period == nil {
			return bounds{}, NewValidationError("Loan period is not configured", "loanPolicyId", string(policy.ID))
		}
		b := bounds{due: c.advance(*policy.Period, loanDate)}
		if policy.FixedDueDateSchedule != nil {
			interval, ok := policy.FixedDueDateSchedule.Find(loanDate)
			if !ok {
				return bounds{}, NewValidationError(
					"loan date falls outside of the date ranges in the rolling loan policy",
					"loanPolicyId", string(policy.ID))
			}
			limit := interval.DueDate()
			b.limit = &limit
		}
		return b.clamp(), nil

	default:
		return bounds{}, NewValidationError("Unknown loan profile", "profile", string(policy.Profile))
	}
}

func (c *DueDateCalculator) advance(p Period, from time.Time) time.Time {
	due := p.AddTo(from)
	if !p.IsShortTerm() {
		due = EndOfDay(due, c.Location)
	}
	return due
}

func (b bounds) clamp() bounds {
	if b.limit != nil && b.due.After(*b.limit) {
		b.due = *b.limit
		b.clamped = true
	}
	return b
}

// =============================================================================
// RENEWAL
// =============================================================================

// ComputeRenewalDueDate returns the due date a renewal at now would give.
func (c *DueDateCalculator) ComputeRenewalDueDate(ctx context.Context, policy *LoanPolicy, loan *Loan, now time.Time) (time.Time, error) {
	schedule := policy.RenewalFixedDueDateSchedule
	if schedule == nil {
		schedule = policy.FixedDueDateSchedule
	}

	var b bounds
	switch policy.Profile {
	case ProfileFixed:
		interval, ok := schedule.Find(now)
		if !ok {
			return time.Time{}, NewValidationError(
				"renewal date falls outside of date ranges in fixed loan policy",
				"loanPolicyId", string(policy.ID))
		}
		due := interval.DueDate()
		b = bounds{due: due, limit: &due}

	case ProfileRolling:
		period := policy.RenewalPeriod
		if period == nil {
			period = policy.Period
		}
		if period == nil {
			return time.Time{}, NewValidationError("Loan period is not configured", "loanPolicyId", string(policy.ID))
		}
		base := now
		if policy.RenewFrom == RenewFromCurrentDueDate {
			base = loan.DueDate
		}
		b = bounds{due: c.advance(*period, base)}
		if schedule != nil {
			interval, ok := schedule.Find(now)
			if !ok {
				return time.Time{}, NewValidationError(
					"renewal date falls outside of date ranges in the loan policy",
					"loanPolicyId", string(policy.ID))
			}
			limit := interval.DueDate()
			b.limit = &limit
		}
		b = b.clamp()

	default:
		return time.Time{}, NewValidationError("Unknown loan profile", "profile", string(policy.Profile))
	}

	return c.applyClosedLibrary(ctx, policy.ClosedLibraryDueDateManagement, b, loan.CheckoutServicePointID)
}

// =============================================================================
// CLOSED LIBRARY MANAGEMENT
// =============================================================================

func (c *DueDateCalculator) applyClosedLibrary(ctx context.Context, strategy ClosedLibraryStrategy, b bounds, sp ServicePointID) (time.Time, error) {
	if strategy == "" || strategy == KeepCurrentDueDate {
		return b.due, nil
	}

	open, err := c.isOpen(ctx, sp, b.due)
	if err != nil {
		return time.Time{}, err
	}
	if open {
		return b.due, nil
	}

	switch strategy {
	case MoveToEndOfPreviousOpenDay:
		return c.previousOpenEnd(ctx, sp, b.due)

	case MoveToEndOfNextOpenDay:
		next, err := c.nextOpenDay(ctx, sp, b.due)
		if err != nil {
			return time.Time{}, err
		}
		due := EndOfDay(next, c.Location)
		if b.limit != nil && due.After(*b.limit) {
			return c.openLimitOrPrevious(ctx, sp, *b.limit)
		}
		return due, nil
	}
	return b.due, nil
}

// openLimitOrPrevious returns limit itself when the library is open that
// day, otherwise the end of the last open day before it.
func (c *DueDateCalculator) openLimitOrPrevious(ctx context.Context, sp ServicePointID, limit time.Time) (time.Time, error) {
	open, err := c.isOpen(ctx, sp, limit)
	if err != nil {
		return time.Time{}, err
	}
	if open {
		return limit, nil
	}
	return c.previousOpenEnd(ctx, sp, limit)
}

// previousOpenEnd returns the end of the last open day strictly before at.
func (c *DueDateCalculator) previousOpenEnd(ctx context.Context, sp ServicePointID, at time.Time) (time.Time, error) {
	prev, err := c.previousOpenDay(ctx, sp, at)
	if err != nil {
		return time.Time{}, err
	}
	return EndOfDay(prev, c.Location), nil
}

// =============================================================================
// PATRON EXPIRATION
// =============================================================================

// TruncateToPatronExpiration caps due at the end of the last open day on
// or before the patron's expiration day. A nil expiration leaves due as is.
func (c *DueDateCalculator) TruncateToPatronExpiration(ctx context.Context, due time.Time, expiration *time.Time, sp ServicePointID) (time.Time, error) {
	if expiration == nil || !expiration.Before(due) {
		return due, nil
	}

	open, err := c.isOpen(ctx, sp, *expiration)
	if err != nil {
		return time.Time{}, err
	}
	if open {
		truncated := EndOfDay(*expiration, c.Location)
		if truncated.After(due) {
			return due, nil
		}
		return truncated, nil
	}
	return c.previousOpenEnd(ctx, sp, *expiration)
}

// =============================================================================
// CALENDAR CALLS
// =============================================================================

func (c *DueDateCalculator) isOpen(ctx context.Context, sp ServicePointID, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	open, err := c.Calendar.IsOpen(ctx, sp, StartOfDay(at, c.Location))
	return open, calendarError(err, sp, "isOpen")
}

func (c *DueDateCalculator) nextOpenDay(ctx context.Context, sp ServicePointID, at time.Time) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	day, err := c.Calendar.NextOpenDay(ctx, sp, StartOfDay(at, c.Location))
	return day, calendarError(err, sp, "nextOpenDay")
}

func (c *DueDateCalculator) previousOpenDay(ctx context.Context, sp ServicePointID, at time.Time) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	day, err := c.Calendar.PreviousOpenDay(ctx, sp, StartOfDay(at, c.Location))
	return day, calendarError(err, sp, "previousOpenDay")
}

// calendarError maps calendar failures onto the error taxonomy.
func calendarError(err error, sp ServicePointID, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoCalendarConfigured) {
		return NewValidationError("Calendar timetable is absent for requested date", "servicePointId", string(sp))
	}
	var dep *DependencyError
	if errors.As(err, &dep) {
		return err
	}
	transient := errors.Is(err, context.DeadlineExceeded)
	return &DependencyError{Dependency: "calendar", Op: op, Err: err, Transient: transient}
}
