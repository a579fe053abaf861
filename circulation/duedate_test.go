package circulation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/warp/circulation-engine/calendar"
	"github.com/warp/circulation-engine/circulation"
)

func endOf(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}

func closedOn(days ...time.Weekday) *calendar.Static {
	cal := calendar.NewStatic(time.UTC)
	cal.Set(desk, calendar.Timetable{ClosedWeekdays: days})
	return cal
}

func rolling(n int, unit circulation.Interval, strategy circulation.ClosedLibraryStrategy) *circulation.LoanPolicy {
	return &circulation.LoanPolicy{
		ID:                             "rolling",
		Loanable:                       true,
		Profile:                        circulation.ProfileRolling,
		Period:                         period(n, unit),
		ClosedLibraryDueDateManagement: strategy,
	}
}

func schedule(from, to time.Time, due *time.Time) *circulation.FixedDueDateSchedule {
	return &circulation.FixedDueDateSchedule{
		ID:        "term",
		Schedules: []circulation.ScheduleInterval{{From: from, To: to, Due: due}},
	}
}

// =============================================================================
// CHECKOUT DUE DATES
// =============================================================================

func TestDueDate_FridayCheckoutLimitedBySchedule(t *testing.T) {
	// GIVEN: A desk closed on Saturdays and Mondays
	// AND: A rolling 8 day policy limited by a schedule ending on the
	//      Saturday the rolling period would land on
	calc := circulation.NewDueDateCalculator(closedOn(time.Saturday, time.Monday), time.UTC, time.Second)
	policy := rolling(8, circulation.Days, circulation.MoveToEndOfPreviousOpenDay)
	policy.FixedDueDateSchedule = schedule(
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC), nil)
	friday := time.Date(2024, 3, 8, 14, 30, 0, 0, time.UTC)

	// WHEN: Checking out on Friday
	due, err := calc.ComputeDueDate(context.Background(), policy, friday, desk)

	// THEN: The due date is the end of the previous open day (Friday the
	// 15th), not the raw rolling date (Saturday the 16th)
	require.NoError(t, err)
	assert.Equal(t, endOf(2024, 3, 15), due)
}

func TestDueDate_RollingDaysLandOnEndOfDay(t *testing.T) {
	calc := circulation.NewDueDateCalculator(nil, time.UTC, time.Second)

	due, err := calc.ComputeDueDate(context.Background(), rolling(3, circulation.Weeks, ""), monday, desk)

	require.NoError(t, err)
	assert.Equal(t, endOf(2024, 3, 25), due)
}

func TestDueDate_ShortTermKeepsTimeOfDay(t *testing.T) {
	calc := circulation.NewDueDateCalculator(nil, time.UTC, time.Second)

	due, err := calc.ComputeDueDate(context.Background(), rolling(2, circulation.Hours, ""), monday, desk)

	require.NoError(t, err)
	assert.Equal(t, monday.Add(2*time.Hour), due)
}

func TestDueDate_FixedProfileOutsideSchedule(t *testing.T) {
	calc := circulation.NewDueDateCalculator(nil, time.UTC, time.Second)
	policy := &circulation.LoanPolicy{
		ID:       "fixed",
		Loanable: true,
		Profile:  circulation.ProfileFixed,
		FixedDueDateSchedule: schedule(
			time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC), nil),
	}

	_, err := calc.ComputeDueDate(context.Background(), policy, monday, desk)

	v, ok := circulation.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, "Item can't be checked out as the loan date falls outside of the date ranges in the loan policy", v.Message)
	assert.Equal(t, "fixed", v.Param("loanPolicyId"))
}

func TestDueDate_FixedProfileUsesScheduleDueDate(t *testing.T) {
	calc := circulation.NewDueDateCalculator(nil, time.UTC, time.Second)
	termEnd := endOf(2024, 5, 31)
	policy := &circulation.LoanPolicy{
		ID:       "fixed",
		Loanable: true,
		Profile:  circulation.ProfileFixed,
		FixedDueDateSchedule: schedule(
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), &termEnd),
	}

	due, err := calc.ComputeDueDate(context.Background(), policy, monday, desk)

	require.NoError(t, err)
	assert.Equal(t, termEnd, due)
}

func TestDueDate_MoveToNextOpenDay(t *testing.T) {
	// GIVEN: A desk closed on weekends and a rolling 5 day policy
	calc := circulation.NewDueDateCalculator(closedOn(time.Saturday, time.Sunday), time.UTC, time.Second)
	policy := rolling(5, circulation.Days, circulation.MoveToEndOfNextOpenDay)

	// WHEN: Checking out on Monday, so the rolling date is Saturday
	due, err := calc.ComputeDueDate(context.Background(), policy, monday, desk)

	// THEN: The loan is due at the end of Monday
	require.NoError(t, err)
	assert.Equal(t, endOf(2024, 3, 11), due)
}

func TestDueDate_NextOpenDayBeyondLimitFallsBack(t *testing.T) {
	// GIVEN: A desk closed on weekends
	// AND: A rolling 8 day policy whose schedule limit is Saturday night
	calc := circulation.NewDueDateCalculator(closedOn(time.Saturday, time.Sunday), time.UTC, time.Second)
	limit := endOf(2024, 3, 16)
	policy := rolling(8, circulation.Days, circulation.MoveToEndOfNextOpenDay)
	policy.FixedDueDateSchedule = schedule(
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), &limit)

	// WHEN: The rolling date lands on that Saturday
	due, err := calc.ComputeDueDate(context.Background(), policy, time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC), desk)

	// THEN: Monday would pass the limit, so the previous open day is used
	require.NoError(t, err)
	assert.Equal(t, endOf(2024, 3, 15), due)
}

func TestDueDate_NextOpenDayBeyondLimitStopsAtOpenLimitDay(t *testing.T) {
	// GIVEN: A desk closed on weekends
	// AND: A schedule limit of Monday noon
	calc := circulation.NewDueDateCalculator(closedOn(time.Saturday, time.Sunday), time.UTC, time.Second)
	limit := time.Date(2024, 3, 18, 12, 0, 0, 0, time.UTC)
	policy := rolling(8, circulation.Days, circulation.MoveToEndOfNextOpenDay)
	policy.FixedDueDateSchedule = schedule(
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), &limit)

	// WHEN: The rolling date lands on the Saturday before
	due, err := calc.ComputeDueDate(context.Background(), policy, time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC), desk)

	// THEN: End of Monday passes the limit, but Monday is open, so the limit itself is used
	require.NoError(t, err)
	assert.Equal(t, limit, due)
}

func TestDueDate_KeepCurrentDueDateSkipsCalendar(t *testing.T) {
	calc := circulation.NewDueDateCalculator(failingCalendar{err: errors.New("unreachable")}, time.UTC, time.Second)

	due, err := calc.ComputeDueDate(context.Background(), rolling(1, circulation.Weeks, circulation.KeepCurrentDueDate), monday, desk)

	require.NoError(t, err)
	assert.Equal(t, endOf(2024, 3, 11), due)
}

// =============================================================================
// CALENDAR FAILURES
// =============================================================================

func TestDueDate_NoCalendarIsValidationError(t *testing.T) {
	calc := circulation.NewDueDateCalculator(calendar.NewStatic(time.UTC), time.UTC, time.Second)

	_, err := calc.ComputeDueDate(context.Background(), rolling(1, circulation.Weeks, circulation.MoveToEndOfNextOpenDay), monday, desk)

	v, ok := circulation.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, "Calendar timetable is absent for requested date", v.Message)
	assert.Equal(t, string(desk), v.Param("servicePointId"))
}

func TestDueDate_CalendarTimeoutIsTransientDependencyError(t *testing.T) {
	calc := circulation.NewDueDateCalculator(failingCalendar{err: context.DeadlineExceeded}, time.UTC, time.Second)

	_, err := calc.ComputeDueDate(context.Background(), rolling(1, circulation.Weeks, circulation.MoveToEndOfNextOpenDay), monday, desk)

	require.Error(t, err)
	assert.ErrorIs(t, err, circulation.ErrDependency)
	assert.True(t, circulation.IsRetryable(err))
	assert.False(t, circulation.IsClientError(err))
}

// =============================================================================
// RENEWALS AND PATRON EXPIRATION
// =============================================================================

func TestDueDate_RenewFromCurrentDueDate(t *testing.T) {
	calc := circulation.NewDueDateCalculator(nil, time.UTC, time.Second)
	policy := rolling(2, circulation.Weeks, "")
	policy.RenewFrom = circulation.RenewFromCurrentDueDate
	loan := &circulation.Loan{DueDate: endOf(2024, 3, 18), CheckoutServicePointID: desk}

	due, err := calc.ComputeRenewalDueDate(context.Background(), policy, loan, monday)

	require.NoError(t, err)
	assert.Equal(t, endOf(2024, 4, 1), due)
}

func TestDueDate_RenewalPeriodOverridesLoanPeriod(t *testing.T) {
	calc := circulation.NewDueDateCalculator(nil, time.UTC, time.Second)
	policy := rolling(3, circulation.Weeks, "")
	policy.RenewalPeriod = period(1, circulation.Weeks)
	loan := &circulation.Loan{DueDate: endOf(2024, 3, 5), CheckoutServicePointID: desk}

	due, err := calc.ComputeRenewalDueDate(context.Background(), policy, loan, monday)

	require.NoError(t, err)
	assert.Equal(t, endOf(2024, 3, 11), due)
}

func TestDueDate_TruncateToPatronExpiration(t *testing.T) {
	calc := circulation.NewDueDateCalculator(closedOn(time.Sunday), time.UTC, time.Second)
	ctx := context.Background()
	due := endOf(2024, 3, 25)

	t.Run("expiration on an open day", func(t *testing.T) {
		got, err := calc.TruncateToPatronExpiration(ctx, due, ptr(time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)), desk)
		require.NoError(t, err)
		assert.Equal(t, endOf(2024, 3, 15), got)
	})
	t.Run("expiration on a closed day", func(t *testing.T) {
		got, err := calc.TruncateToPatronExpiration(ctx, due, ptr(time.Date(2024, 3, 17, 8, 0, 0, 0, time.UTC)), desk)
		require.NoError(t, err)
		assert.Equal(t, endOf(2024, 3, 16), got)
	})
	t.Run("expiration after due date", func(t *testing.T) {
		got, err := calc.TruncateToPatronExpiration(ctx, due, ptr(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)), desk)
		require.NoError(t, err)
		assert.Equal(t, due, got)
	})
	t.Run("no expiration", func(t *testing.T) {
		got, err := calc.TruncateToPatronExpiration(ctx, due, nil, desk)
		require.NoError(t, err)
		assert.Equal(t, due, got)
	})
}

// =============================================================================
// PROPERTIES
// =============================================================================

// For every policy limited by a fixed schedule, the due date never passes
// the schedule's upper bound.
func TestDueDate_Property_NeverExceedsScheduleLimit(t *testing.T) {
	strategies := []circulation.ClosedLibraryStrategy{
		circulation.KeepCurrentDueDate,
		circulation.MoveToEndOfPreviousOpenDay,
		circulation.MoveToEndOfNextOpenDay,
	}
	weekdays := []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday,
	}
	termStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	termEnd := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	rapid.Check(t, func(t *rapid.T) {
		closed := rapid.SliceOfNDistinct(rapid.SampledFrom(weekdays), 0, 6, func(d time.Weekday) time.Weekday { return d }).Draw(t, "closed")
		limit := termEnd.Add(time.Duration(rapid.IntRange(0, 86399).Draw(t, "limitSeconds")) * time.Second)
		policy := rolling(
			rapid.IntRange(1, 120).Draw(t, "days"),
			circulation.Days,
			rapid.SampledFrom(strategies).Draw(t, "strategy"))
		policy.FixedDueDateSchedule = schedule(termStart, termEnd, &limit)
		loanDate := termStart.Add(time.Duration(rapid.IntRange(0, 181*24).Draw(t, "hours")) * time.Hour)

		calc := circulation.NewDueDateCalculator(closedOn(closed...), time.UTC, time.Second)
		due, err := calc.ComputeDueDate(context.Background(), policy, loanDate, desk)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if due.After(limit) {
			t.Fatalf("due %s passes limit %s", due, limit)
		}
	})
}
