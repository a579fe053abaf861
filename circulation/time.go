package circulation

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injected time source
// =============================================================================

// Clock supplies the current time. The due-date calculator, the action
// service and the sweep never read wall-clock time directly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests and scenario replays.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// DAY ARITHMETIC
// =============================================================================

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay returns 23:59:59 of t's calendar day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc)
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return StartOfDay(a, loc).Equal(StartOfDay(b, loc))
}

// =============================================================================
// CALENDAR - Service point opening days
// =============================================================================

// Calendar answers opening questions for a service point. Days are
// calendar days; implementations ignore the time of day. Every method
// fails with ErrNoCalendarConfigured for a service point without a
// timetable.
type Calendar interface {
	IsOpen(ctx context.Context, sp ServicePointID, day time.Time) (bool, error)

	// NextOpenDay returns the first open day strictly after day.
	NextOpenDay(ctx context.Context, sp ServicePointID, day time.Time) (time.Time, error)

	// PreviousOpenDay returns the last open day strictly before day.
	PreviousOpenDay(ctx context.Context, sp ServicePointID, day time.Time) (time.Time, error)
}

// MaxOpenDaySearch bounds next/previous open day scans.
const MaxOpenDaySearch = 366

// OpenChecker is the single-day part of Calendar.
type OpenChecker interface {
	IsOpen(ctx context.Context, sp ServicePointID, day time.Time) (bool, error)
}

// ScanOpenDay walks from day in steps of dir (+1 or -1) days and returns
// the first open day, excluding day itself. Calendar implementations
// use it for NextOpenDay and PreviousOpenDay.
func ScanOpenDay(ctx context.Context, c OpenChecker, sp ServicePointID, day time.Time, dir int) (time.Time, error) {
	current := day
	for i := 0; i < MaxOpenDaySearch; i++ {
		current = current.AddDate(0, 0, dir)
		open, err := c.IsOpen(ctx, sp, current)
		if err != nil {
			return time.Time{}, err
		}
		if open {
			return current, nil
		}
	}
	return time.Time{}, ErrNoOpenDay
}

// AlwaysOpen is a calendar where every service point is open every day.
type AlwaysOpen struct{}

func (AlwaysOpen) IsOpen(context.Context, ServicePointID, time.Time) (bool, error) { return true, nil }

func (AlwaysOpen) NextOpenDay(_ context.Context, _ ServicePointID, day time.Time) (time.Time, error) {
	return day.AddDate(0, 0, 1), nil
}

func (AlwaysOpen) PreviousOpenDay(_ context.Context, _ ServicePointID, day time.Time) (time.Time, error) {
	return day.AddDate(0, 0, -1), nil
}
