// Package calendar provides circulation.Calendar implementations.
package calendar

import (
	"context"
	"sync"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// STATIC CALENDAR - Weekly closures plus dated exceptions
// =============================================================================

// Timetable is the opening pattern of one service point.
type Timetable struct {
	ClosedWeekdays []time.Weekday
	// Exceptions override the weekly pattern for single days, keyed by
	// "2006-01-02". true = open.
	Exceptions map[string]bool
}

// Static is an in-process calendar. Service points without a timetable
// fail with circulation.ErrNoCalendarConfigured.
type Static struct {
	mu         sync.RWMutex
	loc        *time.Location
	timetables map[circulation.ServicePointID]Timetable
}

var _ circulation.Calendar = (*Static)(nil)

// NewStatic creates an empty calendar evaluating days in loc.
func NewStatic(loc *time.Location) *Static {
	if loc == nil {
		loc = time.UTC
	}
	return &Static{loc: loc, timetables: make(map[circulation.ServicePointID]Timetable)}
}

// Set replaces the timetable of a service point.
func (s *Static) Set(sp circulation.ServicePointID, tt Timetable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timetables[sp] = tt
}

// Close marks a single day closed.
func (s *Static) Close(sp circulation.ServicePointID, day time.Time) {
	s.setException(sp, day, false)
}

// Open marks a single day open.
func (s *Static) Open(sp circulation.ServicePointID, day time.Time) {
	s.setException(sp, day, true)
}

func (s *Static) setException(sp circulation.ServicePointID, day time.Time, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt := s.timetables[sp]
	if tt.Exceptions == nil {
		tt.Exceptions = make(map[string]bool)
	}
	tt.Exceptions[DayKey(day, s.loc)] = open
	s.timetables[sp] = tt
}

func (s *Static) IsOpen(ctx context.Context, sp circulation.ServicePointID, day time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tt, ok := s.timetables[sp]
	if !ok {
		return false, circulation.ErrNoCalendarConfigured
	}
	if open, ok := tt.Exceptions[DayKey(day, s.loc)]; ok {
		return open, nil
	}
	weekday := day.In(s.loc).Weekday()
	for _, closed := range tt.ClosedWeekdays {
		if closed == weekday {
			return false, nil
		}
	}
	return true, nil
}

func (s *Static) NextOpenDay(ctx context.Context, sp circulation.ServicePointID, day time.Time) (time.Time, error) {
	return circulation.ScanOpenDay(ctx, s, sp, circulation.StartOfDay(day, s.loc), 1)
}

func (s *Static) PreviousOpenDay(ctx context.Context, sp circulation.ServicePointID, day time.Time) (time.Time, error) {
	return circulation.ScanOpenDay(ctx, s, sp, circulation.StartOfDay(day, s.loc), -1)
}

// DayKey formats a day the way Timetable.Exceptions and the remote
// calendar API expect it.
func DayKey(day time.Time, loc *time.Location) string {
	return day.In(loc).Format(time.DateOnly)
}
