package circulation

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Policy durations ("3 Weeks", "1 Days", "30 Minutes")
// =============================================================================

// Interval is the unit of a Period.
type Interval string

const (
	Minutes Interval = "Minutes"
	Hours   Interval = "Hours"
	Days    Interval = "Days"
	Weeks   Interval = "Weeks"
	Months  Interval = "Months"
)

// Period is a policy duration. Optional periods are *Period: nil means the
// feature it configures is disabled.
type Period struct {
	Duration int      `json:"duration"`
	Interval Interval `json:"intervalId"`
}

// Validate rejects unknown intervals and negative durations.
func (p Period) Validate() error {
	if p.Duration < 0 {
		return fmt.Errorf("period duration must not be negative: %d", p.Duration)
	}
	switch p.Interval {
	case Minutes, Hours, Days, Weeks, Months:
		return nil
	default:
		return fmt.Errorf("unknown period interval %q", p.Interval)
	}
}

// AddTo returns t advanced by the period.
func (p Period) AddTo(t time.Time) time.Time {
	switch p.Interval {
	case Minutes:
		return t.Add(time.Duration(p.Duration) * time.Minute)
	case Hours:
		return t.Add(time.Duration(p.Duration) * time.Hour)
	case Days:
		return t.AddDate(0, 0, p.Duration)
	case Weeks:
		return t.AddDate(0, 0, 7*p.Duration)
	case Months:
		return t.AddDate(0, p.Duration, 0)
	default:
		return t
	}
}

// SubtractFrom returns t moved back by the period.
func (p Period) SubtractFrom(t time.Time) time.Time {
	return Period{Duration: -p.Duration, Interval: p.Interval}.AddTo(t)
}

// IsShortTerm reports whether the period is expressed in minutes or hours.
// Short-term due dates keep their time of day; longer ones land on end of day.
func (p Period) IsShortTerm() bool {
	return p.Interval == Minutes || p.Interval == Hours
}

// IsZero reports whether the period adds no time.
func (p Period) IsZero() bool { return p.Duration == 0 }

func (p Period) String() string {
	return fmt.Sprintf("%d %s", p.Duration, p.Interval)
}

// Approx returns the period as a duration, with months counted as 30 days.
func (p Period) Approx() time.Duration {
	switch p.Interval {
	case Minutes:
		return time.Duration(p.Duration) * time.Minute
	case Hours:
		return time.Duration(p.Duration) * time.Hour
	case Days:
		return time.Duration(p.Duration) * 24 * time.Hour
	case Weeks:
		return time.Duration(p.Duration) * 7 * 24 * time.Hour
	case Months:
		return time.Duration(p.Duration) * 30 * 24 * time.Hour
	default:
		return 0
	}
}
