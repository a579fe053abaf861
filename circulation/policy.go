/*
policy.go - Circulation policy definitions

PURPOSE:
  Policies are configuration, not code. A loan resolves four of them at
  checkout through the circulation rules (PolicyRule) and keeps their ids
  for the rest of its life:

    LoanPolicy:        how long, fixed schedules, closed-library handling, renewals
    OverdueFinePolicy: overdue fine rate and the reminder fee ladder
    LostItemFeePolicy: aging to lost, processing fee, item fee or actual cost
    NoticePolicy:      patron notices around the due date and aging to lost

OPTIONAL VALUES:
  Every "disabled unless configured" setting is a pointer. nil means off:
    ProcessingFee == nil              no processing fee
    ItemAgedToLostAfterOverdue == nil loan never ages to lost
    LostItemChargeFeeFine == nil      actual cost records never expire
    FeesFinesShallRefunded == nil     lost fees are refunded whenever returned

SEE ALSO:
  - duedate.go: Consumes LoanPolicy
  - fees.go: Consumes LostItemFeePolicy and OverdueFinePolicy
  - notices.go: Consumes NoticePolicy
  - factory/policy.go: JSON to policy conversion
*/
package circulation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LOAN POLICY
// =============================================================================

// LoanProfile selects how a due date is computed.
type LoanProfile string

const (
	ProfileRolling LoanProfile = "Rolling"
	ProfileFixed   LoanProfile = "Fixed"
)

// ClosedLibraryStrategy decides what happens to a due date on a closed day.
type ClosedLibraryStrategy string

const (
	KeepCurrentDueDate         ClosedLibraryStrategy = "KEEP_THE_CURRENT_DUE_DATE"
	MoveToEndOfPreviousOpenDay ClosedLibraryStrategy = "MOVE_TO_THE_END_OF_THE_PREVIOUS_OPEN_DAY"
	MoveToEndOfNextOpenDay     ClosedLibraryStrategy = "MOVE_TO_THE_END_OF_THE_NEXT_OPEN_DAY"
)

// RenewFrom selects the base date of a renewal.
type RenewFrom string

const (
	RenewFromSystemDate     RenewFrom = "SYSTEM_DATE"
	RenewFromCurrentDueDate RenewFrom = "CURRENT_DUE_DATE"
)

// ScheduleInterval is one row of a fixed due date schedule.
type ScheduleInterval struct {
	From time.Time
	To   time.Time
	Due  *time.Time // defaults to To
}

// Contains reports whether t lies in [From, To].
func (s ScheduleInterval) Contains(t time.Time) bool {
	return !t.Before(s.From) && !t.After(s.To)
}

// DueDate returns the due boundary of the interval.
func (s ScheduleInterval) DueDate() time.Time {
	if s.Due != nil {
		return *s.Due
	}
	return s.To
}

// FixedDueDateSchedule is a table of date ranges with their due dates.
type FixedDueDateSchedule struct {
	ID        PolicyID
	Name      string
	Schedules []ScheduleInterval
}

// Find returns the first interval containing t.
func (f *FixedDueDateSchedule) Find(t time.Time) (ScheduleInterval, bool) {
	if f == nil {
		return ScheduleInterval{}, false
	}
	for _, s := range f.Schedules {
		if s.Contains(t) {
			return s, true
		}
	}
	return ScheduleInterval{}, false
}

// LoanPolicy configures due dates and renewals.
type LoanPolicy struct {
	ID       PolicyID
	Name     string
	Loanable bool
	Profile  LoanProfile
	Period   *Period

	// Schedule for the Fixed profile, upper limit for the Rolling profile.
	FixedDueDateSchedule *FixedDueDateSchedule

	ClosedLibraryDueDateManagement ClosedLibraryStrategy

	Renewable         bool
	UnlimitedRenewals bool
	RenewalLimit      int
	RenewFrom         RenewFrom
	RenewalPeriod     *Period // nil = use Period
	// Schedule that replaces FixedDueDateSchedule for renewals.
	RenewalFixedDueDateSchedule *FixedDueDateSchedule
}

// Validate checks the policy is internally consistent.
func (p *LoanPolicy) Validate() error {
	if !p.Loanable {
		return nil
	}
	switch p.Profile {
	case ProfileRolling:
		if p.Period == nil {
			return errors.New("rolling loan policy requires a loan period")
		}
		if err := p.Period.Validate(); err != nil {
			return err
		}
	case ProfileFixed:
		if p.FixedDueDateSchedule == nil || len(p.FixedDueDateSchedule.Schedules) == 0 {
			return errors.New("fixed loan policy requires a fixed due date schedule")
		}
	default:
		return fmt.Errorf("unknown loan profile %q", p.Profile)
	}
	switch p.ClosedLibraryDueDateManagement {
	case "", KeepCurrentDueDate, MoveToEndOfPreviousOpenDay, MoveToEndOfNextOpenDay:
	default:
		return fmt.Errorf("unknown closed library due date management %q", p.ClosedLibraryDueDateManagement)
	}
	return nil
}

// RenewalsExhausted reports whether count renewals use up the limit.
func (p *LoanPolicy) RenewalsExhausted(count int) bool {
	return !p.UnlimitedRenewals && count >= p.RenewalLimit
}

// =============================================================================
// LOST ITEM FEE POLICY
// =============================================================================

// ItemChargeType selects between billing a fixed item fee and deferring
// to an actual cost record.
type ItemChargeType string

const (
	ChargeActualCost  ItemChargeType = "actualCost"
	ChargeAnotherCost ItemChargeType = "anotherCost"
)

// ItemCharge is the item part of a lost item bill.
type ItemCharge struct {
	Type   ItemChargeType
	Amount *decimal.Decimal
}

// LostItemFeePolicy configures aging to lost and lost item billing.
type LostItemFeePolicy struct {
	ID   PolicyID
	Name string

	ProcessingFee *decimal.Decimal

	// Charge the processing fee when the system ages an item to lost.
	ChargeAmountItemSystem bool
	// Never charge the processing fee on declare lost.
	DoNotChargeProcessingFeeWhenDeclaredLost bool

	ItemCharge ItemCharge

	ItemAgedToLostAfterOverdue  *Period
	PatronBilledAfterAgedToLost *Period
	LostItemChargeFeeFine       *Period

	ReturnedLostItemProcessingFee bool
	FeesFinesShallRefunded        *Period
}

// positive returns the amount when it is set and greater than zero.
func positive(amount *decimal.Decimal) (decimal.Decimal, bool) {
	if amount == nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return *amount, true
}

// CanAgeToLost reports whether loans under this policy age to lost.
func (p *LostItemFeePolicy) CanAgeToLost() bool {
	return p != nil && p.ItemAgedToLostAfterOverdue != nil
}

// AgedToLostAt returns the instant a loan due at due ages to lost.
func (p *LostItemFeePolicy) AgedToLostAt(due time.Time) (time.Time, bool) {
	if !p.CanAgeToLost() {
		return time.Time{}, false
	}
	return p.ItemAgedToLostAfterOverdue.AddTo(due), true
}

// BillingDateAfterAging returns when an aged to lost loan is billed.
func (p *LostItemFeePolicy) BillingDateAfterAging(agedAt time.Time) time.Time {
	if p.PatronBilledAfterAgedToLost == nil {
		return agedAt
	}
	return p.PatronBilledAfterAgedToLost.AddTo(agedAt)
}

// RefundAllowed reports whether fees for an item lost at lostAt are
// refunded when it comes back at returnedAt.
func (p *LostItemFeePolicy) RefundAllowed(lostAt, returnedAt time.Time) bool {
	if p.FeesFinesShallRefunded == nil {
		return true
	}
	return !returnedAt.After(p.FeesFinesShallRefunded.AddTo(lostAt))
}

// =============================================================================
// OVERDUE FINE POLICY
// =============================================================================

// Rate is an amount per interval.
type Rate struct {
	Quantity decimal.Decimal
	Interval Interval
}

// ReminderStage is one rung of the reminder fee ladder.
type ReminderStage struct {
	After      Period
	Fee        *decimal.Decimal
	TemplateID string
}

// ReminderFeePolicy is an ordered ladder of reminders.
type ReminderFeePolicy struct {
	// Count closed days when computing reminder run times.
	CountClosed bool
	Schedule    []ReminderStage
}

// Stage returns the 1-based stage n.
func (r *ReminderFeePolicy) Stage(n int) (ReminderStage, bool) {
	if r == nil || n < 1 || n > len(r.Schedule) {
		return ReminderStage{}, false
	}
	return r.Schedule[n-1], true
}

// OverdueFinePolicy configures overdue fines and reminder fees.
type OverdueFinePolicy struct {
	ID                 PolicyID
	Name               string
	OverdueFine        *Rate
	MaxOverdueFine     *decimal.Decimal
	ForgiveOverdueFine bool // forgive fines when the loan is renewed
	Reminders          *ReminderFeePolicy
}

// HasReminders reports whether the policy defines a reminder ladder.
func (p *OverdueFinePolicy) HasReminders() bool {
	return p != nil && p.Reminders != nil && len(p.Reminders.Schedule) > 0
}

// =============================================================================
// NOTICE POLICY
// =============================================================================

// NoticeTrigger is the loan event a notice is anchored on.
type NoticeTrigger string

const (
	TriggerDueDate         NoticeTrigger = "Due date"
	TriggerAgedToLost      NoticeTrigger = "Aged to lost"
	TriggerOverdueReminder NoticeTrigger = "Overdue reminder"
)

// NoticeTiming places a notice relative to its trigger.
type NoticeTiming string

const (
	TimingBefore NoticeTiming = "BEFORE"
	TimingUponAt NoticeTiming = "UPON_AT"
	TimingAfter  NoticeTiming = "AFTER"
)

// NoticeConfig is one notice of a notice policy.
type NoticeConfig struct {
	TemplateID      string
	TriggeringEvent NoticeTrigger
	Timing          NoticeTiming
	Delay           *Period // BEFORE and AFTER only
	Recurrence      *Period // nil = one-shot
}

// NoticePolicy lists the scheduled loan notices.
type NoticePolicy struct {
	ID          PolicyID
	Name        string
	LoanNotices []NoticeConfig
}

// =============================================================================
// CIRCULATION RULES
// =============================================================================

// PolicyRule maps a patron group to its policies. An empty PatronGroupID
// is the fallback rule.
type PolicyRule struct {
	PatronGroupID       string
	LoanPolicyID        PolicyID
	OverdueFinePolicyID PolicyID
	LostItemPolicyID    PolicyID
	NoticePolicyID      PolicyID
}

// ResolveRule picks the rule for a patron group, falling back to the
// default rule.
func ResolveRule(rules []PolicyRule, patronGroupID string) (PolicyRule, bool) {
	var fallback *PolicyRule
	for i := range rules {
		if rules[i].PatronGroupID == patronGroupID && patronGroupID != "" {
			return rules[i], true
		}
		if rules[i].PatronGroupID == "" && fallback == nil {
			fallback = &rules[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return PolicyRule{}, false
}

// PolicySet is the resolved set of policies for one loan. Only Loan is
// required.
type PolicySet struct {
	Loan        *LoanPolicy
	OverdueFine *OverdueFinePolicy
	LostItem    *LostItemFeePolicy
	Notice      *NoticePolicy
}
