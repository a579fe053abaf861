package circulation

import (
	"context"
	"time"
)

// =============================================================================
// SCHEDULED NOTICES
// =============================================================================

// ScheduledNotice is a pending patron notice. It refers to its loan by id
// only; the sweep looks the loan up when the notice comes due.
type ScheduledNotice struct {
	ID              NoticeID
	LoanID          LoanID
	RecipientID     UserID
	TriggeringEvent NoticeTrigger
	Timing          NoticeTiming
	RunTime         time.Time
	TemplateID      string
	Recurrence      *Period // nil = one-shot
	ReminderStage   int     // Overdue reminder notices only
}

// IsRecurring reports whether the notice reschedules after firing.
func (n *ScheduledNotice) IsRecurring() bool {
	return n.Recurrence != nil && !n.Recurrence.IsZero()
}

// NextRunTime advances the run time by the recurrence until it is after now.
func (n *ScheduledNotice) NextRunTime(now time.Time) time.Time {
	next := n.RunTime
	for !next.After(now) {
		next = n.Recurrence.AddTo(next)
	}
	return next
}

// Notice is what a NoticeSender delivers.
type Notice struct {
	TemplateID      string
	RecipientID     UserID
	LoanID          LoanID
	ItemID          ItemID
	TriggeringEvent NoticeTrigger
	Context         map[string]any
}

// NoticeSender delivers rendered notices. Rendering and transport are the
// sender's business.
type NoticeSender interface {
	Send(ctx context.Context, n Notice) error
}

// NoticeSenderFunc adapts a function to NoticeSender.
type NoticeSenderFunc func(ctx context.Context, n Notice) error

func (f NoticeSenderFunc) Send(ctx context.Context, n Notice) error { return f(ctx, n) }

// =============================================================================
// NOTICE BUILDERS
// =============================================================================

// DueDateNotices builds the due date notices of a loan.
func DueDateNotices(policy *NoticePolicy, loan *Loan) []ScheduledNotice {
	return buildNotices(policy, loan, TriggerDueDate, loan.DueDate)
}

// AgedToLostNotices builds the aged to lost notices of a loan that aged
// at agedAt. UPON_AT fires at agedAt, AFTER at agedAt + delay.
func AgedToLostNotices(policy *NoticePolicy, loan *Loan, agedAt time.Time) []ScheduledNotice {
	return buildNotices(policy, loan, TriggerAgedToLost, agedAt)
}

func buildNotices(policy *NoticePolicy, loan *Loan, trigger NoticeTrigger, anchor time.Time) []ScheduledNotice {
	if policy == nil {
		return nil
	}
	var notices []ScheduledNotice
	for _, cfg := range policy.LoanNotices {
		if cfg.TriggeringEvent != trigger {
			continue
		}
		runTime := anchor
		switch cfg.Timing {
		case TimingBefore:
			if cfg.Delay != nil {
				runTime = cfg.Delay.SubtractFrom(anchor)
			}
		case TimingAfter:
			if cfg.Delay != nil {
				runTime = cfg.Delay.AddTo(anchor)
			}
		}
		notices = append(notices, ScheduledNotice{
			ID:              NoticeID(NewID()),
			LoanID:          loan.ID,
			RecipientID:     loan.UserID,
			TriggeringEvent: trigger,
			Timing:          cfg.Timing,
			RunTime:         runTime,
			TemplateID:      cfg.TemplateID,
			Recurrence:      clonePtr(cfg.Recurrence),
		})
	}
	return notices
}

// ReminderNotice builds the notice for reminder stage n, counted from
// from. Returns false when the ladder has no stage n.
func ReminderNotice(policy *OverdueFinePolicy, loan *Loan, n int, from time.Time) (ScheduledNotice, bool) {
	if !policy.HasReminders() {
		return ScheduledNotice{}, false
	}
	stage, ok := policy.Reminders.Stage(n)
	if !ok {
		return ScheduledNotice{}, false
	}
	return ScheduledNotice{
		ID:              NoticeID(NewID()),
		LoanID:          loan.ID,
		RecipientID:     loan.UserID,
		TriggeringEvent: TriggerOverdueReminder,
		Timing:          TimingAfter,
		RunTime:         stage.After.AddTo(from),
		TemplateID:      stage.TemplateID,
		ReminderStage:   n,
	}, true
}

func noticeFor(n *ScheduledNotice, loan *Loan) Notice {
	ctx := map[string]any{
		"loanId":   string(loan.ID),
		"itemId":   string(loan.ItemID),
		"dueDate":  loan.DueDate,
		"loanDate": loan.LoanDate,
		"timing":   string(n.Timing),
	}
	if n.ReminderStage > 0 {
		ctx["reminderStage"] = n.ReminderStage
	}
	if loan.AgedToLostDate != nil {
		ctx["agedToLostDate"] = *loan.AgedToLostDate
	}
	return Notice{
		TemplateID:      n.TemplateID,
		RecipientID:     n.RecipientID,
		LoanID:          loan.ID,
		ItemID:          loan.ItemID,
		TriggeringEvent: n.TriggeringEvent,
		Context:         ctx,
	}
}
