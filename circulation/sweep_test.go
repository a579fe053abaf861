package circulation_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
)

func at(y int, m time.Month, d, hour int) time.Time {
	return time.Date(y, m, d, hour, 0, 0, 0, time.UTC)
}

// =============================================================================
// NOTICES
// =============================================================================

func TestSweep_SendsAndDeletesOneShotNotice(t *testing.T) {
	// GIVEN: A loan with an UPON_AT due date notice
	f := newFixture(t)
	f.setNoticePolicy(circulation.NoticeConfig{
		TemplateID:      "due",
		TriggeringEvent: circulation.TriggerDueDate,
		Timing:          circulation.TimingUponAt,
	})
	loan := f.checkout().Loan
	sweeper := f.sweeper()

	// WHEN: Sweeping before the due date
	report := sweeper.Run(f.ctx, at(2024, 3, 25, 12))

	// THEN: Nothing is sent
	assert.Zero(t, report.NoticesSent)
	assert.Len(t, f.pending(loan.ID), 1)

	// WHEN: Sweeping after the due date
	now := at(2024, 3, 26, 0)
	report = sweeper.Run(f.ctx, now)

	// THEN: The notice is sent once and deleted
	assert.Equal(t, now, report.RanAt)
	assert.Equal(t, 1, report.NoticesSent)
	assert.Equal(t, 1, report.NoticesDeleted)
	assert.False(t, report.Failed())
	assert.Equal(t, []string{"due"}, f.notices.templates())
	assert.Empty(t, f.pending(loan.ID))
	assert.Contains(t, f.events.types(), circulation.EventNoticeSent)
}

func TestSweep_IsIdempotentAtTheSameInstant(t *testing.T) {
	// GIVEN: A recurring AFTER notice that fired once
	f := newFixture(t)
	f.setNoticePolicy(circulation.NoticeConfig{
		TemplateID:      "overdue",
		TriggeringEvent: circulation.TriggerDueDate,
		Timing:          circulation.TimingAfter,
		Delay:           period(1, circulation.Days),
		Recurrence:      period(1, circulation.Days),
	})
	loan := f.checkout().Loan
	sweeper := f.sweeper()
	now := at(2024, 3, 27, 0)
	first := sweeper.Run(f.ctx, now)
	require.Equal(t, 1, first.NoticesSent)
	require.Equal(t, 1, first.NoticesRescheduled)
	loanAfterFirst := f.loan(loan.ID)
	pendingAfterFirst := f.pending(loan.ID)

	// WHEN: Sweeping again at the same instant
	second := sweeper.Run(f.ctx, now)

	// THEN: Nothing else happens
	assert.Zero(t, second.NoticesSent)
	assert.Zero(t, second.NoticesRescheduled)
	assert.Equal(t, []string{"overdue"}, f.notices.templates())
	assert.Equal(t, loanAfterFirst, f.loan(loan.ID))
	assert.Equal(t, pendingAfterFirst, f.pending(loan.ID))
	require.Len(t, pendingAfterFirst, 1)
	assert.Equal(t, endOf(2024, 3, 27), pendingAfterFirst[0].RunTime)
}

func TestSweep_CheckInDropsRecurringNotices(t *testing.T) {
	// GIVEN: A recurring overdue notice that already fired
	f := newFixture(t)
	f.setNoticePolicy(circulation.NoticeConfig{
		TemplateID:      "overdue",
		TriggeringEvent: circulation.TriggerDueDate,
		Timing:          circulation.TimingAfter,
		Delay:           period(1, circulation.Days),
		Recurrence:      period(1, circulation.Days),
	})
	loan := f.checkout().Loan
	sweeper := f.sweeper()
	sweeper.Run(f.ctx, at(2024, 3, 27, 0))

	// WHEN: The item is checked in and the sweep runs days later
	f.clock.Set(at(2024, 3, 27, 10))
	f.checkin()
	report := sweeper.Run(f.ctx, at(2024, 3, 30, 0))

	// THEN: The notice was deleted without another send
	assert.Zero(t, report.NoticesSent)
	assert.Equal(t, []string{"overdue"}, f.notices.templates())
	assert.Empty(t, f.pending(loan.ID))
}

func TestSweep_BeforeDueRemindersStopAtDueDate(t *testing.T) {
	f := newFixture(t)
	f.setNoticePolicy(circulation.NoticeConfig{
		TemplateID:      "courtesy",
		TriggeringEvent: circulation.TriggerDueDate,
		Timing:          circulation.TimingBefore,
		Delay:           period(2, circulation.Days),
		Recurrence:      period(1, circulation.Days),
	})
	loan := f.checkout().Loan
	sweeper := f.sweeper()

	for _, now := range []time.Time{at(2024, 3, 24, 0), at(2024, 3, 25, 0), at(2024, 3, 26, 0), at(2024, 3, 27, 0)} {
		sweeper.Run(f.ctx, now)
	}

	assert.Equal(t, []string{"courtesy", "courtesy", "courtesy"}, f.notices.templates())
	assert.Empty(t, f.pending(loan.ID))
}

func TestSweep_SenderFailureIsIsolated(t *testing.T) {
	// GIVEN: Two due notices, one of which the sender refuses
	f := newFixture(t)
	f.setNoticePolicy(
		circulation.NoticeConfig{TemplateID: "due", TriggeringEvent: circulation.TriggerDueDate, Timing: circulation.TimingUponAt},
		circulation.NoticeConfig{TemplateID: "courtesy", TriggeringEvent: circulation.TriggerDueDate, Timing: circulation.TimingBefore, Delay: period(1, circulation.Days)},
	)
	loan := f.checkout().Loan
	f.notices.fail = "due"
	sweeper := f.sweeper()

	// WHEN: Sweeping after both are due
	report := sweeper.Run(f.ctx, at(2024, 3, 26, 0))

	// THEN: The failure is reported and the other notice still goes out
	require.Len(t, report.Failures, 1)
	assert.Equal(t, circulation.StepNotices, report.Failures[0].Step)
	assert.True(t, errors.Is(report.Failures[0].Err, errMailboxDown))
	assert.Equal(t, 1, report.NoticesSent)
	assert.Equal(t, []string{"courtesy"}, f.notices.templates())

	// AND: The failed notice stays pending for the next sweep
	pending := f.pending(loan.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, "due", pending[0].TemplateID)

	// WHEN: The sender recovers
	f.notices.fail = ""
	report = sweeper.Run(f.ctx, at(2024, 3, 26, 1))

	// THEN: The notice is delivered
	assert.False(t, report.Failed())
	assert.Equal(t, []string{"courtesy", "due"}, f.notices.templates())
	assert.Empty(t, f.pending(loan.ID))
}

// =============================================================================
// REMINDER FEES
// =============================================================================

func TestSweep_ReminderLadder(t *testing.T) {
	// GIVEN: A two stage reminder ladder
	f := newFixture(t)
	f.store.PutOverdueFinePolicy(&circulation.OverdueFinePolicy{
		ID:   finePolicy,
		Name: "Reminders",
		Reminders: &circulation.ReminderFeePolicy{Schedule: []circulation.ReminderStage{
			{After: circulation.Period{Duration: 1, Interval: circulation.Days}, Fee: dec("1.00"), TemplateID: "reminder-1"},
			{After: circulation.Period{Duration: 2, Interval: circulation.Days}, Fee: dec("2.00"), TemplateID: "reminder-2"},
		}},
	})
	loan := f.checkout().Loan
	pending := f.pending(loan.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, endOf(2024, 3, 26), pending[0].RunTime)
	sweeper := f.sweeper()

	// WHEN: The first stage comes due, twice over
	first := sweeper.Run(f.ctx, at(2024, 3, 27, 0))
	again := sweeper.Run(f.ctx, at(2024, 3, 27, 0))

	// THEN: It is sent and charged once and the second stage is scheduled
	assert.Equal(t, 1, first.RemindersCharged)
	assert.Zero(t, again.NoticesSent)
	pending = f.pending(loan.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].ReminderStage)
	assert.Equal(t, at(2024, 3, 29, 0), pending[0].RunTime)

	// WHEN: The second stage comes due and the sweep keeps running
	sweeper.Run(f.ctx, at(2024, 3, 29, 0))
	sweeper.Run(f.ctx, at(2024, 4, 15, 0))

	// THEN: The ladder ends after two charges
	assert.Equal(t, []string{"reminder-1", "reminder-2"}, f.notices.templates())
	assert.Empty(t, f.pending(loan.ID))
	stored := f.loan(loan.ID)
	assert.Equal(t, 2, stored.LastReminderStage)

	total := decimal.Zero
	for _, a := range f.accounts(loan.ID) {
		assert.Equal(t, circulation.ChargeReminderFee, a.ChargeType)
		total = total.Add(a.Amount)
	}
	assert.Equal(t, "3", total.String())
}

func TestSweep_RenewalRestartsReminderLadderWithFreshCharges(t *testing.T) {
	// GIVEN: A one stage reminder ladder whose first stage already ran
	f := newFixture(t)
	f.store.PutOverdueFinePolicy(&circulation.OverdueFinePolicy{
		ID:   finePolicy,
		Name: "Reminders",
		Reminders: &circulation.ReminderFeePolicy{Schedule: []circulation.ReminderStage{
			{After: circulation.Period{Duration: 1, Interval: circulation.Days}, Fee: dec("1.00"), TemplateID: "reminder-1"},
		}},
	})
	loan := f.checkout().Loan
	sweeper := f.sweeper()
	first := sweeper.Run(f.ctx, at(2024, 3, 27, 0))
	require.Equal(t, 1, first.RemindersCharged)

	// WHEN: The loan is renewed and becomes overdue again
	f.clock.Set(at(2024, 3, 27, 10))
	renewed, err := f.svc.Renew(f.ctx, loan.ID)
	require.NoError(t, err)
	require.Equal(t, endOf(2024, 4, 17), renewed.Loan.DueDate)
	second := sweeper.Run(f.ctx, at(2024, 4, 19, 0))

	// THEN: The first stage is sent and charged again for the new due date
	assert.Equal(t, 1, second.RemindersCharged)
	assert.Equal(t, []string{"reminder-1", "reminder-1"}, f.notices.templates())
	accounts := f.accounts(loan.ID)
	require.Len(t, accounts, 2)
	assert.NotEqual(t, accounts[0].IdempotencyKey, accounts[1].IdempotencyKey)
}

// =============================================================================
// AGING AND BILLING
// =============================================================================

func TestSweep_AgesThenBillsLater(t *testing.T) {
	// GIVEN: Loans age a week after the due date and bill two days later
	f := newFixture(t)
	f.setLostPolicy(&circulation.LostItemFeePolicy{
		ProcessingFee:               dec("5.00"),
		ChargeAmountItemSystem:      true,
		ItemCharge:                  circulation.ItemCharge{Type: circulation.ChargeAnotherCost, Amount: dec("40.00")},
		ItemAgedToLostAfterOverdue:  period(1, circulation.Weeks),
		PatronBilledAfterAgedToLost: period(2, circulation.Days),
	})
	f.setNoticePolicy(circulation.NoticeConfig{
		TemplateID:      "aged",
		TriggeringEvent: circulation.TriggerAgedToLost,
		Timing:          circulation.TimingUponAt,
	})
	loan := f.checkout().Loan
	sweeper := f.sweeper()

	// WHEN: Sweeping just before the threshold
	report := sweeper.Run(f.ctx, at(2024, 4, 1, 12))

	// THEN: Nothing ages
	assert.Zero(t, report.AgedToLost)
	assert.Equal(t, circulation.ItemCheckedOut, f.item().Status)

	// WHEN: Sweeping after the threshold
	agedAt := at(2024, 4, 2, 0)
	report = sweeper.Run(f.ctx, agedAt)

	// THEN: The item ages without billing and the aged notice goes out
	assert.Equal(t, 1, report.AgedToLost)
	assert.Zero(t, report.Billed)
	assert.Equal(t, circulation.ItemAgedToLost, f.item().Status)
	aged := f.loan(loan.ID)
	require.NotNil(t, aged.AgedToLostDate)
	assert.Equal(t, agedAt, *aged.AgedToLostDate)
	assert.False(t, aged.AgedToLostBilled)
	assert.Empty(t, f.accounts(loan.ID))
	assert.Equal(t, []string{"aged"}, f.notices.templates())

	// WHEN: Sweeping at the billing date, twice
	report = sweeper.Run(f.ctx, at(2024, 4, 4, 0))
	again := sweeper.Run(f.ctx, at(2024, 4, 4, 0))

	// THEN: Fees are charged once
	assert.Equal(t, 1, report.Billed)
	assert.Zero(t, again.Billed)
	assert.ElementsMatch(t,
		[]circulation.ChargeType{circulation.ChargeLostItemProcessingFee, circulation.ChargeLostItemFee},
		chargeTypes(f.accounts(loan.ID)))
	assert.True(t, f.loan(loan.ID).AgedToLostBilled)
}

func TestSweep_AgedToLostAfterNoticeRecursUntilLoanCloses(t *testing.T) {
	// GIVEN: A recurring aged to lost notice a day after aging
	f := newFixture(t)
	f.setLostPolicy(&circulation.LostItemFeePolicy{
		ItemAgedToLostAfterOverdue:  period(1, circulation.Weeks),
		PatronBilledAfterAgedToLost: period(30, circulation.Days),
	})
	f.setNoticePolicy(circulation.NoticeConfig{
		TemplateID:      "aged-after",
		TriggeringEvent: circulation.TriggerAgedToLost,
		Timing:          circulation.TimingAfter,
		Delay:           period(1, circulation.Days),
		Recurrence:      period(1, circulation.Days),
	})
	loan := f.checkout().Loan
	sweeper := f.sweeper()

	// WHEN: The loan ages to lost
	agedAt := at(2024, 4, 2, 0)
	report := sweeper.Run(f.ctx, agedAt)

	// THEN: The notice waits for the delay
	require.Equal(t, 1, report.AgedToLost)
	assert.Zero(t, report.NoticesSent)
	pending := f.pending(loan.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, circulation.TriggerAgedToLost, pending[0].TriggeringEvent)
	assert.Equal(t, agedAt.AddDate(0, 0, 1), pending[0].RunTime)

	// WHEN: The delay passes
	report = sweeper.Run(f.ctx, at(2024, 4, 3, 0))

	// THEN: It is sent and moves to the next recurrence
	assert.Equal(t, 1, report.NoticesSent)
	assert.Equal(t, 1, report.NoticesRescheduled)
	pending = f.pending(loan.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, at(2024, 4, 4, 0), pending[0].RunTime)

	// WHEN: The item comes back and a copy of the notice is left behind
	f.clock.Set(at(2024, 4, 3, 12))
	f.checkin()
	assert.Empty(t, f.pending(loan.ID))
	stale := pending[0]
	require.NoError(t, f.store.SaveNotice(f.ctx, &stale))
	report = sweeper.Run(f.ctx, at(2024, 4, 5, 0))

	// THEN: It is deleted without being sent
	assert.Zero(t, report.NoticesSent)
	assert.Equal(t, 1, report.NoticesDeleted)
	assert.Equal(t, []string{"aged-after"}, f.notices.templates())
	assert.Empty(t, f.pending(loan.ID))
}

func TestAgeToLost_RejectsLoanBeforeThreshold(t *testing.T) {
	f := newFixture(t)
	f.setLostPolicy(&circulation.LostItemFeePolicy{ItemAgedToLostAfterOverdue: period(1, circulation.Weeks)})
	loan := f.checkout().Loan

	f.clock.Set(at(2024, 3, 28, 0))
	_, err := f.svc.AgeToLost(f.ctx, loan.ID)

	requireValidation(t, err, "Loan is not eligible to age to lost")
	assert.Equal(t, circulation.ItemCheckedOut, f.item().Status)
}

// =============================================================================
// ACTUAL COST EXPIRATION
// =============================================================================

func TestSweep_ExpiresActualCostRecord(t *testing.T) {
	// GIVEN: An actual cost record expiring two weeks after the loss
	f := newFixture(t)
	f.setLostPolicy(&circulation.LostItemFeePolicy{
		ItemCharge:            circulation.ItemCharge{Type: circulation.ChargeActualCost},
		LostItemChargeFeeFine: period(2, circulation.Weeks),
	})
	loan := f.checkout().Loan
	_, err := f.svc.DeclareLost(f.ctx, circulation.DeclareLostRequest{LoanID: loan.ID, ServicePointID: desk})
	require.NoError(t, err)
	sweeper := f.sweeper()

	// WHEN: Sweeping at the expiration date, twice
	report := sweeper.Run(f.ctx, monday.AddDate(0, 0, 14))
	again := sweeper.Run(f.ctx, monday.AddDate(0, 0, 14))

	// THEN: The record expires once and the loan closes as Lost and paid
	assert.Equal(t, 1, report.RecordsExpired)
	assert.Zero(t, again.RecordsExpired)
	records, err := f.svc.ActualCostRecords(f.ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, circulation.ActualCostExpired, records[0].Status)
	assert.Equal(t, circulation.LoanClosed, f.loan(loan.ID).Status)
	assert.Equal(t, circulation.ItemLostAndPaid, f.item().Status)

	// AND: The estimated replacement cost is billed
	accounts := f.accounts(loan.ID)
	require.Len(t, accounts, 1)
	assert.Equal(t, circulation.ChargeLostItemActualCost, accounts[0].ChargeType)
	assert.Equal(t, "55", accounts[0].Amount.String())
}

func TestSweep_RecordWithoutExpirationIsNeverSelected(t *testing.T) {
	f := newFixture(t)
	f.setLostPolicy(&circulation.LostItemFeePolicy{ItemCharge: circulation.ItemCharge{Type: circulation.ChargeActualCost}})
	loan := f.checkout().Loan
	_, err := f.svc.DeclareLost(f.ctx, circulation.DeclareLostRequest{LoanID: loan.ID, ServicePointID: desk})
	require.NoError(t, err)

	expired, err := f.store.ListExpiredActualCostRecords(f.ctx, monday.AddDate(10, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, expired)

	report := f.sweeper().Run(f.ctx, monday.AddDate(10, 0, 0))
	assert.Zero(t, report.RecordsExpired)
	records, err := f.svc.ActualCostRecords(f.ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, circulation.ActualCostOpen, records[0].Status)
}
