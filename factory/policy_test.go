package factory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/factory"
)

func TestParsePolicy_Presets(t *testing.T) {
	f := factory.NewPolicyFactory()
	termStart := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	termEnd := time.Date(2024, 5, 17, 23, 59, 59, 0, time.UTC)

	tests := []struct {
		name string
		doc  string
		kind factory.Kind
	}{
		{"three week loan", factory.ThreeWeekLoanJSON("loan-3w", "Three weeks", 2), factory.KindLoan},
		{"short term loan", factory.ShortTermLoanJSON("loan-4h", "Four hours", 4), factory.KindLoan},
		{"term loan", factory.TermLoanJSON("loan-term", "Spring term", termStart, termEnd), factory.KindLoan},
		{"daily fine", factory.DailyFineJSON("fine-daily", "Quarter a day", "0.25", "10.00"), factory.KindOverdueFine},
		{"reminder ladder", factory.ReminderLadderJSON("reminders", "Reminders", "0", "2.50", "5.00"), factory.KindOverdueFine},
		{"replacement fee", factory.ReplacementFeeJSON("lost-fixed", "Replacement", "5.00", "40.00"), factory.KindLostItemFee},
		{"actual cost", factory.ActualCostJSON("lost-actual", "Actual cost", 4), factory.KindLostItemFee},
		{"courtesy notices", factory.CourtesyNoticesJSON("notices", "Courtesy"), factory.KindNotice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := f.ParsePolicy(tt.doc)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Kind)

			// Encoding is stable once amounts are normalized.
			encoded, err := f.Encode(p)
			require.NoError(t, err)
			again, err := f.ParsePolicy(encoded)
			require.NoError(t, err)
			assert.Equal(t, p.ID(), again.ID())
			reencoded, err := f.Encode(again)
			require.NoError(t, err)
			assert.JSONEq(t, encoded, reencoded)
		})
	}
}

func TestParsePolicy_LoanPolicy(t *testing.T) {
	p, err := factory.NewPolicyFactory().ParsePolicy(factory.ThreeWeekLoanJSON("loan-3w", "Three weeks", 2))
	require.NoError(t, err)

	loan := p.Loan
	require.NotNil(t, loan)
	assert.Equal(t, circulation.PolicyID("loan-3w"), p.ID())
	assert.Equal(t, circulation.ProfileRolling, loan.Profile)
	assert.Equal(t, &circulation.Period{Duration: 3, Interval: circulation.Weeks}, loan.Period)
	assert.Equal(t, circulation.MoveToEndOfNextOpenDay, loan.ClosedLibraryDueDateManagement)
	assert.True(t, loan.Renewable)
	assert.Equal(t, 2, loan.RenewalLimit)
	assert.Equal(t, circulation.RenewFromSystemDate, loan.RenewFrom)
	assert.Nil(t, loan.RenewalPeriod)
}

func TestParsePolicy_NoticePolicy(t *testing.T) {
	p, err := factory.NewPolicyFactory().ParsePolicy(factory.CourtesyNoticesJSON("notices", "Courtesy"))
	require.NoError(t, err)

	notices := p.Notice.LoanNotices
	require.Len(t, notices, 4)
	assert.Equal(t, circulation.TimingBefore, notices[0].Timing)
	assert.Nil(t, notices[0].Recurrence)
	assert.Equal(t, circulation.TimingUponAt, notices[1].Timing)
	assert.Nil(t, notices[1].Delay)
	assert.Equal(t, circulation.TimingAfter, notices[2].Timing)
	assert.Equal(t, &circulation.Period{Duration: 1, Interval: circulation.Days}, notices[2].Recurrence)
	assert.Equal(t, circulation.TriggerAgedToLost, notices[3].TriggeringEvent)
}

func TestParsePolicy_AmountsAsNumbersOrStrings(t *testing.T) {
	p, err := factory.NewPolicyFactory().ParsePolicy(`{
		"id": "lost", "name": "Lost", "kind": "lost_item_fee",
		"lostItemFee": {
			"lostItemProcessingFee": 5,
			"chargeAmountItem": {"chargeType": "anotherCost", "amount": "40.00"}
		}
	}`)
	require.NoError(t, err)

	assert.Equal(t, "5", p.LostItemFee.ProcessingFee.String())
	assert.Equal(t, "40", p.LostItemFee.ItemCharge.Amount.String())
	assert.Nil(t, p.LostItemFee.ItemAgedToLostAfterOverdue, "aging is off unless configured")
}

func TestParsePolicy_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		reason string
	}{
		{
			name: "not json",
			doc:  `{"id": `,
		},
		{
			name: "unknown kind",
			doc:  `{"id": "x", "kind": "parking"}`,
		},
		{
			name:   "missing body",
			doc:    `{"id": "x", "kind": "loan"}`,
			reason: "loan policy document requires a loan object",
		},
		{
			name:   "rolling without period",
			doc:    `{"id": "x", "kind": "loan", "loan": {"loanable": true, "loansPolicy": {"profileId": "Rolling"}}}`,
			reason: "rolling loan policy requires a loan period",
		},
		{
			name:   "unknown closed library strategy",
			doc:    `{"id": "x", "kind": "loan", "loan": {"loanable": true, "loansPolicy": {"profileId": "Rolling", "period": {"duration": 1, "intervalId": "Weeks"}, "closedLibraryDueDateManagementId": "CLOSE_EARLY"}}}`,
			reason: `unknown closed library due date management "CLOSE_EARLY"`,
		},
		{
			name:   "zero delay reminder",
			doc:    `{"id": "x", "kind": "overdue_fine", "overdueFine": {"reminderFeesPolicy": {"reminderSchedule": [{"interval": 0, "timeUnitId": "Days", "noticeTemplateId": "r1"}]}}}`,
			reason: "reminder 1: interval must be greater than zero",
		},
		{
			name:   "negative processing fee",
			doc:    `{"id": "x", "kind": "lost_item_fee", "lostItemFee": {"lostItemProcessingFee": "-1"}}`,
			reason: "processing fee must not be negative: -1",
		},
		{
			name:   "recurring upon at notice",
			doc:    `{"id": "x", "kind": "notice", "notice": {"loanNotices": [{"templateId": "t", "sendOptions": {"sendWhen": "Due date", "sendHow": "Upon At", "frequency": "Recurring", "sendEvery": {"duration": 1, "intervalId": "Days"}}}]}}`,
			reason: "notice 1: upon at notices cannot recur",
		},
		{
			name:   "after notice without delay",
			doc:    `{"id": "x", "kind": "notice", "notice": {"loanNotices": [{"templateId": "t", "sendOptions": {"sendWhen": "Due date", "sendHow": "After"}}]}}`,
			reason: "notice 1: sendBy is required for After notices",
		},
	}

	f := factory.NewPolicyFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParsePolicy(tt.doc)

			v, ok := circulation.AsValidation(err)
			require.True(t, ok, "expected a ValidationError, got %v", err)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, v.Param("reason"))
			}
		})
	}
}
