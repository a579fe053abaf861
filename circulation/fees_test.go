package circulation_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/warp/circulation-engine/circulation"
)

func lossEvent(kind circulation.LossType) circulation.LossEvent {
	return circulation.LossEvent{
		Kind: kind,
		Loan: &circulation.Loan{ID: "loan-1", ItemID: itemID, UserID: patronID},
		Item: &circulation.Item{ID: itemID, ReplacementCost: dec("55.00")},
		At:   monday,
	}
}

// =============================================================================
// LOST ITEM FEES
// =============================================================================

func TestLostItemFees_ProcessingAndItemFee(t *testing.T) {
	policy := &circulation.LostItemFeePolicy{
		ProcessingFee: dec("5.00"),
		ItemCharge:    circulation.ItemCharge{Type: circulation.ChargeAnotherCost, Amount: dec("40.00")},
	}

	d := circulation.EvaluateLostItemFees(policy, lossEvent(circulation.LossDeclaredLost))

	require.Len(t, d.Accounts, 2)
	assert.Nil(t, d.ActualCostRecord)
	assert.Equal(t, circulation.ChargeLostItemProcessingFee, d.Accounts[0].ChargeType)
	assert.True(t, decimal.RequireFromString("5").Equal(d.Accounts[0].Amount))
	assert.Equal(t, circulation.ChargeLostItemFee, d.Accounts[1].ChargeType)
	assert.True(t, decimal.RequireFromString("40").Equal(d.Accounts[1].Amount))
	assert.NotEqual(t, d.Accounts[0].IdempotencyKey, d.Accounts[1].IdempotencyKey)
}

func TestLostItemFees_ZeroProcessingFeeWithActualCost(t *testing.T) {
	// GIVEN: processingFee=0.0, chargeType=actualCost, amount=10.0
	policy := &circulation.LostItemFeePolicy{
		ProcessingFee: dec("0.0"),
		ItemCharge:    circulation.ItemCharge{Type: circulation.ChargeActualCost, Amount: dec("10.0")},
	}

	// WHEN: The item is declared lost
	d := circulation.EvaluateLostItemFees(policy, lossEvent(circulation.LossDeclaredLost))

	// THEN: No fee/fine account is created; billing is deferred to an
	// Open actual cost record
	assert.Empty(t, d.Accounts)
	require.NotNil(t, d.ActualCostRecord)
	assert.Equal(t, circulation.ActualCostOpen, d.ActualCostRecord.Status)
	assert.Nil(t, d.ActualCostRecord.ExpirationDate)
	require.NotNil(t, d.ActualCostRecord.EstimatedCost)
	assert.True(t, decimal.RequireFromString("55").Equal(*d.ActualCostRecord.EstimatedCost))
}

func TestLostItemFees_DoNotChargeProcessingFeeWhenDeclaredLost(t *testing.T) {
	policy := &circulation.LostItemFeePolicy{
		ProcessingFee:                            dec("5.00"),
		DoNotChargeProcessingFeeWhenDeclaredLost: true,
		ChargeAmountItemSystem:                   true,
	}

	declared := circulation.EvaluateLostItemFees(policy, lossEvent(circulation.LossDeclaredLost))
	aged := circulation.EvaluateLostItemFees(policy, lossEvent(circulation.LossAgedToLost))

	assert.True(t, declared.IsEmpty())
	assert.Equal(t, []circulation.ChargeType{circulation.ChargeLostItemProcessingFee}, aged.ChargeTypes())
}

func TestLostItemFees_AgedToLostProcessingFeeNeedsSystemCharge(t *testing.T) {
	policy := &circulation.LostItemFeePolicy{ProcessingFee: dec("5.00")}

	d := circulation.EvaluateLostItemFees(policy, lossEvent(circulation.LossAgedToLost))

	assert.True(t, d.IsEmpty())
}

func TestLostItemFees_ActualCostRecordExpiration(t *testing.T) {
	policy := &circulation.LostItemFeePolicy{
		ItemCharge:            circulation.ItemCharge{Type: circulation.ChargeActualCost},
		LostItemChargeFeeFine: period(2, circulation.Weeks),
	}

	d := circulation.EvaluateLostItemFees(policy, lossEvent(circulation.LossAgedToLost))

	require.NotNil(t, d.ActualCostRecord)
	require.NotNil(t, d.ActualCostRecord.ExpirationDate)
	assert.Equal(t, monday.AddDate(0, 0, 14), *d.ActualCostRecord.ExpirationDate)
	assert.Equal(t, circulation.LossAgedToLost, d.ActualCostRecord.LossType)
}

func TestLostItemFees_NilPolicyChargesNothing(t *testing.T) {
	assert.True(t, circulation.EvaluateLostItemFees(nil, lossEvent(circulation.LossDeclaredLost)).IsEmpty())
}

// For every declare-lost event the charge types are a subset of
// {processing, item, actual cost}; actual cost charging implies an Open
// record and no immediate item fee.
func TestLostItemFees_Property_ChargeTypes(t *testing.T) {
	amounts := rapid.Custom(func(t *rapid.T) *decimal.Decimal {
		if rapid.Bool().Draw(t, "null") {
			return nil
		}
		d := decimal.New(int64(rapid.IntRange(-500, 5000).Draw(t, "cents")), -2)
		return &d
	})
	allowed := map[circulation.ChargeType]bool{
		circulation.ChargeLostItemProcessingFee: true,
		circulation.ChargeLostItemFee:           true,
		circulation.ChargeLostItemActualCost:    true,
	}

	rapid.Check(t, func(t *rapid.T) {
		policy := &circulation.LostItemFeePolicy{
			ProcessingFee:                            amounts.Draw(t, "processingFee"),
			DoNotChargeProcessingFeeWhenDeclaredLost: rapid.Bool().Draw(t, "skipProcessing"),
			ItemCharge: circulation.ItemCharge{
				Type:   rapid.SampledFrom([]circulation.ItemChargeType{circulation.ChargeActualCost, circulation.ChargeAnotherCost}).Draw(t, "chargeType"),
				Amount: amounts.Draw(t, "amount"),
			},
		}

		d := circulation.EvaluateLostItemFees(policy, lossEvent(circulation.LossDeclaredLost))

		for _, a := range d.Accounts {
			if !allowed[a.ChargeType] {
				t.Fatalf("unexpected charge type %q", a.ChargeType)
			}
			if !a.Amount.IsPositive() {
				t.Fatalf("non-positive charge %s", a.Amount)
			}
		}
		if policy.ItemCharge.Type == circulation.ChargeActualCost {
			if d.ActualCostRecord == nil || d.ActualCostRecord.Status != circulation.ActualCostOpen {
				t.Fatalf("actual cost charging without an Open record")
			}
			for _, a := range d.Accounts {
				if a.ChargeType == circulation.ChargeLostItemFee {
					t.Fatalf("actual cost charging created an immediate item fee")
				}
			}
		} else if d.ActualCostRecord != nil {
			t.Fatalf("record created for %s", policy.ItemCharge.Type)
		}
		if policy.DoNotChargeProcessingFeeWhenDeclaredLost {
			for _, a := range d.Accounts {
				if a.ChargeType == circulation.ChargeLostItemProcessingFee {
					t.Fatalf("processing fee charged despite the policy")
				}
			}
		}
	})
}

// =============================================================================
// REFUNDS
// =============================================================================

func TestLostFeesToRefund(t *testing.T) {
	accounts := []circulation.FeeFineAccount{
		{ID: "a1", ChargeType: circulation.ChargeLostItemProcessingFee, Status: circulation.AccountOpen},
		{ID: "a2", ChargeType: circulation.ChargeLostItemFee, Status: circulation.AccountOpen},
		{ID: "a3", ChargeType: circulation.ChargeOverdueFine, Status: circulation.AccountOpen},
		{ID: "a4", ChargeType: circulation.ChargeLostItemFee, Status: circulation.AccountCancelled},
	}
	lostAt := monday
	ids := func(as []circulation.FeeFineAccount) []circulation.AccountID {
		var out []circulation.AccountID
		for _, a := range as {
			out = append(out, a.ID)
		}
		return out
	}

	t.Run("item fee only by default", func(t *testing.T) {
		policy := &circulation.LostItemFeePolicy{}
		got := circulation.LostFeesToRefund(policy, accounts, lostAt, lostAt.Add(time.Hour))
		assert.Equal(t, []circulation.AccountID{"a2"}, ids(got))
	})
	t.Run("processing fee when configured", func(t *testing.T) {
		policy := &circulation.LostItemFeePolicy{ReturnedLostItemProcessingFee: true}
		got := circulation.LostFeesToRefund(policy, accounts, lostAt, lostAt.Add(time.Hour))
		assert.Equal(t, []circulation.AccountID{"a1", "a2"}, ids(got))
	})
	t.Run("nothing after the refund window", func(t *testing.T) {
		policy := &circulation.LostItemFeePolicy{FeesFinesShallRefunded: period(1, circulation.Weeks)}
		got := circulation.LostFeesToRefund(policy, accounts, lostAt, lostAt.AddDate(0, 0, 8))
		assert.Empty(t, got)
	})
}

// =============================================================================
// OVERDUE FINES AND REMINDERS
// =============================================================================

func TestOverdueFine(t *testing.T) {
	policy := &circulation.OverdueFinePolicy{
		OverdueFine:    &circulation.Rate{Quantity: decimal.RequireFromString("0.25"), Interval: circulation.Days},
		MaxOverdueFine: dec("1.00"),
	}
	due := endOf(2024, 3, 4)

	t.Run("on time", func(t *testing.T) {
		_, ok := circulation.OverdueFine(policy, due, due)
		assert.False(t, ok)
	})
	t.Run("partial day counts as a day", func(t *testing.T) {
		fine, ok := circulation.OverdueFine(policy, due, due.Add(25*time.Hour))
		require.True(t, ok)
		assert.Equal(t, "0.5", fine.String())
	})
	t.Run("capped at maximum", func(t *testing.T) {
		fine, ok := circulation.OverdueFine(policy, due, due.AddDate(0, 0, 30))
		require.True(t, ok)
		assert.Equal(t, "1", fine.String())
	})
	t.Run("no rate", func(t *testing.T) {
		_, ok := circulation.OverdueFine(&circulation.OverdueFinePolicy{}, due, due.AddDate(0, 0, 3))
		assert.False(t, ok)
	})
}

func TestReminderFeeAccount(t *testing.T) {
	loan := &circulation.Loan{ID: "loan-1", UserID: patronID, ItemID: itemID}

	account, ok := circulation.ReminderFeeAccount(loan, 2, circulation.ReminderStage{Fee: dec("1.50")}, monday)
	require.True(t, ok)
	assert.Equal(t, circulation.ChargeReminderFee, account.ChargeType)
	assert.Equal(t, "reminder:loan-1:0:2", account.IdempotencyKey)

	loan.RenewalCount = 1
	renewed, ok := circulation.ReminderFeeAccount(loan, 2, circulation.ReminderStage{Fee: dec("1.50")}, monday)
	require.True(t, ok)
	assert.Equal(t, "reminder:loan-1:1:2", renewed.IdempotencyKey)

	_, ok = circulation.ReminderFeeAccount(loan, 1, circulation.ReminderStage{Fee: dec("0")}, monday)
	assert.False(t, ok, "free reminder stages create no account")
}
