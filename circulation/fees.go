/*
fees.go - Fee/fine policy evaluator

PURPOSE:
  Decides which fee/fine accounts a circulation event creates. The
  functions here are pure: they take a policy and an event and return
  accounts and records to write. The service persists them in the same
  transaction as the loan/item change.

LOST ITEM DECISION TABLE (processing fee P, item charge C):
  P on declare lost: not DoNotChargeProcessingFeeWhenDeclaredLost
                     and ProcessingFee > 0
  P on aged to lost: ChargeAmountItemSystem and ProcessingFee > 0
  C actualCost:      no account; an Open ActualCostRecord instead,
                     expiring LostItemChargeFeeFine after the loss
                     (never, when unset). The configured amount is ignored.
  C anotherCost:     item fee account when Amount > 0

  An all-zero/unset configuration creates nothing.

OTHER CHARGES:
  OverdueFine:       ceil(overdue / interval) x rate, capped at MaxOverdueFine
  ReminderFee:       one account per reminder stage with a fee > 0
  Lost fee refunds:  open lost item accounts cancelled when the item comes
                     back within FeesFinesShallRefunded

IDEMPOTENCY:
  Every account carries a deterministic idempotency key, so evaluating
  the same event twice never double-charges (see ledger.go).

SEE ALSO:
  - policy.go: LostItemFeePolicy, OverdueFinePolicy
  - ledger.go: Persists accounts, skipping duplicates
  - service.go, sweep.go: Callers
*/
package circulation

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LossEvent is a terminal loss transition.
type LossEvent struct {
	Kind LossType
	Loan *Loan
	Item *Item
	At   time.Time
}

// FeeDecision is what a loss event charges.
type FeeDecision struct {
	Accounts         []FeeFineAccount
	ActualCostRecord *ActualCostRecord
}

// ChargeTypes returns the charge types of the decided accounts.
func (d FeeDecision) ChargeTypes() []ChargeType {
	types := make([]ChargeType, 0, len(d.Accounts))
	for _, a := range d.Accounts {
		types = append(types, a.ChargeType)
	}
	return types
}

// IsEmpty reports whether the decision charges nothing.
func (d FeeDecision) IsEmpty() bool {
	return len(d.Accounts) == 0 && d.ActualCostRecord == nil
}

// =============================================================================
// LOST ITEM FEES
// =============================================================================

// EvaluateLostItemFees applies the lost item decision table to ev. A nil
// policy charges nothing.
func EvaluateLostItemFees(policy *LostItemFeePolicy, ev LossEvent) FeeDecision {
	var d FeeDecision
	if policy == nil {
		return d
	}

	if fee, ok := processingFee(policy, ev.Kind); ok {
		d.Accounts = append(d.Accounts, newAccount(ev.Loan, ChargeLostItemProcessingFee, fee, ev.At,
			lostFeeKey(ev.Loan.ID, ev.Kind, "processing"), string(ev.Kind)))
	}

	switch policy.ItemCharge.Type {
	case ChargeActualCost:
		d.ActualCostRecord = newActualCostRecord(policy, ev)
	default:
		if fee, ok := positive(policy.ItemCharge.Amount); ok {
			d.Accounts = append(d.Accounts, newAccount(ev.Loan, ChargeLostItemFee, fee, ev.At,
				lostFeeKey(ev.Loan.ID, ev.Kind, "item"), string(ev.Kind)))
		}
	}
	return d
}

func processingFee(policy *LostItemFeePolicy, kind LossType) (decimal.Decimal, bool) {
	switch kind {
	case LossDeclaredLost:
		if policy.DoNotChargeProcessingFeeWhenDeclaredLost {
			return decimal.Zero, false
		}
	case LossAgedToLost:
		if !policy.ChargeAmountItemSystem {
			return decimal.Zero, false
		}
	}
	return positive(policy.ProcessingFee)
}

func newActualCostRecord(policy *LostItemFeePolicy, ev LossEvent) *ActualCostRecord {
	rec := &ActualCostRecord{
		ID:        RecordID(NewID()),
		LoanID:    ev.Loan.ID,
		UserID:    ev.Loan.UserID,
		ItemID:    ev.Loan.ItemID,
		Status:    ActualCostOpen,
		LossType:  ev.Kind,
		LossDate:  ev.At,
		CreatedAt: ev.At,
	}
	if policy.LostItemChargeFeeFine != nil {
		rec.ExpirationDate = timePtr(policy.LostItemChargeFeeFine.AddTo(ev.At))
	}
	if ev.Item != nil {
		rec.EstimatedCost = clonePtr(ev.Item.ReplacementCost)
	}
	return rec
}

func lostFeeKey(loan LoanID, kind LossType, part string) string {
	return fmt.Sprintf("lost:%s:%s:%s", loan, strings.ReplaceAll(strings.ToLower(string(kind)), " ", "-"), part)
}

// ActualCostAccount bills an actual cost record.
func ActualCostAccount(rec *ActualCostRecord, amount decimal.Decimal, at time.Time) FeeFineAccount {
	return FeeFineAccount{
		ID:             AccountID(NewID()),
		LoanID:         rec.LoanID,
		UserID:         rec.UserID,
		ItemID:         rec.ItemID,
		ChargeType:     ChargeLostItemActualCost,
		Amount:         amount,
		Status:         AccountOpen,
		Reason:         string(rec.LossType),
		IdempotencyKey: "actual-cost:" + string(rec.ID),
		CreatedAt:      at,
	}
}

// =============================================================================
// REFUNDS
// =============================================================================

var lostCharges = map[ChargeType]bool{
	ChargeLostItemProcessingFee: true,
	ChargeLostItemFee:           true,
	ChargeLostItemActualCost:    true,
}

// LostFeesToRefund returns the open lost item accounts to cancel when a
// lost item lost at lostAt is returned at returnedAt. The processing fee
// is only refunded when ReturnedLostItemProcessingFee is set.
func LostFeesToRefund(policy *LostItemFeePolicy, accounts []FeeFineAccount, lostAt, returnedAt time.Time) []FeeFineAccount {
	if policy == nil || !policy.RefundAllowed(lostAt, returnedAt) {
		return nil
	}
	var refunds []FeeFineAccount
	for _, a := range accounts {
		if a.Status != AccountOpen || !lostCharges[a.ChargeType] {
			continue
		}
		if a.ChargeType == ChargeLostItemProcessingFee && !policy.ReturnedLostItemProcessingFee {
			continue
		}
		refunds = append(refunds, a)
	}
	return refunds
}

// =============================================================================
// OVERDUE FINES AND REMINDER FEES
// =============================================================================

// OverdueFine returns the fine for a loan due at due and returned at
// returned, or false when nothing is owed.
func OverdueFine(policy *OverdueFinePolicy, due, returned time.Time) (decimal.Decimal, bool) {
	if policy == nil || policy.OverdueFine == nil || !returned.After(due) {
		return decimal.Zero, false
	}
	unit := Period{Duration: 1, Interval: policy.OverdueFine.Interval}.Approx()
	if unit <= 0 {
		return decimal.Zero, false
	}
	overdue := returned.Sub(due)
	units := int64(overdue / unit)
	if overdue%unit != 0 {
		units++
	}
	fine := policy.OverdueFine.Quantity.Mul(decimal.NewFromInt(units))
	if policy.MaxOverdueFine != nil && policy.MaxOverdueFine.IsPositive() && fine.GreaterThan(*policy.MaxOverdueFine) {
		fine = *policy.MaxOverdueFine
	}
	if !fine.IsPositive() {
		return decimal.Zero, false
	}
	return fine, true
}

// OverdueFineAccount builds the overdue fine account for a returned loan.
func OverdueFineAccount(loan *Loan, amount decimal.Decimal, at time.Time) FeeFineAccount {
	return newAccount(loan, ChargeOverdueFine, amount, at, "overdue:"+string(loan.ID), "Overdue")
}

// ReminderFeeAccount builds the account for reminder stage n, or false
// when the stage carries no fee. A renewal restarts the ladder, so the key
// carries the renewal count.
func ReminderFeeAccount(loan *Loan, n int, stage ReminderStage, at time.Time) (FeeFineAccount, bool) {
	fee, ok := positive(stage.Fee)
	if !ok {
		return FeeFineAccount{}, false
	}
	return newAccount(loan, ChargeReminderFee, fee, at,
		fmt.Sprintf("reminder:%s:%d:%d", loan.ID, loan.RenewalCount, n), fmt.Sprintf("Reminder %d", n)), true
}

func newAccount(loan *Loan, ct ChargeType, amount decimal.Decimal, at time.Time, key, reason string) FeeFineAccount {
	return FeeFineAccount{
		ID:             AccountID(NewID()),
		LoanID:         loan.ID,
		UserID:         loan.UserID,
		ItemID:         loan.ItemID,
		ChargeType:     ct,
		Amount:         amount,
		Status:         AccountOpen,
		Reason:         reason,
		IdempotencyKey: key,
		CreatedAt:      at,
	}
}
