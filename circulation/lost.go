package circulation

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// =============================================================================
// CLAIM RETURNED / MARK MISSING
// =============================================================================

// ClaimReturnedRequest records a patron's claim that the item was returned.
type ClaimReturnedRequest struct {
	LoanID                  LoanID
	ItemClaimedReturnedDate *time.Time // defaults to now
	Comment                 string
}

// ClaimItemReturned moves the item to Claimed returned. The loan stays open.
func (s *Service) ClaimItemReturned(ctx context.Context, req ClaimReturnedRequest) (res *Result, err error) {
	ctx, span := s.start(ctx, "claim_item_returned", attribute.String("loan.id", string(req.LoanID)))
	defer func() { err = s.finish(ctx, span, "claim_item_returned", err) }()

	loan, item, unlock, err := s.lockLoan(ctx, req.LoanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	next, err := Transition(StateOf(loan, item), ActionClaimedReturned)
	if err != nil {
		return nil, withParam(err, "loanId", string(loan.ID))
	}

	claimed := s.now()
	if req.ItemClaimedReturnedDate != nil {
		claimed = *req.ItemClaimedReturnedDate
	}
	loan.ClaimedReturnedDate = &claimed
	loan.Action = ActionClaimedReturned
	loan.ActionComment = req.Comment
	item.Status = next.Item
	item.StatusDate = s.now()

	if err := s.Store.WithTx(ctx, func(tx Store) error {
		return s.save(ctx, tx, loan, item)
	}); err != nil {
		return nil, err
	}

	s.publish(ctx, EventItemClaimedReturned, loan, map[string]any{
		"claimedReturnedDate": claimed,
		"comment":             req.Comment,
	})
	return &Result{Loan: loan, Item: item}, nil
}

// MarkMissingRequest declares a claimed returned item missing.
type MarkMissingRequest struct {
	LoanID         LoanID
	Comment        string
	ServicePointID ServicePointID // defaults to the checkout service point
}

// DeclareClaimedReturnedItemAsMissing closes the loan with the item
// Missing. Requires a comment and a Claimed returned item.
func (s *Service) DeclareClaimedReturnedItemAsMissing(ctx context.Context, req MarkMissingRequest) (res *Result, err error) {
	ctx, span := s.start(ctx, "declare_claimed_returned_item_as_missing", attribute.String("loan.id", string(req.LoanID)))
	defer func() { err = s.finish(ctx, span, "declare_claimed_returned_item_as_missing", err) }()

	if strings.TrimSpace(req.Comment) == "" {
		return nil, NewValidationError("Comment is a required field", "comment", "")
	}

	loan, item, unlock, err := s.lockLoan(ctx, req.LoanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	next, err := Transition(StateOf(loan, item), ActionMarkedMissing)
	if err != nil {
		return nil, withParam(err, "loanId", string(loan.ID))
	}

	sp := req.ServicePointID
	if sp == "" {
		sp = loan.CheckoutServicePointID
	}
	now := s.now()

	err = s.Store.WithTx(ctx, func(tx Store) error {
		loan.close(now, sp, ActionMarkedMissing)
		loan.ActionComment = req.Comment
		item.Status = next.Item
		item.StatusDate = now
		if _, err := tx.DeleteNoticesByLoan(ctx, loan.ID); err != nil {
			return err
		}
		return s.save(ctx, tx, loan, item)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventItemMarkedMissing, loan, map[string]any{"comment": req.Comment})
	return &Result{Loan: loan, Item: item}, nil
}

// =============================================================================
// DECLARE LOST
// =============================================================================

// DeclareLostRequest declares a loaned item lost.
type DeclareLostRequest struct {
	LoanID           LoanID
	ServicePointID   ServicePointID
	Comment          string
	DeclaredLostDate *time.Time // defaults to now
}

// DeclareLost moves the item to Declared lost and charges lost item fees
// per the loan's lost item fee policy. An aged to lost loan that was
// already billed is not charged again. Due date, reminder and aged to lost
// notices are deleted.
func (s *Service) DeclareLost(ctx context.Context, req DeclareLostRequest) (res *Result, err error) {
	ctx, span := s.start(ctx, "declare_lost", attribute.String("loan.id", string(req.LoanID)))
	defer func() { err = s.finish(ctx, span, "declare_lost", err) }()

	loan, item, unlock, err := s.lockLoan(ctx, req.LoanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	next, err := Transition(StateOf(loan, item), ActionDeclaredLost)
	if err != nil {
		return nil, withParam(err, "loanId", string(loan.ID))
	}
	policies, err := s.loanPolicies(ctx, loan)
	if err != nil {
		return nil, err
	}

	declared := s.now()
	if req.DeclaredLostDate != nil {
		declared = *req.DeclaredLostDate
	}
	var decision FeeDecision
	if item.Status != ItemAgedToLost || !loan.AgedToLostBilled {
		decision = EvaluateLostItemFees(policies.LostItem, LossEvent{Kind: LossDeclaredLost, Loan: loan, Item: item, At: declared})
	}

	result := &Result{Loan: loan, Item: item, ActualCostRecord: decision.ActualCostRecord}
	err = s.Store.WithTx(ctx, func(tx Store) error {
		loan.DeclaredLostDate = &declared
		loan.Action = ActionDeclaredLost
		loan.ActionComment = req.Comment
		item.Status = next.Item
		item.StatusDate = declared

		written, err := s.applyFeeDecision(ctx, tx, decision)
		if err != nil {
			return err
		}
		result.Accounts = written
		if _, err := tx.DeleteNoticesByLoan(ctx, loan.ID, TriggerDueDate, TriggerOverdueReminder, TriggerAgedToLost); err != nil {
			return err
		}
		return s.save(ctx, tx, loan, item)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventItemDeclaredLost, loan, map[string]any{
		"declaredLostDate": declared,
		"servicePointId":   string(req.ServicePointID),
		"chargeTypes":      decision.ChargeTypes(),
	})
	return result, nil
}

func (s *Service) applyFeeDecision(ctx context.Context, tx Store, d FeeDecision) ([]FeeFineAccount, error) {
	written, err := NewLedger(tx).Charge(ctx, d.Accounts...)
	if err != nil {
		return nil, err
	}
	if d.ActualCostRecord != nil {
		if err := tx.SaveActualCostRecord(ctx, d.ActualCostRecord); err != nil {
			return nil, err
		}
	}
	return written, nil
}

// =============================================================================
// AGED TO LOST
// =============================================================================

// AgeToLost moves an overdue checked out item to Aged to lost. It is the
// sweep's entry point but is also safe to call directly. Billing happens
// at once when the policy bills immediately, otherwise at the billing date
// (see BillAgedToLost).
func (s *Service) AgeToLost(ctx context.Context, loanID LoanID) (res *Result, err error) {
	ctx, span := s.start(ctx, "age_to_lost", attribute.String("loan.id", string(loanID)))
	defer func() { err = s.finish(ctx, span, "age_to_lost", err) }()

	loan, item, unlock, err := s.lockLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	next, err := Transition(StateOf(loan, item), ActionItemAgedToLost)
	if err != nil {
		return nil, withParam(err, "loanId", string(loan.ID))
	}
	policies, err := s.loanPolicies(ctx, loan)
	if err != nil {
		return nil, err
	}
	now := s.now()
	agesAt, ok := policies.LostItem.AgedToLostAt(loan.DueDate)
	if !ok || agesAt.After(now) {
		return nil, NewValidationError("Loan is not eligible to age to lost", "loanId", string(loan.ID))
	}

	billingDate := policies.LostItem.BillingDateAfterAging(now)
	result := &Result{Loan: loan, Item: item}
	err = s.Store.WithTx(ctx, func(tx Store) error {
		loan.AgedToLostDate = &now
		loan.AgedToLostBillingDate = &billingDate
		loan.Action = ActionItemAgedToLost
		item.Status = next.Item
		item.StatusDate = now

		if !billingDate.After(now) {
			decision := EvaluateLostItemFees(policies.LostItem, LossEvent{Kind: LossAgedToLost, Loan: loan, Item: item, At: now})
			written, err := s.applyFeeDecision(ctx, tx, decision)
			if err != nil {
				return err
			}
			result.Accounts = written
			result.ActualCostRecord = decision.ActualCostRecord
			loan.AgedToLostBilled = true
		}

		if _, err := tx.DeleteNoticesByLoan(ctx, loan.ID, TriggerDueDate, TriggerOverdueReminder); err != nil {
			return err
		}
		if err := s.saveNotices(ctx, tx, AgedToLostNotices(policies.Notice, loan, now)); err != nil {
			return err
		}
		return s.save(ctx, tx, loan, item)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventItemAgedToLost, loan, map[string]any{
		"agedToLostDate": now,
		"billingDate":    billingDate,
	})
	return result, nil
}

// BillAgedToLost charges the lost item fees of an aged to lost loan whose
// billing date has passed. Calling it again is a no-op.
func (s *Service) BillAgedToLost(ctx context.Context, loanID LoanID) (res *Result, err error) {
	ctx, span := s.start(ctx, "bill_aged_to_lost", attribute.String("loan.id", string(loanID)))
	defer func() { err = s.finish(ctx, span, "bill_aged_to_lost", err) }()

	loan, item, unlock, err := s.lockLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &Result{Loan: loan, Item: item}
	now := s.now()
	if !loan.IsOpen() || item.Status != ItemAgedToLost || loan.AgedToLostBilled ||
		loan.AgedToLostBillingDate == nil || loan.AgedToLostBillingDate.After(now) {
		return result, nil
	}
	policies, err := s.loanPolicies(ctx, loan)
	if err != nil {
		return nil, err
	}

	decision := EvaluateLostItemFees(policies.LostItem, LossEvent{Kind: LossAgedToLost, Loan: loan, Item: item, At: now})
	err = s.Store.WithTx(ctx, func(tx Store) error {
		written, err := s.applyFeeDecision(ctx, tx, decision)
		if err != nil {
			return err
		}
		result.Accounts = written
		result.ActualCostRecord = decision.ActualCostRecord
		loan.AgedToLostBilled = true
		return s.save(ctx, tx, loan, nil)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventFeeFineCharged, loan, map[string]any{"chargeTypes": decision.ChargeTypes()})
	return result, nil
}

// =============================================================================
// ACTUAL COST RECORDS
// =============================================================================

// ExpireActualCostRecord expires an Open record whose expiration date has
// passed and resolves its loan to Closed / Lost and paid, billing the
// record's estimated cost when one is known. Records that are not Open,
// have no expiration date or have not expired yet are left untouched.
func (s *Service) ExpireActualCostRecord(ctx context.Context, id RecordID) (res *Result, err error) {
	ctx, span := s.start(ctx, "expire_actual_cost_record", attribute.String("record.id", string(id)))
	defer func() { err = s.finish(ctx, span, "expire_actual_cost_record", err) }()

	rec, err := s.Store.GetActualCostRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	loan, item, unlock, err := s.lockLoan(ctx, rec.LoanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the item lock.
	if rec, err = s.Store.GetActualCostRecord(ctx, id); err != nil {
		return nil, err
	}
	now := s.now()
	result := &Result{Loan: loan, Item: item, ActualCostRecord: rec}
	if rec.Status != ActualCostOpen || rec.ExpirationDate == nil || rec.ExpirationDate.After(now) {
		return result, nil
	}

	err = s.Store.WithTx(ctx, func(tx Store) error {
		rec.Status = ActualCostExpired
		var amount *decimal.Decimal
		if cost, ok := positive(rec.EstimatedCost); ok {
			amount = &cost
		}
		written, err := s.resolveLostLoan(ctx, tx, loan, item, rec, amount, now)
		if err != nil {
			return err
		}
		result.Accounts = written
		return tx.SaveActualCostRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventActualCostExpired, loan, map[string]any{"actualCostRecordId": string(rec.ID)})
	return result, nil
}

// BillActualCost charges the real replacement cost of a lost item and
// closes its loan as Lost and paid.
func (s *Service) BillActualCost(ctx context.Context, id RecordID, amount decimal.Decimal) (res *Result, err error) {
	ctx, span := s.start(ctx, "bill_actual_cost", attribute.String("record.id", string(id)))
	defer func() { err = s.finish(ctx, span, "bill_actual_cost", err) }()

	if !amount.IsPositive() {
		return nil, NewValidationError("Actual cost amount must be greater than zero",
			"actualCostRecordId", string(id), "amount", amount.String())
	}
	rec, err := s.Store.GetActualCostRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	loan, item, unlock, err := s.lockLoan(ctx, rec.LoanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if rec, err = s.Store.GetActualCostRecord(ctx, id); err != nil {
		return nil, err
	}
	if rec.Status != ActualCostOpen {
		return nil, NewValidationError("Actual cost record is not open",
			"actualCostRecordId", string(rec.ID), "status", string(rec.Status))
	}

	now := s.now()
	result := &Result{Loan: loan, Item: item, ActualCostRecord: rec}
	err = s.Store.WithTx(ctx, func(tx Store) error {
		rec.Status = ActualCostBilled
		written, err := s.resolveLostLoan(ctx, tx, loan, item, rec, &amount, now)
		if err != nil {
			return err
		}
		result.Accounts = written
		return tx.SaveActualCostRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventActualCostBilled, loan, map[string]any{
		"actualCostRecordId": string(rec.ID),
		"amount":             amount.String(),
	})
	return result, nil
}

// CancelActualCost cancels an Open record without billing. The loan is
// left as it is.
func (s *Service) CancelActualCost(ctx context.Context, id RecordID, reason string) (rec *ActualCostRecord, err error) {
	ctx, span := s.start(ctx, "cancel_actual_cost", attribute.String("record.id", string(id)))
	defer func() { err = s.finish(ctx, span, "cancel_actual_cost", err) }()

	rec, err = s.Store.GetActualCostRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	loan, _, unlock, err := s.lockLoan(ctx, rec.LoanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if rec, err = s.Store.GetActualCostRecord(ctx, id); err != nil {
		return nil, err
	}
	if rec.Status != ActualCostOpen {
		return nil, NewValidationError("Actual cost record is not open",
			"actualCostRecordId", string(rec.ID), "status", string(rec.Status))
	}
	rec.Status = ActualCostCancelled
	if err := s.Store.SaveActualCostRecord(ctx, rec); err != nil {
		return nil, err
	}

	s.publish(ctx, EventActualCostCancelled, loan, map[string]any{
		"actualCostRecordId": string(rec.ID),
		"reason":             reason,
	})
	return rec, nil
}

// ActualCostRecords returns the records of a loan.
func (s *Service) ActualCostRecords(ctx context.Context, loanID LoanID) ([]ActualCostRecord, error) {
	return s.Store.FindActualCostRecordsByLoan(ctx, loanID)
}

// resolveLostLoan bills amount (when set) against rec and closes an open
// lost loan as Lost and paid, deleting its pending notices.
func (s *Service) resolveLostLoan(ctx context.Context, tx Store, loan *Loan, item *Item, rec *ActualCostRecord, amount *decimal.Decimal, now time.Time) ([]FeeFineAccount, error) {
	var written []FeeFineAccount
	if amount != nil {
		rec.BilledAmount = amount
		var err error
		written, err = NewLedger(tx).Charge(ctx, ActualCostAccount(rec, *amount, now))
		if err != nil {
			return nil, err
		}
	}

	next, err := Transition(StateOf(loan, item), ActionClosedLoan)
	if err != nil {
		// The loan was already resolved another way; only the record changes.
		return written, nil
	}
	loan.close(now, loan.CheckoutServicePointID, ActionClosedLoan)
	item.Status = next.Item
	item.StatusDate = now
	if _, err := tx.DeleteNoticesByLoan(ctx, loan.ID); err != nil {
		return nil, err
	}
	return written, s.save(ctx, tx, loan, item)
}
