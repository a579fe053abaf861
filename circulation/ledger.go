/*
ledger.go - Fee/fine account ledger

PURPOSE:
  Writes fee/fine accounts. Accounts are never edited beyond their status:
  a refund cancels the original account, it does not change its amount.

IDEMPOTENCY:
  Every account carries an idempotency key derived from the event that
  created it (see fees.go). Charge skips accounts whose key already exists,
  so replaying a loss event or a reminder stage never double-charges.

EXAMPLE FLOW:
  1. Declare lost: processing fee 5.00, item fee 40.00
  2. Sweep retries after a transient failure: both keys exist, nothing added
  3. Item returned within the refund window: item fee cancelled

SEE ALSO:
  - store.go: AccountStore
  - fees.go: Builds the accounts
*/
package circulation

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Ledger writes fee/fine accounts through an AccountStore.
type Ledger struct {
	Store AccountStore
}

func NewLedger(store AccountStore) *Ledger {
	return &Ledger{Store: store}
}

// Charge inserts accounts whose idempotency key is new and returns the
// ones actually written.
func (l *Ledger) Charge(ctx context.Context, accounts ...FeeFineAccount) ([]FeeFineAccount, error) {
	var written []FeeFineAccount
	for _, a := range accounts {
		if a.IdempotencyKey != "" {
			exists, err := l.Store.AccountExists(ctx, a.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
		}
		if err := l.Store.InsertAccount(ctx, a); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				continue
			}
			return nil, err
		}
		written = append(written, a)
	}
	return written, nil
}

// Cancel marks accounts Cancelled.
func (l *Ledger) Cancel(ctx context.Context, accounts []FeeFineAccount) ([]FeeFineAccount, error) {
	cancelled := make([]FeeFineAccount, 0, len(accounts))
	for _, a := range accounts {
		if err := l.Store.UpdateAccountStatus(ctx, a.ID, AccountCancelled); err != nil {
			return nil, err
		}
		a.Status = AccountCancelled
		cancelled = append(cancelled, a)
	}
	return cancelled, nil
}

// Accounts returns the loan's accounts.
func (l *Ledger) Accounts(ctx context.Context, loanID LoanID) ([]FeeFineAccount, error) {
	return l.Store.ListAccountsByLoan(ctx, loanID)
}

// OpenBalance sums the loan's open accounts.
func (l *Ledger) OpenBalance(ctx context.Context, loanID LoanID) (decimal.Decimal, error) {
	accounts, err := l.Store.ListAccountsByLoan(ctx, loanID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range accounts {
		if a.Status == AccountOpen {
			total = total.Add(a.Amount)
		}
	}
	return total, nil
}
