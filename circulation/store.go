/*
store.go - Persistence interfaces for loans and their satellites

PURPOSE:
  Defines the interface between the circulation engine and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory
  storage.

KEY INTERFACES:
  Store:       CRUD on Loan, Item, ScheduledNotice, ActualCostRecord,
               FeeFineAccount and HoldRequest, keyed by id, with
               exact-match queries by foreign key
  TxStore:     Store + WithTx (atomic multi-record writes)
  Directory:   Patron, service point and circulation rule lookup
  PolicyStore: Policy lookup by id

OPTIMISTIC LOCKING:
  SaveLoan and SaveItem insert when Version is 0 and otherwise update only
  if the stored version still matches, returning
  ErrConcurrentModification on a mismatch. Both bump Version on success.

ATOMICITY:
  A circulation action writes loan, item, notices, accounts and records
  inside one WithTx. If fn returns an error nothing is written.

IDEMPOTENCY:
  InsertAccount rejects a repeated idempotency key with
  ErrDuplicateIdempotencyKey.

IMPLEMENTATIONS:
  - circulation/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - ledger.go: Account writes on top of AccountStore
  - service.go: The only writer
*/
package circulation

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Circulation records
// =============================================================================

// LoanStore persists loans.
type LoanStore interface {
	// GetLoan returns a *NotFoundError when the loan does not exist.
	GetLoan(ctx context.Context, id LoanID) (*Loan, error)

	// FindOpenLoanByItem returns nil, nil when the item has no open loan.
	FindOpenLoanByItem(ctx context.Context, itemID ItemID) (*Loan, error)

	ListOpenLoans(ctx context.Context) ([]Loan, error)

	SaveLoan(ctx context.Context, loan *Loan) error
}

// ItemStore persists item circulation state.
type ItemStore interface {
	GetItem(ctx context.Context, id ItemID) (*Item, error)
	SaveItem(ctx context.Context, item *Item) error
}

// NoticeStore persists scheduled notices.
type NoticeStore interface {
	SaveNotice(ctx context.Context, n *ScheduledNotice) error
	DeleteNotice(ctx context.Context, id NoticeID) error

	// DeleteNoticesByLoan deletes the loan's notices with the given
	// triggers, or all of them when none are given.
	DeleteNoticesByLoan(ctx context.Context, loanID LoanID, triggers ...NoticeTrigger) (int, error)

	ListNoticesByLoan(ctx context.Context, loanID LoanID) ([]ScheduledNotice, error)

	// ListDueNotices returns notices with RunTime <= now, oldest first.
	ListDueNotices(ctx context.Context, now time.Time) ([]ScheduledNotice, error)
}

// ActualCostStore persists actual cost records.
type ActualCostStore interface {
	GetActualCostRecord(ctx context.Context, id RecordID) (*ActualCostRecord, error)
	SaveActualCostRecord(ctx context.Context, rec *ActualCostRecord) error
	FindActualCostRecordsByLoan(ctx context.Context, loanID LoanID) ([]ActualCostRecord, error)

	// ListExpiredActualCostRecords returns Open records with a non-null
	// ExpirationDate <= now. Records without expiration never match.
	ListExpiredActualCostRecords(ctx context.Context, now time.Time) ([]ActualCostRecord, error)
}

// AccountStore persists fee/fine accounts.
type AccountStore interface {
	InsertAccount(ctx context.Context, a FeeFineAccount) error
	UpdateAccountStatus(ctx context.Context, id AccountID, status AccountStatus) error
	ListAccountsByLoan(ctx context.Context, loanID LoanID) ([]FeeFineAccount, error)
	AccountExists(ctx context.Context, idempotencyKey string) (bool, error)
}

// RequestStore persists hold requests.
type RequestStore interface {
	SaveRequest(ctx context.Context, r *HoldRequest) error

	// ListOpenRequestsByItem returns open requests ordered by position.
	ListOpenRequestsByItem(ctx context.Context, itemID ItemID) ([]HoldRequest, error)
}

// Store is every record store the engine writes.
type Store interface {
	LoanStore
	ItemStore
	NoticeStore
	ActualCostStore
	AccountStore
	RequestStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// LOOKUPS - Read-only collaborators
// =============================================================================

// Directory resolves patrons, service points and circulation rules.
type Directory interface {
	GetPatron(ctx context.Context, id UserID) (*Patron, error)
	GetServicePoint(ctx context.Context, id ServicePointID) (*ServicePoint, error)
	CirculationRules(ctx context.Context) ([]PolicyRule, error)
}

// PolicyStore resolves policies by id.
type PolicyStore interface {
	GetLoanPolicy(ctx context.Context, id PolicyID) (*LoanPolicy, error)
	GetOverdueFinePolicy(ctx context.Context, id PolicyID) (*OverdueFinePolicy, error)
	GetLostItemFeePolicy(ctx context.Context, id PolicyID) (*LostItemFeePolicy, error)
	GetNoticePolicy(ctx context.Context, id PolicyID) (*NoticePolicy, error)
}
