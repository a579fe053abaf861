package circulation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	LoanID         string
	ItemID         string
	UserID         string
	ServicePointID string
	PolicyID       string
	NoticeID       string
	AccountID      string
	RecordID       string
	RequestID      string
)

// NewID returns a random identifier.
func NewID() string { return uuid.NewString() }

// =============================================================================
// STATUSES
// =============================================================================

// LoanStatus is the lifecycle status of a loan.
type LoanStatus string

const (
	// LoanNone is the loan state of an item with no loan yet.
	LoanNone   LoanStatus = ""
	LoanOpen   LoanStatus = "Open"
	LoanClosed LoanStatus = "Closed"
)

// ItemStatus is the circulation status of an item.
type ItemStatus string

const (
	ItemAvailable       ItemStatus = "Available"
	ItemCheckedOut      ItemStatus = "Checked out"
	ItemDeclaredLost    ItemStatus = "Declared lost"
	ItemAgedToLost      ItemStatus = "Aged to lost"
	ItemClaimedReturned ItemStatus = "Claimed returned"
	ItemMissing         ItemStatus = "Missing"
	ItemLostAndPaid     ItemStatus = "Lost and paid"
	ItemInProcess       ItemStatus = "In process"
	ItemAwaitingPickup  ItemStatus = "Awaiting pickup"
	ItemInTransit       ItemStatus = "In transit"
)

// IsLost reports whether the status is one of the lost statuses.
func (s ItemStatus) IsLost() bool {
	return s == ItemDeclaredLost || s == ItemAgedToLost
}

// Action is the label of the last transition applied to a loan.
type Action string

const (
	ActionCheckedOut      Action = "checkedout"
	ActionCheckedIn       Action = "checkedin"
	ActionRenewed         Action = "renewed"
	ActionDueDateChanged  Action = "dueDateChanged"
	ActionDeclaredLost    Action = "declaredLost"
	ActionClaimedReturned Action = "claimedReturned"
	ActionMarkedMissing   Action = "markedMissing"
	ActionItemAgedToLost  Action = "itemAgedToLost"
	ActionClosedLoan      Action = "closedLoan"
)

// =============================================================================
// LOAN
// =============================================================================

// Loan is one checkout of one item by one patron.
type Loan struct {
	ID     LoanID
	ItemID ItemID
	UserID UserID

	CheckoutServicePointID ServicePointID
	CheckinServicePointID  ServicePointID // empty until closed

	LoanDate   time.Time
	DueDate    time.Time
	ReturnDate *time.Time

	Status        LoanStatus
	Action        Action
	ActionComment string

	ClaimedReturnedDate   *time.Time
	DeclaredLostDate      *time.Time
	AgedToLostDate        *time.Time
	AgedToLostBillingDate *time.Time
	AgedToLostBilled      bool

	RenewalCount      int
	LastReminderStage int // 0 = no reminder sent
	LastReminderDate  *time.Time

	LoanPolicyID        PolicyID
	OverdueFinePolicyID PolicyID
	LostItemPolicyID    PolicyID
	NoticePolicyID      PolicyID

	Version int
}

// IsOpen reports whether the loan is still open.
func (l *Loan) IsOpen() bool { return l.Status == LoanOpen }

// IsOverdue reports whether the due date is before now.
func (l *Loan) IsOverdue(now time.Time) bool {
	return l.IsOpen() && l.DueDate.Before(now)
}

// Clone returns a deep copy.
func (l Loan) Clone() Loan {
	l.ReturnDate = clonePtr(l.ReturnDate)
	l.ClaimedReturnedDate = clonePtr(l.ClaimedReturnedDate)
	l.DeclaredLostDate = clonePtr(l.DeclaredLostDate)
	l.AgedToLostDate = clonePtr(l.AgedToLostDate)
	l.AgedToLostBillingDate = clonePtr(l.AgedToLostBillingDate)
	l.LastReminderDate = clonePtr(l.LastReminderDate)
	return l
}

func (l *Loan) close(at time.Time, sp ServicePointID, action Action) {
	l.Status = LoanClosed
	l.Action = action
	l.ReturnDate = &at
	l.CheckinServicePointID = sp
}

// =============================================================================
// ITEM, PATRON, SERVICE POINT, REQUEST
// =============================================================================

// Item is the circulation projection of an inventory item.
type Item struct {
	ID         ItemID
	Barcode    string
	Status     ItemStatus
	StatusDate time.Time
	// Estimated replacement cost, used when an actual cost record expires.
	ReplacementCost *decimal.Decimal
	Version         int
}

// Patron is the borrower projection used by circulation.
type Patron struct {
	ID             UserID
	Barcode        string
	PatronGroupID  string
	Active         bool
	ExpirationDate *time.Time
}

// ServicePoint is a circulation desk.
type ServicePoint struct {
	ID   ServicePointID
	Name string
}

// RequestStatus is the status of a hold request.
type RequestStatus string

const (
	RequestOpenNotYetFilled RequestStatus = "Open - Not yet filled"
	RequestOpenAwaitPickup  RequestStatus = "Open - Awaiting pickup"
	RequestOpenInTransit    RequestStatus = "Open - In transit"
	RequestClosedFilled     RequestStatus = "Closed - Filled"
	RequestClosedCancelled  RequestStatus = "Closed - Cancelled"
)

// IsOpen reports whether the request still waits for the item.
func (s RequestStatus) IsOpen() bool {
	return s == RequestOpenNotYetFilled || s == RequestOpenAwaitPickup || s == RequestOpenInTransit
}

// HoldRequest is a patron's queued request for an item.
type HoldRequest struct {
	ID                   RequestID
	ItemID               ItemID
	RequesterID          UserID
	PickupServicePointID ServicePointID
	Status               RequestStatus
	Position             int
	RequestDate          time.Time
}

// =============================================================================
// ACTUAL COST RECORDS
// =============================================================================

// ActualCostStatus is the status of an actual cost record.
type ActualCostStatus string

const (
	ActualCostOpen      ActualCostStatus = "Open"
	ActualCostExpired   ActualCostStatus = "Expired"
	ActualCostBilled    ActualCostStatus = "Billed"
	ActualCostCancelled ActualCostStatus = "Cancelled"
)

// LossType is the loss event that created an actual cost record.
type LossType string

const (
	LossDeclaredLost LossType = "Declared lost"
	LossAgedToLost   LossType = "Aged to lost"
)

// ActualCostRecord defers billing of a lost item until its real cost is known.
type ActualCostRecord struct {
	ID             RecordID
	LoanID         LoanID
	UserID         UserID
	ItemID         ItemID
	Status         ActualCostStatus
	LossType       LossType
	LossDate       time.Time
	ExpirationDate *time.Time // nil = never expires
	EstimatedCost  *decimal.Decimal
	BilledAmount   *decimal.Decimal
	CreatedAt      time.Time
}

// =============================================================================
// FEE/FINE ACCOUNTS
// =============================================================================

// ChargeType classifies a fee/fine account.
type ChargeType string

const (
	ChargeLostItemProcessingFee ChargeType = "Lost item processing fee"
	ChargeLostItemFee           ChargeType = "Lost item fee"
	ChargeLostItemActualCost    ChargeType = "Lost item fee (actual cost)"
	ChargeReminderFee           ChargeType = "Reminder fee"
	ChargeOverdueFine           ChargeType = "Overdue fine"
)

// AccountStatus is the status of a fee/fine account.
type AccountStatus string

const (
	AccountOpen      AccountStatus = "Open"
	AccountCancelled AccountStatus = "Cancelled"
)

// FeeFineAccount is one charge against a patron.
type FeeFineAccount struct {
	ID             AccountID
	LoanID         LoanID
	UserID         UserID
	ItemID         ItemID
	ChargeType     ChargeType
	Amount         decimal.Decimal
	Status         AccountStatus
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
