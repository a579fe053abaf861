/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the circulation domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Circulation:
    CheckOutRequest, CheckInRequest, ChangeDueDateRequest,
    DeclareLostRequest, ClaimReturnedRequest, MarkMissingRequest, ResultDTO

  Records:
    LoanDTO, ItemDTO, AccountDTO, NoticeDTO, ActualCostRecordDTO, HoldDTO,
    EventDTO

  Setup:
    ItemRequest, PatronRequest, ServicePointRequest, RuleRequest

  Admin:
    PolicyDTO, SweepRequest, SweepRunDTO, ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry go-playground/validator tags for structural checks
  (required ids, well formed amounts). Circulation rules are enforced by
  the service and come back as 422 responses in the same error format.

SEE ALSO:
  - handlers.go: Uses these types
  - circulation/errors.go: ValidationError, mapped to ErrorResponse
*/
package api

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/store/sqlite"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CheckOutRequest is the body of POST /api/circulation/check-out.
type CheckOutRequest struct {
	ItemID         string     `json:"itemId" validate:"required"`
	UserID         string     `json:"userId" validate:"required"`
	ServicePointID string     `json:"servicePointId" validate:"required"`
	LoanDate       *time.Time `json:"loanDate,omitempty"`
}

// CheckInRequest is the body of POST /api/circulation/check-in. The
// service point is checked by the service so the error names it.
type CheckInRequest struct {
	ItemID         string     `json:"itemId" validate:"required"`
	ServicePointID string     `json:"servicePointId"`
	CheckInDate    *time.Time `json:"checkInDate,omitempty"`
}

// ChangeDueDateRequest is the body of POST /loans/{id}/change-due-date.
type ChangeDueDateRequest struct {
	DueDate *time.Time `json:"dueDate" validate:"required"`
}

// DeclareLostRequest is the body of POST /loans/{id}/declare-item-lost.
type DeclareLostRequest struct {
	ServicePointID   string     `json:"servicePointId"`
	Comment          string     `json:"comment"`
	DeclaredLostDate *time.Time `json:"declaredLostDateTime,omitempty"`
}

// ClaimReturnedRequest is the body of POST /loans/{id}/claim-item-returned.
type ClaimReturnedRequest struct {
	ItemClaimedReturnedDate *time.Time `json:"itemClaimedReturnedDateTime,omitempty"`
	Comment                 string     `json:"comment"`
}

// MarkMissingRequest is the body of
// POST /loans/{id}/declare-claimed-returned-item-as-missing.
type MarkMissingRequest struct {
	Comment        string `json:"comment"`
	ServicePointID string `json:"servicePointId"`
}

// BillActualCostRequest is the body of POST /actual-cost-records/{id}/bill.
type BillActualCostRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
}

// CancelActualCostRequest is the body of POST /actual-cost-records/{id}/cancel.
type CancelActualCostRequest struct {
	Reason string `json:"reason"`
}

// PlaceHoldRequest is the body of POST /api/requests.
type PlaceHoldRequest struct {
	ItemID               string     `json:"itemId" validate:"required"`
	RequesterID          string     `json:"requesterId" validate:"required"`
	PickupServicePointID string     `json:"pickupServicePointId"`
	RequestDate          *time.Time `json:"requestDate,omitempty"`
}

// ItemRequest creates or replaces an item.
type ItemRequest struct {
	ID              string `json:"id" validate:"required"`
	Barcode         string `json:"barcode"`
	Status          string `json:"status" validate:"omitempty,oneof='Available' 'Checked out' 'Awaiting pickup' 'In transit' 'In process' 'Claimed returned' 'Declared lost' 'Aged to lost' 'Missing' 'Lost and paid'"`
	ReplacementCost string `json:"replacementCost,omitempty" validate:"omitempty,numeric"`
}

// PatronRequest creates or replaces a patron.
type PatronRequest struct {
	ID             string     `json:"id" validate:"required"`
	Barcode        string     `json:"barcode"`
	PatronGroupID  string     `json:"patronGroupId"`
	Active         *bool      `json:"active" validate:"required"`
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
}

// ServicePointRequest creates a service point with its opening pattern.
type ServicePointRequest struct {
	ID             string          `json:"id" validate:"required"`
	Name           string          `json:"name" validate:"required"`
	ClosedWeekdays []time.Weekday  `json:"closedWeekdays" validate:"dive,min=0,max=6"`
	Exceptions     map[string]bool `json:"exceptions"`
}

// RuleRequest is one circulation rule. The first rule without a patron
// group is the fallback.
type RuleRequest struct {
	PatronGroupID       string `json:"patronGroupId"`
	LoanPolicyID        string `json:"loanPolicyId" validate:"required"`
	OverdueFinePolicyID string `json:"overdueFinePolicyId"`
	LostItemPolicyID    string `json:"lostItemPolicyId"`
	NoticePolicyID      string `json:"noticePolicyId"`
}

// RulesRequest replaces the rule table.
type RulesRequest struct {
	Rules []RuleRequest `json:"rules" validate:"required,min=1,dive"`
}

// SweepRequest triggers a sweep. Now defaults to the current time.
type SweepRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

// LoadScenarioRequest loads a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// LoanDTO represents a loan in API responses.
type LoanDTO struct {
	ID                     string     `json:"id"`
	ItemID                 string     `json:"itemId"`
	UserID                 string     `json:"userId"`
	Status                 string     `json:"status"`
	Action                 string     `json:"action"`
	ActionComment          string     `json:"actionComment,omitempty"`
	LoanDate               time.Time  `json:"loanDate"`
	DueDate                time.Time  `json:"dueDate"`
	ReturnDate             *time.Time `json:"returnDate,omitempty"`
	CheckoutServicePointID string     `json:"checkoutServicePointId"`
	CheckinServicePointID  string     `json:"checkinServicePointId,omitempty"`
	RenewalCount           int        `json:"renewalCount"`
	ClaimedReturnedDate    *time.Time `json:"claimedReturnedDate,omitempty"`
	DeclaredLostDate       *time.Time `json:"declaredLostDate,omitempty"`
	AgedToLostDate         *time.Time `json:"agedToLostDate,omitempty"`
	AgedToLostBillingDate  *time.Time `json:"dateLostItemShouldBeBilled,omitempty"`
	LastReminderStage      int        `json:"lastReminderStage,omitempty"`
	LoanPolicyID           string     `json:"loanPolicyId"`
	OverdueFinePolicyID    string     `json:"overdueFinePolicyId,omitempty"`
	LostItemPolicyID       string     `json:"lostItemPolicyId,omitempty"`
	NoticePolicyID         string     `json:"patronNoticePolicyId,omitempty"`
	Version                int        `json:"version"`
}

// ItemDTO represents an item in API responses.
type ItemDTO struct {
	ID              string           `json:"id"`
	Barcode         string           `json:"barcode,omitempty"`
	Status          string           `json:"status"`
	StatusDate      time.Time        `json:"statusDate"`
	ReplacementCost *decimal.Decimal `json:"replacementCost,omitempty"`
}

// AccountDTO represents a fee/fine charge.
type AccountDTO struct {
	ID         string          `json:"id"`
	LoanID     string          `json:"loanId"`
	UserID     string          `json:"userId"`
	ItemID     string          `json:"itemId"`
	ChargeType string          `json:"feeFineType"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// NoticeDTO represents a scheduled notice.
type NoticeDTO struct {
	ID              string              `json:"id"`
	LoanID          string              `json:"loanId"`
	RecipientID     string              `json:"recipientUserId"`
	TriggeringEvent string              `json:"triggeringEvent"`
	Timing          string              `json:"timing"`
	RunTime         time.Time           `json:"nextRunTime"`
	TemplateID      string              `json:"templateId"`
	Recurrence      *circulation.Period `json:"recurringPeriod,omitempty"`
	ReminderStage   int                 `json:"reminderStage,omitempty"`
}

// ActualCostRecordDTO represents an actual cost record.
type ActualCostRecordDTO struct {
	ID             string           `json:"id"`
	LoanID         string           `json:"loanId"`
	UserID         string           `json:"userId"`
	ItemID         string           `json:"itemId"`
	Status         string           `json:"status"`
	LossType       string           `json:"lossType"`
	LossDate       time.Time        `json:"lossDate"`
	ExpirationDate *time.Time       `json:"expirationDate,omitempty"`
	EstimatedCost  *decimal.Decimal `json:"estimatedCost,omitempty"`
	BilledAmount   *decimal.Decimal `json:"billedAmount,omitempty"`
}

// ResultDTO is the response of every circulation action.
type ResultDTO struct {
	Loan             *LoanDTO             `json:"loan,omitempty"`
	Item             *ItemDTO             `json:"item,omitempty"`
	Accounts         []AccountDTO         `json:"accounts,omitempty"`
	ActualCostRecord *ActualCostRecordDTO `json:"actualCostRecord,omitempty"`
}

// HoldDTO represents a hold request.
type HoldDTO struct {
	ID                   string    `json:"id"`
	ItemID               string    `json:"itemId"`
	RequesterID          string    `json:"requesterId"`
	PickupServicePointID string    `json:"pickupServicePointId"`
	Status               string    `json:"status"`
	Position             int       `json:"position"`
	RequestDate          time.Time `json:"requestDate"`
}

// PolicyDTO represents a stored policy.
type PolicyDTO struct {
	ID        string              `json:"id"`
	Kind      string              `json:"kind"`
	Name      string              `json:"name"`
	Config    jsoniter.RawMessage `json:"config"`
	Version   int                 `json:"version"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// EventDTO represents an audit event.
type EventDTO struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	LoanID     string         `json:"loanId,omitempty"`
	ItemID     string         `json:"itemId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// SweepRunDTO represents a recorded sweep.
type SweepRunDTO struct {
	ID     string                  `json:"id"`
	Report circulation.SweepReport `json:"report"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Errors []ErrorDTO `json:"errors"`
}

// ErrorDTO is one error with its parameters.
type ErrorDTO struct {
	Message    string                  `json:"message"`
	Parameters []circulation.Parameter `json:"parameters,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLoanDTO(l *circulation.Loan) *LoanDTO {
	if l == nil {
		return nil
	}
	return &LoanDTO{
		ID:                     string(l.ID),
		ItemID:                 string(l.ItemID),
		UserID:                 string(l.UserID),
		Status:                 string(l.Status),
		Action:                 string(l.Action),
		ActionComment:          l.ActionComment,
		LoanDate:               l.LoanDate,
		DueDate:                l.DueDate,
		ReturnDate:             l.ReturnDate,
		CheckoutServicePointID: string(l.CheckoutServicePointID),
		CheckinServicePointID:  string(l.CheckinServicePointID),
		RenewalCount:           l.RenewalCount,
		ClaimedReturnedDate:    l.ClaimedReturnedDate,
		DeclaredLostDate:       l.DeclaredLostDate,
		AgedToLostDate:         l.AgedToLostDate,
		AgedToLostBillingDate:  l.AgedToLostBillingDate,
		LastReminderStage:      l.LastReminderStage,
		LoanPolicyID:           string(l.LoanPolicyID),
		OverdueFinePolicyID:    string(l.OverdueFinePolicyID),
		LostItemPolicyID:       string(l.LostItemPolicyID),
		NoticePolicyID:         string(l.NoticePolicyID),
		Version:                l.Version,
	}
}

func toItemDTO(it *circulation.Item) *ItemDTO {
	if it == nil {
		return nil
	}
	return &ItemDTO{
		ID:              string(it.ID),
		Barcode:         it.Barcode,
		Status:          string(it.Status),
		StatusDate:      it.StatusDate,
		ReplacementCost: it.ReplacementCost,
	}
}

func toAccountDTOs(accounts []circulation.FeeFineAccount) []AccountDTO {
	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = AccountDTO{
			ID:         string(a.ID),
			LoanID:     string(a.LoanID),
			UserID:     string(a.UserID),
			ItemID:     string(a.ItemID),
			ChargeType: string(a.ChargeType),
			Amount:     a.Amount,
			Status:     string(a.Status),
			Reason:     a.Reason,
			CreatedAt:  a.CreatedAt,
		}
	}
	return dtos
}

func toNoticeDTOs(notices []circulation.ScheduledNotice) []NoticeDTO {
	dtos := make([]NoticeDTO, len(notices))
	for i, n := range notices {
		dtos[i] = NoticeDTO{
			ID:              string(n.ID),
			LoanID:          string(n.LoanID),
			RecipientID:     string(n.RecipientID),
			TriggeringEvent: string(n.TriggeringEvent),
			Timing:          string(n.Timing),
			RunTime:         n.RunTime,
			TemplateID:      n.TemplateID,
			Recurrence:      n.Recurrence,
			ReminderStage:   n.ReminderStage,
		}
	}
	return dtos
}

func toActualCostRecordDTO(rec *circulation.ActualCostRecord) *ActualCostRecordDTO {
	if rec == nil {
		return nil
	}
	return &ActualCostRecordDTO{
		ID:             string(rec.ID),
		LoanID:         string(rec.LoanID),
		UserID:         string(rec.UserID),
		ItemID:         string(rec.ItemID),
		Status:         string(rec.Status),
		LossType:       string(rec.LossType),
		LossDate:       rec.LossDate,
		ExpirationDate: rec.ExpirationDate,
		EstimatedCost:  rec.EstimatedCost,
		BilledAmount:   rec.BilledAmount,
	}
}

func toResultDTO(res *circulation.Result) ResultDTO {
	dto := ResultDTO{
		Loan:             toLoanDTO(res.Loan),
		Item:             toItemDTO(res.Item),
		ActualCostRecord: toActualCostRecordDTO(res.ActualCostRecord),
	}
	if len(res.Accounts) > 0 {
		dto.Accounts = toAccountDTOs(res.Accounts)
	}
	return dto
}

func toHoldDTO(h *circulation.HoldRequest) HoldDTO {
	return HoldDTO{
		ID:                   string(h.ID),
		ItemID:               string(h.ItemID),
		RequesterID:          string(h.RequesterID),
		PickupServicePointID: string(h.PickupServicePointID),
		Status:               string(h.Status),
		Position:             h.Position,
		RequestDate:          h.RequestDate,
	}
}

func toPolicyDTO(p sqlite.PolicyRecord) PolicyDTO {
	return PolicyDTO{
		ID:        p.ID,
		Kind:      string(p.Kind),
		Name:      p.Name,
		Config:    jsoniter.RawMessage(p.ConfigJSON),
		Version:   p.Version,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func toEventDTOs(events []circulation.Event) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = EventDTO{
			ID:         e.ID,
			Type:       string(e.Type),
			LoanID:     string(e.LoanID),
			ItemID:     string(e.ItemID),
			UserID:     string(e.UserID),
			OccurredAt: e.OccurredAt,
			Payload:    e.Payload,
		}
	}
	return dtos
}

func toSweepRunDTO(run sqlite.SweepRun) SweepRunDTO {
	return SweepRunDTO{ID: run.ID, Report: run.Report}
}
