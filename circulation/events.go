package circulation

import (
	"context"
	"time"
)

// EventType names a published circulation event.
type EventType string

const (
	EventItemCheckedOut      EventType = "ITEM_CHECKED_OUT"
	EventItemCheckedIn       EventType = "ITEM_CHECKED_IN"
	EventLoanRenewed         EventType = "LOAN_RENEWED"
	EventLoanDueDateChanged  EventType = "LOAN_DUE_DATE_CHANGED"
	EventItemDeclaredLost    EventType = "ITEM_DECLARED_LOST"
	EventItemClaimedReturned EventType = "ITEM_CLAIMED_RETURNED"
	EventItemMarkedMissing   EventType = "ITEM_MARKED_MISSING"
	EventItemAgedToLost      EventType = "ITEM_AGED_TO_LOST"
	EventLoanClosed          EventType = "LOAN_CLOSED"
	EventFeeFineCharged      EventType = "FEE_FINE_CHARGED"
	EventActualCostExpired   EventType = "ACTUAL_COST_RECORD_EXPIRED"
	EventActualCostBilled    EventType = "ACTUAL_COST_RECORD_BILLED"
	EventActualCostCancelled EventType = "ACTUAL_COST_RECORD_CANCELLED"
	EventRequestCreated      EventType = "REQUEST_CREATED"
	EventNoticeSent          EventType = "NOTICE_SENT"
)

// Event is an audit record of a committed circulation action.
type Event struct {
	ID         string
	Type       EventType
	LoanID     LoanID
	ItemID     ItemID
	UserID     UserID
	OccurredAt time.Time
	Payload    map[string]any
}

// Publisher receives events after commit. Publishing is best effort: a
// failed publish is logged and never fails the action.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// MultiPublisher fans an event out to several publishers and returns the
// first error.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
