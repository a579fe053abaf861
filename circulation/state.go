/*
state.go - Loan/item state machine

PURPOSE:
  The authoritative table of legal loan x item transitions. Every
  circulation action goes through Transition before anything is written,
  so an illegal combination is unreachable by construction.

STATES:
  Loan: None (no loan yet), Open, Closed
  Item: see ItemStatus in types.go

TRANSITIONS:
  checkedout       None/Available|In process|Awaiting pickup -> Open/Checked out
  checkedin        Open/*                    -> Closed/Available
  renewed          Open/Checked out          -> unchanged
  dueDateChanged   Open/* except lost/claim  -> unchanged
  declaredLost     Open/* except Declared    -> Open/Declared lost
  claimedReturned  Open/* except Claimed     -> Open/Claimed returned
  markedMissing    Open/Claimed returned     -> Closed/Missing
  itemAgedToLost   Open/Checked out          -> Open/Aged to lost
  closedLoan       Open/Declared|Aged lost   -> Closed/Lost and paid

ORDER OF CHECKS:
  1. loan status ("Loan is closed")
  2. explicitly rejected item statuses (distinct message per status)
  3. required item statuses

  The loan check always wins: an item that was checked in after a claim
  returned fails mark-missing with "Loan is closed", not with an item
  status message.

SEE ALSO:
  - service.go: Applies the resulting state to Loan and Item
  - errors.go: ValidationError
*/
package circulation

import "fmt"

// State is the combined loan and item status.
type State struct {
	Loan LoanStatus
	Item ItemStatus
}

func (s State) String() string {
	loan := string(s.Loan)
	if loan == "" {
		loan = "None"
	}
	return loan + "/" + string(s.Item)
}

// StateOf returns the combined state of a loan and its item. A nil loan
// means the item has no open loan.
func StateOf(loan *Loan, item *Item) State {
	s := State{Item: item.Status}
	if loan != nil {
		s.Loan = loan.Status
	}
	return s
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

type transitionRule struct {
	openLoan bool // requires an open loan; otherwise requires no open loan
	rejected map[ItemStatus]string
	from     []ItemStatus // empty = any item status
	fromMsg  func(ItemStatus) string
	to       func(State) State
}

func moveTo(loan LoanStatus, item ItemStatus) func(State) State {
	return func(State) State { return State{Loan: loan, Item: item} }
}

func unchanged(s State) State { return s }

var transitions = map[Action]transitionRule{
	ActionCheckedOut: {
		from: []ItemStatus{ItemAvailable, ItemInProcess, ItemAwaitingPickup},
		fromMsg: func(s ItemStatus) string {
			return fmt.Sprintf("Item has the item status %s and cannot be checked out", s)
		},
		to: moveTo(LoanOpen, ItemCheckedOut),
	},
	ActionCheckedIn: {
		openLoan: true,
		to:       moveTo(LoanClosed, ItemAvailable),
	},
	ActionRenewed: {
		openLoan: true,
		rejected: map[ItemStatus]string{
			ItemDeclaredLost:    "item is Declared lost",
			ItemClaimedReturned: "item is Claimed returned",
			ItemAgedToLost:      "item is Aged to lost",
		},
		from:    []ItemStatus{ItemCheckedOut},
		fromMsg: func(s ItemStatus) string { return "item is " + string(s) },
		to:      unchanged,
	},
	ActionDueDateChanged: {
		openLoan: true,
		rejected: map[ItemStatus]string{
			ItemDeclaredLost:    "item is Declared lost",
			ItemClaimedReturned: "item is Claimed returned",
		},
		to: unchanged,
	},
	ActionDeclaredLost: {
		openLoan: true,
		rejected: map[ItemStatus]string{
			ItemDeclaredLost: "The item is already declared lost",
		},
		to: moveTo(LoanOpen, ItemDeclaredLost),
	},
	ActionClaimedReturned: {
		openLoan: true,
		rejected: map[ItemStatus]string{
			ItemClaimedReturned: "Item is already Claimed returned",
		},
		to: moveTo(LoanOpen, ItemClaimedReturned),
	},
	ActionMarkedMissing: {
		openLoan: true,
		from:     []ItemStatus{ItemClaimedReturned},
		fromMsg:  func(ItemStatus) string { return "Item is not Claimed returned" },
		to:       moveTo(LoanClosed, ItemMissing),
	},
	ActionItemAgedToLost: {
		openLoan: true,
		from:     []ItemStatus{ItemCheckedOut},
		fromMsg:  func(ItemStatus) string { return "Item is not Checked out" },
		to:       moveTo(LoanOpen, ItemAgedToLost),
	},
	ActionClosedLoan: {
		openLoan: true,
		from:     []ItemStatus{ItemDeclaredLost, ItemAgedToLost},
		fromMsg:  func(ItemStatus) string { return "Item is not lost" },
		to:       moveTo(LoanClosed, ItemLostAndPaid),
	},
}

// Transition applies action to from and returns the resulting state, or a
// *ValidationError naming the offending status.
func Transition(from State, action Action) (State, error) {
	rule, ok := transitions[action]
	if !ok {
		return from, NewValidationError(fmt.Sprintf("Unknown circulation action %q", action), "action", string(action))
	}

	if rule.openLoan && from.Loan != LoanOpen {
		return from, NewValidationError("Loan is closed", "loanStatus", string(from.Loan))
	}
	if !rule.openLoan && from.Loan == LoanOpen {
		return from, NewValidationError("Item is already checked out", "itemStatus", string(from.Item))
	}

	if msg, rejected := rule.rejected[from.Item]; rejected {
		return from, NewValidationError(msg, "itemStatus", string(from.Item))
	}

	if len(rule.from) > 0 && !containsStatus(rule.from, from.Item) {
		return from, NewValidationError(rule.fromMsg(from.Item), "itemStatus", string(from.Item))
	}

	return rule.to(from), nil
}

// CanTransition reports whether action is legal from state.
func CanTransition(from State, action Action) bool {
	_, err := Transition(from, action)
	return err == nil
}

func containsStatus(list []ItemStatus, s ItemStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// INVARIANTS
// =============================================================================

var openLoanItemStatuses = []ItemStatus{ItemCheckedOut, ItemDeclaredLost, ItemAgedToLost, ItemClaimedReturned}

// ValidateLoan checks the loan/item invariants that must hold before any
// write. A violation aborts the write.
func ValidateLoan(loan *Loan, item *Item) error {
	switch loan.Status {
	case LoanClosed:
		if loan.CheckinServicePointID == "" {
			return &InvariantViolation{LoanID: loan.ID, Message: "closed loan without checkin service point"}
		}
		if loan.ReturnDate == nil {
			return &InvariantViolation{LoanID: loan.ID, Message: "closed loan without return date"}
		}
	case LoanOpen:
		if item != nil && !containsStatus(openLoanItemStatuses, item.Status) {
			return &InvariantViolation{LoanID: loan.ID, Message: fmt.Sprintf("open loan with item status %s", item.Status)}
		}
	default:
		return &InvariantViolation{LoanID: loan.ID, Message: fmt.Sprintf("unknown loan status %q", loan.Status)}
	}
	if item != nil && item.ID != loan.ItemID {
		return &InvariantViolation{LoanID: loan.ID, Message: "item does not belong to loan"}
	}
	return nil
}
