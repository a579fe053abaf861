/*
errors.go - Centralized error types for the circulation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is / errors.As and the helpers
  at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - user-correctable (missing field, illegal transition)
  2. Not found errors - referenced loan/item/policy does not exist
  3. Dependency errors - calendar/policy/storage call failed or timed out
  4. Invariant violations - would-be partial mutation, impossible state

RETRY RULES:
  Interactive actions never retry. The scheduled sweep retries a
  DependencyError with Transient set, everything else is reported once.

SEE ALSO:
  - state.go: Builds ValidationErrors for rejected transitions
  - service.go: Wraps lookup failures
  - api/handlers.go: Maps categories to HTTP status codes
*/
package circulation

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks every user-correctable failure.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDependency is returned when a collaborator call fails or times out.
	ErrDependency = errors.New("dependency failure")

	// ErrInvariantViolation is returned when a write would leave loan and
	// item in inconsistent states.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when an account with the same
	// idempotency key already exists. Expected on replays.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrNoCalendarConfigured is returned by calendars for service points
	// without a timetable.
	ErrNoCalendarConfigured = errors.New("no calendar configured")

	// ErrNoOpenDay is returned when no open day exists within the search window.
	ErrNoOpenDay = errors.New("no open day within search window")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Parameter names the entity or field a validation error refers to.
type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ValidationError is a rejected action with a human-readable message.
type ValidationError struct {
	Message    string
	Parameters []Parameter
}

// NewValidationError builds a ValidationError from key/value pairs.
func NewValidationError(message string, kv ...string) *ValidationError {
	e := &ValidationError{Message: message}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Parameters = append(e.Parameters, Parameter{Key: kv[i], Value: kv[i+1]})
	}
	return e
}

func (e *ValidationError) Error() string {
	if len(e.Parameters) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Parameters))
	for _, p := range e.Parameters {
		parts = append(parts, p.Key+"="+p.Value)
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(parts, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Param returns the value of the named parameter, or "".
func (e *ValidationError) Param(key string) string {
	for _, p := range e.Parameters {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "loan", "item", "user", "loan policy", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// DependencyError wraps a failed collaborator call.
type DependencyError struct {
	Dependency string // "calendar", "store", "notice sender", ...
	Op         string
	Err        error
	Transient  bool
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Dependency, e.Op, e.Err)
}

// Unwrap exposes both the category sentinel and the cause.
func (e *DependencyError) Unwrap() []error {
	return []error{ErrDependency, e.Err}
}

// InvariantViolation describes an impossible loan/item combination.
type InvariantViolation struct {
	LoanID  LoanID
	Message string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on loan %s: %s", e.LoanID, e.Message)
}

func (e *InvariantViolation) Unwrap() error {
	return ErrInvariantViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrConcurrentModification) {
		return true
	}
	var dep *DependencyError
	return errors.As(err, &dep) && dep.Transient
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// AsValidation extracts a ValidationError from err.
func AsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	ok := errors.As(err, &v)
	return v, ok
}
