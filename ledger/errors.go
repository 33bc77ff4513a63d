/*
errors.go - Error kinds of the ledger core

PURPOSE:
  Every failure the core reports belongs to exactly one kind. Callers test the
  kind with errors.Is against the sentinels below; structured errors carry the
  details and unwrap to their sentinel.

ERROR KINDS:
  ErrInvalidInput         malformed amount, unknown type, missing field
  ErrInvalidPromotion     unknown, inactive, already used, min spend unmet
  ErrInsufficientBalance  a guarded debit would leave the balance negative
  ErrInvalidState         transition not allowed from the current state
  ErrNotFound             unknown user, transaction, promotion or event

  All of them are reported before any state change becomes visible. None are
  retried inside the core.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      var ib *ledger.InsufficientBalanceError
      errors.As(err, &ib)
  }

SEE ALSO:
  - api/handlers.go: maps kinds to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidPromotion    = errors.New("invalid promotion")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidState        = errors.New("invalid state")
	ErrNotFound            = errors.New("not found")
)

// Specific invalid-state conditions.
var (
	ErrNotVerified     = fmt.Errorf("%w: account not verified", ErrInvalidState)
	ErrBudgetExhausted = fmt.Errorf("%w: event reward budget exhausted", ErrInvalidState)
	ErrAccountExists   = fmt.Errorf("%w: account already open", ErrInvalidState)
	ErrNotLocked       = errors.New("user not locked in this unit")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InputError reports a malformed field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// Invalid builds an InputError.
func Invalid(field, format string, args ...any) error {
	return &InputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type PromotionRejection string

const (
	RejectUnknown       PromotionRejection = "unknown"
	RejectInactive      PromotionRejection = "inactive"
	RejectAlreadyUsed   PromotionRejection = "already used"
	RejectMinSpendUnmet PromotionRejection = "minimum spend not met"
)

// PromotionError reports why a requested promotion cannot apply.
type PromotionError struct {
	PromotionID PromotionID
	Reason      PromotionRejection
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("invalid promotion %d: %s", e.PromotionID, e.Reason)
}

func (e *PromotionError) Unwrap() error { return ErrInvalidPromotion }

// InsufficientBalanceError provides details about a balance shortage.
// Available is the spendable amount that was checked: the live balance for
// settlement and debits, balance minus reservations for issuance.
type InsufficientBalanceError struct {
	UserID    UserID
	Available Points
	Requested Points
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for user %d: available %d, requested %d, shortfall %d",
		e.UserID, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// StateError reports a transition that the transaction's state forbids.
type StateError struct {
	TransactionID TransactionID
	Reason        string
}

func (e *StateError) Error() string {
	if e.TransactionID == 0 {
		return fmt.Sprintf("invalid state: %s", e.Reason)
	}
	return fmt.Sprintf("invalid state for transaction %d: %s", e.TransactionID, e.Reason)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func UserNotFound(id UserID) error { return &NotFoundError{Resource: "user", ID: int64(id)} }
func TransactionNotFound(id TransactionID) error {
	return &NotFoundError{Resource: "transaction", ID: int64(id)}
}
func PromotionNotFound(id PromotionID) error {
	return &NotFoundError{Resource: "promotion", ID: int64(id)}
}
func EventNotFound(id EventID) error { return &NotFoundError{Resource: "event", ID: int64(id)} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Code returns a stable machine-readable name for the kind of err, or
// "internal" when err is not a core error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInvalidPromotion):
		return "invalid_promotion"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// IsClientError returns true if the error is due to the request rather than
// the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidPromotion) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
