package app

import (
	"errors"
	"fmt"
)

// Errors returned by the ledger. Callers classify them with errors.Is.
var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountInactive        = errors.New("account is inactive")
	ErrAccountExists          = errors.New("account already exists")
	ErrStoreNotFound          = errors.New("store not found")
	ErrDuplicateOperation     = errors.New("duplicate operation")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrDiscountCapExceeded    = errors.New("discount cap exceeded")
	ErrBelowMinimumRedemption = errors.New("below minimum redemption")
	ErrConcurrencyConflict    = errors.New("concurrent balance update")
)

// RuleViolationError reports a business rule that rejected an operation along
// with the limiting value, so callers can build an actionable message.
type RuleViolationError struct {
	Err       error
	Limit     int64
	Requested int64
}

func (e *RuleViolationError) Error() string {
	return fmt.Sprintf("%s: requested %d, limit %d", e.Err, e.Requested, e.Limit)
}

func (e *RuleViolationError) Unwrap() error { return e.Err }

func ruleViolation(err error, limit, requested int64) error {
	return &RuleViolationError{Err: err, Limit: limit, Requested: requested}
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
