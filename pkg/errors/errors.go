// Package apperrors normalizes adapter failures into a single engine-level
// error surface so strategy code can handle one error kind regardless of
// which brokerage is active.
package apperrors

import (
	"errors"
	"fmt"
)

// Standardized adapter errors. Adapters translate vendor responses into
// these sentinels before the engine ever sees them.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrBrokerageMaintenance  = errors.New("brokerage maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
)

// ErrMissingFillData marks a consistency violation: a fill event arrived
// without the price or quantity the contract requires. This indicates an
// adapter bug, not a transient condition, and is surfaced synchronously.
var ErrMissingFillData = errors.New("fill event missing price or quantity")

// Error is the engine-level error type wrapping an operation name and the
// underlying cause.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap annotates err with the failing operation. A nil err returns nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// IsTransient reports whether the error is worth retrying on a later cycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrBrokerageMaintenance)
}
