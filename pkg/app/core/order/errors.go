package order

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrQuoteUnavailable      = errors.New("quote unavailable")
	ErrExecutionFailed       = errors.New("execution failed")
	ErrTimeout               = errors.New("oracle timeout")
	ErrIterationLimit        = errors.New("iteration limit exceeded")
	ErrFOKUnfillable         = errors.New("fill-or-kill order cannot be fully filled")
	ErrUnknownPair           = errors.New("unknown pair")
	ErrOrderNotFound         = errors.New("order not found")
	ErrMarketPaused          = errors.New("market not active")
)

// ValidationError describes a malformed order. It is rejected before any
// state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsRejection reports whether err refused an order outright, before any
// state was touched.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrFOKUnfillable) ||
		errors.Is(err, ErrUnknownPair) ||
		errors.Is(err, ErrMarketPaused)
}

// IsSourceFailure reports whether err is a per-iteration liquidity source
// failure that the router recovers from by trying the other source.
func IsSourceFailure(err error) bool {
	return errors.Is(err, ErrQuoteUnavailable) ||
		errors.Is(err, ErrExecutionFailed) ||
		errors.Is(err, ErrTimeout)
}
