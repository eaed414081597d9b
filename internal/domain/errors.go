package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// ErrPreconditionViolation marks malformed pool data or a self-referential
	// pair. The market or pair is skipped, never guessed at.
	ErrPreconditionViolation = errors.New("precondition violation")
	// ErrSearchTruncated marks a sizing search that hit its iteration ceiling.
	ErrSearchTruncated = errors.New("search truncated")
	// ErrExecutionFailure marks a failed submission to the execution layer.
	ErrExecutionFailure = errors.New("execution failure")
	// ErrInsufficientFunds marks a leg whose requirement exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrMarketClosed marks a market that is no longer open for trading.
	ErrMarketClosed = errors.New("market closed")
)

// PreconditionError describes which subject failed validation and why.
type PreconditionError struct {
	Subject string // market id or pair id
	Reason  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrPreconditionViolation, e.Subject, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionViolation }

// NewPreconditionError builds a PreconditionError with a formatted reason.
func NewPreconditionError(subject, format string, args ...any) error {
	return &PreconditionError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError reports the required and available collateral.
type InsufficientFundsError struct {
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: required %.6f, available %.6f", ErrInsufficientFunds, e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }
