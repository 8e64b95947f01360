package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Ledger errors
	ErrInsufficientBalance = errors.New("not enough points")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrSameAccount         = errors.New("cannot transfer to the same account")
	ErrPersistence         = errors.New("ledger store could not commit")
	ErrBalanceChanged      = errors.New("balance changed since it was read")

	// Event bus errors
	ErrHandlerFailure   = errors.New("event handler failed")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrPayloadMismatch  = errors.New("payload does not match event type")
	ErrBusClosed        = errors.New("event bus is closed")

	// Notification errors
	ErrDeliveryFailure = errors.New("notification delivery failed")

	// Audit errors
	ErrAuditAnomaly = errors.New("inconsistency requires operator attention")
)

// InsufficientBalanceError is returned when a debit would overdraw an account.
// It carries the current balance so callers can show it to the user.
type InsufficientBalanceError struct {
	UserID    int64
	Balance   int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("user %d: not enough points (balance %d, requested %d)", e.UserID, e.Balance, e.Requested)
}

// Is matches ErrInsufficientBalance.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// PersistenceError wraps a storage failure. The ledger state is unchanged
// when one is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// HandlerError describes a subscriber failure. It is converted into an
// ErrorOccurred event and never returned to a publisher.
type HandlerError struct {
	Subscriber string
	EventType  EventType
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s for %s: %v", e.Subscriber, e.EventType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Is matches ErrHandlerFailure.
func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailure
}

// UserMessage maps an error to the text an end user may see.
// Audit findings never reach this path.
func UserMessage(err error) string {
	var ib *InsufficientBalanceError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ib):
		return fmt.Sprintf("Not enough points: you have %d, %d needed.", ib.Balance, ib.Requested)
	case errors.Is(err, ErrInsufficientBalance):
		return "Not enough points."
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameAccount):
		return "That request is not valid."
	default:
		return "Something went wrong, please try again later."
	}
}
