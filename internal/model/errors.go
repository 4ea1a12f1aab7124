// Package model contains the domain types for the warehouse stock ledger:
// the event-sourced StockLedger and Reservation aggregates, the command
// envelope that every handler accepts, and the stable error codes that
// cross the service boundary in place of raw error text.
package model

import "errors"

// Sentinel domain errors.  Repositories and aggregates return these (or
// wrap them); the command pipeline translates them into the stable codes
// below at the boundary.  Handlers never surface raw error strings to
// callers.
var (
	// ErrInsufficientBalance is returned when a balance-decreasing
	// movement would drive a stock ledger below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrHardLockConflict is returned when a HARD lock acquisition (or a
	// balance-decreasing movement) would leave the ledger balance below
	// the quantity already hard-locked for the same key.
	ErrHardLockConflict = errors.New("hard lock conflict")

	// ErrInvalidTransition is returned by reservation transition
	// functions when the aggregate is not in a state that permits the
	// requested transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrReservationNotAllocated is returned when picking is requested
	// against a reservation that holds no HARD lock.
	ErrReservationNotAllocated = errors.New("reservation not allocated")

	// ErrConcurrencyConflict is returned when an event append carries a
	// stale expected version.  The write is rejected, never merged.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrValidation is returned for malformed commands (empty ids,
	// non-positive quantities, unparseable stream ids).
	ErrValidation = errors.New("validation error")

	// ErrRebuildInProgress is returned when a projection rebuild is
	// requested while another holder owns the rebuild lock.
	ErrRebuildInProgress = errors.New("rebuild in progress")

	// ErrNotFound is returned when a command targets an aggregate whose
	// stream holds no events.  A missing aggregate is a caller error,
	// not an infrastructure failure.
	ErrNotFound = errors.New("not found")
)

// Stable machine-readable error codes surfaced to callers.  These are part
// of the external contract and must not change between releases.
const (
	CodeIdempotencyInProgress       = "IDEMPOTENCY_IN_PROGRESS"
	CodeIdempotencyAlreadyProcessed = "IDEMPOTENCY_ALREADY_PROCESSED"
	CodeConcurrencyConflict         = "CONCURRENCY_CONFLICT"
	CodeInsufficientBalance         = "INSUFFICIENT_BALANCE"
	CodeHardLockConflict            = "HARD_LOCK_CONFLICT"
	CodeReservationNotAllocated     = "RESERVATION_NOT_ALLOCATED"
	CodeValidationError             = "VALIDATION_ERROR"
	CodeRebuildInProgress           = "REBUILD_IN_PROGRESS"
	CodeNotFound                    = "NOT_FOUND"
	CodeInternalError               = "INTERNAL_ERROR"
)

// CodeFor maps a domain error to its stable code.  Unknown errors map to
// CodeInternalError so that infrastructure failures never leak detail.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrHardLockConflict):
		return CodeHardLockConflict
	case errors.Is(err, ErrInvalidTransition):
		return CodeValidationError
	case errors.Is(err, ErrReservationNotAllocated):
		return CodeReservationNotAllocated
	case errors.Is(err, ErrConcurrencyConflict):
		return CodeConcurrencyConflict
	case errors.Is(err, ErrValidation):
		return CodeValidationError
	case errors.Is(err, ErrRebuildInProgress):
		return CodeRebuildInProgress
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternalError
	}
}
