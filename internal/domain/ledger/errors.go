package ledger

import "errors"

var (
	// ErrInsufficientCredits is returned when a consume would exceed
	// available credits plus allowed overage; nothing is mutated
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	// ErrAccountNotFound is returned when the account doesn't exist
	ErrAccountNotFound = errors.New("credit account not found")

	// ErrAccountFrozen is returned for mutations on a frozen account
	ErrAccountFrozen = errors.New("credit account is frozen")

	// ErrLockTimeout is returned when the per-account lock could not be
	// acquired within the caller's budget; safe to retry, nothing mutated
	ErrLockTimeout = errors.New("account lock timeout")

	// ErrExpiredBatchReferenced signals a benign race: a planned batch was
	// expired by the sweeper mid-flight. Retried internally against the
	// remaining pool, never surfaced to callers.
	ErrExpiredBatchReferenced = errors.New("expired batch referenced")

	// ErrReservationNotFound is returned when the reservation doesn't exist
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationClosed is returned when committing or releasing a
	// reservation that already reached a terminal state
	ErrReservationClosed = errors.New("reservation already closed")

	// ErrDuplicateReference is returned when a ref was already applied
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrReferenceConflict is returned when a ref was already applied with a
	// different amount
	ErrReferenceConflict = errors.New("reference conflicts with different amount")

	ErrInternal = errors.New("internal error")
)
