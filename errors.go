package main

import "errors"

// Error taxonomy. Validation errors are returned synchronously and never
// retried; ErrConcurrentModification and ErrMaintenanceInProgress are
// caller-retryable with backoff.
var (
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrInsufficientPrivilege    = errors.New("insufficient privilege for transition")
	ErrCounterUnavailable       = errors.New("counter unavailable")
	ErrCustomerNotFound         = errors.New("customer not found")
	ErrCounterNotFound          = errors.New("counter not found")
	ErrCustomerAlreadyAssigned  = errors.New("customer already assigned")
	ErrQueueEmpty               = errors.New("waiting queue is empty")
	ErrConcurrentModification   = errors.New("concurrent modification, retry")
	ErrMaintenanceInProgress    = errors.New("maintenance in progress, retry later")
	ErrSchedulerLockContention  = errors.New("reset already running elsewhere")
	ErrReorderMismatch          = errors.New("reorder list does not match waiting set")
)

// Retryable reports whether the caller may safely re-issue the operation
// after a backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrMaintenanceInProgress) ||
		errors.Is(err, ErrSchedulerLockContention)
}
