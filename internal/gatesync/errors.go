package gatesync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStorage           = errors.New("storage failure")
	ErrDelivery          = errors.New("delivery failure")
	ErrRetryExhausted    = errors.New("retries exhausted")
	ErrTerminalState     = errors.New("check-in is terminal")
)

// InvalidTransitionError reports a status change that the transition table
// does not allow. It is returned before the command touches the store.
type InvalidTransitionError struct {
	From CheckInStatus
	To   CheckInStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// StorageError wraps a failure of the backing medium. A command rejected with
// a StorageError was never durably recorded and the caller must resubmit.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DeliveryError reports a failed delivery attempt. Transient failures are
// retried by the engine; permanent ones burn a retry like any other failure
// but will never succeed without operator intervention.
type DeliveryError struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("delivery failed: http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("delivery failed: %s", e.Message)
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}
