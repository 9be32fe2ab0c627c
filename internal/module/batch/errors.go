package batch

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound  = errors.New("batch job not found")
	ErrItemNotFound = errors.New("batch item not found")
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("invalid job state")
	// ErrItemSettled is returned when an outcome targets an item that is no
	// longer in flight.
	ErrItemSettled = errors.New("batch item already settled")
	// ErrInfrastructure marks a job that failed because storage or the
	// ledger stayed unavailable.
	ErrInfrastructure = errors.New("infrastructure failure")
)

// ValidationError reports a rejected CreateBatchJob request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation the job's status does not allow.
type InvalidStateError struct {
	From JobStatus
	Op   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job in status %s", e.Op, e.From)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// SettlementError reports an item whose settlement did not complete. The
// Settlement can be passed to Executor.Settle again.
type SettlementError struct {
	Settlement *Settlement
	Err        error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("%v: settle item %s: %v", ErrInfrastructure, e.Settlement.ItemID, e.Err)
}

func (e *SettlementError) Unwrap() []error {
	return []error{ErrInfrastructure, e.Err}
}
