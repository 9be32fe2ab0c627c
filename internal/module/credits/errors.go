package credits

import "errors"

var (
	// ErrInsufficientCredits is an expected business outcome, not a fault.
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrDuplicateReference  = errors.New("transaction reference already recorded")
)
