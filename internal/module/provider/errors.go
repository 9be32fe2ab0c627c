package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure by what the caller should do.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
	KindQuota     ErrorKind = "quota"
)

var (
	ErrTransient     = errors.New("transient provider error")
	ErrPermanent     = errors.New("permanent provider error")
	ErrQuotaExceeded = errors.New("provider quota exceeded")

	ErrModelNotFound   = errors.New("model not found")
	ErrAdapterNotFound = errors.New("adapter not found")
	ErrCircuitOpen     = errors.New("provider circuit open")
	ErrRateLimited     = errors.New("dispatch rate limit reached")
)

// GenerationError is the classified failure of one dispatch.
type GenerationError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *GenerationError) Error() string {
	msg := fmt.Sprintf("%s %s error", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *GenerationError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrPermanent:
		return e.Kind == KindPermanent
	case ErrQuotaExceeded:
		return e.Kind == KindQuota
	}
	return false
}

func newError(kind ErrorKind, providerID string, status int, message string, err error) *GenerationError {
	return &GenerationError{Kind: kind, Provider: providerID, StatusCode: status, Message: message, Err: err}
}

// KindOf returns the kind of err. Errors that are not GenerationErrors are
// treated as transient.
func KindOf(err error) ErrorKind {
	var gerr *GenerationError
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindTransient
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
