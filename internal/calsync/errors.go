package calsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrAuthExpired  = errors.New("auth expired")
	ErrTransient    = errors.New("transient provider failure")
	ErrValidation   = errors.New("validation failed")
	ErrStoreFailure = errors.New("store failure")
	ErrInvalidInput = errors.New("invalid input")
)

// ProviderError is a classified failure from the calendar provider API.
// It matches exactly one taxonomy sentinel through Is.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	kind       error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *ProviderError) Is(target error) bool {
	return target == e.kind
}

func newProviderError(status int, code, message string) *ProviderError {
	return &ProviderError{
		StatusCode: status,
		Code:       code,
		Message:    message,
		kind:       classifyStatus(status, code),
	}
}

func classifyStatus(status int, code string) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrNotFound
	case status == http.StatusUnauthorized:
		return ErrAuthExpired
	case status == http.StatusForbidden && code == "invalid_grant":
		return ErrAuthExpired
	case status == http.StatusBadRequest && code == "invalid_grant":
		return ErrAuthExpired
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return ErrTransient
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrValidation
	default:
		return ErrTransient
	}
}

// classifyTransportError maps transport-level failures to the taxonomy.
// Timeouts and cancellations are Transient, never NotFound or AuthExpired.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAuthExpired) ||
		errors.Is(err, ErrTransient) || errors.Is(err, ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
