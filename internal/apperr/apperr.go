// Package apperr defines the error taxonomy shared by the services and the
// HTTP layer. Each type maps to one response status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports bad or missing input. It is always detected before
// any mutation.
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

// Validation returns a *ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

func NotFound(resource string) error {
	return &NotFoundError{Resource: resource}
}

// ConflictError reports a request that is well-formed but contradicts stored
// state, such as a second win on the same question.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// Is matches conflicts by code so sentinels work with errors.Is.
func (e *ConflictError) Is(target error) bool {
	t, ok := target.(*ConflictError)
	return ok && t.Code == e.Code
}

// ProviderError reports a failed call to a mobile-money provider.
type ProviderError struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Operation, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Operation, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a transaction that never reached a terminal status.
type TimeoutError struct {
	Reference string
	Attempts  int
	LastErr   error
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("transaction %s not settled after %d attempts: %v", e.Reference, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("transaction %s not settled after %d attempts", e.Reference, e.Attempts)
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// HTTPStatus maps err to the response status code.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		ne *NotFoundError
		ce *ConflictError
		pe *ProviderError
		te *TimeoutError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ne):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.As(err, &te):
		return http.StatusGatewayTimeout
	case errors.As(err, &pe):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
