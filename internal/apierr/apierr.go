// Package apierr defines the error taxonomy shared by every component and its
// mapping to HTTP responses. Detail strings never leave the process except
// for invalid-input errors, which may name the offending field.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrStorage             = errors.New("storage error")
	ErrEngineUnavailable   = errors.New("engine unavailable")
	ErrInvalidInput        = errors.New("invalid input")
)

// StorageError wraps a failure of the durable store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err as a StorageError. A nil err yields nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// EngineError wraps a failed call to the sandbox engine. Status is zero when
// the engine was unreachable.
type EngineError struct {
	Op     string
	Status int
	Err    error
}

func (e *EngineError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("engine: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool { return target == ErrEngineUnavailable }

// InputError reports a malformed request field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

// InvalidInput builds an InputError for field.
func InvalidInput(field, reason string) error {
	return &InputError{Field: field, Reason: reason}
}

// Status maps err to an HTTP status code and the message safe to return to
// the client.
func Status(err error) (int, string) {
	var ie *InputError
	switch {
	case errors.As(err, &ie):
		return http.StatusBadRequest, ie.Error()
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusForbidden, "quota exceeded"
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient balance"
	case errors.Is(err, ErrEngineUnavailable):
		return http.StatusBadGateway, "engine unavailable"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalid input"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
