// Package apperror defines the error kinds shared by the store, service
// and HTTP layers.
//
//	ErrValidation      malformed request or disallowed field    400
//	ErrUnauthenticated bad credentials, invalid or expired token 401
//	ErrNotFound        no such user                              404
//	ErrStore           connectivity or transaction failure       500
//
// Producers return an *AppError carrying one of these sentinels. Consumers
// only ever test with errors.Is, so intermediate fmt.Errorf("%w") layers
// don't matter.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("not found")
	ErrStore           = errors.New("store failure")
)

// AppError is a classified error. Message is safe to show a client unless
// the kind is ErrStore; Cause never is.
type AppError struct {
	Err     error
	Message string
	Field   string // request key at fault, validation only
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

// Unwrap yields the kind and, if set, the cause.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// NotFound reports a missing record, e.g. NotFound("user", "7").
func NotFound(resource, id string) *AppError {
	return &AppError{Err: ErrNotFound, Message: fmt.Sprintf("%s not found with id %s", resource, id)}
}

// ValidationFailed rejects a request because of field.
func ValidationFailed(field, message string) *AppError {
	return &AppError{Err: ErrValidation, Message: message, Field: field}
}

func Unauthenticated(message string) *AppError {
	return &AppError{Err: ErrUnauthenticated, Message: message}
}

// StoreFailure wraps a persistence error under the name of the operation
// that hit it.
func StoreFailure(op string, cause error) *AppError {
	return &AppError{Err: ErrStore, Message: op, Cause: cause}
}
