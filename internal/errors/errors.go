// Package errors defines the domain error taxonomy shared by the license
// manager, machine tracker and risk engine. Callers classify failures with
// errors.Is against the exported sentinels or by extracting a *DomainError.
package errors

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error classification.
type Code string

const (
	// CodeNotFound: unknown key, fingerprint or id. Surfaced, no retry.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalidState: operation not permitted from the current lifecycle
	// state. Surfaced; the caller must not retry blindly.
	CodeInvalidState Code = "INVALID_STATE"
	// CodeInvalidInput: malformed or inconsistent arguments.
	CodeInvalidInput Code = "INVALID_INPUT"
	// CodeAlreadyBound: the machine is bound to a different active license.
	CodeAlreadyBound Code = "ALREADY_BOUND"
	// CodeActivationLimit: all activation slots are consumed. Definitive,
	// not transient.
	CodeActivationLimit Code = "ACTIVATION_LIMIT_EXCEEDED"
	// CodeKeyGenExhausted: key generation hit the collision retry limit.
	// Fatal for the issuing call; the whole call is safe to retry later.
	CodeKeyGenExhausted Code = "KEY_GENERATION_EXHAUSTED"
	// CodeConcurrencyConflict: lost a per-record race. The single operation
	// may be retried; activate and heartbeat are idempotent by design.
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	// CodeUnauthorized: the capability check rejected an administrative
	// action.
	CodeUnauthorized Code = "UNAUTHORIZED"
)

// DomainError carries a taxonomy code, a human-readable message and an
// optional wrapped cause.
type DomainError struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *DomainError) Unwrap() error { return e.Err }

// Is matches any DomainError carrying the same code, so sentinels below work
// with errors.Is regardless of message detail.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Sentinel values for errors.Is classification.
var (
	ErrNotFound            = &DomainError{Code: CodeNotFound, Message: "resource not found"}
	ErrInvalidState        = &DomainError{Code: CodeInvalidState, Message: "operation not permitted in current state"}
	ErrInvalidInput        = &DomainError{Code: CodeInvalidInput, Message: "invalid input"}
	ErrAlreadyBound        = &DomainError{Code: CodeAlreadyBound, Message: "machine bound to a different active license"}
	ErrActivationLimit     = &DomainError{Code: CodeActivationLimit, Message: "activation limit exceeded"}
	ErrKeyGenExhausted     = &DomainError{Code: CodeKeyGenExhausted, Message: "key generation retries exhausted"}
	ErrConcurrencyConflict = &DomainError{Code: CodeConcurrencyConflict, Message: "concurrent modification detected"}
	ErrUnauthorized        = &DomainError{Code: CodeUnauthorized, Message: "action not authorized"}
)

// New creates a DomainError with the given code and message.
func New(code Code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// Newf creates a DomainError with a formatted message.
func Newf(code Code, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code and message to an underlying cause.
func Wrap(code Code, message string, err error) *DomainError {
	return &DomainError{Code: code, Message: message, Err: err}
}

// NotFound builds a NOT_FOUND error naming the missing resource.
func NotFound(resource, id string) *DomainError {
	return Newf(CodeNotFound, "%s %q not found", resource, id)
}

// InvalidState builds an INVALID_STATE error naming the rejected operation
// and the state that rejected it.
func InvalidState(operation, state string) *DomainError {
	return Newf(CodeInvalidState, "%s not permitted from status %q", operation, state)
}

// InvalidInput builds an INVALID_INPUT error for a named field.
func InvalidInput(field, reason string) *DomainError {
	return Newf(CodeInvalidInput, "invalid %s: %s", field, reason)
}

// CodeOf returns the taxonomy code of err, or the empty code for errors
// outside the taxonomy.
func CodeOf(err error) Code {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Retryable reports whether retrying the single failed operation is sensible.
// Only concurrency conflicts qualify; business-rule rejections are definitive.
func Retryable(err error) bool {
	return CodeOf(err) == CodeConcurrencyConflict
}
