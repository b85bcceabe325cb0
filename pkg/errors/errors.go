// Package errors is the typed error model shared by services and the HTTP
// layer. Each Code fixes the status, retry hint and public message a caller
// sees; the wrapped cause stays in logs only.
package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodePricing       Code = "PRICING_ERROR"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"
)

type codeInfo struct {
	status    int
	retryable bool
	public    string
	details   bool
}

var codes = map[Code]codeInfo{
	CodeValidation:    {status: http.StatusBadRequest, public: "validation failed", details: true},
	CodeUnauthorized:  {status: http.StatusUnauthorized, public: "authentication required"},
	CodeNotFound:      {status: http.StatusNotFound, public: "resource not found"},
	CodeConflict:      {status: http.StatusConflict, public: "conflict detected"},
	CodeStateConflict: {status: http.StatusUnprocessableEntity, public: "state transition disallowed", details: true},
	CodePricing:       {status: http.StatusUnprocessableEntity, public: "order could not be priced", details: true},
	CodeIdempotency:   {status: http.StatusConflict, public: "idempotency key reused", details: true},
	CodeInternal:      {status: http.StatusInternalServerError, retryable: true, public: "internal server error"},
	CodeDependency:    {status: http.StatusServiceUnavailable, retryable: true, public: "dependency unavailable", details: true},
}

// Unknown codes behave as CodeInternal.
func (c Code) info() codeInfo {
	if info, ok := codes[c]; ok {
		return info
	}
	return codes[CodeInternal]
}

func (c Code) HTTPStatus() int { return c.info().status }

// Retryable reports whether repeating the same request may succeed.
func (c Code) Retryable() bool { return c.info().retryable }

func (c Code) PublicMessage() string { return c.info().public }

// ExposesDetails reports whether Details may be returned to the caller.
func (c Code) ExposesDetails() bool { return c.info().details }

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

// Validation builds a CodeValidation error carrying a machine-readable reason
// and the offending field.
func Validation(reason, field, message string) *Error {
	e := New(CodeValidation, message).WithDetail("reason", reason)
	if field != "" {
		e.WithDetail("field", field)
	}
	return e
}

// Pricing builds a CodePricing error for totals that cannot be represented.
func Pricing(reason, message string) *Error {
	return New(CodePricing, message).WithDetail("reason", reason)
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

// WithDetails replaces the details payload.
func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

// WithDetail sets one key on map details, creating the map if needed. Non-map
// details are replaced.
func (e *Error) WithDetail(key string, value any) *Error {
	if e == nil {
		return nil
	}
	m, ok := e.details.(map[string]any)
	if !ok {
		m = map[string]any{}
		e.details = m
	}
	m[key] = value
	return e
}

// Reason returns the "reason" detail when present.
func (e *Error) Reason() string {
	if e == nil {
		return ""
	}
	m, _ := e.details.(map[string]any)
	reason, _ := m["reason"].(string)
	return reason
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the outermost *Error in err's chain.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of the outermost typed error, or CodeInternal.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// HasCode reports whether any typed error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if typed, ok := err.(*Error); ok && typed.code == code {
			return true
		}
		err = stdErrors.Unwrap(err)
	}
	return false
}
