// Package rpcerr implements the error taxonomy of spec.md §4.11/§7: a typed
// error value carrying a stable JSON-RPC error code, produced at the first
// catch point inside a handler and serialized exactly once by the
// dispatcher. No raw Go error ever reaches the transport layer.
package rpcerr

import "fmt"

// Code is a JSON-RPC 2.0 error code, standard or vendor-extended.
type Code int

const (
	ParseError      Code = -32700
	InvalidRequest  Code = -32600
	MethodNotFound  Code = -32601
	InvalidParams   Code = -32602
	InternalError   Code = -32603
	ExternalService Code = -32000
	// AuthOrNotFound is -32001, disambiguated by Data["kind"] ("auth_required" | "expired" | "not_found").
	AuthOrNotFound     Code = -32001
	AccessDenied       Code = -32002
	FeatureUnavailable Code = -32003
	ValidationError    Code = -32004
	TimeoutError       Code = -32005
	RateLimitExceeded  Code = -32006
	CircuitBreakerOpen Code = -32007
)

// Error is the typed error value handlers construct and the dispatcher
// serializes. It implements the standard error interface so it composes
// with %w/errors.As in calling code.
type Error struct {
	Code    Code           `json:"-"`
	Message string         `json:"-"`
	Data    map[string]any `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// WithData returns a copy of e with an additional data field set.
func (e *Error) WithData(key string, value any) *Error {
	cp := &Error{Code: e.Code, Message: e.Message, Data: map[string]any{}}
	for k, v := range e.Data {
		cp.Data[k] = v
	}
	cp.Data[key] = value
	return cp
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Data: map[string]any{}}
}

func NewParse(message string) *Error { return New(ParseError, message) }

func NewInvalidRequest(message string) *Error { return New(InvalidRequest, message) }

func NewMethodNotFound(method string) *Error {
	return New(MethodNotFound, fmt.Sprintf("method not found: %s", method)).
		WithData("suggestion", "call tools/list to see available tools")
}

func NewInvalidParams(message string) *Error { return New(InvalidParams, message) }

func NewInternal(message string) *Error {
	return New(InternalError, message).WithData("kind", "internal")
}

func NewExternalService(service string, err error) *Error {
	return New(ExternalService, fmt.Sprintf("%s request failed", service)).
		WithData("service", service).WithData("kind", "external_service")
}

func NewAuthRequired(reason string) *Error {
	e := New(AuthOrNotFound, "authentication required")
	e.Data["kind"] = "auth_required"
	if reason != "" {
		e.Data["reason"] = reason
	}
	return e
}

func NewExpiredKey() *Error {
	e := New(AuthOrNotFound, "api key expired")
	e.Data["kind"] = "expired"
	return e
}

func NewNotFound(resource string) *Error {
	e := New(AuthOrNotFound, fmt.Sprintf("%s not found", resource))
	e.Data["kind"] = "not_found"
	return e
}

func NewAccessDenied(permission string) *Error {
	return New(AccessDenied, fmt.Sprintf("missing permission: %s", permission)).
		WithData("kind", "access_denied").WithData("permission", permission)
}

func NewFeatureUnavailable(feature string) *Error {
	return New(FeatureUnavailable, fmt.Sprintf("feature unavailable: %s", feature)).
		WithData("service", feature).WithData("kind", "feature_unavailable")
}

func NewValidation(message string, fields map[string]string) *Error {
	e := New(ValidationError, message)
	e.Data["kind"] = "validation"
	if len(fields) > 0 {
		fieldsAny := make(map[string]any, len(fields))
		for k, v := range fields {
			fieldsAny[k] = v
		}
		e.Data["fields"] = fieldsAny
	}
	return e
}

func NewTimeout(timeoutSeconds float64) *Error {
	return New(TimeoutError, "operation timed out").
		WithData("kind", "timeout").WithData("timeout_seconds", timeoutSeconds)
}

func NewRateLimited(retryAfterSeconds float64) *Error {
	return New(RateLimitExceeded, "rate limit exceeded").
		WithData("kind", "rate_limited").WithData("retry_after_seconds", retryAfterSeconds)
}

func NewCircuitOpen(service string) *Error {
	return New(CircuitBreakerOpen, fmt.Sprintf("%s is temporarily unavailable", service)).
		WithData("service", service).WithData("kind", "circuit_open")
}

// AsError converts any error into an *Error, classifying unrecognized errors
// as InternalError. This is the dispatcher's single translation point
// (spec.md §4.11: "the dispatcher's single translation point is the only
// place that maps internal errors to wire errors").
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	return NewInternal(err.Error())
}
