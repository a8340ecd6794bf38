// Package errors defines the error taxonomy shared by the dispatcher, the
// resilient client, and the event-sourcing components, plus the structured
// payload that is the only error form allowed to cross a service boundary.
package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for API misuse. These indicate a programming mistake in the
// hosting service, not a runtime failure.
var (
	ErrServiceRequired     = sterrors.New("corebus: service is required")
	ErrHandlerRequired     = sterrors.New("corebus: handler function is required")
	ErrHandlerNameRequired = sterrors.New("corebus: handler name is required")
	ErrContractRequired    = sterrors.New("corebus: contract definition is required")
	ErrPublisherRequired   = sterrors.New("corebus: publisher is required")
	ErrTopicRequired       = sterrors.New("corebus: topic is required")
	ErrConfigRequired      = sterrors.New("corebus: config is required")
	ErrLoggerRequired      = sterrors.New("corebus: logger is required")
	ErrPayloadRequired     = sterrors.New("corebus: message payload is required")
)

// Code identifies an error class on the wire.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeBusinessRule       Code = "BUSINESS_RULE_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeForbidden          Code = "FORBIDDEN"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeTimeout            Code = "TIMEOUT"
	CodeConcurrency        Code = "CONCURRENCY_ERROR"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"
	CodeMalformedEnvelope  Code = "MALFORMED_ENVELOPE"
	CodeUnknownMessageType Code = "UNKNOWN_MESSAGE_TYPE"
	CodeContractValidation Code = "CONTRACT_VALIDATION_ERROR"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// FieldError describes a single per-field problem found during validation.
type FieldError struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

func (f FieldError) String() string { return f.Field + ": " + f.Problem }

// ValidationError signals malformed input. Local, never retried.
type ValidationError struct {
	Message string
	Fields  []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Message
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// BusinessRuleError signals a domain invariant violation. Local, never retried.
type BusinessRuleError struct {
	Rule    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return "business rule violated (" + e.Rule + "): " + e.Message
}

// NotFoundError signals that a referenced resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.ID + " not found"
}

// ForbiddenError signals a missing permission. The authorization collaborator
// owns the decision; the runtime only enforces what the contract declares.
type ForbiddenError struct {
	Permission string
}

func (e *ForbiddenError) Error() string {
	return "missing permission: " + e.Permission
}

// UnauthorizedError signals an absent or invalid auth context.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	if e.Message == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Message
}

// TimeoutError signals that a remote call did not complete in time. Transient.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Timeout)
}

// ConcurrencyError signals an optimistic-concurrency conflict on append. The
// caller should reload the aggregate and retry the whole command.
type ConcurrencyError struct {
	AggregateID     string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, stream is at %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

// CircuitOpenError signals the breaker rejected the call without any network
// attempt. The client never retries it; the caller decides.
type CircuitOpenError struct {
	Target string
}

func (e *CircuitOpenError) Error() string {
	return "circuit open for target " + e.Target
}

// MalformedEnvelopeError signals an envelope missing required fields.
type MalformedEnvelopeError struct {
	Missing []string
	Reason  string
}

func (e *MalformedEnvelopeError) Error() string {
	if len(e.Missing) > 0 {
		return "malformed envelope: missing " + strings.Join(e.Missing, ", ")
	}
	return "malformed envelope: " + e.Reason
}

// UnknownMessageTypeError signals a dispatch for a message type that no
// contract covers.
type UnknownMessageTypeError struct {
	MessageType string
}

func (e *UnknownMessageTypeError) Error() string {
	return "no contract registered for message type " + e.MessageType
}

// ContractValidationError aggregates per-field problems found while
// registering a contract batch. Registration fails atomically.
type ContractValidationError struct {
	ServiceName string
	Problems    []FieldError
}

func (e *ContractValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return "contract registration rejected for " + e.ServiceName + ": " + strings.Join(parts, "; ")
}

// InternalError is the catch-all for unexpected failures. The wrapped cause is
// logged locally; only the generic message crosses the boundary.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return "internal error"
	}
	return "internal error: " + e.Err.Error()
}

func (e *InternalError) Unwrap() error { return e.Err }

// CodeOf maps an error onto its wire code. Unknown errors map to CodeInternal.
func CodeOf(err error) Code {
	switch {
	case is[*ValidationError](err):
		return CodeValidation
	case is[*BusinessRuleError](err):
		return CodeBusinessRule
	case is[*NotFoundError](err):
		return CodeNotFound
	case is[*ForbiddenError](err):
		return CodeForbidden
	case is[*UnauthorizedError](err):
		return CodeUnauthorized
	case is[*TimeoutError](err):
		return CodeTimeout
	case is[*ConcurrencyError](err):
		return CodeConcurrency
	case is[*CircuitOpenError](err):
		return CodeCircuitOpen
	case is[*MalformedEnvelopeError](err):
		return CodeMalformedEnvelope
	case is[*UnknownMessageTypeError](err):
		return CodeUnknownMessageType
	case is[*ContractValidationError](err):
		return CodeContractValidation
	default:
		return CodeInternal
	}
}

func is[T error](err error) bool {
	var target T
	return sterrors.As(err, &target)
}

// IsTransient reports whether the error is an infrastructure-class failure
// that the resilient client may retry and count toward the circuit breaker.
// Validation and business errors are never transient.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout:
		return true
	case CodeValidation, CodeBusinessRule, CodeNotFound, CodeForbidden, CodeUnauthorized,
		CodeConcurrency, CodeCircuitOpen, CodeMalformedEnvelope, CodeUnknownMessageType,
		CodeContractValidation:
		return false
	default:
		// Unclassified errors from the transport layer (connection resets,
		// broker unavailability) are treated as transient.
		return !isTyped(err)
	}
}

func isTyped(err error) bool {
	var internal *InternalError
	return sterrors.As(err, &internal)
}
