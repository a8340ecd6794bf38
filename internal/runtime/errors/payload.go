package errors

import (
	sterrors "errors"
	"time"
)

// Payload is the structured error form carried in a reply envelope. Only the
// code, message, and optional structured details ever cross the process
// boundary; stack traces and wrapped causes stay in local logs.
type Payload struct {
	Code             Code           `json:"code"`
	Message          string         `json:"message"`
	Details          map[string]any `json:"details,omitempty"`
	ValidationErrors []FieldError   `json:"validationErrors,omitempty"`
}

// ToPayload converts an error into its wire-safe payload. Internal errors are
// reduced to a generic message.
func ToPayload(err error) Payload {
	code := CodeOf(err)
	p := Payload{Code: code}

	switch code {
	case CodeValidation:
		var ve *ValidationError
		sterrors.As(err, &ve)
		p.Message = "validation failed"
		if ve.Message != "" {
			p.Message = ve.Message
		}
		p.ValidationErrors = ve.Fields
	case CodeContractValidation:
		var ce *ContractValidationError
		sterrors.As(err, &ce)
		p.Message = "contract registration rejected"
		p.ValidationErrors = ce.Problems
		p.Details = map[string]any{"serviceName": ce.ServiceName}
	case CodeConcurrency:
		var conc *ConcurrencyError
		sterrors.As(err, &conc)
		p.Message = err.Error()
		p.Details = map[string]any{
			"aggregateId":     conc.AggregateID,
			"expectedVersion": conc.ExpectedVersion,
			"actualVersion":   conc.ActualVersion,
		}
	case CodeInternal:
		// Never leak internal detail across the boundary.
		p.Message = "internal error"
	default:
		p.Message = err.Error()
	}

	return p
}

// ToError reconstructs a typed error from a wire payload so caller-side code
// can use errors.As on replies the same way it does on local failures.
func (p Payload) ToError() error {
	switch p.Code {
	case CodeValidation:
		return &ValidationError{Message: p.Message, Fields: p.ValidationErrors}
	case CodeBusinessRule:
		return &BusinessRuleError{Rule: "remote", Message: p.Message}
	case CodeNotFound:
		return &NotFoundError{Resource: "remote resource", ID: detailString(p.Details, "id")}
	case CodeForbidden:
		return &ForbiddenError{Permission: detailString(p.Details, "permission")}
	case CodeUnauthorized:
		return &UnauthorizedError{Message: p.Message}
	case CodeTimeout:
		return &TimeoutError{Operation: p.Message, Timeout: time.Duration(0)}
	case CodeConcurrency:
		return &ConcurrencyError{
			AggregateID:     detailString(p.Details, "aggregateId"),
			ExpectedVersion: detailInt(p.Details, "expectedVersion"),
			ActualVersion:   detailInt(p.Details, "actualVersion"),
		}
	case CodeCircuitOpen:
		return &CircuitOpenError{Target: detailString(p.Details, "target")}
	case CodeMalformedEnvelope:
		return &MalformedEnvelopeError{Reason: p.Message}
	case CodeUnknownMessageType:
		return &UnknownMessageTypeError{MessageType: detailString(p.Details, "messageType")}
	case CodeContractValidation:
		return &ContractValidationError{
			ServiceName: detailString(p.Details, "serviceName"),
			Problems:    p.ValidationErrors,
		}
	default:
		return &InternalError{Err: sterrors.New(p.Message)}
	}
}

func detailString(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	if s, ok := details[key].(string); ok {
		return s
	}
	return ""
}

func detailInt(details map[string]any, key string) int64 {
	if details == nil {
		return 0
	}
	switch n := details[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
