package errors

import (
	sterrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestCodeOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"validation", &ValidationError{Message: "bad"}, CodeValidation},
		{"business rule", &BusinessRuleError{Rule: "balance", Message: "negative"}, CodeBusinessRule},
		{"not found", &NotFoundError{Resource: "user", ID: "u1"}, CodeNotFound},
		{"forbidden", &ForbiddenError{Permission: "users:write"}, CodeForbidden},
		{"unauthorized", &UnauthorizedError{}, CodeUnauthorized},
		{"timeout", &TimeoutError{Operation: "send", Timeout: time.Second}, CodeTimeout},
		{"concurrency", &ConcurrencyError{AggregateID: "u1", ExpectedVersion: 1, ActualVersion: 2}, CodeConcurrency},
		{"circuit open", &CircuitOpenError{Target: "billing"}, CodeCircuitOpen},
		{"malformed", &MalformedEnvelopeError{Missing: []string{"id"}}, CodeMalformedEnvelope},
		{"unknown type", &UnknownMessageTypeError{MessageType: "Nope"}, CodeUnknownMessageType},
		{"contract", &ContractValidationError{ServiceName: "orders"}, CodeContractValidation},
		{"internal", &InternalError{Err: sterrors.New("boom")}, CodeInternal},
		{"plain", sterrors.New("anything"), CodeInternal},
		{"wrapped", fmt.Errorf("ctx: %w", &TimeoutError{Operation: "send"}), CodeTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Fatalf("CodeOf(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	if !IsTransient(&TimeoutError{Operation: "send"}) {
		t.Fatal("timeouts must be transient")
	}
	if !IsTransient(sterrors.New("connection reset by peer")) {
		t.Fatal("unclassified transport errors must be transient")
	}
	neverRetried := []error{
		&ValidationError{Message: "bad"},
		&BusinessRuleError{Rule: "r", Message: "m"},
		&CircuitOpenError{Target: "t"},
		&ConcurrencyError{AggregateID: "a"},
		&ForbiddenError{Permission: "p"},
		&InternalError{Err: sterrors.New("handled internally")},
	}
	for _, err := range neverRetried {
		if IsTransient(err) {
			t.Fatalf("%T must not be transient", err)
		}
	}
}

func TestToPayloadNeverLeaksInternalDetail(t *testing.T) {
	t.Parallel()

	p := ToPayload(&InternalError{Err: sterrors.New("pq: connection refused at 10.0.0.3")})
	if p.Code != CodeInternal {
		t.Fatalf("unexpected code %s", p.Code)
	}
	if p.Message != "internal error" {
		t.Fatalf("internal detail leaked across the boundary: %q", p.Message)
	}
	if len(p.Details) != 0 {
		t.Fatalf("internal details leaked: %v", p.Details)
	}
}

func TestToPayloadValidationCarriesFieldErrors(t *testing.T) {
	t.Parallel()

	err := &ValidationError{Fields: []FieldError{{Field: "email", Problem: "required"}}}
	p := ToPayload(err)
	if p.Code != CodeValidation || len(p.ValidationErrors) != 1 {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.ValidationErrors[0].Field != "email" {
		t.Fatalf("field error lost: %+v", p.ValidationErrors)
	}
}

func TestPayloadRoundTripConcurrency(t *testing.T) {
	t.Parallel()

	orig := &ConcurrencyError{AggregateID: "u1", ExpectedVersion: 3, ActualVersion: 5}
	back := ToPayload(orig).ToError()

	var conc *ConcurrencyError
	if !sterrors.As(back, &conc) {
		t.Fatalf("expected ConcurrencyError, got %T", back)
	}
	if conc.AggregateID != "u1" || conc.ExpectedVersion != 3 || conc.ActualVersion != 5 {
		t.Fatalf("round trip mismatch: %+v", conc)
	}
}

func TestPayloadRoundTripPreservesCode(t *testing.T) {
	t.Parallel()

	errs := []error{
		&ValidationError{Message: "bad"},
		&BusinessRuleError{Rule: "r", Message: "m"},
		&UnauthorizedError{Message: "no token"},
		&CircuitOpenError{Target: "billing"},
	}
	for _, err := range errs {
		back := ToPayload(err).ToError()
		if CodeOf(back) != CodeOf(err) {
			t.Fatalf("code changed across round trip: %s != %s", CodeOf(back), CodeOf(err))
		}
	}
}
