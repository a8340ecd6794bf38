// Package envelope defines the wire message structure exchanged between
// services and the codec that serialises it, including transparent payload
// compression above a configurable threshold.
package envelope

import (
	"encoding/json"
	"time"

	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	idspkg "github.com/avral-io/corebus/internal/runtime/ids"
	"github.com/avral-io/corebus/internal/runtime/jsoncodec"
)

// MessageEnvelope is the wire structure carried on every hop. Timestamps
// serialise as ISO-8601 strings; the payload stays raw JSON until a handler
// decodes it against the registered contract schema.
type MessageEnvelope struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId,omitempty"`
	TraceContext  *TraceContext   `json:"traceContext,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	ServiceName   string          `json:"serviceName"`
	MessageType   string          `json:"messageType"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

// TraceContext carries the distributed tracing identifiers across hops.
type TraceContext struct {
	TraceID string `json:"traceId"`
	SpanID  string `json:"spanId,omitempty"`
}

// Metadata holds the optional envelope sub-objects. The auth block is
// produced by the authorization collaborator and only ever propagated here.
type Metadata struct {
	Auth    *AuthContext   `json:"auth,omitempty"`
	Retry   *RetryMetadata `json:"retry,omitempty"`
	Routing *Routing       `json:"routing,omitempty"`
}

// AuthContext identifies the caller and its granted permissions.
type AuthContext struct {
	SubjectID   string            `json:"subjectId"`
	Permissions []string          `json:"permissions"`
	Claims      map[string]string `json:"claims,omitempty"`
}

// HasPermission reports whether the auth context grants the permission.
func (a *AuthContext) HasPermission(permission string) bool {
	if a == nil {
		return false
	}
	for _, p := range a.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// RetryMetadata tracks the state of an in-progress retry sequence. It is
// mutated by the resilient client on each attempt and discarded once the call
// succeeds or exhausts its attempts.
type RetryMetadata struct {
	AttemptCount   int           `json:"attemptCount"`
	MaxAttempts    int           `json:"maxAttempts"`
	FirstAttempt   time.Time     `json:"firstAttempt"`
	CurrentAttempt time.Time     `json:"currentAttempt"`
	LastError      string        `json:"lastError,omitempty"`
	BackoffDelay   time.Duration `json:"backoffDelayNs,omitempty"`
}

// Routing carries reply addressing and delivery priority.
type Routing struct {
	ReplyTo  string `json:"replyTo,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// New constructs an envelope for the given message type, marshalling the
// payload value to JSON. The ID is freshly generated; the correlation id must
// be attached by the caller (or the correlation middleware) before sending.
func New(serviceName, messageType string, payload any) (*MessageEnvelope, error) {
	if payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}

	raw, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &MessageEnvelope{
		ID:          idspkg.NewEnvelopeID(),
		Timestamp:   time.Now().UTC(),
		ServiceName: serviceName,
		MessageType: messageType,
		Payload:     raw,
	}, nil
}

// Child derives a new envelope for a downstream message produced while
// servicing this one. The correlation id and trace context are propagated,
// never regenerated; only the envelope id is fresh. The causation id records
// which envelope produced this one, so replies can be matched back to the
// exact request even when many in-flight calls share one correlation id.
func (e *MessageEnvelope) Child(serviceName, messageType string, payload any) (*MessageEnvelope, error) {
	child, err := New(serviceName, messageType, payload)
	if err != nil {
		return nil, err
	}
	child.CorrelationID = e.CorrelationID
	child.CausationID = e.ID
	if e.TraceContext != nil {
		tc := *e.TraceContext
		child.TraceContext = &tc
	}
	if e.Metadata != nil && e.Metadata.Auth != nil {
		auth := *e.Metadata.Auth
		child.Metadata = &Metadata{Auth: &auth}
	}
	return child, nil
}

// DecodePayload unmarshals the raw payload into the provided value.
func (e *MessageEnvelope) DecodePayload(v any) error {
	return jsoncodec.Unmarshal(e.Payload, v)
}

// ReplyTo returns the reply queue from routing metadata, or empty.
func (e *MessageEnvelope) ReplyTo() string {
	if e.Metadata == nil || e.Metadata.Routing == nil {
		return ""
	}
	return e.Metadata.Routing.ReplyTo
}

// EnsureMetadata returns the metadata block, allocating it when absent.
func (e *MessageEnvelope) EnsureMetadata() *Metadata {
	if e.Metadata == nil {
		e.Metadata = &Metadata{}
	}
	return e.Metadata
}

// validate reports the required fields that are missing.
func (e *MessageEnvelope) missingFields() []string {
	var missing []string
	if e.ID == "" {
		missing = append(missing, "id")
	}
	if e.CorrelationID == "" {
		missing = append(missing, "correlationId")
	}
	if e.MessageType == "" {
		missing = append(missing, "messageType")
	}
	if len(e.Payload) == 0 {
		missing = append(missing, "payload")
	}
	return missing
}
