// Package contracts models the message contracts exchanged between services
// and the registry that resolves message types to their schema, permission
// requirements, and handler binding.
package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/proto"
)

// Kind classifies a message contract.
type Kind string

const (
	KindCommand Kind = "command"
	KindQuery   Kind = "query"
	KindEvent   Kind = "event"
)

func (k Kind) valid() bool {
	switch k {
	case KindCommand, KindQuery, KindEvent:
		return true
	}
	return false
}

// FieldType enumerates the JSON types a schema field may declare.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

func (ft FieldType) valid() bool {
	switch ft {
	case FieldString, FieldNumber, FieldBoolean, FieldObject, FieldArray:
		return true
	}
	return false
}

// FieldSpec declares one payload field.
type FieldSpec struct {
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
}

// Schema describes a message payload. Either Fields declares the shape
// declaratively, or Prototype points at a proto message whose descriptor is
// the schema; when both are set the prototype wins.
type Schema struct {
	Fields    map[string]FieldSpec `json:"fields,omitempty"`
	Prototype proto.Message        `json:"-"`
}

// IsZero reports whether no schema was declared at all.
func (s Schema) IsZero() bool {
	return len(s.Fields) == 0 && s.Prototype == nil
}

// Definition binds a message type to its schema, required permissions, and
// routing semantics. Immutable once registered for a given (serviceName,
// version); re-registration with a different checksum supersedes it.
type Definition struct {
	MessageType         string
	Kind                Kind
	ServiceName         string
	Version             string
	InputSchema         Schema
	OutputSchema        Schema
	RequiredPermissions []string
	Broadcast           bool
}

// Checksum returns a stable fingerprint of the contract's observable shape.
// Used to decide whether a re-registration supersedes the stored entry.
func (d Definition) Checksum() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%t|", d.MessageType, d.Kind, d.ServiceName, d.Version, d.Broadcast)

	perms := append([]string(nil), d.RequiredPermissions...)
	sort.Strings(perms)
	fmt.Fprintf(h, "%s|", strings.Join(perms, ","))

	writeSchema := func(s Schema) {
		if s.Prototype != nil {
			fmt.Fprintf(h, "proto:%s|", s.Prototype.ProtoReflect().Descriptor().FullName())
			return
		}
		names := make([]string, 0, len(s.Fields))
		for name := range s.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			spec := s.Fields[name]
			fmt.Fprintf(h, "%s:%s:%t|", name, spec.Type, spec.Required)
		}
	}
	writeSchema(d.InputSchema)
	writeSchema(d.OutputSchema)

	return hex.EncodeToString(h.Sum(nil))
}

// Topic returns the request queue for a command or query contract, following
// the platform naming scheme.
func (d Definition) Topic() string {
	switch d.Kind {
	case KindCommand:
		return CommandTopic(d.ServiceName, d.MessageType)
	case KindQuery:
		return QueryTopic(d.ServiceName, d.MessageType)
	default:
		return ""
	}
}

// CommandTopic names the queue for a service's command.
func CommandTopic(serviceName, messageType string) string {
	return "service." + serviceName + ".commands." + messageType
}

// QueryTopic names the queue for a service's query.
func QueryTopic(serviceName, messageType string) string {
	return "service." + serviceName + ".queries." + messageType
}

// EventTopic names the per-subscriber queue an event is fanned out to.
// Events broadcast via the platform exchange; each subscriber gets its own
// queue so failures and retries stay isolated.
func EventTopic(subscriberService, eventName string) string {
	return "exchange.platform.events." + subscriberService + "." + strings.ToLower(eventName)
}

// EventBroadcastTopic names the exchange topic an event is published to.
// Subscriber queues bind to it; producers never address subscribers directly.
func EventBroadcastTopic(eventName string) string {
	return "exchange.platform.events." + strings.ToLower(eventName)
}

// ReplyTopic names the reply queue a caller listens on for responses to its
// commands and queries.
func ReplyTopic(serviceName string) string {
	return "service." + serviceName + ".replies"
}
