package contracts

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"

	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	"github.com/avral-io/corebus/internal/runtime/jsoncodec"
)

// wellFormedProblems checks a definition at registration time and returns the
// per-field problems found, if any.
func wellFormedProblems(d Definition) []errspkg.FieldError {
	var problems []errspkg.FieldError

	if d.MessageType == "" {
		problems = append(problems, errspkg.FieldError{Field: "messageType", Problem: "required"})
	}
	if !d.Kind.valid() {
		problems = append(problems, errspkg.FieldError{Field: "kind", Problem: fmt.Sprintf("unknown kind %q", d.Kind)})
	}
	if d.ServiceName == "" {
		problems = append(problems, errspkg.FieldError{Field: "serviceName", Problem: "required"})
	}
	if d.Kind == KindEvent && !d.Broadcast {
		problems = append(problems, errspkg.FieldError{Field: "broadcast", Problem: "event contracts must broadcast"})
	}
	if d.Kind == KindQuery && d.OutputSchema.IsZero() {
		problems = append(problems, errspkg.FieldError{Field: "outputSchema", Problem: "queries must declare an output schema"})
	}

	problems = append(problems, schemaProblems("inputSchema", d.InputSchema)...)
	problems = append(problems, schemaProblems("outputSchema", d.OutputSchema)...)

	return problems
}

func schemaProblems(prefix string, s Schema) []errspkg.FieldError {
	var problems []errspkg.FieldError
	for name, spec := range s.Fields {
		if name == "" {
			problems = append(problems, errspkg.FieldError{Field: prefix, Problem: "empty field name"})
			continue
		}
		if !spec.Type.valid() {
			problems = append(problems, errspkg.FieldError{
				Field:   prefix + "." + name,
				Problem: fmt.Sprintf("unknown field type %q", spec.Type),
			})
		}
	}
	return problems
}

// ValidatePayload checks a raw JSON payload against the contract's input
// schema. Returns a ValidationError enumerating every violated field so the
// caller can fix them all at once.
func (d Definition) ValidatePayload(raw json.RawMessage) error {
	schema := d.InputSchema
	if schema.Prototype != nil {
		clone := schema.Prototype.ProtoReflect().New().Interface()
		if err := protojson.Unmarshal(raw, clone); err != nil {
			return &errspkg.ValidationError{
				Message: "payload does not match contract schema for " + d.MessageType,
				Fields:  []errspkg.FieldError{{Field: "payload", Problem: err.Error()}},
			}
		}
		return nil
	}

	if len(schema.Fields) == 0 {
		return nil
	}

	var payload map[string]any
	if err := jsoncodec.Unmarshal(raw, &payload); err != nil {
		return &errspkg.ValidationError{
			Message: "payload is not a JSON object",
			Fields:  []errspkg.FieldError{{Field: "payload", Problem: err.Error()}},
		}
	}

	var fields []errspkg.FieldError
	for name, spec := range schema.Fields {
		value, present := payload[name]
		if !present || value == nil {
			if spec.Required {
				fields = append(fields, errspkg.FieldError{Field: name, Problem: "required"})
			}
			continue
		}
		if !typeMatches(spec.Type, value) {
			fields = append(fields, errspkg.FieldError{
				Field:   name,
				Problem: fmt.Sprintf("expected %s, got %T", spec.Type, value),
			})
		}
	}

	if len(fields) > 0 {
		return &errspkg.ValidationError{Message: "payload does not match contract schema for " + d.MessageType, Fields: fields}
	}
	return nil
}

func typeMatches(ft FieldType, value any) bool {
	switch ft {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		switch value.(type) {
		case float64, int, int64, json.Number:
			return true
		}
		return false
	case FieldBoolean:
		_, ok := value.(bool)
		return ok
	case FieldObject:
		_, ok := value.(map[string]any)
		return ok
	case FieldArray:
		_, ok := value.([]any)
		return ok
	}
	return false
}
