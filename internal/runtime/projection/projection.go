// Package projection maintains read models derived incrementally from domain
// events via declarative field mappings. Updates for one aggregate are
// serialized; different aggregates proceed in parallel.
package projection

import (
	"context"
	"reflect"

	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
)

// MappingKind selects how a mapped value lands in the read model.
type MappingKind string

const (
	// Assign overwrites the target field with the source value. Later events
	// for the same field simply win.
	Assign MappingKind = "assign"
	// Accumulate appends the source value to an array target field, skipping
	// values already present.
	Accumulate MappingKind = "accumulate"
)

// FieldMapping maps one event payload field onto one read-model field.
type FieldMapping struct {
	SourceField string
	TargetField string
	Kind        MappingKind
}

// Definition declares a projection: its name and, per event type, the field
// mappings to apply. Several event types may map into the same target field.
type Definition struct {
	Name     string
	Mappings map[string][]FieldMapping
}

func (d Definition) validate() error {
	var problems []errspkg.FieldError
	if d.Name == "" {
		problems = append(problems, errspkg.FieldError{Field: "name", Problem: "is required"})
	}
	if len(d.Mappings) == 0 {
		problems = append(problems, errspkg.FieldError{Field: "mappings", Problem: "at least one event type mapping is required"})
	}
	for eventType, mappings := range d.Mappings {
		if len(mappings) == 0 {
			problems = append(problems, errspkg.FieldError{Field: "mappings." + eventType, Problem: "has no field mappings"})
		}
		for _, m := range mappings {
			if m.SourceField == "" || m.TargetField == "" {
				problems = append(problems, errspkg.FieldError{
					Field:   "mappings." + eventType,
					Problem: "source and target fields are required",
				})
			}
			switch m.Kind {
			case Assign, Accumulate, "":
			default:
				problems = append(problems, errspkg.FieldError{
					Field:   "mappings." + eventType,
					Problem: "unknown mapping kind " + string(m.Kind),
				})
			}
		}
	}
	if len(problems) > 0 {
		return &errspkg.ValidationError{Message: "invalid projection definition", Fields: problems}
	}
	return nil
}

// ReadModel is one row per aggregate per projection, owned exclusively by the
// engine. Version counts the events applied to this record.
type ReadModel struct {
	ID             string         `json:"id"`
	ProjectionName string         `json:"projectionName"`
	Data           map[string]any `json:"data"`
	Version        int64          `json:"version"`
}

// applyMapping folds one mapped value into the record's data.
func (rm *ReadModel) applyMapping(m FieldMapping, value any) {
	if m.Kind != Accumulate {
		rm.Data[m.TargetField] = value
		return
	}

	existing, _ := rm.Data[m.TargetField].([]any)
	for _, v := range existing {
		if reflect.DeepEqual(v, value) {
			return
		}
	}
	updated := make([]any, len(existing), len(existing)+1)
	copy(updated, existing)
	rm.Data[m.TargetField] = append(updated, value)
}

// Store persists read-model records.
type Store interface {
	GetRecord(ctx context.Context, projectionName, id string) (ReadModel, bool, error)
	PutRecord(ctx context.Context, record ReadModel) error
}
