// Package eventstore provides the append-only, per-aggregate-stream event log
// with optimistic concurrency, plus snapshot storage used to seed replay.
package eventstore

import (
	"encoding/json"
	"time"

	idspkg "github.com/avral-io/corebus/internal/runtime/ids"
	"github.com/avral-io/corebus/internal/runtime/jsoncodec"
)

// DomainEvent is one immutable entry in an aggregate's stream. The version is
// assigned by the store at append time and is strictly increasing per
// aggregate id.
type DomainEvent struct {
	EventID          string          `json:"eventId"`
	EventType        string          `json:"eventType"`
	AggregateType    string          `json:"aggregateType"`
	AggregateID      string          `json:"aggregateId"`
	AggregateVersion int64           `json:"aggregateVersion"`
	OccurredAt       time.Time       `json:"occurredAt"`
	EventData        json.RawMessage `json:"eventData"`
}

// NewDomainEvent builds an unversioned event for the given aggregate,
// marshalling the payload to JSON.
func NewDomainEvent(eventType, aggregateType, aggregateID string, payload any) (DomainEvent, error) {
	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return DomainEvent{}, err
	}
	return DomainEvent{
		EventID:       idspkg.NewEventID(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		OccurredAt:    time.Now().UTC(),
		EventData:     data,
	}, nil
}

// DecodeData unmarshals the event payload into the provided value.
func (e DomainEvent) DecodeData(v any) error {
	return jsoncodec.Unmarshal(e.EventData, v)
}

// Snapshot captures an aggregate's state at a known version so replay can
// start there instead of at the beginning of the stream.
type Snapshot struct {
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Version       int64           `json:"version"`
	State         json.RawMessage `json:"state"`
	TakenAt       time.Time       `json:"takenAt"`
}
