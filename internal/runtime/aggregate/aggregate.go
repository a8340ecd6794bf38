// Package aggregate reconstructs aggregate state by folding event streams and
// persists new events raised by business methods. Invariant checks happen in
// the business method before an event is raised; a raised event has already
// passed them and is applied to in-memory state immediately.
package aggregate

import (
	"github.com/avral-io/corebus/internal/runtime/eventstore"
)

// Aggregate is implemented by embedding Root in a domain type and providing
// Apply, which folds one event into the aggregate's state. Apply must be a
// pure state transition: it runs both for freshly raised events and during
// replay, and must not re-check invariants or perform I/O.
type Aggregate interface {
	AggregateID() string
	AggregateType() string
	Version() int64
	Apply(event eventstore.DomainEvent) error

	root() *Root
}

// Root carries the identity, version, and uncommitted-event bookkeeping every
// aggregate needs. Embed it and call Init from the aggregate's constructor.
type Root struct {
	id            string
	aggregateType string
	version       int64
	uncommitted   []eventstore.DomainEvent
}

// Init sets the aggregate's identity. Must be called before any Raise.
func (r *Root) Init(aggregateType, id string) {
	r.aggregateType = aggregateType
	r.id = id
}

func (r *Root) AggregateID() string   { return r.id }
func (r *Root) AggregateType() string { return r.aggregateType }
func (r *Root) Version() int64        { return r.version }

// UncommittedEvents returns the events raised since the last Save, in order.
func (r *Root) UncommittedEvents() []eventstore.DomainEvent {
	out := make([]eventstore.DomainEvent, len(r.uncommitted))
	copy(out, r.uncommitted)
	return out
}

// ClearUncommittedEvents drops raised events after they have been persisted.
func (r *Root) ClearUncommittedEvents() {
	r.uncommitted = nil
}

func (r *Root) root() *Root { return r }

func (r *Root) recordRaised(event eventstore.DomainEvent) {
	r.version++
	event.AggregateVersion = r.version
	r.uncommitted = append(r.uncommitted, event)
}

func (r *Root) advanceTo(version int64) {
	r.version = version
}

// Raise builds a domain event for the aggregate, applies it to in-memory
// state, and queues it for the next Save. The caller has already verified the
// business invariants; Raise fails only on marshalling or Apply errors.
func Raise(agg Aggregate, eventType string, payload any) error {
	event, err := eventstore.NewDomainEvent(eventType, agg.AggregateType(), agg.AggregateID(), payload)
	if err != nil {
		return err
	}
	if err := agg.Apply(event); err != nil {
		return err
	}
	agg.root().recordRaised(event)
	return nil
}
