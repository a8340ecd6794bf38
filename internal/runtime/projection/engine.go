package projection

import (
	"context"
	"sync"

	"github.com/avral-io/corebus/internal/runtime/eventstore"
	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	"github.com/avral-io/corebus/internal/runtime/keylock"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
)

// Engine applies registered projections to incoming domain events. Handle is
// safe for concurrent use: updates for one (projection, aggregate) pair are
// serialized through a striped lock, everything else runs in parallel.
// Recently applied events are remembered in a bounded window and skipped on
// redelivery.
type Engine struct {
	store  Store
	logger loggingpkg.ServiceLogger

	mu          sync.RWMutex
	projections map[string]Definition

	locks     *keylock.Stripe // keyed by (projection, aggregate)
	processed *recentSet      // keyed by (projection, event id)
}

// NewEngine builds an engine persisting read models to the given store.
func NewEngine(store Store, logger loggingpkg.ServiceLogger) *Engine {
	if store == nil {
		panic("corebus: projection store cannot be nil")
	}
	if logger == nil {
		panic("corebus: projection logger cannot be nil")
	}
	return &Engine{
		store:       store,
		logger:      logger.With(loggingpkg.LogFields{"component": "projection"}),
		projections: make(map[string]Definition),
		locks:       keylock.New(0),
		processed:   newRecentSet(processedWindow),
	}
}

// Register adds a projection definition. Registering an existing name
// replaces it.
func (e *Engine) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.projections[def.Name] = def
	e.logger.Info("projection registered", loggingpkg.LogFields{
		"projection":  def.Name,
		"event_types": len(def.Mappings),
	})
	return nil
}

// EventTypes returns the event types any registered projection consumes.
func (e *Engine) EventTypes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, def := range e.projections {
		for eventType := range def.Mappings {
			if _, dup := seen[eventType]; dup {
				continue
			}
			seen[eventType] = struct{}{}
			out = append(out, eventType)
		}
	}
	return out
}

// Handle applies the event to every projection that maps its type. Failures
// are joined so one projection's error never hides another's update.
func (e *Engine) Handle(ctx context.Context, event eventstore.DomainEvent) error {
	e.mu.RLock()
	var matched []Definition
	for _, def := range e.projections {
		if _, ok := def.Mappings[event.EventType]; ok {
			matched = append(matched, def)
		}
	}
	e.mu.RUnlock()

	var firstErr error
	for _, def := range matched {
		if err := e.apply(ctx, def, event); err != nil {
			e.logger.Error("projection update failed", err, loggingpkg.LogFields{
				"projection":   def.Name,
				"event_type":   event.EventType,
				"aggregate_id": event.AggregateID,
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// apply performs one projection update as a single serialized transaction for
// the (projection, aggregate) pair.
func (e *Engine) apply(ctx context.Context, def Definition, event eventstore.DomainEvent) error {
	mu := e.locks.Get(def.Name + "/" + event.AggregateID)
	mu.Lock()
	defer mu.Unlock()

	if e.processed.contains(def.Name + "/" + event.EventID) {
		return nil
	}

	var payload map[string]any
	if err := event.DecodeData(&payload); err != nil {
		return &errspkg.MalformedEnvelopeError{Reason: "event payload is not a JSON object"}
	}

	record, found, err := e.store.GetRecord(ctx, def.Name, event.AggregateID)
	if err != nil {
		return err
	}
	if !found {
		record = ReadModel{
			ID:             event.AggregateID,
			ProjectionName: def.Name,
			Data:           make(map[string]any),
		}
	}

	for _, m := range def.Mappings[event.EventType] {
		value, ok := payload[m.SourceField]
		if !ok {
			continue
		}
		record.applyMapping(m, value)
	}
	record.Version++

	if err := e.store.PutRecord(ctx, record); err != nil {
		return err
	}
	e.processed.add(def.Name + "/" + event.EventID)
	return nil
}
