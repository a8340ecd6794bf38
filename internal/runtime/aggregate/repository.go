package aggregate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avral-io/corebus/internal/runtime/eventstore"
	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
)

// Snapshotter is implemented by aggregates that support snapshot-seeded
// replay. Restoring a snapshot must leave the aggregate in exactly the state
// replaying the covered events would have.
type Snapshotter interface {
	Aggregate
	SnapshotState() (json.RawMessage, error)
	RestoreSnapshot(snapshot eventstore.Snapshot) error
}

// EventPublisher receives persisted events after a successful Save, in stream
// order. Wired to the bus so projections and subscribers observe them.
type EventPublisher interface {
	PublishEvents(ctx context.Context, events []eventstore.DomainEvent) error
}

// Repository loads and saves one aggregate type against the event store.
type Repository[T Aggregate] struct {
	store         eventstore.Store
	snapshots     eventstore.SnapshotStore
	snapshotEvery int64
	factory       func(id string) T
	publisher     EventPublisher
	logger        loggingpkg.ServiceLogger
}

// RepositoryOption tunes a Repository.
type RepositoryOption[T Aggregate] func(*Repository[T])

// WithSnapshots enables snapshot-seeded replay, taking a snapshot whenever a
// Save crosses a multiple of every.
func WithSnapshots[T Aggregate](store eventstore.SnapshotStore, every int64) RepositoryOption[T] {
	return func(r *Repository[T]) {
		r.snapshots = store
		r.snapshotEvery = every
	}
}

// WithPublisher publishes persisted events after every successful Save.
func WithPublisher[T Aggregate](publisher EventPublisher) RepositoryOption[T] {
	return func(r *Repository[T]) { r.publisher = publisher }
}

// NewRepository builds a repository for one aggregate type. The factory
// returns an initialized empty aggregate for the given id.
func NewRepository[T Aggregate](store eventstore.Store, factory func(id string) T, logger loggingpkg.ServiceLogger, opts ...RepositoryOption[T]) *Repository[T] {
	r := &Repository[T]{
		store:   store,
		factory: factory,
		logger:  logger.With(loggingpkg.LogFields{"component": "repository"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load rebuilds the aggregate from its stream, seeding from a snapshot when
// one exists. An aggregate with no events and no snapshot is NotFound.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, error) {
	agg := r.factory(id)
	var afterVersion int64

	if r.snapshots != nil {
		if snapshotter, ok := any(agg).(Snapshotter); ok {
			snap, found, err := r.snapshots.LoadSnapshot(ctx, id)
			if err != nil {
				return agg, err
			}
			if found {
				if err := snapshotter.RestoreSnapshot(snap); err != nil {
					return agg, err
				}
				agg.root().advanceTo(snap.Version)
				afterVersion = snap.Version
			}
		}
	}

	events, err := r.store.LoadFrom(ctx, id, afterVersion)
	if err != nil {
		return agg, err
	}
	if len(events) == 0 && afterVersion == 0 {
		return agg, &errspkg.NotFoundError{Resource: agg.AggregateType(), ID: id}
	}

	for _, event := range events {
		if err := agg.Apply(event); err != nil {
			return agg, err
		}
		agg.root().advanceTo(event.AggregateVersion)
	}
	return agg, nil
}

// Save appends the aggregate's uncommitted events with optimistic concurrency
// and publishes them. On ConcurrencyError nothing is appended; the caller
// reloads and retries the business operation, not the raw append.
func (r *Repository[T]) Save(ctx context.Context, agg T) (int64, error) {
	events := agg.root().UncommittedEvents()
	if len(events) == 0 {
		return agg.Version(), nil
	}

	expectedVersion := agg.Version() - int64(len(events))
	newVersion, err := r.store.Append(ctx, agg.AggregateID(), expectedVersion, events)
	if err != nil {
		return 0, err
	}
	agg.root().ClearUncommittedEvents()

	r.maybeSnapshot(ctx, agg, expectedVersion, newVersion)

	if r.publisher != nil {
		if err := r.publisher.PublishEvents(ctx, events); err != nil {
			// The append is durable; publishing is at-least-once and the
			// caller's write must not be rolled back for a publish failure.
			r.logger.Error("publishing persisted events failed", err, loggingpkg.LogFields{
				"aggregate_id": agg.AggregateID(),
				"events":       len(events),
			})
		}
	}
	return newVersion, nil
}

func (r *Repository[T]) maybeSnapshot(ctx context.Context, agg T, previousVersion, newVersion int64) {
	if r.snapshots == nil || r.snapshotEvery <= 0 {
		return
	}
	if previousVersion/r.snapshotEvery == newVersion/r.snapshotEvery {
		return
	}
	snapshotter, ok := any(agg).(Snapshotter)
	if !ok {
		return
	}

	state, err := snapshotter.SnapshotState()
	if err != nil {
		r.logger.Error("snapshot state capture failed", err, loggingpkg.LogFields{"aggregate_id": agg.AggregateID()})
		return
	}
	snap := eventstore.Snapshot{
		AggregateID:   agg.AggregateID(),
		AggregateType: agg.AggregateType(),
		Version:       newVersion,
		State:         state,
		TakenAt:       time.Now().UTC(),
	}
	if err := r.snapshots.SaveSnapshot(ctx, snap); err != nil {
		r.logger.Error("snapshot save failed", err, loggingpkg.LogFields{"aggregate_id": agg.AggregateID()})
	}
}
