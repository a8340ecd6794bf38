package eventstore

import "context"

// Store is the append-only event log. Append is atomic per aggregate stream:
// either every event in the batch is appended with consecutive versions or
// none is. A stale expectedVersion fails with ConcurrencyError and leaves the
// stream untouched.
type Store interface {
	// Append writes the events to the aggregate's stream, assigning versions
	// expectedVersion+1..expectedVersion+len(events), and returns the new
	// stream version. expectedVersion is 0 for a fresh stream.
	Append(ctx context.Context, aggregateID string, expectedVersion int64, events []DomainEvent) (int64, error)

	// Load returns the full stream in strictly increasing version order.
	Load(ctx context.Context, aggregateID string) ([]DomainEvent, error)

	// LoadFrom returns the events with version greater than afterVersion, in
	// strictly increasing version order. Used to continue replay past a
	// snapshot.
	LoadFrom(ctx context.Context, aggregateID string, afterVersion int64) ([]DomainEvent, error)

	// CurrentVersion returns the stream's version, 0 for an unknown stream.
	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)
}

// SnapshotStore persists aggregate snapshots. Snapshots are a pure replay
// optimization; losing one never loses data.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, bool, error)
}
