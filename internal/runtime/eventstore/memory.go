package eventstore

import (
	"context"
	"sync"

	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
)

// MemoryStore is the in-process Store and SnapshotStore implementation. Each
// aggregate stream carries its own lock so unrelated aggregates append
// concurrently; only stream creation goes through the store-level lock.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string]*stream
	snapshots map[string]Snapshot
}

type stream struct {
	mu     sync.Mutex
	events []DomainEvent
}

// NewMemoryStore builds an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string]*stream),
		snapshots: make(map[string]Snapshot),
	}
}

func (s *MemoryStore) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []DomainEvent) (int64, error) {
	if len(events) == 0 {
		return s.CurrentVersion(ctx, aggregateID)
	}

	st := s.getOrCreateStream(aggregateID)
	st.mu.Lock()
	defer st.mu.Unlock()

	current := int64(len(st.events))
	if current != expectedVersion {
		return current, &errspkg.ConcurrencyError{
			AggregateID:     aggregateID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	for i, ev := range events {
		ev.AggregateID = aggregateID
		ev.AggregateVersion = expectedVersion + int64(i) + 1
		st.events = append(st.events, ev)
	}
	return int64(len(st.events)), nil
}

func (s *MemoryStore) Load(ctx context.Context, aggregateID string) ([]DomainEvent, error) {
	return s.LoadFrom(ctx, aggregateID, 0)
}

func (s *MemoryStore) LoadFrom(_ context.Context, aggregateID string, afterVersion int64) ([]DomainEvent, error) {
	s.mu.RLock()
	st, ok := s.streams[aggregateID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if afterVersion >= int64(len(st.events)) {
		return nil, nil
	}
	out := make([]DomainEvent, len(st.events)-int(afterVersion))
	copy(out, st.events[afterVersion:])
	return out, nil
}

func (s *MemoryStore) CurrentVersion(_ context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	st, ok := s.streams[aggregateID]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return int64(len(st.events)), nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snapshot Snapshot) error {
	if snapshot.AggregateID == "" {
		return &errspkg.ValidationError{Message: "snapshot requires an aggregate id"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.AggregateID] = snapshot
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, aggregateID string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[aggregateID]
	return snap, ok, nil
}

func (s *MemoryStore) getOrCreateStream(aggregateID string) *stream {
	s.mu.RLock()
	st, ok := s.streams[aggregateID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.streams[aggregateID]; ok {
		return st
	}
	st = &stream{}
	s.streams[aggregateID] = st
	return st
}
