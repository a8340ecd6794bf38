package projection

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore is the in-process read-model store. Records are copied on the
// way in and out so callers never alias engine-owned state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]ReadModel
}

// NewMemoryStore builds an empty read-model store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]ReadModel)}
}

func (s *MemoryStore) GetRecord(_ context.Context, projectionName, id string) (ReadModel, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[projectionName+"/"+id]
	if !ok {
		return ReadModel{}, false, nil
	}
	return copyRecord(record), true, nil
}

func (s *MemoryStore) PutRecord(_ context.Context, record ReadModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ProjectionName+"/"+record.ID] = copyRecord(record)
	return nil
}

func copyRecord(record ReadModel) ReadModel {
	out := record
	out.Data = make(map[string]any, len(record.Data))
	maps.Copy(out.Data, record.Data)
	return out
}
