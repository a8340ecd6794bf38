package projection

import "sync"

// processedWindow bounds how many recently applied (projection, event) pairs
// the engine remembers for redelivery suppression. Broker redeliveries arrive
// close to the original delivery; an event old enough to have been evicted is
// re-applied, which mappings tolerate (assign overwrites, accumulate is a
// set) at the cost of an extra record version bump.
const processedWindow = 8192

// recentSet is a fixed-capacity string set with oldest-first eviction.
type recentSet struct {
	mu   sync.Mutex
	ring []string
	next int
	seen map[string]struct{}
}

func newRecentSet(capacity int) *recentSet {
	if capacity <= 0 {
		capacity = processedWindow
	}
	return &recentSet{
		ring: make([]string, capacity),
		seen: make(map[string]struct{}, capacity),
	}
}

func (s *recentSet) contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

func (s *recentSet) add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.seen, old)
	}
	s.ring[s.next] = key
	s.seen[key] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
}
