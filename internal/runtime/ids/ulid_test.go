package ids

import (
	"sync"
	"testing"
)

func TestNewULIDFormat(t *testing.T) {
	t.Parallel()

	id := NewULID()
	if len(id) != 26 {
		t.Fatalf("expected 26-character ULID, got %d characters: %q", len(id), id)
	}
}

func TestNewULIDMonotonicWithinProcess(t *testing.T) {
	t.Parallel()

	prev := NewULID()
	for i := 0; i < 100; i++ {
		next := NewULID()
		if next <= prev {
			t.Fatalf("expected strictly increasing ULIDs, got %q after %q", next, prev)
		}
		prev = next
	}
}

func TestNewULIDConcurrentUniqueness(t *testing.T) {
	t.Parallel()

	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id := NewULID()
				mu.Lock()
				if _, dup := seen[id]; dup {
					mu.Unlock()
					t.Errorf("duplicate ULID generated: %s", id)
					return
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
