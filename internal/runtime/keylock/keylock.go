// Package keylock provides striped mutexes for serializing work by string
// key with bounded memory: keys hash onto a fixed pool of locks instead of
// growing one lock per key ever seen.
package keylock

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 128

// Stripe maps string keys onto a fixed pool of mutexes. Two operations on
// the same key always share a mutex; unrelated keys occasionally share one
// too, which costs parallelism, never correctness.
type Stripe struct {
	locks []sync.Mutex
}

// New returns a stripe with n locks. Non-positive n falls back to the
// default pool size.
func New(n int) *Stripe {
	if n <= 0 {
		n = defaultStripes
	}
	return &Stripe{locks: make([]sync.Mutex, n)}
}

// Get returns the mutex serializing the given key.
func (s *Stripe) Get(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

// Size reports the number of locks in the pool.
func (s *Stripe) Size() int {
	return len(s.locks)
}
