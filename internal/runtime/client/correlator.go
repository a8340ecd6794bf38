package client

import (
	"sync"

	"github.com/avral-io/corebus/internal/runtime/envelope"
)

// correlator matches incoming reply envelopes to the in-flight calls waiting
// for them. Waiters are keyed by the request envelope id, which the replying
// service echoes back as the reply's causation id; the correlation id itself
// is shared by every call made under one request and cannot distinguish them.
// Each waiter channel has capacity one so delivery never blocks the reply
// consumer.
type correlator struct {
	mu      sync.Mutex
	waiters map[string]chan *envelope.MessageEnvelope
}

func newCorrelator() *correlator {
	return &correlator{waiters: make(map[string]chan *envelope.MessageEnvelope)}
}

// register creates a waiter for the request envelope id. The returned cancel
// func must be called once the caller stops waiting, whether a reply arrived
// or not.
func (c *correlator) register(requestID string) (<-chan *envelope.MessageEnvelope, func()) {
	ch := make(chan *envelope.MessageEnvelope, 1)

	c.mu.Lock()
	c.waiters[requestID] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.waiters, requestID)
		c.mu.Unlock()
	}
	return ch, cancel
}

// resolve delivers the reply to the waiter registered for the request it
// answers, identified by the reply's causation id. It reports whether a
// waiter was found; late replies after a timeout are dropped by the caller.
func (c *correlator) resolve(env *envelope.MessageEnvelope) bool {
	c.mu.Lock()
	ch, ok := c.waiters[env.CausationID]
	if ok {
		delete(c.waiters, env.CausationID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}

// pending reports the number of calls currently waiting for a reply.
func (c *correlator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
