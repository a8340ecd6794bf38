package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a time-sortable ULID encoded as a 26-character string.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewEnvelopeID generates the unique identifier stamped on every outbound envelope.
func NewEnvelopeID() string { return NewULID() }

// NewCorrelationID generates a fresh root correlation identifier. Only called
// when a request enters the system without one already attached.
func NewCorrelationID() string { return NewULID() }

// NewEventID generates the identifier for a newly raised domain event.
func NewEventID() string { return NewULID() }
