package contracts

import (
	"sync"

	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
)

// ChangeKind describes what happened to a contract entry.
type ChangeKind string

const (
	ChangeRegistered ChangeKind = "registered"
	ChangeSuperseded ChangeKind = "superseded"
)

// Change notifies listeners (typically the service-discovery collaborator)
// about registry mutations.
type Change struct {
	Kind       ChangeKind
	Definition Definition
}

// ChangeListener receives registry change notifications.
type ChangeListener interface {
	OnContractChange(Change)
}

// ChangeListenerFunc adapts a function to the ChangeListener interface.
type ChangeListenerFunc func(Change)

func (f ChangeListenerFunc) OnContractChange(c Change) { f(c) }

type entry struct {
	definition Definition
	checksum   string
}

// Registry maps message-type names to contract definitions. It is shared,
// read-mostly, and safe under concurrent registration: readers never block
// each other, writers are serialised, and each registration batch lands
// atomically or not at all.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]entry
	listeners []ChangeListener
	logger    loggingpkg.ServiceLogger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger loggingpkg.ServiceLogger) *Registry {
	if logger == nil {
		panic(errspkg.ErrLoggerRequired)
	}
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger,
	}
}

// Register validates and stores a batch of contract definitions atomically.
// A re-registration with an unchanged checksum is idempotent; a changed
// checksum supersedes the stored entry and notifies listeners. A message
// type already owned by a different service is a conflict and rejects the
// whole batch.
func (r *Registry) Register(defs ...Definition) error {
	if len(defs) == 0 {
		return nil
	}

	serviceName := defs[0].ServiceName
	var problems []errspkg.FieldError
	seen := make(map[string]struct{}, len(defs))

	for _, def := range defs {
		problems = append(problems, wellFormedProblems(def)...)
		if def.ServiceName != serviceName {
			problems = append(problems, errspkg.FieldError{
				Field:   def.MessageType + ".serviceName",
				Problem: "batch mixes definitions from different services",
			})
		}
		if _, dup := seen[def.MessageType]; dup {
			problems = append(problems, errspkg.FieldError{
				Field:   def.MessageType,
				Problem: "duplicate message type within batch",
			})
		}
		seen[def.MessageType] = struct{}{}
	}

	r.mu.Lock()

	// Cross-service conflicts checked under the lock so two services racing
	// to claim a message type cannot both win.
	for _, def := range defs {
		if existing, ok := r.entries[def.MessageType]; ok && existing.definition.ServiceName != def.ServiceName {
			problems = append(problems, errspkg.FieldError{
				Field:   def.MessageType,
				Problem: "already registered by service " + existing.definition.ServiceName,
			})
		}
	}

	if len(problems) > 0 {
		r.mu.Unlock()
		return &errspkg.ContractValidationError{ServiceName: serviceName, Problems: problems}
	}

	var changes []Change
	for _, def := range defs {
		checksum := def.Checksum()
		existing, ok := r.entries[def.MessageType]
		if ok && existing.checksum == checksum {
			continue
		}
		kind := ChangeRegistered
		if ok {
			kind = ChangeSuperseded
		}
		r.entries[def.MessageType] = entry{definition: def, checksum: checksum}
		changes = append(changes, Change{Kind: kind, Definition: def})
	}
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.Unlock()

	for _, change := range changes {
		r.logger.Info("contract "+string(change.Kind), loggingpkg.LogFields{
			"message_type": change.Definition.MessageType,
			"service":      change.Definition.ServiceName,
			"kind":         string(change.Definition.Kind),
		})
		r.notify(listeners, change)
	}

	return nil
}

// Resolve returns the contract for a message type.
func (r *Registry) Resolve(messageType string) (Definition, error) {
	r.mu.RLock()
	e, ok := r.entries[messageType]
	r.mu.RUnlock()

	if !ok {
		return Definition{}, &errspkg.UnknownMessageTypeError{MessageType: messageType}
	}
	return e.definition, nil
}

// All returns a point-in-time snapshot of every registered contract.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.definition)
	}
	return out
}

// Subscribe adds a listener for registry changes.
func (r *Registry) Subscribe(listener ChangeListener) {
	if listener == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, listener)
	r.mu.Unlock()
}

// notify delivers a change to each listener in its own goroutine so a slow or
// panicking listener cannot stall registration.
func (r *Registry) notify(listeners []ChangeListener, change Change) {
	for _, listener := range listeners {
		go func(l ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("contract change listener panicked", nil, loggingpkg.LogFields{
						"message_type": change.Definition.MessageType,
						"panic":        rec,
					})
				}
			}()
			l.OnContractChange(change)
		}(listener)
	}
}
