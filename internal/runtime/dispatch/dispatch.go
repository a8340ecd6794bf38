// Package dispatch routes inbound envelopes to their handlers: exactly one
// handler for a command or query, with the result or a structured error
// returned on the caller's reply queue, and independent fan-out to every
// subscriber for an event, with per-subscriber retry and dead-lettering.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/avral-io/corebus/internal/runtime/config"
	"github.com/avral-io/corebus/internal/runtime/contracts"
	"github.com/avral-io/corebus/internal/runtime/correlation"
	"github.com/avral-io/corebus/internal/runtime/envelope"
	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	"github.com/avral-io/corebus/internal/runtime/keylock"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
	metadatapkg "github.com/avral-io/corebus/internal/runtime/metadata"
)

// HandlerFunc processes one command or query and returns the reply payload.
type HandlerFunc func(ctx context.Context, env *envelope.MessageEnvelope) (any, error)

// EventHandlerFunc processes one event delivery for a single subscriber.
type EventHandlerFunc func(ctx context.Context, env *envelope.MessageEnvelope) error

type handlerEntry struct {
	name  string
	fn    HandlerFunc
	stats *HandlerStats
}

type subscriberEntry struct {
	name       string
	fn         EventHandlerFunc
	maxRetries int
	stats      *HandlerStats
	aggLocks   *keylock.Stripe // serializes deliveries per aggregate id
}

// Dispatcher resolves inbound envelopes against the contract registry and
// invokes the registered handlers. Safe for concurrent dispatch.
type Dispatcher struct {
	serviceName     string
	registry        *contracts.Registry
	publisher       message.Publisher
	codec           *envelope.Codec
	logger          loggingpkg.ServiceLogger
	maxRedeliveries int
	deadLetterQueue string

	mu          sync.RWMutex
	handlers    map[string]*handlerEntry
	subscribers map[string][]*subscriberEntry

	dlqMetrics *DLQMetrics
}

// NewDispatcher builds a dispatcher. The publisher carries replies and
// dead-lettered messages; dlqMetrics may be nil to skip DLQ accounting.
func NewDispatcher(cfg *config.Config, registry *contracts.Registry, publisher message.Publisher, logger loggingpkg.ServiceLogger, dlqMetrics *DLQMetrics) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if registry == nil {
		return nil, errspkg.ErrContractRequired
	}
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	return &Dispatcher{
		serviceName:     cfg.ServiceName,
		registry:        registry,
		publisher:       publisher,
		codec:           envelope.NewCodec(cfg.EffectiveCompressionThreshold()),
		logger:          logger.With(loggingpkg.LogFields{"component": "dispatcher"}),
		maxRedeliveries: cfg.EffectiveSubscriberMaxRedeliveries(),
		deadLetterQueue: cfg.DeadLetterQueue,
		handlers:        make(map[string]*handlerEntry),
		subscribers:     make(map[string][]*subscriberEntry),
		dlqMetrics:      dlqMetrics,
	}, nil
}

// RegisterHandler binds the single handler for a command or query message
// type. A second registration for the same type is rejected.
func (d *Dispatcher) RegisterHandler(messageType, handlerName string, fn HandlerFunc) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	if handlerName == "" {
		return errspkg.ErrHandlerNameRequired
	}

	def, err := d.registry.Resolve(messageType)
	if err != nil {
		return err
	}
	if def.Kind != contracts.KindCommand && def.Kind != contracts.KindQuery {
		return &errspkg.ContractValidationError{
			ServiceName: d.serviceName,
			Problems: []errspkg.FieldError{{
				Field:   "kind",
				Problem: "handlers bind to commands and queries, use Subscribe for events",
			}},
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.handlers[messageType]; ok {
		return &errspkg.ContractValidationError{
			ServiceName: d.serviceName,
			Problems: []errspkg.FieldError{{
				Field:   "messageType",
				Problem: fmt.Sprintf("%s already handled by %s", messageType, existing.name),
			}},
		}
	}
	d.handlers[messageType] = &handlerEntry{
		name:  handlerName,
		fn:    fn,
		stats: newHandlerStats(handlerName),
	}
	return nil
}

// Subscribe adds an event subscriber. Multiple subscribers per event type are
// expected; each gets isolated delivery, retries, and ordering.
func (d *Dispatcher) Subscribe(eventType, subscriberName string, fn EventHandlerFunc) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	if subscriberName == "" {
		return errspkg.ErrHandlerNameRequired
	}

	def, err := d.registry.Resolve(eventType)
	if err != nil {
		return err
	}
	if def.Kind != contracts.KindEvent {
		return &errspkg.ContractValidationError{
			ServiceName: d.serviceName,
			Problems: []errspkg.FieldError{{
				Field:   "kind",
				Problem: "Subscribe binds to events, use RegisterHandler for commands and queries",
			}},
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[eventType] = append(d.subscribers[eventType], &subscriberEntry{
		name:       subscriberName,
		fn:         fn,
		maxRetries: d.maxRedeliveries,
		stats:      newHandlerStats(subscriberName),
		aggLocks:   keylock.New(0),
	})
	return nil
}

// HandlerStats returns the stats for a registered command or query handler.
func (d *Dispatcher) HandlerStats(messageType string) (StatsSnapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.handlers[messageType]
	if !ok {
		return StatsSnapshot{}, false
	}
	return entry.stats.Snapshot(), true
}

// SubscriberStats returns the stats for one event subscriber.
func (d *Dispatcher) SubscriberStats(eventType, subscriberName string) (StatsSnapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[eventType] {
		if sub.name == subscriberName {
			return sub.stats.Snapshot(), true
		}
	}
	return StatsSnapshot{}, false
}

// Dispatch routes one inbound envelope. For commands and queries the returned
// error mirrors what was sent on the reply queue; for events it is always nil
// once fan-out completes, because subscriber failures never reach the
// publisher.
func (d *Dispatcher) Dispatch(ctx context.Context, env *envelope.MessageEnvelope) error {
	def, err := d.registry.Resolve(env.MessageType)
	if err != nil {
		d.logger.Error("dispatch of unknown message type", err, loggingpkg.LogFields{
			"message_type":   env.MessageType,
			"correlation_id": env.CorrelationID,
		})
		d.reply(ctx, env, nil, err)
		return err
	}

	if def.Kind == contracts.KindEvent {
		d.fanOut(ctx, env)
		return nil
	}
	return d.dispatchRequest(ctx, def, env)
}

func (d *Dispatcher) dispatchRequest(ctx context.Context, def contracts.Definition, env *envelope.MessageEnvelope) error {
	d.mu.RLock()
	entry, ok := d.handlers[env.MessageType]
	d.mu.RUnlock()
	if !ok {
		err := &errspkg.InternalError{Err: fmt.Errorf("no handler bound for %s", env.MessageType)}
		d.logger.Error("contract resolved but no handler bound", err, loggingpkg.LogFields{
			"message_type": env.MessageType,
		})
		d.reply(ctx, env, nil, err)
		return err
	}

	if err := d.admit(def, env); err != nil {
		d.reply(ctx, env, nil, err)
		return err
	}

	start := time.Now()
	result, err := d.invoke(ctx, entry, env)
	entry.stats.record(time.Since(start), err)

	if err != nil {
		err = d.classify(err, env)
		d.reply(ctx, env, nil, err)
		return err
	}
	d.reply(ctx, env, result, nil)
	return nil
}

// admit performs the pre-handler checks: payload shape and permissions.
func (d *Dispatcher) admit(def contracts.Definition, env *envelope.MessageEnvelope) error {
	if err := def.ValidatePayload(env.Payload); err != nil {
		return err
	}
	if len(def.RequiredPermissions) == 0 {
		return nil
	}

	var auth *envelope.AuthContext
	if env.Metadata != nil {
		auth = env.Metadata.Auth
	}
	if auth == nil {
		return &errspkg.UnauthorizedError{Message: "missing auth context for protected operation"}
	}
	for _, permission := range def.RequiredPermissions {
		if !auth.HasPermission(permission) {
			return &errspkg.ForbiddenError{Permission: permission}
		}
	}
	return nil
}

// invoke runs the handler inside the envelope's correlation context, turning
// panics into errors so a broken handler cannot take the router down.
func (d *Dispatcher) invoke(ctx context.Context, entry *handlerEntry, env *envelope.MessageEnvelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errspkg.InternalError{Err: fmt.Errorf("handler %s panicked: %v", entry.name, r)}
		}
	}()

	corr := correlation.FromEnvelope(env)
	err = correlation.Run(ctx, corr, func(ctx context.Context) error {
		var handlerErr error
		result, handlerErr = entry.fn(ctx, env)
		return handlerErr
	})
	return result, err
}

// classify wraps unclassified handler errors as InternalError and logs them
// with full context. Typed errors pass through untouched so their codes reach
// the caller.
func (d *Dispatcher) classify(err error, env *envelope.MessageEnvelope) error {
	if errspkg.CodeOf(err) != errspkg.CodeInternal {
		return err
	}
	wrapped, ok := err.(*errspkg.InternalError)
	if !ok {
		wrapped = &errspkg.InternalError{Err: err}
	}
	d.logger.Error("handler failed with internal error", wrapped.Err, loggingpkg.LogFields{
		"message_type":   env.MessageType,
		"correlation_id": env.CorrelationID,
		"service_name":   env.ServiceName,
	})
	return wrapped
}

// reply publishes the success or error reply to the caller's reply queue.
// Envelopes without a reply-to are fire-and-forget.
func (d *Dispatcher) reply(ctx context.Context, req *envelope.MessageEnvelope, result any, cause error) {
	replyTo := req.ReplyTo()
	if replyTo == "" {
		return
	}

	var reply *envelope.MessageEnvelope
	var err error
	if cause != nil {
		reply, err = envelope.NewErrorReply(req, d.serviceName, cause)
	} else {
		if result == nil {
			result = struct{}{}
		}
		reply, err = envelope.NewReply(req, d.serviceName, result)
	}
	if err != nil {
		d.logger.Error("building reply failed", err, loggingpkg.LogFields{
			"correlation_id": req.CorrelationID,
		})
		return
	}

	msg, err := d.codec.ToWatermill(reply)
	if err != nil {
		d.logger.Error("encoding reply failed", err, loggingpkg.LogFields{
			"correlation_id": req.CorrelationID,
		})
		return
	}
	if err := d.publisher.Publish(replyTo, msg); err != nil {
		d.logger.Error("publishing reply failed", err, loggingpkg.LogFields{
			"correlation_id": req.CorrelationID,
			"reply_to":       replyTo,
		})
	}
}

// fanOut delivers an event to every subscriber independently. One
// subscriber's failure never blocks another's delivery; a subscriber that
// exhausts its retry budget has the message routed to the dead-letter sink.
func (d *Dispatcher) fanOut(ctx context.Context, env *envelope.MessageEnvelope) {
	d.mu.RLock()
	subs := make([]*subscriberEntry, len(d.subscribers[env.MessageType]))
	copy(subs, d.subscribers[env.MessageType])
	d.mu.RUnlock()

	if len(subs) == 0 {
		d.logger.Debug("event has no subscribers", loggingpkg.LogFields{
			"message_type": env.MessageType,
		})
		return
	}

	aggregateID := eventAggregateID(env)
	for _, sub := range subs {
		d.deliver(ctx, sub, env, aggregateID)
	}
}

// deliver runs one subscriber with per-aggregate serialization and an
// immediate retry budget, dead-lettering on exhaustion.
func (d *Dispatcher) deliver(ctx context.Context, sub *subscriberEntry, env *envelope.MessageEnvelope, aggregateID string) {
	mu := sub.aggLocks.Get(aggregateID)
	mu.Lock()
	defer mu.Unlock()

	corr := correlation.FromEnvelope(env)
	var lastErr error
	for attempt := 0; attempt <= sub.maxRetries; attempt++ {
		start := time.Now()
		lastErr = d.invokeSubscriber(ctx, sub, corr, env)
		sub.stats.record(time.Since(start), lastErr)
		if lastErr == nil {
			return
		}
		d.logger.Debug("subscriber delivery failed", loggingpkg.LogFields{
			"subscriber":   sub.name,
			"message_type": env.MessageType,
			"attempt":      attempt + 1,
			"error":        lastErr.Error(),
		})
	}

	d.deadLetter(sub, env, lastErr)
}

func (d *Dispatcher) invokeSubscriber(ctx context.Context, sub *subscriberEntry, corr *correlation.Context, env *envelope.MessageEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errspkg.InternalError{Err: fmt.Errorf("subscriber %s panicked: %v", sub.name, r)}
		}
	}()
	return correlation.Run(ctx, corr, func(ctx context.Context) error {
		return sub.fn(ctx, env)
	})
}

// deadLetter routes a message whose subscriber exhausted its retries to the
// dead-letter sink, annotated with the failure context.
func (d *Dispatcher) deadLetter(sub *subscriberEntry, env *envelope.MessageEnvelope, cause error) {
	originalTopic := contracts.EventTopic(d.serviceName, env.MessageType)
	dlqTopic := d.deadLetterQueue
	if dlqTopic == "" {
		dlqTopic = envelope.DeadLetterTopic(originalTopic)
	}

	msg, err := d.codec.ToWatermill(env)
	if err != nil {
		d.logger.Error("encoding dead-letter message failed", err, loggingpkg.LogFields{
			"subscriber": sub.name,
		})
		return
	}

	headers := metadatapkg.FromWatermill(msg.Metadata)
	for i := 0; i <= sub.maxRetries; i++ {
		headers = envelope.IncrementRetryCount(headers)
	}
	headers = envelope.PrepareForDeadLetter(headers, originalTopic, cause)
	msg.Metadata = metadatapkg.ToWatermill(headers)

	if err := d.publisher.Publish(dlqTopic, msg); err != nil {
		d.logger.Error("publishing to dead-letter queue failed", err, loggingpkg.LogFields{
			"subscriber": sub.name,
			"dlq_topic":  dlqTopic,
		})
		return
	}

	d.logger.Error("message dead-lettered after exhausted retries", cause, loggingpkg.LogFields{
		"subscriber":   sub.name,
		"message_type": env.MessageType,
		"dlq_topic":    dlqTopic,
	})
	if d.dlqMetrics != nil {
		age := time.Since(env.Timestamp)
		d.dlqMetrics.Record(originalTopic, sub.name, sub.maxRetries+1, age)
	}
}

// eventAggregateID extracts the aggregate id an event belongs to, falling
// back to the envelope id so unknown payload shapes still get a stable key.
func eventAggregateID(env *envelope.MessageEnvelope) string {
	var payload struct {
		AggregateID string `json:"aggregateId"`
	}
	if err := env.DecodePayload(&payload); err == nil && payload.AggregateID != "" {
		return payload.AggregateID
	}
	return env.ID
}
