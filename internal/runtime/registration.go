package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/avral-io/corebus/internal/runtime/aggregate"
	clientpkg "github.com/avral-io/corebus/internal/runtime/client"
	contractspkg "github.com/avral-io/corebus/internal/runtime/contracts"
	"github.com/avral-io/corebus/internal/runtime/correlation"
	dispatchpkg "github.com/avral-io/corebus/internal/runtime/dispatch"
	"github.com/avral-io/corebus/internal/runtime/envelope"
	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	"github.com/avral-io/corebus/internal/runtime/eventstore"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
	projectionpkg "github.com/avral-io/corebus/internal/runtime/projection"
)

// RegisterContracts registers message contracts atomically: either every
// definition in the batch is accepted or none is.
func (s *Service) RegisterContracts(defs ...contractspkg.Definition) error {
	return s.contracts.Register(defs...)
}

// RegisterCommandHandler binds the handler for a command message type and
// starts consuming the command's queue.
func (s *Service) RegisterCommandHandler(messageType, handlerName string, fn dispatchpkg.HandlerFunc) error {
	return s.registerRequestHandler(messageType, handlerName, fn)
}

// RegisterQueryHandler binds the handler for a query message type and starts
// consuming the query's queue.
func (s *Service) RegisterQueryHandler(messageType, handlerName string, fn dispatchpkg.HandlerFunc) error {
	return s.registerRequestHandler(messageType, handlerName, fn)
}

func (s *Service) registerRequestHandler(messageType, handlerName string, fn dispatchpkg.HandlerFunc) error {
	if err := s.dispatch.RegisterHandler(messageType, handlerName, fn); err != nil {
		return err
	}
	def, err := s.contracts.Resolve(messageType)
	if err != nil {
		return err
	}
	s.consumeTopic(handlerName, def.Topic())
	return nil
}

// SubscribeEvent adds an event subscriber and starts consuming the event's
// broadcast topic. Multiple subscribers per event type each get isolated
// delivery, retries, and per-aggregate ordering.
func (s *Service) SubscribeEvent(eventType, subscriberName string, fn dispatchpkg.EventHandlerFunc) error {
	if err := s.dispatch.Subscribe(eventType, subscriberName, fn); err != nil {
		return err
	}
	s.consumeTopic(s.Conf.ServiceName+"-events-"+eventType, contractspkg.EventBroadcastTopic(eventType))
	return nil
}

// RegisterProjection registers a declarative read-model projection and
// subscribes it to every event type its mappings name. The event contracts
// must already be registered.
func (s *Service) RegisterProjection(def projectionpkg.Definition) error {
	if err := s.projections.Register(def); err != nil {
		return err
	}

	for eventType := range def.Mappings {
		err := s.SubscribeEvent(eventType, "projection-"+def.Name, func(ctx context.Context, env *envelope.MessageEnvelope) error {
			var ev eventstore.DomainEvent
			if err := env.DecodePayload(&ev); err != nil {
				return &errspkg.MalformedEnvelopeError{Reason: "event payload is not a domain event: " + err.Error()}
			}
			return s.projections.Handle(ctx, ev)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Call sends a command or query through the resilient client and waits for
// the correlated reply. The message type must have a registered contract.
func (s *Service) Call(ctx context.Context, messageType string, payload any, opts ...clientpkg.CallOption) (*envelope.MessageEnvelope, error) {
	def, err := s.contracts.Resolve(messageType)
	if err != nil {
		return nil, err
	}
	return s.client.Call(ctx, def, payload, opts...)
}

// Notify publishes an event to its broadcast topic without waiting for any
// reply. The event type must have a registered contract.
func (s *Service) Notify(ctx context.Context, eventType string, payload any) error {
	def, err := s.contracts.Resolve(eventType)
	if err != nil {
		return err
	}
	return s.client.Notify(ctx, def, payload)
}

// EventPublisher returns a publisher that broadcasts persisted domain events
// on the bus. Pass it to aggregate repositories so committed events reach
// subscribers and projections.
func (s *Service) EventPublisher() aggregate.EventPublisher {
	return &busEventPublisher{svc: s}
}

type busEventPublisher struct {
	svc *Service
}

func (p *busEventPublisher) PublishEvents(ctx context.Context, events []eventstore.DomainEvent) error {
	for _, ev := range events {
		env, err := envelope.New(p.svc.Conf.ServiceName, ev.EventType, ev)
		if err != nil {
			return err
		}
		if corr, ok := correlation.From(ctx); ok {
			corr.Apply(env)
		}

		msg, err := p.svc.codec.ToWatermill(env)
		if err != nil {
			return err
		}
		if err := p.svc.publisher.Publish(contractspkg.EventBroadcastTopic(ev.EventType), msg); err != nil {
			return err
		}
	}
	return nil
}

// consumeTopic attaches a dispatch consumer for the topic exactly once.
// Registering several handlers that share a topic reuses the first consumer.
func (s *Service) consumeTopic(handlerName, topic string) {
	s.consumedTopicsMu.Lock()
	defer s.consumedTopicsMu.Unlock()
	if _, ok := s.consumedTopics[topic]; ok {
		return
	}
	s.consumedTopics[topic] = struct{}{}

	s.router.AddNoPublisherHandler(handlerName, topic, s.subscriber, s.dispatchMessage)
}

// dispatchMessage is the router-facing consumer: it decodes the wire message
// into an envelope and hands it to the dispatcher. Dispatch outcomes for
// commands and queries are already answered on the reply queue, so they are
// not bubbled up as handler errors, which would trigger a redundant
// transport-level redelivery.
func (s *Service) dispatchMessage(msg *message.Message) error {
	env, err := s.codec.FromWatermill(msg)
	if err != nil {
		return &UnprocessableMessageError{MessageUUID: msg.UUID, Err: err}
	}

	if err := s.dispatch.Dispatch(msg.Context(), env); err != nil {
		s.Logger.Debug("dispatch completed with error reply", loggingpkg.LogFields{
			"message_type":   env.MessageType,
			"correlation_id": env.CorrelationID,
			"error":          err.Error(),
		})
	}
	return nil
}

// registerReplyConsumer consumes this service's reply queue and resolves
// pending client calls.
func (s *Service) registerReplyConsumer() {
	s.router.AddNoPublisherHandler(
		s.Conf.ServiceName+"-replies",
		s.client.ReplyTopic(),
		s.subscriber,
		func(msg *message.Message) error {
			env, err := s.codec.FromWatermill(msg)
			if err != nil {
				return &UnprocessableMessageError{MessageUUID: msg.UUID, Err: err}
			}
			if !s.client.HandleReply(env) {
				s.Logger.Debug("reply without a pending call dropped", loggingpkg.LogFields{
					"correlation_id": env.CorrelationID,
					"message_type":   env.MessageType,
				})
			}
			return nil
		},
	)
}
