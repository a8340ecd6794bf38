// Package runtime wires the bus runtime together: transport, router,
// middleware chain, contract registry, dispatcher, resilient client, event
// store, and projection engine.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"google.golang.org/protobuf/proto"

	clientpkg "github.com/avral-io/corebus/internal/runtime/client"
	configpkg "github.com/avral-io/corebus/internal/runtime/config"
	contractspkg "github.com/avral-io/corebus/internal/runtime/contracts"
	dispatchpkg "github.com/avral-io/corebus/internal/runtime/dispatch"
	"github.com/avral-io/corebus/internal/runtime/envelope"
	"github.com/avral-io/corebus/internal/runtime/eventstore"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
	projectionpkg "github.com/avral-io/corebus/internal/runtime/projection"
	transportpkg "github.com/avral-io/corebus/internal/runtime/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// PayloadValidator validates decoded payloads. Implementations typically
// forward to protovalidate or a custom struct validator.
type PayloadValidator interface {
	Validate(value any) error
}

// ServiceDependencies holds the optional collaborators a Service can use.
// Leave fields nil to get the built-in defaults.
type ServiceDependencies struct {
	Validator                 PayloadValidator
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory

	// EventStore and SnapshotStore back the aggregate repositories. The
	// in-memory store is used when nil.
	EventStore    eventstore.Store
	SnapshotStore eventstore.SnapshotStore

	// ProjectionStore backs the read models. The in-memory store is used
	// when nil.
	ProjectionStore projectionpkg.Store
}

// Service wires a Watermill router, transport, middleware chain, and the bus
// runtime components. Register contracts and handlers on the returned Service
// before calling Start.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	codec     *envelope.Codec
	contracts *contractspkg.Registry
	dispatch  *dispatchpkg.Dispatcher
	client    *clientpkg.Client

	events      eventstore.Store
	snapshots   eventstore.SnapshotStore
	projections *projectionpkg.Engine
	dlqMetrics  *dispatchpkg.DLQMetrics

	validator       PayloadValidator
	protoRegistry   map[string]func() proto.Message
	protoRegistryMu sync.RWMutex

	consumedTopics   map[string]struct{}
	consumedTopicsMu sync.Mutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService constructs a Service for the supplied configuration. It panics
// when the transport cannot be built, because a service without its bus
// cannot do anything useful.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating bus service", loggingpkg.LogFields{
		"service_name":  conf.ServiceName,
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	s := &Service{
		Conf:           conf,
		Logger:         log,
		codec:          envelope.NewCodec(conf.EffectiveCompressionThreshold()),
		validator:      deps.Validator,
		protoRegistry:  make(map[string]func() proto.Message),
		consumedTopics: make(map[string]struct{}),
		dlqMetrics:     dispatchpkg.NewDLQMetrics(nil),
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		panic(err)
	}
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		panic(err)
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	s.contracts = contractspkg.NewRegistry(log)

	s.dispatch, err = dispatchpkg.NewDispatcher(conf, s.contracts, s.publisher, log, s.dlqMetrics)
	if err != nil {
		panic(err)
	}

	s.client, err = clientpkg.New(conf, s.publisher, log)
	if err != nil {
		panic(err)
	}

	s.events = deps.EventStore
	if s.events == nil {
		s.events = eventstore.NewMemoryStore()
	}
	s.snapshots = deps.SnapshotStore
	if s.snapshots == nil {
		if snaps, ok := s.events.(eventstore.SnapshotStore); ok {
			s.snapshots = snaps
		}
	}

	store := deps.ProjectionStore
	if store == nil {
		store = projectionpkg.NewMemoryStore()
	}
	s.projections = projectionpkg.NewEngine(store, log)

	s.registerConfiguredMiddlewares(deps)
	s.registerReplyConsumer()

	return s
}

// Start runs the underlying Watermill router until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if s.Conf.MetricsEnabled {
		if err := s.dlqMetrics.Register(); err != nil {
			return err
		}
	}
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Contracts exposes the contract registry for registration and introspection.
func (s *Service) Contracts() *contractspkg.Registry { return s.contracts }

// Client exposes the resilient client used for cross-service calls.
func (s *Service) Client() *clientpkg.Client { return s.client }

// EventStore exposes the configured event store.
func (s *Service) EventStore() eventstore.Store { return s.events }

// SnapshotStore exposes the configured snapshot store, which may be nil.
func (s *Service) SnapshotStore() eventstore.SnapshotStore { return s.snapshots }

// Projections exposes the projection engine.
func (s *Service) Projections() *projectionpkg.Engine { return s.projections }

// Publisher exposes the raw transport publisher for advanced integrations.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// HandlerStats returns processing statistics for a command or query handler.
func (s *Service) HandlerStats(messageType string) (dispatchpkg.StatsSnapshot, bool) {
	return s.dispatch.HandlerStats(messageType)
}

// SubscriberStats returns processing statistics for one event subscriber.
func (s *Service) SubscriberStats(eventType, subscriberName string) (dispatchpkg.StatsSnapshot, bool) {
	return s.dispatch.SubscriberStats(eventType, subscriberName)
}

// DLQSnapshot returns per-topic dead-letter statistics.
func (s *Service) DLQSnapshot() dispatchpkg.DLQSnapshot {
	return s.dlqMetrics.Snapshot()
}

// RegisterProtoMessage exposes a proto message prototype for payload
// validation. Messages whose x-message-type matches a registered prototype
// are validated by the payload_validate middleware before dispatch.
func (s *Service) RegisterProtoMessage(messageType string, msg proto.Message) {
	if msg == nil {
		return
	}
	s.protoRegistryMu.Lock()
	s.protoRegistry[messageType] = func() proto.Message {
		return msg.ProtoReflect().New().Interface()
	}
	s.protoRegistryMu.Unlock()
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			panic(fmt.Sprintf("failed to register middleware %s: %v", name, err))
		}
	}
}

// RegisterHTTPHandler mounts an HTTP handler on the mux served at the given
// port once Start is called.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
