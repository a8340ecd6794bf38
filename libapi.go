package corebus

import (
	runtimepkg "github.com/avral-io/corebus/internal/runtime"
	aggregatepkg "github.com/avral-io/corebus/internal/runtime/aggregate"
	clientpkg "github.com/avral-io/corebus/internal/runtime/client"
	configpkg "github.com/avral-io/corebus/internal/runtime/config"
	contractspkg "github.com/avral-io/corebus/internal/runtime/contracts"
	correlationpkg "github.com/avral-io/corebus/internal/runtime/correlation"
	dispatchpkg "github.com/avral-io/corebus/internal/runtime/dispatch"
	envelopepkg "github.com/avral-io/corebus/internal/runtime/envelope"
	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	eventstorepkg "github.com/avral-io/corebus/internal/runtime/eventstore"
	idspkg "github.com/avral-io/corebus/internal/runtime/ids"
	jsoncodec "github.com/avral-io/corebus/internal/runtime/jsoncodec"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
	metadatapkg "github.com/avral-io/corebus/internal/runtime/metadata"
	projectionpkg "github.com/avral-io/corebus/internal/runtime/projection"
	rttransport "github.com/avral-io/corebus/internal/runtime/transport"
	bustransport "github.com/avral-io/corebus/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	PayloadValidator    = runtimepkg.PayloadValidator

	Transport        = rttransport.Transport
	TransportFactory = rttransport.Factory
	Capabilities     = bustransport.Capabilities

	MiddlewareBuilder         = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration    = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig     = runtimepkg.RetryMiddlewareConfig
	UnprocessableMessageError = runtimepkg.UnprocessableMessageError

	// Envelope and wire types
	MessageEnvelope = envelopepkg.MessageEnvelope
	TraceContext    = envelopepkg.TraceContext
	AuthContext     = envelopepkg.AuthContext
	RetryMetadata   = envelopepkg.RetryMetadata
	Routing         = envelopepkg.Routing
	Codec           = envelopepkg.Codec
	Metadata        = metadatapkg.Metadata

	CorrelationContext = correlationpkg.Context

	// Contract types
	ContractKind       = contractspkg.Kind
	ContractDefinition = contractspkg.Definition
	ContractRegistry   = contractspkg.Registry
	ContractChange     = contractspkg.Change
	FieldSpec          = contractspkg.FieldSpec
	FieldType          = contractspkg.FieldType
	Schema             = contractspkg.Schema

	// Client types
	Client              = clientpkg.Client
	CallOption          = clientpkg.CallOption
	BreakerState        = clientpkg.BreakerState
	StateChangeListener = clientpkg.StateChangeListener

	// Dispatch types
	HandlerFunc      = dispatchpkg.HandlerFunc
	EventHandlerFunc = dispatchpkg.EventHandlerFunc
	StatsSnapshot    = dispatchpkg.StatsSnapshot
	DLQMetrics       = dispatchpkg.DLQMetrics
	DLQSnapshot      = dispatchpkg.DLQSnapshot
	DLQTopicMetrics  = dispatchpkg.DLQTopicMetrics

	// Event sourcing types
	DomainEvent   = eventstorepkg.DomainEvent
	Snapshot      = eventstorepkg.Snapshot
	EventStore    = eventstorepkg.Store
	SnapshotStore = eventstorepkg.SnapshotStore
	Aggregate      = aggregatepkg.Aggregate
	AggregateRoot  = aggregatepkg.Root
	Snapshotter    = aggregatepkg.Snapshotter
	EventPublisher = aggregatepkg.EventPublisher

	// Projection types
	ProjectionDefinition = projectionpkg.Definition
	ProjectionEngine     = projectionpkg.Engine
	ProjectionStore      = projectionpkg.Store
	FieldMapping         = projectionpkg.FieldMapping
	MappingKind          = projectionpkg.MappingKind
	ReadModel            = projectionpkg.ReadModel

	// Error taxonomy
	ErrorCode               = errspkg.Code
	ErrorPayload            = errspkg.Payload
	FieldError              = errspkg.FieldError
	ValidationError         = errspkg.ValidationError
	BusinessRuleError       = errspkg.BusinessRuleError
	NotFoundError           = errspkg.NotFoundError
	ForbiddenError          = errspkg.ForbiddenError
	UnauthorizedError       = errspkg.UnauthorizedError
	TimeoutError            = errspkg.TimeoutError
	ConcurrencyError        = errspkg.ConcurrencyError
	CircuitOpenError        = errspkg.CircuitOpenError
	MalformedEnvelopeError  = errspkg.MalformedEnvelopeError
	UnknownMessageTypeError = errspkg.UnknownMessageTypeError
	ContractValidationError = errspkg.ContractValidationError
	InternalError           = errspkg.InternalError

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

var (
	NewService         = runtimepkg.NewService
	DefaultMiddlewares = runtimepkg.DefaultMiddlewares

	// Middleware registrations for custom chains
	CorrelationIDMiddleware   = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware     = runtimepkg.LogMessagesMiddleware
	PayloadValidateMiddleware = runtimepkg.PayloadValidateMiddleware
	TracerMiddleware          = runtimepkg.TracerMiddleware
	MetricsMiddleware         = runtimepkg.MetricsMiddleware
	RetryMiddleware           = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware     = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware       = runtimepkg.RecovererMiddleware

	// Transport registry. Import a backend package (or rely on the defaults
	// pulled in by the runtime) and select it via Config.PubSubSystem.
	RegisterTransport       = bustransport.Register
	BuildTransport          = bustransport.Build
	GetCapabilities         = bustransport.GetCapabilities
	DefaultTransportFactory = rttransport.DefaultFactory

	// Envelope construction and codec
	NewEnvelope = envelopepkg.New
	NewCodec    = envelopepkg.NewCodec

	// Reply conventions
	NewReply       = envelopepkg.NewReply
	NewErrorReply  = envelopepkg.NewErrorReply
	IsReply        = envelopepkg.IsReply
	IsErrorReply   = envelopepkg.IsErrorReply
	ReplyError     = envelopepkg.ReplyError
	ReplyType      = envelopepkg.ReplyType
	ErrorReplyType = envelopepkg.ErrorReplyType

	// Redelivery bookkeeping
	RetryCount              = envelopepkg.RetryCount
	ExceedsRedeliveryBudget = envelopepkg.ExceedsRedeliveryBudget
	IsDeadLettered          = envelopepkg.IsDeadLettered
	OriginalTopic           = envelopepkg.OriginalTopic
	DeadLetterTopic         = envelopepkg.DeadLetterTopic

	// Correlation context plumbing
	NewRootCorrelation      = correlationpkg.NewRoot
	CorrelationFrom         = correlationpkg.From
	WithCorrelation         = correlationpkg.With
	EnsureCorrelation       = correlationpkg.Ensure
	CorrelationFromEnvelope = correlationpkg.FromEnvelope

	// Topic naming
	CommandTopic        = contractspkg.CommandTopic
	QueryTopic          = contractspkg.QueryTopic
	EventTopic          = contractspkg.EventTopic
	EventBroadcastTopic = contractspkg.EventBroadcastTopic
	ReplyTopic          = contractspkg.ReplyTopic

	// Call options
	WithTimeout  = clientpkg.WithTimeout
	WithAuth     = clientpkg.WithAuth
	WithPriority = clientpkg.WithPriority

	// Error inspection
	CodeOf         = errspkg.CodeOf
	IsTransient    = errspkg.IsTransient
	ErrorToPayload = errspkg.ToPayload

	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired = errspkg.ErrHandlerNameRequired
	ErrContractRequired    = errspkg.ErrContractRequired
	ErrPublisherRequired   = errspkg.ErrPublisherRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrPayloadRequired     = errspkg.ErrPayloadRequired

	// Event sourcing
	NewDomainEvent      = eventstorepkg.NewDomainEvent
	NewMemoryEventStore = eventstorepkg.NewMemoryStore
	Raise               = aggregatepkg.Raise

	NewMemoryProjectionStore = projectionpkg.NewMemoryStore

	NewDLQMetrics = dispatchpkg.NewDLQMetrics

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillLoggerAdapter = loggingpkg.NewWatermillAdapter

	NewMetadata = metadatapkg.New

	NewULID          = idspkg.NewULID
	NewEnvelopeID    = idspkg.NewEnvelopeID
	NewCorrelationID = idspkg.NewCorrelationID
	NewEventID       = idspkg.NewEventID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode
)

// Contract kinds.
const (
	KindCommand = contractspkg.KindCommand
	KindQuery   = contractspkg.KindQuery
	KindEvent   = contractspkg.KindEvent
)

// Schema field types.
const (
	FieldString  = contractspkg.FieldString
	FieldNumber  = contractspkg.FieldNumber
	FieldBoolean = contractspkg.FieldBoolean
	FieldObject  = contractspkg.FieldObject
	FieldArray   = contractspkg.FieldArray
)

// Circuit breaker states.
const (
	BreakerClosed   = clientpkg.BreakerClosed
	BreakerOpen     = clientpkg.BreakerOpen
	BreakerHalfOpen = clientpkg.BreakerHalfOpen
)

// Projection mapping kinds.
const (
	MappingAssign     = projectionpkg.Assign
	MappingAccumulate = projectionpkg.Accumulate
)

// Wire error codes carried in error reply payloads.
const (
	CodeValidation         = errspkg.CodeValidation
	CodeBusinessRule       = errspkg.CodeBusinessRule
	CodeNotFound           = errspkg.CodeNotFound
	CodeForbidden          = errspkg.CodeForbidden
	CodeUnauthorized       = errspkg.CodeUnauthorized
	CodeTimeout            = errspkg.CodeTimeout
	CodeConcurrency        = errspkg.CodeConcurrency
	CodeCircuitOpen        = errspkg.CodeCircuitOpen
	CodeMalformedEnvelope  = errspkg.CodeMalformedEnvelope
	CodeUnknownMessageType = errspkg.CodeUnknownMessageType
	CodeContractValidation = errspkg.CodeContractValidation
	CodeInternal           = errspkg.CodeInternal
)

// DeadLetterSuffix is appended to a topic to derive its dead-letter topic.
const DeadLetterSuffix = envelopepkg.DeadLetterSuffix

// NewRepository creates an event-sourced repository for one aggregate type.
func NewRepository[T Aggregate](store EventStore, factory func(id string) T, logger ServiceLogger, opts ...RepositoryOption[T]) *Repository[T] {
	return aggregatepkg.NewRepository(store, factory, logger, opts...)
}

// Repository re-exports the aggregate repository for hosting services.
type Repository[T Aggregate] = aggregatepkg.Repository[T]

// RepositoryOption configures a repository at construction time.
type RepositoryOption[T Aggregate] = aggregatepkg.RepositoryOption[T]

// WithSnapshots enables snapshotting every n versions.
func WithSnapshots[T Aggregate](store SnapshotStore, every int64) RepositoryOption[T] {
	return aggregatepkg.WithSnapshots[T](store, every)
}

// WithPublisher publishes persisted events to the bus after each save.
func WithPublisher[T Aggregate](publisher EventPublisher) RepositoryOption[T] {
	return aggregatepkg.WithPublisher[T](publisher)
}
