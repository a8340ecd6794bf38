package transport

// Capabilities describes what a transport backend supports natively. The
// runtime consults these to decide where application-level emulation is
// needed: the dispatcher dead-letters through the publisher when the backend
// has no native DLQ, and serializes per-aggregate delivery when the backend
// gives no ordering guarantee.
type Capabilities struct {
	// Name is the transport name as registered.
	Name string

	// SupportsNativeDLQ indicates built-in dead-letter routing. When false,
	// dead-lettering happens at the dispatcher level.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates messages within a partition or queue are
	// delivered in publish order.
	SupportsOrdering bool

	// SupportsPriority indicates the backend honours per-message priority.
	// When false, the envelope priority header is carried but not acted on.
	SupportsPriority bool

	// SupportsPartitioning indicates the backend can partition a topic by
	// message key.
	SupportsPartitioning bool

	// SupportsAck and SupportsNack describe the acknowledgement model.
	SupportsAck  bool
	SupportsNack bool

	// SupportsTracing indicates trace headers propagate through the broker.
	SupportsTracing bool

	// MaxMessageSize is the broker's message size limit in bytes, zero when
	// unlimited or unknown. Compressed envelopes must stay under it.
	MaxMessageSize int64
}

// RequiresDLQEmulation reports whether dead-lettering must happen at the
// application level.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports whether the backend offers at-least-once
// semantics (ack plus redelivery on nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Capability sets for the built-in backends.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsPriority:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsTracing:   true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsAck:          true,
		SupportsTracing:      true,
		MaxMessageSize:       1048576,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsTracing:   true,
		MaxMessageSize:    262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities looks up the capabilities a backend registered under the
// given name. Unknown names get a zero set carrying just the name, which
// makes the runtime emulate everything.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
