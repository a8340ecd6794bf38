// Package transport defines the pluggable message-transport layer. Each
// backend (rabbitmq, kafka, nats, aws, http, channel) lives in its own
// sub-package and registers itself with the registry; the configured
// PubSubSystem name selects which one carries the bus traffic.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines the publisher and subscriber pair a builder produced.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder creates a transport from configuration. Each backend package
// provides one and registers it under its transport name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config narrows the runtime configuration to what transports need, so
// backend packages do not depend on the full config type.
type Config interface {
	// GetServiceName identifies the consuming service. Backends use it to
	// derive consumer groups and queue names.
	GetServiceName() string

	// GetPubSubSystem returns the configured transport name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by backends that report what they
// support natively, letting the runtime decide where it must emulate
// priorities, ordering, or dead-lettering.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
