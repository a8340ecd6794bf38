// Package transport adapts the pluggable transport registry to the runtime's
// concrete configuration type.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/avral-io/corebus/internal/runtime/config"
	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	buspkg "github.com/avral-io/corebus/transport"

	// Register the built-in transports.
	_ "github.com/avral-io/corebus/transport/aws"
	_ "github.com/avral-io/corebus/transport/channel"
	_ "github.com/avral-io/corebus/transport/http"
	_ "github.com/avral-io/corebus/transport/kafka"
	_ "github.com/avral-io/corebus/transport/nats"
	_ "github.com/avral-io/corebus/transport/rabbitmq"
)

// Transport combines the publisher and subscriber pair a factory produced.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Factory abstracts how the runtime initialises its message transport.
// Supplying a custom factory is the seam used by tests and by services that
// embed their own broker setup.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// DefaultFactory returns a factory backed by the transport registry: the
// configured PubSubSystem selects which registered backend builds the pair.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}

	t, err := buspkg.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}
	return Transport{Publisher: t.Publisher, Subscriber: t.Subscriber}, nil
}

// Capabilities reports what the configured backend supports, so the runtime
// can decide where it must emulate ordering, priorities, or dead-lettering.
func Capabilities(conf *config.Config) buspkg.Capabilities {
	if conf == nil {
		return buspkg.Capabilities{}
	}
	return buspkg.GetCapabilities(conf.GetPubSubSystem())
}
