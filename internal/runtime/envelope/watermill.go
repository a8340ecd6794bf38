package envelope

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/avral-io/corebus/internal/runtime/metadata"
)

// ToWatermill encodes the envelope into a Watermill message. The message UUID
// is the envelope id so broker-side tooling and the reply correlator see the
// same identifier. Standard and x-* headers are populated from the envelope.
func (c *Codec) ToWatermill(env *MessageEnvelope) (*message.Message, error) {
	data, headers, err := c.Encode(env)
	if err != nil {
		return nil, err
	}

	headers[metadatapkg.KeyCorrelationID] = env.CorrelationID
	if env.CausationID != "" {
		headers[metadatapkg.KeyCausationID] = env.CausationID
	}
	headers[metadatapkg.KeyServiceName] = env.ServiceName
	headers[metadatapkg.KeyMessageType] = env.MessageType
	headers[metadatapkg.KeyDeliveryMode] = metadatapkg.DeliveryModeDurable
	headers[metadatapkg.KeyPriority] = metadatapkg.PriorityNormal

	if env.TraceContext != nil {
		headers[metadatapkg.KeyTraceID] = env.TraceContext.TraceID
		if env.TraceContext.SpanID != "" {
			headers[metadatapkg.KeySpanID] = env.TraceContext.SpanID
		}
	}
	if md := env.Metadata; md != nil {
		if md.Routing != nil && md.Routing.ReplyTo != "" {
			headers[metadatapkg.KeyReplyTo] = md.Routing.ReplyTo
		}
		if md.Routing != nil && md.Routing.Priority > 0 {
			headers[metadatapkg.KeyPriority] = strconv.Itoa(md.Routing.Priority)
		}
		if md.Retry != nil && md.Retry.AttemptCount > 0 {
			headers[metadatapkg.KeyRetryCount] = strconv.Itoa(md.Retry.AttemptCount)
		}
	}

	msg := message.NewMessage(env.ID, data)
	msg.Metadata = metadatapkg.ToWatermill(headers)
	return msg, nil
}

// FromWatermill decodes a Watermill message back into an envelope.
func (c *Codec) FromWatermill(msg *message.Message) (*MessageEnvelope, error) {
	return c.Decode(msg.Payload, metadatapkg.FromWatermill(msg.Metadata))
}
