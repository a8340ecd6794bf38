package envelope

import (
	"strings"

	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
)

const (
	replySuffix = ".reply"
	errorSuffix = ".error"
)

// ReplyType names the message type of a successful reply to a request.
func ReplyType(messageType string) string {
	return messageType + replySuffix
}

// ErrorReplyType names the message type of a failed reply to a request.
func ErrorReplyType(messageType string) string {
	return messageType + errorSuffix
}

// IsReply reports whether the envelope carries a reply, successful or not.
func IsReply(env *MessageEnvelope) bool {
	return strings.HasSuffix(env.MessageType, replySuffix) ||
		strings.HasSuffix(env.MessageType, errorSuffix)
}

// IsErrorReply reports whether the envelope carries a structured error reply.
func IsErrorReply(env *MessageEnvelope) bool {
	return strings.HasSuffix(env.MessageType, errorSuffix)
}

// NewReply builds the successful reply to the given request. The correlation
// id and trace context are copied from the request; the causation id echoes
// the request envelope id so the caller's correlator can match the reply to
// the exact in-flight call.
func NewReply(req *MessageEnvelope, serviceName string, result any) (*MessageEnvelope, error) {
	return req.Child(serviceName, ReplyType(req.MessageType), result)
}

// NewErrorReply builds the structured error reply to the given request. The
// handler error is reduced to its wire payload; internal details never cross
// the service boundary.
func NewErrorReply(req *MessageEnvelope, serviceName string, cause error) (*MessageEnvelope, error) {
	return req.Child(serviceName, ErrorReplyType(req.MessageType), errspkg.ToPayload(cause))
}

// ReplyError extracts the typed error carried by an error reply. It returns
// nil when the envelope is not an error reply.
func ReplyError(env *MessageEnvelope) error {
	if !IsErrorReply(env) {
		return nil
	}
	var payload errspkg.Payload
	if err := env.DecodePayload(&payload); err != nil {
		return &errspkg.MalformedEnvelopeError{Reason: "undecodable error reply payload"}
	}
	return payload.ToError()
}
