// Package metadata models the headers carried alongside a message envelope on
// the wire and provides copy-on-write helpers used across the runtime.
package metadata

// Metadata represents the transport headers attached to an envelope.
type Metadata map[string]string

// Reserved header keys. The x-* keys travel as AMQP custom headers; the rest
// map onto the standard message properties of the underlying transport.
const (
	KeyCorrelationID   = "correlation_id"
	KeyReplyTo         = "reply_to"
	KeyContentType     = "content_type"
	KeyContentEncoding = "content_encoding"
	KeyDeliveryMode    = "delivery_mode"
	KeyPriority        = "priority"

	KeyServiceName = "x-service-name"
	KeyMessageType = "x-message-type"
	KeyCausationID = "x-causation-id"
	KeyTraceID     = "x-trace-id"
	KeySpanID      = "x-span-id"
	KeyRetryCount  = "x-retry-count"
	KeyCompression = "x-compression"
)

// Values used for the standard property keys.
const (
	ContentTypeJSON     = "application/json"
	ContentEncodingUTF8 = "utf-8"
	DeliveryModeDurable = "2"
	PriorityLow         = "0"
	PriorityNormal      = "1"
	PriorityHigh        = "2"
	CompressionDeflate  = "deflate"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get returns the value for key, or the empty string when absent. Safe on nil.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
