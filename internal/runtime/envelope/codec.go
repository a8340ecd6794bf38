package envelope

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"

	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	"github.com/avral-io/corebus/internal/runtime/jsoncodec"
	metadatapkg "github.com/avral-io/corebus/internal/runtime/metadata"
)

// Codec serialises envelopes for the wire. Serialized envelopes larger than
// CompressionThreshold bytes are deflate-compressed and marked via the
// x-compression header so Decode can transparently reverse it.
type Codec struct {
	// CompressionThreshold in bytes; zero disables the default of 1024.
	CompressionThreshold int
}

// NewCodec returns a codec with the given compression threshold. A zero
// threshold falls back to the 1 KB default.
func NewCodec(compressionThreshold int) *Codec {
	if compressionThreshold <= 0 {
		compressionThreshold = 1024
	}
	return &Codec{CompressionThreshold: compressionThreshold}
}

// Encode serialises the envelope and returns the bytes together with the
// transport headers describing the encoding. Compression is applied to the
// whole serialized envelope when it exceeds the threshold.
func (c *Codec) Encode(env *MessageEnvelope) ([]byte, metadatapkg.Metadata, error) {
	if missing := env.missingFields(); len(missing) > 0 {
		return nil, nil, &errspkg.MalformedEnvelopeError{Missing: missing}
	}

	data, err := jsoncodec.Marshal(env)
	if err != nil {
		return nil, nil, err
	}

	headers := metadatapkg.New(
		metadatapkg.KeyContentType, metadatapkg.ContentTypeJSON,
		metadatapkg.KeyContentEncoding, metadatapkg.ContentEncodingUTF8,
	)

	if len(data) > c.threshold() {
		compressed, err := deflate(data)
		if err != nil {
			return nil, nil, err
		}
		headers[metadatapkg.KeyCompression] = metadatapkg.CompressionDeflate
		return compressed, headers, nil
	}

	return data, headers, nil
}

// Decode reverses Encode. It decompresses when the headers carry the
// compression marker and fails with MalformedEnvelopeError when required
// fields are absent or the bytes are not a valid envelope.
func (c *Codec) Decode(data []byte, headers metadatapkg.Metadata) (*MessageEnvelope, error) {
	if headers.Get(metadatapkg.KeyCompression) == metadatapkg.CompressionDeflate {
		inflated, err := inflate(data)
		if err != nil {
			return nil, &errspkg.MalformedEnvelopeError{Reason: "failed to decompress payload: " + err.Error()}
		}
		data = inflated
	}

	var env MessageEnvelope
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		return nil, &errspkg.MalformedEnvelopeError{Reason: "invalid JSON: " + err.Error()}
	}

	if missing := env.missingFields(); len(missing) > 0 {
		return nil, &errspkg.MalformedEnvelopeError{Missing: missing}
	}

	return &env, nil
}

func (c *Codec) threshold() int {
	if c.CompressionThreshold > 0 {
		return c.CompressionThreshold
	}
	return 1024
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
