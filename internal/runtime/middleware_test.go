package runtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	configpkg "github.com/avral-io/corebus/internal/runtime/config"
	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	metadatapkg "github.com/avral-io/corebus/internal/runtime/metadata"
)

func TestCorrelationIDMiddlewareAddsMissingID(t *testing.T) {
	t.Parallel()

	s := &Service{}
	handler := s.correlationIDMiddleware()(func(msg *message.Message) ([]*message.Message, error) {
		return nil, nil
	})

	msg := message.NewMessage("m1", []byte("{}"))
	if _, err := handler(msg); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if msg.Metadata[metadatapkg.KeyCorrelationID] == "" {
		t.Fatal("expected a correlation id to be minted")
	}

	msg2 := message.NewMessage("m2", []byte("{}"))
	msg2.Metadata[metadatapkg.KeyCorrelationID] = "existing"
	handler(msg2)
	if msg2.Metadata[metadatapkg.KeyCorrelationID] != "existing" {
		t.Fatal("existing correlation id must be preserved")
	}
}

func TestRetryMiddlewareOnlyRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	s := &Service{}
	mw := s.retryMiddlewareWithConfig(RetryMiddlewareConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	})

	t.Run("typed local errors fail immediately", func(t *testing.T) {
		calls := 0
		handler := mw(func(msg *message.Message) ([]*message.Message, error) {
			calls++
			return nil, &errspkg.ValidationError{Message: "bad payload"}
		})
		msg := message.NewMessage("m1", []byte("{}"))
		msg.SetContext(t.Context())
		if _, err := handler(msg); err == nil {
			t.Fatal("expected error")
		}
		if calls != 1 {
			t.Fatalf("validation error was retried %d times", calls-1)
		}
	})

	t.Run("untyped errors are retried", func(t *testing.T) {
		calls := 0
		handler := mw(func(msg *message.Message) ([]*message.Message, error) {
			calls++
			return nil, errors.New("connection reset")
		})
		msg := message.NewMessage("m2", []byte("{}"))
		msg.SetContext(t.Context())
		if _, err := handler(msg); err == nil {
			t.Fatal("expected error after exhausted retries")
		}
		if calls != 3 {
			t.Fatalf("expected 3 attempts, got %d", calls)
		}
	})
}

type poisonCapturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *poisonCapturePublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *poisonCapturePublisher) Close() error { return nil }

func TestPoisonQueueCatchesUnprocessableMessages(t *testing.T) {
	t.Parallel()

	pub := &poisonCapturePublisher{}
	s := &Service{
		Conf:      &configpkg.Config{ServiceName: "billing", PubSubSystem: "channel"},
		publisher: pub,
	}

	reg := PoisonQueueMiddleware(nil)
	mw, err := reg.Builder(s)
	if err != nil {
		t.Fatalf("build poison middleware: %v", err)
	}

	handler := mw(func(msg *message.Message) ([]*message.Message, error) {
		return nil, &UnprocessableMessageError{MessageUUID: msg.UUID, Err: errors.New("not an envelope")}
	})

	msg := message.NewMessage("m1", []byte("not json"))
	msg.SetContext(t.Context())
	if _, err := handler(msg); err != nil {
		t.Fatalf("poisoned messages must be acked, got %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.topics) != 1 || pub.topics[0] != defaultPoisonQueue {
		t.Fatalf("expected one message on %s, got %v", defaultPoisonQueue, pub.topics)
	}
}

func TestPayloadValidateMiddlewareChecksRegisteredPrototypes(t *testing.T) {
	t.Parallel()

	s := &Service{protoRegistry: make(map[string]func() proto.Message)}
	s.RegisterProtoMessage("Thing", &structpb.Struct{})
	mw := s.payloadValidateMiddleware()

	invoked := false
	handler := mw(func(msg *message.Message) ([]*message.Message, error) {
		invoked = true
		return nil, nil
	})

	good := message.NewMessage("m1", []byte(`{"name":"a"}`))
	good.Metadata[metadatapkg.KeyMessageType] = "Thing"
	if _, err := handler(good); err != nil || !invoked {
		t.Fatalf("valid payload rejected: %v", err)
	}

	bad := message.NewMessage("m2", []byte(`{notjson`))
	bad.Metadata[metadatapkg.KeyMessageType] = "Thing"
	_, err := handler(bad)
	var unprocessable *UnprocessableMessageError
	if !errors.As(err, &unprocessable) {
		t.Fatalf("expected UnprocessableMessageError, got %v", err)
	}

	invoked = false
	unregistered := message.NewMessage("m3", []byte(`whatever`))
	unregistered.Metadata[metadatapkg.KeyMessageType] = "Unknown"
	if _, err := handler(unregistered); err != nil || !invoked {
		t.Fatalf("unregistered types must pass through: %v", err)
	}
}
