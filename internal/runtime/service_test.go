package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/avral-io/corebus/internal/runtime/config"
	contractspkg "github.com/avral-io/corebus/internal/runtime/contracts"
	"github.com/avral-io/corebus/internal/runtime/envelope"
	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	"github.com/avral-io/corebus/internal/runtime/eventstore"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
	projectionpkg "github.com/avral-io/corebus/internal/runtime/projection"
	kafkatransport "github.com/avral-io/corebus/transport/kafka"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type testPublisher struct{}

func (*testPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (*testPublisher) Close() error                                             { return nil }

type testSubscriber struct{}

func (*testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	return ch, nil
}
func (*testSubscriber) Close() error { return nil }

func TestNewServiceConfiguresKafka(t *testing.T) {
	origPub := kafkatransport.PublisherFactory
	origSub := kafkatransport.SubscriberFactory
	t.Cleanup(func() {
		kafkatransport.PublisherFactory = origPub
		kafkatransport.SubscriberFactory = origSub
	})

	pub := &testPublisher{}
	sub := &testSubscriber{}
	kafkatransport.PublisherFactory = func(config kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	kafkatransport.SubscriberFactory = func(config kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		if config.ConsumerGroup != "billing-group" {
			t.Fatalf("unexpected consumer group: %s", config.ConsumerGroup)
		}
		return sub, nil
	}

	cfg := &configpkg.Config{
		ServiceName:        "billing",
		PubSubSystem:       "kafka",
		KafkaBrokers:       []string{"b1"},
		KafkaConsumerGroup: "billing-group",
	}
	svc := NewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{})

	if svc.publisher != pub {
		t.Fatal("expected kafka publisher to be assigned")
	}
	if svc.subscriber != sub {
		t.Fatal("expected kafka subscriber to be assigned")
	}
	if svc.router == nil {
		t.Fatal("router should not be nil")
	}
}

func TestNewServicePanicsOnMiddlewareBuilderError(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("the code did not panic")
		}
	}()

	cfg := &configpkg.Config{ServiceName: "billing", PubSubSystem: "channel"}
	NewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{
		Middlewares: []MiddlewareRegistration{{
			Name: "bad",
			Builder: func(s *Service) (message.HandlerMiddleware, error) {
				return nil, errors.New("boom")
			},
		}},
	})
}

func inventoryContracts() []contractspkg.Definition {
	return []contractspkg.Definition{
		{
			MessageType: "ReserveStock",
			Kind:        contractspkg.KindCommand,
			ServiceName: "inventory",
			InputSchema: contractspkg.Schema{Fields: map[string]contractspkg.FieldSpec{
				"sku":      {Type: contractspkg.FieldString, Required: true},
				"quantity": {Type: contractspkg.FieldNumber, Required: true},
			}},
		},
		{
			MessageType: "StockReserved",
			Kind:        contractspkg.KindEvent,
			ServiceName: "inventory",
			Broadcast:   true,
		},
	}
}

func TestCommandRoundTripOverChannelTransport(t *testing.T) {
	cfg := &configpkg.Config{
		ServiceName:  "inventory",
		PubSubSystem: "channel",
		CallTimeout:  5 * time.Second,
	}
	svc := NewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{})

	if err := svc.RegisterContracts(inventoryContracts()...); err != nil {
		t.Fatalf("register contracts: %v", err)
	}
	err := svc.RegisterCommandHandler("ReserveStock", "reserve-stock", func(ctx context.Context, env *envelope.MessageEnvelope) (any, error) {
		var cmd struct {
			SKU      string  `json:"sku"`
			Quantity float64 `json:"quantity"`
		}
		if err := env.DecodePayload(&cmd); err != nil {
			return nil, err
		}
		if cmd.Quantity > 100 {
			return nil, &errspkg.BusinessRuleError{Rule: "max-reservation", Message: "quantity exceeds reservation limit"}
		}
		return map[string]any{"reservationId": "r-1", "sku": cmd.SKU}, nil
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Start(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-svc.router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	reply, err := svc.Call(context.Background(), "ReserveStock", map[string]any{"sku": "widget", "quantity": 3})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var result map[string]any
	if err := reply.DecodePayload(&result); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if result["reservationId"] != "r-1" || result["sku"] != "widget" {
		t.Fatalf("unexpected reply payload %v", result)
	}

	_, err = svc.Call(context.Background(), "ReserveStock", map[string]any{"sku": "widget", "quantity": 500})
	var bre *errspkg.BusinessRuleError
	if !errors.As(err, &bre) {
		t.Fatalf("expected BusinessRuleError over the wire, got %v", err)
	}
}

func TestProjectionConsumesPublishedEvents(t *testing.T) {
	store := projectionpkg.NewMemoryStore()
	cfg := &configpkg.Config{
		ServiceName:  "inventory",
		PubSubSystem: "channel",
	}
	svc := NewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{
		ProjectionStore: store,
	})

	if err := svc.RegisterContracts(inventoryContracts()...); err != nil {
		t.Fatalf("register contracts: %v", err)
	}
	err := svc.RegisterProjection(projectionpkg.Definition{
		Name: "rm_reservations",
		Mappings: map[string][]projectionpkg.FieldMapping{
			"StockReserved": {
				{SourceField: "sku", TargetField: "sku", Kind: projectionpkg.Assign},
				{SourceField: "quantity", TargetField: "quantity", Kind: projectionpkg.Assign},
			},
		},
	})
	if err != nil {
		t.Fatalf("register projection: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Start(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-svc.router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	event, err := eventstore.NewDomainEvent("StockReserved", "reservation", "res-1", map[string]any{
		"aggregateId": "res-1",
		"sku":         "widget",
		"quantity":    3,
	})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	event.AggregateVersion = 1

	if err := svc.EventPublisher().PublishEvents(context.Background(), []eventstore.DomainEvent{event}); err != nil {
		t.Fatalf("publish events: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		record, ok, err := store.GetRecord(context.Background(), "rm_reservations", "res-1")
		if err != nil {
			t.Fatalf("get record: %v", err)
		}
		if ok {
			if record.Data["sku"] != "widget" {
				t.Fatalf("unexpected read model %v", record.Data)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("read model was never updated")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
