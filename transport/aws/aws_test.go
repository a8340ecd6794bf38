package aws

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avral-io/corebus/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.True(t, caps.SupportsAck)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	originalLoader := DefaultConfigLoader
	originalResolver := TopicResolverFactory
	originalPub := PublisherFactory
	originalSub := SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		TopicResolverFactory = originalResolver
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, nil
	}

	var resolverAccountID, resolverRegion string
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		resolverAccountID = accountID
		resolverRegion = region
		return originalResolver(accountID, region)
	}

	var pubCfg sns.PublisherConfig
	var subCfg sns.SubscriberConfig
	var sqsCfg sqs.SubscriberConfig
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return &mockPublisher{}, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sq sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		sqsCfg = sq
		return &mockSubscriber{}, nil
	}

	t.Run("real account", func(t *testing.T) {
		cfg := &mockConfig{
			region:    "eu-central-1",
			accountID: "123456789012",
			accessKey: "AKIAEXAMPLE",
			secretKey: "secret",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
		assert.Equal(t, "123456789012", resolverAccountID)
		assert.Equal(t, "eu-central-1", resolverRegion)
		assert.Equal(t, "eu-central-1", pubCfg.AWSConfig.Region)
		assert.Equal(t, "eu-central-1", sqsCfg.AWSConfig.Region)
		assert.Empty(t, pubCfg.OptFns, "no endpoint override without a custom endpoint")
		assert.Empty(t, subCfg.OptFns)
	})

	t.Run("localstack account fallback", func(t *testing.T) {
		cfg := &mockConfig{
			region:   "us-east-1",
			endpoint: "http://localhost:4566",
		}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, localstackAccountID, resolverAccountID)
		assert.NotEmpty(t, pubCfg.OptFns, "custom endpoint overrides the SNS endpoint")
		assert.NotEmpty(t, subCfg.OptFns)
		assert.NotEmpty(t, sqsCfg.OptFns)
	})
}

func TestResolveAccountAndRegion(t *testing.T) {
	logger := watermill.NopLogger{}

	t.Run("passes through a valid account", func(t *testing.T) {
		accountID, region := resolveAccountAndRegion(&mockConfig{accountID: "123456789012", region: "eu-west-1"}, logger, "")
		assert.Equal(t, "123456789012", accountID)
		assert.Equal(t, "eu-west-1", region)
	})

	t.Run("trims quoting from env values", func(t *testing.T) {
		accountID, _ := resolveAccountAndRegion(&mockConfig{accountID: `"123456789012"`}, logger, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
	})

	t.Run("falls back to localstack account with custom endpoint", func(t *testing.T) {
		accountID, _ := resolveAccountAndRegion(&mockConfig{endpoint: "http://localhost:4566"}, logger, "us-east-1")
		assert.Equal(t, localstackAccountID, accountID)

		accountID, _ = resolveAccountAndRegion(&mockConfig{accountID: "42", endpoint: "http://localhost:4566"}, logger, "us-east-1")
		assert.Equal(t, localstackAccountID, accountID)
	})

	t.Run("keeps malformed account without custom endpoint", func(t *testing.T) {
		accountID, _ := resolveAccountAndRegion(&mockConfig{accountID: "42"}, logger, "us-east-1")
		assert.Equal(t, "42", accountID)
	})

	t.Run("region falls back to loaded config", func(t *testing.T) {
		_, region := resolveAccountAndRegion(&mockConfig{}, logger, "ap-south-1")
		assert.Equal(t, "ap-south-1", region)
	})
}

func TestServiceQueueNameGenerator(t *testing.T) {
	arn := sns.TopicArn("arn:aws:sns:us-east-1:123456789012:exchange-platform-events")

	name, err := serviceQueueNameGenerator("billing")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "exchange-platform-events-billing", name)

	name, err = serviceQueueNameGenerator("")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "exchange-platform-events", name)

	_, err = serviceQueueNameGenerator("billing")(context.Background(), sns.TopicArn("not-an-arn"))
	assert.Error(t, err)
}

type mockConfig struct {
	region    string
	accountID string
	accessKey string
	secretKey string
	endpoint  string
}

func (m *mockConfig) GetServiceName() string        { return "billing" }
func (m *mockConfig) GetPubSubSystem() string       { return "aws" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetAWSRegion() string          { return m.region }
func (m *mockConfig) GetAWSAccountID() string       { return m.accountID }
func (m *mockConfig) GetAWSAccessKeyID() string     { return m.accessKey }
func (m *mockConfig) GetAWSSecretAccessKey() string { return m.secretKey }
func (m *mockConfig) GetAWSEndpoint() string        { return m.endpoint }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
