// Package client implements the resilient caller used for commands and
// queries: retry with exponential backoff and jitter inside a per-target
// circuit breaker, with replies matched to calls by request envelope id.
//
// The breaker boundary is the whole call, not the individual attempt: an open
// breaker rejects before the first publish, and one call reports exactly one
// success or failure to the breaker no matter how many attempts it took. Only
// infrastructure failures (failed publishes, reply timeouts) are retried and
// counted. Structured error replies are application outcomes: they are
// returned to the caller as typed errors without retrying.
package client

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	"github.com/avral-io/corebus/internal/runtime/config"
	"github.com/avral-io/corebus/internal/runtime/contracts"
	"github.com/avral-io/corebus/internal/runtime/correlation"
	"github.com/avral-io/corebus/internal/runtime/envelope"
	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
)

// Client sends commands and queries to other services and waits for their
// correlated replies. A single Client is safe for concurrent use; breaker
// state is shared per target across all calls.
type Client struct {
	serviceName string
	cfg         *config.Config
	publisher   message.Publisher
	codec       *envelope.Codec
	breakers    *breakerManager
	correlator  *correlator
	logger      loggingpkg.ServiceLogger
}

// New builds a Client publishing through the given transport publisher.
func New(cfg *config.Config, publisher message.Publisher, logger loggingpkg.ServiceLogger) (*Client, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if cfg.ServiceName == "" {
		return nil, errspkg.ErrServiceRequired
	}
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	return &Client{
		serviceName: cfg.ServiceName,
		cfg:         cfg,
		publisher:   publisher,
		codec:       envelope.NewCodec(cfg.EffectiveCompressionThreshold()),
		breakers:    newBreakerManager(cfg, logger),
		correlator:  newCorrelator(),
		logger:      logger.With(loggingpkg.LogFields{"component": "client"}),
	}, nil
}

// CallOption tunes a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout  time.Duration
	auth     *envelope.AuthContext
	priority int
}

// WithTimeout overrides the per-attempt reply timeout for this call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithAuth attaches the caller's auth context to the outbound envelope.
func WithAuth(auth *envelope.AuthContext) CallOption {
	return func(o *callOptions) { o.auth = auth }
}

// WithPriority sets the delivery priority of the outbound envelope.
func WithPriority(p int) CallOption {
	return func(o *callOptions) { o.priority = p }
}

// ReplyTopic returns the queue this client expects replies on. The service
// wires a subscriber for it and feeds received envelopes to HandleReply.
func (c *Client) ReplyTopic() string {
	return contracts.ReplyTopic(c.serviceName)
}

// HandleReply routes an inbound reply envelope to the call waiting for it.
// Replies arriving after their call timed out are dropped and reported false.
func (c *Client) HandleReply(env *envelope.MessageEnvelope) bool {
	delivered := c.correlator.resolve(env)
	if !delivered {
		c.logger.Debug("dropping reply with no waiting call", loggingpkg.LogFields{
			"correlation_id": env.CorrelationID,
			"causation_id":   env.CausationID,
			"message_type":   env.MessageType,
		})
	}
	return delivered
}

// BreakerState reports the circuit breaker state for a message type target.
func (c *Client) BreakerState(messageType string) BreakerState {
	return c.breakers.State(messageType)
}

// SubscribeBreakerChanges registers a listener for breaker state transitions.
func (c *Client) SubscribeBreakerChanges(listener StateChangeListener) {
	c.breakers.Subscribe(listener)
}

// Call sends a command or query to the service owning the contract and waits
// for the correlated reply. On a structured error reply the returned error is
// the reconstructed typed error; on success the reply envelope is returned
// with its payload still raw.
func (c *Client) Call(ctx context.Context, def contracts.Definition, payload any, opts ...CallOption) (*envelope.MessageEnvelope, error) {
	if def.Kind != contracts.KindCommand && def.Kind != contracts.KindQuery {
		return nil, errspkg.ErrContractRequired
	}
	return c.send(ctx, def, payload, true, opts...)
}

// Notify publishes an event contract with the same retry and breaker
// protection as Call but without waiting for any reply.
func (c *Client) Notify(ctx context.Context, def contracts.Definition, payload any, opts ...CallOption) error {
	if def.Kind != contracts.KindEvent {
		return errspkg.ErrContractRequired
	}
	_, err := c.send(ctx, def, payload, false, opts...)
	return err
}

// attemptOutcome separates application outcomes from infrastructure failures
// inside the breaker: only the latter surface as errors and count against it.
type attemptOutcome struct {
	reply  *envelope.MessageEnvelope
	appErr error
}

func (c *Client) send(ctx context.Context, def contracts.Definition, payload any, wantReply bool, opts ...CallOption) (*envelope.MessageEnvelope, error) {
	options := callOptions{timeout: c.cfg.EffectiveCallTimeout()}
	for _, opt := range opts {
		opt(&options)
	}

	env, err := envelope.New(c.serviceName, def.MessageType, payload)
	if err != nil {
		return nil, err
	}

	callCorr := c.callCorrelation(ctx)
	callCorr.Apply(env)
	if options.auth != nil {
		env.EnsureMetadata().Auth = options.auth
	}

	topic := def.Topic()
	var waitCh <-chan *envelope.MessageEnvelope
	if wantReply {
		env.EnsureMetadata().Routing = &envelope.Routing{
			ReplyTo:  c.ReplyTopic(),
			Priority: options.priority,
		}
		ch, cancel := c.correlator.register(env.ID)
		defer cancel()
		waitCh = ch
	} else {
		topic = contracts.EventBroadcastTopic(def.MessageType)
		if options.priority != 0 {
			env.EnsureMetadata().Routing = &envelope.Routing{Priority: options.priority}
		}
	}

	maxAttempts := c.cfg.EffectiveRetryMaxAttempts()
	retryMeta := &envelope.RetryMetadata{
		MaxAttempts:  maxAttempts,
		FirstAttempt: time.Now().UTC(),
	}
	env.EnsureMetadata().Retry = retryMeta

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.EffectiveRetryInitialDelay()
	expo.Multiplier = c.cfg.EffectiveRetryBackoffMultiplier()
	expo.RandomizationFactor = c.cfg.EffectiveRetryJitter()

	logger := c.logger.With(callCorr.LogFields()).With(loggingpkg.LogFields{
		"message_type": def.MessageType,
		"topic":        topic,
	})

	attempt := func() (attemptOutcome, error) {
		retryMeta.AttemptCount++
		retryMeta.CurrentAttempt = time.Now().UTC()

		outcome, infraErr := c.attempt(ctx, topic, env, waitCh, options.timeout)
		if infraErr != nil {
			retryMeta.LastError = infraErr.Error()
			logger.Debug("call attempt failed", loggingpkg.LogFields{
				"attempt": retryMeta.AttemptCount,
				"error":   infraErr.Error(),
			})
			return attemptOutcome{}, infraErr
		}
		return outcome, nil
	}

	notify := func(err error, delay time.Duration) {
		retryMeta.BackoffDelay = delay
	}

	// One Execute per call: an open breaker rejects before the first attempt,
	// and the breaker sees a single success or failure regardless of how many
	// attempts the retry loop consumed. Cancellation and application outcomes
	// pass through without counting against it.
	result, err := c.breakers.Execute(def.MessageType, func() (any, error) {
		outcome, retryErr := backoff.Retry(ctx, attempt,
			backoff.WithBackOff(expo),
			backoff.WithMaxTries(uint(maxAttempts)),
			backoff.WithNotify(notify),
		)
		if retryErr != nil {
			if errors.Is(retryErr, context.Canceled) || errors.Is(retryErr, context.DeadlineExceeded) {
				return attemptOutcome{appErr: retryErr}, nil
			}
			return nil, retryErr
		}
		return outcome, nil
	})
	if err != nil {
		return nil, err
	}

	outcome := result.(attemptOutcome)
	if outcome.appErr != nil {
		return nil, outcome.appErr
	}
	if !wantReply {
		return nil, nil
	}
	if replyErr := envelope.ReplyError(outcome.reply); replyErr != nil {
		return nil, replyErr
	}
	return outcome.reply, nil
}

// attempt performs one publish-and-wait. Transient publish failures and reply
// timeouts return as errors so the retry loop runs again; everything else is
// an application outcome that ends the loop without a breaker failure.
func (c *Client) attempt(ctx context.Context, topic string, env *envelope.MessageEnvelope, waitCh <-chan *envelope.MessageEnvelope, timeout time.Duration) (attemptOutcome, error) {
	msg, err := c.codec.ToWatermill(env)
	if err != nil {
		return attemptOutcome{appErr: err}, nil
	}

	if err := c.publisher.Publish(topic, msg); err != nil {
		if errspkg.IsTransient(err) {
			return attemptOutcome{}, err
		}
		return attemptOutcome{appErr: err}, nil
	}

	if waitCh == nil {
		return attemptOutcome{}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-waitCh:
		return attemptOutcome{reply: reply}, nil
	case <-timer.C:
		return attemptOutcome{}, &errspkg.TimeoutError{Operation: "call " + env.MessageType, Timeout: timeout}
	case <-ctx.Done():
		return attemptOutcome{appErr: ctx.Err()}, nil
	}
}

// callCorrelation resolves the correlation identity to stamp on the outbound
// envelope: the caller's own, propagated verbatim, or a fresh root when the
// call originates outside any request. The envelope id, not the correlation
// id, is what distinguishes concurrent calls in the correlator.
func (c *Client) callCorrelation(ctx context.Context) *correlation.Context {
	if corr, ok := correlation.From(ctx); ok {
		return corr
	}
	return correlation.NewRoot()
}
