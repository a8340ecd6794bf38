// Package correlation carries the request identity (correlation id, trace
// context, auth context) across every call boundary. It is stored on
// context.Context so propagation survives asynchronous continuations; the
// defined propagation points are the resilient client on the way out and the
// dispatcher on the way in.
package correlation

import (
	"context"

	"github.com/avral-io/corebus/internal/runtime/envelope"
	idspkg "github.com/avral-io/corebus/internal/runtime/ids"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
)

// Context is the per-request identity propagated on every hop. The zero value
// is not valid; obtain one via NewRoot, FromEnvelope, or From.
type Context struct {
	CorrelationID string
	TraceID       string
	SpanID        string
	Auth          *envelope.AuthContext
}

type contextKey struct{}

// NewRoot creates a fresh root context for a request entering the system
// without correlation identifiers (for example, first gateway receipt).
func NewRoot() *Context {
	return &Context{CorrelationID: idspkg.NewCorrelationID()}
}

// From extracts the correlation context bound to ctx, if any.
func From(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok && c != nil
}

// With binds the correlation context to ctx for the duration of the logical
// task, including goroutines derived from the returned context.
func With(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// Run executes fn with c bound. All logging and outbound calls inside fn
// observe the original caller's identifiers.
func Run(ctx context.Context, c *Context, fn func(context.Context) error) error {
	return fn(With(ctx, c))
}

// Ensure returns ctx with a correlation context bound, generating a fresh
// root when none exists.
func Ensure(ctx context.Context) (context.Context, *Context) {
	if c, ok := From(ctx); ok {
		return ctx, c
	}
	c := NewRoot()
	return With(ctx, c), c
}

// WithChildID derives a context for a background task that should be
// traceable to, but distinguishable from, its parent.
func (c *Context) WithChildID(suffix string) *Context {
	child := *c
	child.CorrelationID = c.CorrelationID + ":" + suffix
	return &child
}

// FromEnvelope extracts the correlation identity carried by an inbound
// envelope. Called by the dispatcher before invoking any handler.
func FromEnvelope(env *envelope.MessageEnvelope) *Context {
	c := &Context{CorrelationID: env.CorrelationID}
	if env.TraceContext != nil {
		c.TraceID = env.TraceContext.TraceID
		c.SpanID = env.TraceContext.SpanID
	}
	if env.Metadata != nil {
		c.Auth = env.Metadata.Auth
	}
	return c
}

// Apply stamps the correlation identity onto an outbound envelope. The
// correlation id is propagated, never regenerated.
func (c *Context) Apply(env *envelope.MessageEnvelope) {
	env.CorrelationID = c.CorrelationID
	if c.TraceID != "" {
		env.TraceContext = &envelope.TraceContext{TraceID: c.TraceID, SpanID: c.SpanID}
	}
	if c.Auth != nil {
		env.EnsureMetadata().Auth = c.Auth
	}
}

// LogFields returns the identifiers every log line inside a handler carries.
func (c *Context) LogFields() loggingpkg.LogFields {
	fields := loggingpkg.LogFields{"correlation_id": c.CorrelationID}
	if c.TraceID != "" {
		fields["trace_id"] = c.TraceID
	}
	return fields
}
