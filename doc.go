// Package corebus is a message-bus runtime for CQRS services built on
// Watermill. It routes commands, queries, and events between services through
// a pluggable transport (RabbitMQ, Kafka, NATS, AWS SNS/SQS, HTTP, or
// in-process Go channels), carrying every message in a self-describing JSON
// envelope with correlation context, auth context, and transparent deflate
// compression for large payloads.
//
// A hosting service fills a Config, creates a Service, registers its message
// contracts and handlers, and calls Start:
//
//	svc := corebus.NewService(conf, logger, ctx, corebus.ServiceDependencies{})
//	svc.RegisterContracts(createOrder, orderCreated)
//	svc.RegisterCommandHandler("CreateOrder", "create-order", handleCreateOrder)
//	svc.Start(ctx)
//
// Commands and queries are dispatched to exactly one handler and answered
// with a reply envelope; handler failures become structured error replies
// that never leak internal detail. Events fan out to all subscribers with
// per-subscriber isolation, bounded redelivery, and dead-lettering, while
// deliveries for one aggregate stay serialized.
//
// Calls to other services go through Service.Call, which retries transient
// failures with exponential backoff and jitter behind a per-target circuit
// breaker.
//
// Beyond messaging, the package ships an event-sourcing runtime: aggregates
// append domain events to an EventStore with optimistic concurrency, rebuild
// from replay or snapshots, and publish persisted events to the bus, where
// declarative projections fold them into read models idempotently.
//
// # Middleware
//
// Every consumed message passes through a middleware chain: correlation ID
// injection, debug logging, optional protobuf payload validation, OpenTelemetry
// tracing, Prometheus metrics, retries for transient errors, poison queue
// forwarding for unprocessable messages, and panic recovery. The chain can be
// extended or replaced via ServiceDependencies.
package corebus
