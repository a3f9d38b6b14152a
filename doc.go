// Package busbridge runs bus-connected workers that announce themselves to
// a service registry. It owns the pieces every such worker repeats: picking
// the address to advertise, connecting to the message broker and staying
// connected through outages, serving liveness and readiness endpoints, and
// registering the instance so platform tooling can find it.
//
// A worker is built from a Config, a ServiceLogger, and a message Handler,
// and runs until its context is cancelled:
//
//	cfg := busbridge.FromEnv()
//	rt, err := busbridge.New(cfg, logger, handler, busbridge.Dependencies{})
//	if err != nil { ... }
//	err = rt.Run(ctx)
//
// # Transports
//
// The broker protocol is pluggable. Three transports ship in-tree:
//   - amqp: AMQP 0-9-1 durable queues (RabbitMQ)
//   - nats: core NATS subjects with queue groups
//   - channel: in-memory bus for tests and local development
//
// Transports register themselves from init; blank-import the ones a binary
// should support.
//
// # Service registries
//
// Instance registration is equally pluggable: "consul" registers with an
// HTTP readiness check the agent probes, "etcd" writes a leased key that
// expires when the worker stops renewing it, and "none" disables
// registration.
//
// # Lifecycle
//
// Startup is strict: no usable network address or an exhausted startup
// connect budget terminates the process. After startup the worker is
// stubborn: a lost broker connection flips readiness and is retried with
// jittered exponential backoff forever. Shutdown deregisters first, then
// drains in-flight handlers within a bounded grace period.
package busbridge
