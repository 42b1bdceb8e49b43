// Package broker is the control plane of a schools-data exchange broker:
// the negotiation, trust, and workflow logic every exchange between a
// consumer and a provider passes through.
//
// The module is organized as the flow is:
//
//   - sessions maps an application's identity tuple to a durable session,
//     with interchangeable memory, file, Redis, and PostgreSQL backends.
//   - authtoken issues and verifies the bearer credential tied to a
//     session, in either the Basic or the SIF_HMACSHA256 scheme.
//   - registration drives the client side of environment negotiation
//     against a remote broker, reusing or provisioning sessions.
//   - environment models the negotiated descriptor (zones, services,
//     rights) and keeps the provider-side session token registry.
//   - rights answers whether a session may perform an operation on a
//     service within a zone, in a permissive and a strict variant.
//   - jobs orchestrates multi-phase, timeout-bounded functional-service
//     work.
//
// HTTP routing, wire serialization beyond the registration codec, and
// relational schema concerns are owned by the embedding application. This
// package's HTTPStatus helpers give that outer layer the canonical mapping
// from control-plane errors to response codes.
package broker
