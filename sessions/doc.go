// Package sessions defines the durable session bookkeeping that every
// negotiated environment rests on: the identity tuple a consumer registers
// under, the session entry the registration protocol persists, and the
// Store contract that backing implementations satisfy.
//
// A Store maintains two independent uniqueness domains — the identity tuple
// and the session token — and its Store operation must check and insert
// across both atomically. Backends are interchangeable: memorystore for
// single-process deployments and tests, filestore for small installations
// that want restart persistence without a database, redisstore and pgstore
// for multi-process deployments.
//
// Identity matching is absence-sensitive. A tuple stored without a
// solution ID is a different identity from the same tuple with any solution
// ID set, including the empty string. Lookups never treat an unset optional
// field as a wildcard.
package sessions
