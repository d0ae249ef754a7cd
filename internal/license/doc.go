// Package license implements the license lifecycle state machine: issuance,
// activation, validation, renewal and administrative blocking.
//
// # State machine
//
// A license moves along fixed edges:
//
//	pending → active → {blocked, expired, cancelled}
//	active  → active   (renewal, extends expiry)
//	blocked → active   (explicit unblock)
//	expired → active   (explicit renewal)
//
// Expiry is evaluated lazily: Validate and Activate transition an overdue
// license to expired (and persist it) before evaluating the request, always
// against the injected clock so behavior is deterministic under test.
//
// # Concurrency
//
// Every mutation runs under a per-record lock from store.KeyedMutex on top of
// the store's optimistic versioning, so two concurrent activations racing for
// the last slot resolve to exactly one success and one
// ACTIVATION_LIMIT_EXCEEDED.
//
// # Keys
//
// License keys come from a cryptographically secure random source, with a
// configurable length and charset, collision-checked against the store and
// retried up to a bounded limit before KEY_GENERATION_EXHAUSTED.
//
// Alert emission (renewal, expiry) is fire-and-forget; a delivery failure
// never fails the triggering operation.
package license
