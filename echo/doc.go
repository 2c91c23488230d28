// Package echo implements a configurable echo service used to validate a
// gRPC runtime's streaming and cancellation behavior under adversarial
// timing.
//
// Clients embed numeric directives in call metadata and message-level
// parameters in the request body to steer the server: inject delays,
// inject errors, make the server cancel its own call at chosen points,
// echo back context state, or coalesce the final stream message with
// termination. The service exists to drive edge cases of the runtime's
// cancellation and streaming primitives, not to be a general-purpose
// server.
//
// Two implementations share one contract: [TestService] runs each call to
// completion on a single goroutine with blocking stream operations, while
// [CallbackTestService] drives each streaming call through a per-call
// reactor invoked by asynchronous read-complete, write-complete and
// cancel events. For streaming calls several independent events may race
// to terminate the same call; a per-call finish-once guard ensures
// exactly one of them does.
//
// Messages travel as plain structs through a JSON codec registered under
// the [CodecName] content subtype; clients from this package select it
// automatically.
package echo
