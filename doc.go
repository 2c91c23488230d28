// Package echotest provides an in-memory harness for exercising a gRPC
// runtime's streaming and cancellation behavior through a configurable
// echo service.
//
// A [Server] runs a real grpc.Server over a buffered in-memory connection
// with the two echo service implementations from the echo package
// registered: a blocking one-goroutine-per-call variant and an
// event-driven callback variant. Tests steer the server through
// directives in call metadata and request parameters (injected delays,
// injected errors, server self-cancellation at chosen points, metadata
// and deadline echoing, coalesced final writes) to probe the runtime's
// edge cases without network sockets or port allocation.
package echotest
