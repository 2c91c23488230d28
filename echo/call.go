package echo

import (
	"context"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// cancelPollInterval is the fixed interval at which blocking handlers poll
// the cancellation predicate after requesting self-cancellation.
const cancelPollInterval = time.Millisecond

// callControl layers a server-initiated cancellation request over a
// call's context. gRPC gives servers no way to abort the client's RPC
// mid-flight, so self-cancellation cancels a context derived from the
// stream context instead; the predicate still flips when either peer
// cancels.
type callControl struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newCallControl(ctx context.Context) *callControl {
	derived, cancel := context.WithCancel(ctx)
	return &callControl{ctx: derived, cancel: cancel}
}

// Context returns the call's (cancellable) context.
func (c *callControl) Context() context.Context { return c.ctx }

// IsCancelled reports whether the call has been cancelled, by either peer.
func (c *callControl) IsCancelled() bool { return c.ctx.Err() != nil }

// TryCancel requests cancellation of the call. The request is
// fire-and-forget: its effect is observable only through IsCancelled or
// Done, never synchronously.
func (c *callControl) TryCancel() {
	grpclog.Info("server requested cancellation of its own call")
	go c.cancel()
}

// Done returns a channel closed once the call is cancelled.
func (c *callControl) Done() <-chan struct{} { return c.ctx.Done() }

// serverTryCancel requests cancellation and busy-polls the predicate at a
// fixed short interval until the cancelled state is observed. Used by the
// blocking handlers only; the callback paths wait for the cancel
// notification instead.
func serverTryCancel(cc *callControl) {
	if cc.IsCancelled() {
		grpclog.Error("call already cancelled before self-cancellation was requested")
	}
	cc.TryCancel()
	for !cc.IsCancelled() {
		time.Sleep(cancelPollInterval)
	}
}

// infFutureDeadline is echoed when the call carries no deadline,
// mirroring an infinitely-far-future timespec.
const infFutureDeadline = math.MaxInt64

// maybeEchoDeadline copies the call deadline, in seconds, into the
// response when the request asks for it.
func maybeEchoDeadline(ctx context.Context, req *EchoRequest, resp *EchoResponse) {
	if req.Param == nil || !req.Param.EchoDeadline {
		return
	}
	var deadline int64 = infFutureDeadline
	if t, ok := ctx.Deadline(); ok {
		deadline = t.Unix()
	}
	if resp.Param == nil {
		resp.Param = new(ResponseParams)
	}
	resp.Param.RequestDeadline = deadline
}

// echoableMetadata copies md, dropping transport-owned entries that a
// handler is not permitted to resend (HTTP/2 pseudo headers, grpc-internal
// keys and hop-by-hop HTTP headers).
func echoableMetadata(md metadata.MD) metadata.MD {
	out := metadata.MD{}
	for k, vs := range md {
		if strings.HasPrefix(k, ":") || strings.HasPrefix(k, "grpc-") {
			continue
		}
		switch k {
		case "content-type", "user-agent", "te":
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// injectedError converts the request's expected-error descriptor into the
// status the call terminates with, attaching the verbatim binary detail
// to the trailing metadata.
func injectedError(ctx context.Context, e *ErrorStatus) error {
	if len(e.BinaryErrorDetails) > 0 {
		if err := grpc.SetTrailer(ctx, metadata.Pairs(BinaryErrorDetailsKey, string(e.BinaryErrorDetails))); err != nil {
			grpclog.Errorf("failed to set binary error details trailer: %v", err)
		}
	}
	return status.Error(codes.Code(e.Code), e.ErrorMessage)
}

// echoPeer copies the remote address into the response when requested.
func echoPeer(ctx context.Context, req *EchoRequest, resp *EchoResponse) {
	if req.Param == nil || !req.Param.EchoPeer {
		return
	}
	pr, ok := peer.FromContext(ctx)
	if !ok {
		return
	}
	if resp.Param == nil {
		resp.Param = new(ResponseParams)
	}
	resp.Param.Peer = pr.Addr.String()
}

func statusCancelled(why string) error {
	return status.Error(codes.Canceled, why)
}
