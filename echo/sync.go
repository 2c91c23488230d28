package echo

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// TestService is the blocking implementation of the echo service. Each
// call runs end-to-end on the goroutine the runtime dispatched it on,
// blocking as needed.
type TestService struct {
	mu           sync.Mutex
	signalClient bool
}

func (s *TestService) setClientWaiting() {
	s.mu.Lock()
	s.signalClient = true
	s.mu.Unlock()
}

// ClientWaitingForCancel reports whether an Echo call has entered the
// wait-for-client-cancellation loop. Tests use it to sequence their own
// cancellation against the server.
func (s *TestService) ClientWaitingForCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalClient
}

// Echo implements the unary shape.
func (s *TestService) Echo(ctx context.Context, req *EchoRequest) (*EchoResponse, error) {
	// A bit of sleep to make sure that short deadline tests fail.
	if p := req.Param; p != nil && p.ServerSleepUs > 0 {
		time.Sleep(time.Duration(p.ServerSleepUs) * time.Microsecond)
	}
	if p := req.Param; p != nil && p.ServerDie {
		grpclog.Fatal("request should never have reached the application handler")
	}
	if p := req.Param; p != nil && p.ExpectedError != nil {
		return nil, injectedError(ctx, p.ExpectedError)
	}

	cc := newCallControl(ctx)
	md, _ := metadata.FromIncomingContext(ctx)
	if intFromMetadata(md, TryCancelKey, CancelNone) > CancelNone {
		// By the time a unary handler runs the request is already read, so
		// the before/during/after timing distinction is meaningless; any
		// value cancels the call.
		serverTryCancel(cc)
		return nil, statusCancelled("cancelled by server")
	}

	resp := &EchoResponse{Message: req.Message}
	maybeEchoDeadline(ctx, req, resp)

	switch {
	case req.Param != nil && req.Param.ClientCancelAfterUs > 0:
		s.setClientWaiting()
		interval := time.Duration(req.Param.ClientCancelAfterUs) * time.Microsecond
		for !cc.IsCancelled() {
			time.Sleep(interval)
		}
		return nil, statusCancelled("cancelled by client")
	case req.Param != nil && req.Param.ServerCancelAfterUs > 0:
		time.Sleep(time.Duration(req.Param.ServerCancelAfterUs) * time.Microsecond)
		return nil, statusCancelled("cancelled by server after delay")
	case req.Param == nil || !req.Param.SkipCancelledCheck:
		if cc.IsCancelled() {
			grpclog.Error("call unexpectedly cancelled before echo processing")
		}
	}

	if p := req.Param; p != nil && p.EchoMetadataInitially {
		if err := grpc.SetHeader(ctx, echoableMetadata(md)); err != nil {
			grpclog.Errorf("failed to set echoed header metadata: %v", err)
		}
	}
	if p := req.Param; p != nil && p.EchoMetadata {
		trailer := echoableMetadata(md)
		if d := p.DebugInfo; d != nil && (len(d.StackEntries) > 0 || d.Detail != "") {
			// Terminate the call with the diagnostic payload in the
			// reserved trailer.
			trailer.Append(DebugInfoTrailerKey, string(MarshalDebugInfo(d)))
			if err := grpc.SetTrailer(ctx, trailer); err != nil {
				grpclog.Errorf("failed to set debug info trailer: %v", err)
			}
			return nil, statusCancelled("cancelled with debug info")
		}
		if err := grpc.SetTrailer(ctx, trailer); err != nil {
			grpclog.Errorf("failed to set echoed trailer metadata: %v", err)
		}
	}
	if p := req.Param; p != nil && (p.ExpectedClientIdentity != "" || p.CheckAuthContext) {
		if err := checkAuthContext(ctx, p.ExpectedTransportSecurityType, p.ExpectedClientIdentity); err != nil {
			return nil, err
		}
	}
	if p := req.Param; p != nil && p.ResponseMessageLength > 0 {
		resp.Message = strings.Repeat("\x00", int(p.ResponseMessageLength))
	}
	echoPeer(ctx, req, resp)
	return resp, nil
}

// CheckClientInitialMetadata verifies the reserved client-metadata pair
// appears exactly once in the inbound metadata.
func (s *TestService) CheckClientInitialMetadata(ctx context.Context, _ *SimpleRequest) (*SimpleResponse, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if n := metadataMatchCount(md, ClientMetadataKey, ClientMetadataVal); n != 1 {
		return nil, status.Errorf(codes.FailedPrecondition, "metadata %q: got %d matching entries, want exactly 1", ClientMetadataKey, n)
	}
	return &SimpleResponse{}, nil
}

// RequestStream implements the client-streaming shape: all inbound
// payloads are concatenated into one response. Self-cancellation is timed
// relative to the read loop.
func (s *TestService) RequestStream(stream TestService_RequestStreamServer) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	d := decodeDirective(md)
	cc := newCallControl(ctx)

	if d.TryCancel == CancelBefore {
		serverTryCancel(cc)
		return statusCancelled("cancelled before reading")
	}

	var cancelDone chan struct{}
	if d.TryCancel == CancelDuring {
		cancelDone = make(chan struct{})
		go func() {
			defer close(cancelDone)
			serverTryCancel(cc)
		}()
	}

	resp := new(EchoResponse)
	msgsRead := 0
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		resp.Message += req.Message
		msgsRead++
	}
	grpclog.Infof("read %d messages", msgsRead)

	if cancelDone != nil {
		<-cancelDone
		return statusCancelled("cancelled during reading")
	}
	if d.TryCancel == CancelAfter {
		serverTryCancel(cc)
		return statusCancelled("cancelled after reading")
	}
	return stream.SendAndClose(resp)
}

// ResponseStream implements the server-streaming shape: a configurable
// number of responses, each the request body with the zero-based index
// appended. Self-cancellation is timed relative to the write loop.
func (s *TestService) ResponseStream(req *EchoRequest, stream TestService_ResponseStreamServer) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	d := decodeDirective(md)
	cc := newCallControl(ctx)

	if d.TryCancel == CancelBefore {
		serverTryCancel(cc)
		return statusCancelled("cancelled before writing")
	}

	var cancelDone chan struct{}
	if d.TryCancel == CancelDuring {
		cancelDone = make(chan struct{})
		go func() {
			defer close(cancelDone)
			serverTryCancel(cc)
		}()
	}

	for i := 0; i < d.ResponsesToSend; i++ {
		resp := &EchoResponse{Message: req.Message + strconv.Itoa(i)}
		if err := stream.Send(resp); err != nil {
			return err
		}
		if i == d.ResponsesToSend-1 && d.UseCoalescing {
			// The final write rides out with the call's termination; no
			// further stream operation follows it.
			grpclog.Info("coalescing final response with termination")
			break
		}
	}

	if cancelDone != nil {
		<-cancelDone
		return statusCancelled("cancelled during writing")
	}
	if d.TryCancel == CancelAfter {
		serverTryCancel(cc)
		return statusCancelled("cancelled after writing")
	}
	return nil
}

// BidiStream implements the bidirectional shape: messages are echoed
// one-for-one. When the finish-after-N-reads threshold is reached the
// matching write coalesces with termination and no further read is
// attempted. Self-cancellation is timed relative to the combined loop.
func (s *TestService) BidiStream(stream TestService_BidiStreamServer) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	d := decodeDirective(md)
	cc := newCallControl(ctx)

	if d.TryCancel == CancelBefore {
		serverTryCancel(cc)
		return statusCancelled("cancelled before processing")
	}

	var cancelDone chan struct{}
	if d.TryCancel == CancelDuring {
		cancelDone = make(chan struct{})
		go func() {
			defer close(cancelDone)
			serverTryCancel(cc)
		}()
	}

	msgsRead := 0
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		msgsRead++
		grpclog.Infof("recv msg %s", req.Message)
		if err := stream.Send(&EchoResponse{Message: req.Message}); err != nil {
			return err
		}
		if d.FinishAfterNReads > 0 && msgsRead == d.FinishAfterNReads {
			// Coalesce this write with termination; no further reads.
			break
		}
	}

	if cancelDone != nil {
		<-cancelDone
		return statusCancelled("cancelled during processing")
	}
	if d.TryCancel == CancelAfter {
		serverTryCancel(cc)
		return statusCancelled("cancelled after processing")
	}
	return nil
}
