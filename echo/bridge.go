package echo

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// CallbackTestServiceServer is the callback server API of the echo
// service. Streaming methods hand the runtime a fresh per-call reactor;
// unary methods drive a UnaryController.
type CallbackTestServiceServer interface {
	Echo(UnaryController, *EchoRequest, *EchoResponse)
	CheckClientInitialMetadata(UnaryController, *SimpleRequest, *SimpleResponse)
	RequestStream() *readReactor
	ResponseStream() *writeReactor
	BidiStream() *bidiReactor
}

// RegisterCallbackTestServiceServer registers the callback echo service
// with a gRPC server. The blocking grpc-go streams are adapted to the
// reactor event model by per-call bridges.
func RegisterCallbackTestServiceServer(s grpc.ServiceRegistrar, srv CallbackTestServiceServer) {
	s.RegisterService(&callbackTestServiceDesc, srv)
}

// unaryBridge is the UnaryController for one callback unary call. The
// cancel watcher runs from creation so a registered callback fires even
// when the client cancels mid-processing.
type unaryBridge struct {
	ctx context.Context
	cc  *callControl

	finishOnce  sync.Once
	finishCh    chan error
	quit        chan struct{}
	watcherDone chan struct{}

	cbMu     sync.Mutex
	cancelCB func()
}

func newUnaryBridge(ctx context.Context) *unaryBridge {
	b := &unaryBridge{
		ctx:         ctx,
		cc:          newCallControl(ctx),
		finishCh:    make(chan error, 1),
		quit:        make(chan struct{}),
		watcherDone: make(chan struct{}),
	}
	go b.watch()
	return b
}

func (b *unaryBridge) watch() {
	defer close(b.watcherDone)
	select {
	case <-b.cc.Done():
		b.invokeCancelCallback()
	case <-b.quit:
	}
}

func (b *unaryBridge) Context() context.Context { return b.cc.Context() }

func (b *unaryBridge) Metadata() metadata.MD {
	md, _ := metadata.FromIncomingContext(b.ctx)
	return md
}

func (b *unaryBridge) IsCancelled() bool { return b.cc.IsCancelled() }

func (b *unaryBridge) TryCancel() { b.cc.TryCancel() }

func (b *unaryBridge) Finish(err error) {
	b.finishOnce.Do(func() { b.finishCh <- err })
}

// SetCancelCallback registers f. An already-cancelled call invokes it
// immediately so the early-cancel mode observes the callback before
// processing begins.
func (b *unaryBridge) SetCancelCallback(f func()) {
	b.cbMu.Lock()
	b.cancelCB = f
	cancelled := b.cc.IsCancelled()
	b.cbMu.Unlock()
	if cancelled {
		b.invokeCancelCallback()
	}
}

func (b *unaryBridge) ClearCancelCallback() {
	b.cbMu.Lock()
	b.cancelCB = nil
	b.cbMu.Unlock()
}

// invokeCancelCallback delivers the registered callback at most once,
// taking it out of the registration slot before running it.
func (b *unaryBridge) invokeCancelCallback() {
	b.cbMu.Lock()
	f := b.cancelCB
	b.cancelCB = nil
	b.cbMu.Unlock()
	if f != nil {
		f()
	}
}

// wait blocks until the controller's terminal action, then retires the
// watcher.
func (b *unaryBridge) wait() error {
	err := <-b.finishCh
	close(b.quit)
	<-b.watcherDone
	return err
}

// callbackBridge adapts one blocking grpc.ServerStream into the
// CallbackCall surface. Each started operation runs on its own goroutine
// and reports its completion as a reactor event; the cancel watcher
// delivers the cancel notification. Teardown (OnDone) is delivered only
// after every event goroutine has drained.
type callbackBridge struct {
	stream grpc.ServerStream
	cc     *callControl
	r      streamReactor

	reads  sync.WaitGroup
	writes sync.WaitGroup

	finishOnce sync.Once
	finishCh   chan error
}

func newCallbackBridge(stream grpc.ServerStream) *callbackBridge {
	return &callbackBridge{
		stream:   stream,
		cc:       newCallControl(stream.Context()),
		finishCh: make(chan error, 1),
	}
}

func (b *callbackBridge) Metadata() metadata.MD {
	md, _ := metadata.FromIncomingContext(b.stream.Context())
	return md
}

func (b *callbackBridge) IsCancelled() bool { return b.cc.IsCancelled() }

func (b *callbackBridge) TryCancel() { b.cc.TryCancel() }

func (b *callbackBridge) StartRead(m *EchoRequest) {
	b.reads.Add(1)
	go func() {
		defer b.reads.Done()
		err := b.stream.RecvMsg(m)
		b.r.OnReadDone(err == nil)
	}()
}

func (b *callbackBridge) StartWrite(m *EchoResponse) {
	b.writes.Add(1)
	go func() {
		defer b.writes.Done()
		err := b.stream.SendMsg(m)
		b.r.OnWriteDone(err == nil)
	}()
}

// StartWriteLast issues the terminal write. The coalescing itself happens
// at the reactor, which finishes at issue time; on the wire the message
// and the status leave back to back.
func (b *callbackBridge) StartWriteLast(m *EchoResponse) {
	b.StartWrite(m)
}

func (b *callbackBridge) Finish(err error) {
	b.finishOnce.Do(func() { b.finishCh <- err })
}

// run dispatches the start event, relays the cancel notification, and
// blocks until the terminal action fires. The reactor is released on a
// dedicated teardown event once the runtime has delivered every
// outstanding event for the call, never on a completion event.
func (b *callbackBridge) run(r streamReactor, start func()) error {
	b.r = r
	start()

	// The watcher starts only after the start event completes, so a
	// cancel notification never observes a half-initialized reactor.
	quit := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-b.cc.Done():
			r.OnCancel()
		case <-quit:
		}
	}()

	err := <-b.finishCh
	close(quit)

	// Writes always complete without waiting on the peer; they must drain
	// before the handler returns. A pending read only unblocks once the
	// stream winds down, so teardown waits for it on its own goroutine.
	b.writes.Wait()
	go func() {
		b.reads.Wait()
		<-watcherDone
		r.OnDone()
	}()
	return err
}

func callbackTestServiceEchoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EchoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		b := newUnaryBridge(ctx)
		resp := new(EchoResponse)
		srv.(CallbackTestServiceServer).Echo(b, req.(*EchoRequest), resp)
		if err := b.wait(); err != nil {
			return nil, err
		}
		return resp, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + CallbackTestServiceName + "/Echo",
	}
	return interceptor(ctx, in, info, handler)
}

func callbackTestServiceCheckClientInitialMetadataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SimpleRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		b := newUnaryBridge(ctx)
		resp := new(SimpleResponse)
		srv.(CallbackTestServiceServer).CheckClientInitialMetadata(b, req.(*SimpleRequest), resp)
		if err := b.wait(); err != nil {
			return nil, err
		}
		return resp, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + CallbackTestServiceName + "/CheckClientInitialMetadata",
	}
	return interceptor(ctx, in, info, handler)
}

func callbackTestServiceRequestStreamHandler(srv any, stream grpc.ServerStream) error {
	b := newCallbackBridge(stream)
	r := srv.(CallbackTestServiceServer).RequestStream()
	resp := new(EchoResponse)
	if err := b.run(r, func() { r.OnStarted(b, resp) }); err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

func callbackTestServiceResponseStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(EchoRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	b := newCallbackBridge(stream)
	r := srv.(CallbackTestServiceServer).ResponseStream()
	return b.run(r, func() { r.OnStarted(b, in) })
}

func callbackTestServiceBidiStreamHandler(srv any, stream grpc.ServerStream) error {
	b := newCallbackBridge(stream)
	r := srv.(CallbackTestServiceServer).BidiStream()
	return b.run(r, func() { r.OnStarted(b) })
}

var callbackTestServiceDesc = grpc.ServiceDesc{
	ServiceName: CallbackTestServiceName,
	HandlerType: (*CallbackTestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Echo",
			Handler:    callbackTestServiceEchoHandler,
		},
		{
			MethodName: "CheckClientInitialMetadata",
			Handler:    callbackTestServiceCheckClientInitialMetadataHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RequestStream",
			Handler:       callbackTestServiceRequestStreamHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "ResponseStream",
			Handler:       callbackTestServiceResponseStreamHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "BidiStream",
			Handler:       callbackTestServiceBidiStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}
