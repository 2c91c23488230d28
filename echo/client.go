package echo

import (
	"context"

	"google.golang.org/grpc"
)

// TestServiceClient is the client API shared by the blocking and callback
// echo services; the two expose an identical contract and differ only in
// the server-side calling convention.
type TestServiceClient interface {
	Echo(ctx context.Context, in *EchoRequest, opts ...grpc.CallOption) (*EchoResponse, error)
	CheckClientInitialMetadata(ctx context.Context, in *SimpleRequest, opts ...grpc.CallOption) (*SimpleResponse, error)
	RequestStream(ctx context.Context, opts ...grpc.CallOption) (TestService_RequestStreamClient, error)
	ResponseStream(ctx context.Context, in *EchoRequest, opts ...grpc.CallOption) (TestService_ResponseStreamClient, error)
	BidiStream(ctx context.Context, opts ...grpc.CallOption) (TestService_BidiStreamClient, error)
}

type testServiceClient struct {
	cc      grpc.ClientConnInterface
	service string
}

// NewTestServiceClient returns a client for the blocking echo service.
func NewTestServiceClient(cc grpc.ClientConnInterface) TestServiceClient {
	return &testServiceClient{cc: cc, service: TestServiceName}
}

// NewCallbackTestServiceClient returns a client for the callback echo
// service.
func NewCallbackTestServiceClient(cc grpc.ClientConnInterface) TestServiceClient {
	return &testServiceClient{cc: cc, service: CallbackTestServiceName}
}

func (c *testServiceClient) method(name string) string {
	return "/" + c.service + "/" + name
}

// callOpts prepends the service's content subtype so callers need not
// know about the codec.
func callOpts(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *testServiceClient) Echo(ctx context.Context, in *EchoRequest, opts ...grpc.CallOption) (*EchoResponse, error) {
	out := new(EchoResponse)
	if err := c.cc.Invoke(ctx, c.method("Echo"), in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *testServiceClient) CheckClientInitialMetadata(ctx context.Context, in *SimpleRequest, opts ...grpc.CallOption) (*SimpleResponse, error) {
	out := new(SimpleResponse)
	if err := c.cc.Invoke(ctx, c.method("CheckClientInitialMetadata"), in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

var requestStreamDesc = grpc.StreamDesc{
	StreamName:    "RequestStream",
	ClientStreams: true,
}

func (c *testServiceClient) RequestStream(ctx context.Context, opts ...grpc.CallOption) (TestService_RequestStreamClient, error) {
	s, err := c.cc.NewStream(ctx, &requestStreamDesc, c.method("RequestStream"), callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return &testServiceRequestStreamClient{s}, nil
}

// TestService_RequestStreamClient is the client view of a
// client-streaming call.
type TestService_RequestStreamClient interface {
	Send(*EchoRequest) error
	CloseAndRecv() (*EchoResponse, error)
	grpc.ClientStream
}

type testServiceRequestStreamClient struct {
	grpc.ClientStream
}

func (x *testServiceRequestStreamClient) Send(m *EchoRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *testServiceRequestStreamClient) CloseAndRecv() (*EchoResponse, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(EchoResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

var responseStreamDesc = grpc.StreamDesc{
	StreamName:    "ResponseStream",
	ServerStreams: true,
}

func (c *testServiceClient) ResponseStream(ctx context.Context, in *EchoRequest, opts ...grpc.CallOption) (TestService_ResponseStreamClient, error) {
	s, err := c.cc.NewStream(ctx, &responseStreamDesc, c.method("ResponseStream"), callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	x := &testServiceResponseStreamClient{s}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// TestService_ResponseStreamClient is the client view of a
// server-streaming call.
type TestService_ResponseStreamClient interface {
	Recv() (*EchoResponse, error)
	grpc.ClientStream
}

type testServiceResponseStreamClient struct {
	grpc.ClientStream
}

func (x *testServiceResponseStreamClient) Recv() (*EchoResponse, error) {
	m := new(EchoResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

var bidiStreamDesc = grpc.StreamDesc{
	StreamName:    "BidiStream",
	ServerStreams: true,
	ClientStreams: true,
}

func (c *testServiceClient) BidiStream(ctx context.Context, opts ...grpc.CallOption) (TestService_BidiStreamClient, error) {
	s, err := c.cc.NewStream(ctx, &bidiStreamDesc, c.method("BidiStream"), callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return &testServiceBidiStreamClient{s}, nil
}

// TestService_BidiStreamClient is the client view of a bidirectional
// call.
type TestService_BidiStreamClient interface {
	Send(*EchoRequest) error
	Recv() (*EchoResponse, error)
	grpc.ClientStream
}

type testServiceBidiStreamClient struct {
	grpc.ClientStream
}

func (x *testServiceBidiStreamClient) Send(m *EchoRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *testServiceBidiStreamClient) Recv() (*EchoResponse, error) {
	m := new(EchoResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
