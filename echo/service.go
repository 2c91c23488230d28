package echo

import (
	"context"

	"google.golang.org/grpc"
)

// TestServiceServer is the blocking server API of the echo service.
type TestServiceServer interface {
	Echo(context.Context, *EchoRequest) (*EchoResponse, error)
	CheckClientInitialMetadata(context.Context, *SimpleRequest) (*SimpleResponse, error)
	RequestStream(TestService_RequestStreamServer) error
	ResponseStream(*EchoRequest, TestService_ResponseStreamServer) error
	BidiStream(TestService_BidiStreamServer) error
}

// RegisterTestServiceServer registers the blocking echo service with a
// gRPC server.
func RegisterTestServiceServer(s grpc.ServiceRegistrar, srv TestServiceServer) {
	s.RegisterService(&testServiceDesc, srv)
}

// TestService_RequestStreamServer is the server view of a client-streaming
// call.
type TestService_RequestStreamServer interface {
	SendAndClose(*EchoResponse) error
	Recv() (*EchoRequest, error)
	grpc.ServerStream
}

type testServiceRequestStreamServer struct {
	grpc.ServerStream
}

func (x *testServiceRequestStreamServer) SendAndClose(m *EchoResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *testServiceRequestStreamServer) Recv() (*EchoRequest, error) {
	m := new(EchoRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// TestService_ResponseStreamServer is the server view of a
// server-streaming call.
type TestService_ResponseStreamServer interface {
	Send(*EchoResponse) error
	grpc.ServerStream
}

type testServiceResponseStreamServer struct {
	grpc.ServerStream
}

func (x *testServiceResponseStreamServer) Send(m *EchoResponse) error {
	return x.ServerStream.SendMsg(m)
}

// TestService_BidiStreamServer is the server view of a bidirectional call.
type TestService_BidiStreamServer interface {
	Send(*EchoResponse) error
	Recv() (*EchoRequest, error)
	grpc.ServerStream
}

type testServiceBidiStreamServer struct {
	grpc.ServerStream
}

func (x *testServiceBidiStreamServer) Send(m *EchoResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *testServiceBidiStreamServer) Recv() (*EchoRequest, error) {
	m := new(EchoRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func testServiceEchoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EchoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TestServiceServer).Echo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + TestServiceName + "/Echo",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TestServiceServer).Echo(ctx, req.(*EchoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func testServiceCheckClientInitialMetadataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SimpleRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TestServiceServer).CheckClientInitialMetadata(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + TestServiceName + "/CheckClientInitialMetadata",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TestServiceServer).CheckClientInitialMetadata(ctx, req.(*SimpleRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func testServiceRequestStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TestServiceServer).RequestStream(&testServiceRequestStreamServer{stream})
}

func testServiceResponseStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(EchoRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TestServiceServer).ResponseStream(in, &testServiceResponseStreamServer{stream})
}

func testServiceBidiStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TestServiceServer).BidiStream(&testServiceBidiStreamServer{stream})
}

var testServiceDesc = grpc.ServiceDesc{
	ServiceName: TestServiceName,
	HandlerType: (*TestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Echo",
			Handler:    testServiceEchoHandler,
		},
		{
			MethodName: "CheckClientInitialMetadata",
			Handler:    testServiceCheckClientInitialMetadataHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RequestStream",
			Handler:       testServiceRequestStreamHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "ResponseStream",
			Handler:       testServiceResponseStreamHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "BidiStream",
			Handler:       testServiceBidiStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}
