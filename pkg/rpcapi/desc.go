package rpcapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/grps-serving/grps/pkg/wire"
)

// ServiceDesc is the hand-registered descriptor for GrpsService: no
// protoc toolchain is involved, so the stubs it would have generated are
// written out directly against the JSON codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GrpsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "Online", Handler: onlineHandler},
		{MethodName: "Offline", Handler: offlineHandler},
		{MethodName: "CheckLiveness", Handler: checkLivenessHandler},
		{MethodName: "CheckReadiness", Handler: checkReadinessHandler},
		{MethodName: "ServerMetadata", Handler: serverMetadataHandler},
		{MethodName: "ModelMetadata", Handler: modelMetadataHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "PredictStreaming",
			Handler:       predictStreamingHandler,
			ServerStreams: true,
		},
	},
	Metadata: "grps.proto",
}

// GrpsServiceServer is the interface the descriptor binds; *Service is
// the only implementation.
type GrpsServiceServer interface {
	Predict(context.Context, *wire.GrpsMessage) (*wire.GrpsMessage, error)
	PredictStreaming(*wire.GrpsMessage, PredictStream) error
	Online(context.Context, *wire.GrpsMessage) (*wire.GrpsMessage, error)
	Offline(context.Context, *wire.GrpsMessage) (*wire.GrpsMessage, error)
	CheckLiveness(context.Context, *wire.GrpsMessage) (*wire.GrpsMessage, error)
	CheckReadiness(context.Context, *wire.GrpsMessage) (*wire.GrpsMessage, error)
	ServerMetadata(context.Context, *wire.GrpsMessage) (*wire.GrpsMessage, error)
	ModelMetadata(context.Context, *wire.GrpsMessage) (*wire.GrpsMessage, error)
}

type unaryMethod func(GrpsServiceServer, context.Context, *wire.GrpsMessage) (*wire.GrpsMessage, error)

func unaryHandler(method string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wire.GrpsMessage)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GrpsServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GrpsServiceServer), ctx, req.(*wire.GrpsMessage))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	predictHandler        = unaryHandler("Predict", GrpsServiceServer.Predict)
	onlineHandler         = unaryHandler("Online", GrpsServiceServer.Online)
	offlineHandler        = unaryHandler("Offline", GrpsServiceServer.Offline)
	checkLivenessHandler  = unaryHandler("CheckLiveness", GrpsServiceServer.CheckLiveness)
	checkReadinessHandler = unaryHandler("CheckReadiness", GrpsServiceServer.CheckReadiness)
	serverMetadataHandler = unaryHandler("ServerMetadata", GrpsServiceServer.ServerMetadata)
	modelMetadataHandler  = unaryHandler("ModelMetadata", GrpsServiceServer.ModelMetadata)
)

func predictStreamingHandler(srv any, stream grpc.ServerStream) error {
	in := new(wire.GrpsMessage)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GrpsServiceServer).PredictStreaming(in, &predictStreamingServer{stream})
}
