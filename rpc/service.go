package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName              = "publicsync.RecordStore"
	QueryMethod              = "/" + ServiceName + "/Query"
	SetRecordMethod          = "/" + ServiceName + "/SetRecord"
	CreateSubscriptionMethod = "/" + ServiceName + "/CreateSubscription"
	TrackChangesMethod       = "/" + ServiceName + "/TrackChanges"
)

// RecordStoreServer is the server API of the record store.
type RecordStoreServer interface {
	Query(context.Context, *QueryRequest) (*QueryReply, error)
	SetRecord(context.Context, *SetRecordRequest) (*SetRecordReply, error)
	CreateSubscription(context.Context, *CreateSubscriptionRequest) (*CreateSubscriptionReply, error)
	TrackChanges(*TrackChangesRequest, TrackChangesServer) error
}

// UnimplementedRecordStoreServer can be embedded to get forward compatible
// implementations.
type UnimplementedRecordStoreServer struct{}

func (UnimplementedRecordStoreServer) Query(context.Context, *QueryRequest) (*QueryReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Query not implemented")
}

func (UnimplementedRecordStoreServer) SetRecord(context.Context, *SetRecordRequest) (*SetRecordReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method SetRecord not implemented")
}

func (UnimplementedRecordStoreServer) CreateSubscription(context.Context, *CreateSubscriptionRequest) (*CreateSubscriptionReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method CreateSubscription not implemented")
}

func (UnimplementedRecordStoreServer) TrackChanges(*TrackChangesRequest, TrackChangesServer) error {
	return status.Errorf(codes.Unimplemented, "method TrackChanges not implemented")
}

// TrackChangesServer is the server side of the TrackChanges stream.
type TrackChangesServer interface {
	Send(*Notification) error
	grpc.ServerStream
}

type trackChangesServer struct {
	grpc.ServerStream
}

func (x *trackChangesServer) Send(m *Notification) error {
	return x.ServerStream.SendMsg(m)
}

func unaryHandler[Req any, Reply any](method string, call func(RecordStoreServer, context.Context, *Req) (*Reply, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RecordStoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RecordStoreServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func trackChangesHandler(srv any, stream grpc.ServerStream) error {
	m := new(TrackChangesRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(RecordStoreServer).TrackChanges(m, &trackChangesServer{stream})
}

// RecordStore_ServiceDesc describes the record store service for
// grpc.ServiceRegistrar.
var RecordStore_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecordStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Query",
			Handler:    unaryHandler(QueryMethod, RecordStoreServer.Query),
		},
		{
			MethodName: "SetRecord",
			Handler:    unaryHandler(SetRecordMethod, RecordStoreServer.SetRecord),
		},
		{
			MethodName: "CreateSubscription",
			Handler:    unaryHandler(CreateSubscriptionMethod, RecordStoreServer.CreateSubscription),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "TrackChanges",
			Handler:       trackChangesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "publicsync/record_store",
}

func RegisterRecordStoreServer(s grpc.ServiceRegistrar, srv RecordStoreServer) {
	s.RegisterService(&RecordStore_ServiceDesc, srv)
}
