package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// RecordStoreClient calls the record store over a gRPC connection using the
// JSON codec.
type RecordStoreClient struct {
	cc grpc.ClientConnInterface
}

func NewRecordStoreClient(cc grpc.ClientConnInterface) *RecordStoreClient {
	return &RecordStoreClient{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *RecordStoreClient) Query(ctx context.Context, in *QueryRequest, opts ...grpc.CallOption) (*QueryReply, error) {
	out := new(QueryReply)
	if err := c.cc.Invoke(ctx, QueryMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RecordStoreClient) SetRecord(ctx context.Context, in *SetRecordRequest, opts ...grpc.CallOption) (*SetRecordReply, error) {
	out := new(SetRecordReply)
	if err := c.cc.Invoke(ctx, SetRecordMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RecordStoreClient) CreateSubscription(ctx context.Context, in *CreateSubscriptionRequest, opts ...grpc.CallOption) (*CreateSubscriptionReply, error) {
	out := new(CreateSubscriptionReply)
	if err := c.cc.Invoke(ctx, CreateSubscriptionMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// TrackChangesClient is the client side of the TrackChanges stream.
type TrackChangesClient interface {
	Recv() (*Notification, error)
	grpc.ClientStream
}

type trackChangesClient struct {
	grpc.ClientStream
}

func (x *trackChangesClient) Recv() (*Notification, error) {
	m := new(Notification)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *RecordStoreClient) TrackChanges(ctx context.Context, in *TrackChangesRequest, opts ...grpc.CallOption) (TrackChangesClient, error) {
	stream, err := c.cc.NewStream(ctx, &RecordStore_ServiceDesc.Streams[0], TrackChangesMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &trackChangesClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
