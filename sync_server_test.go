package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/breez/public-sync/config"
	"github.com/breez/public-sync/middleware"
	"github.com/breez/public-sync/retry"
	"github.com/breez/public-sync/rpc"
	"github.com/breez/public-sync/store"
	"github.com/breez/public-sync/store/sqlite"
	"github.com/btcsuite/btcd/btcec/v2"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type testServer struct {
	syncServer *RecordStoreServer
	conn       *grpc.ClientConn
	client     *rpc.RecordStoreClient
}

func testConfig() *config.Config {
	return &config.Config{
		SchemaVersion:        "1.0",
		MaxPageSize:          100,
		MaxConcurrentQueries: 8,
		RateLimitRetryMs:     1500,
	}
}

func server(t *testing.T, config *config.Config) *testServer {
	t.Helper()
	storage, err := sqlite.NewSQLiteSyncStorage(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err, "failed to open storage")

	quitChan := make(chan struct{})
	syncServer := NewRecordStoreServer(config, storage, log.Default())
	syncServer.Start(quitChan)

	buffer := 1024 * 1024
	lis := bufconn.Listen(buffer)
	baseServer := CreateServer(config, syncServer, grpcprom.NewServerMetrics())
	go func() {
		if err := baseServer.Serve(lis); err != nil {
			log.Printf("error serving server: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err, "error connecting to server")

	t.Cleanup(func() {
		conn.Close()
		close(quitChan)
		baseServer.Stop()
		lis.Close()
		storage.Close()
	})
	return &testServer{
		syncServer: syncServer,
		conn:       conn,
		client:     rpc.NewRecordStoreClient(conn),
	}
}

func signedSet(t *testing.T, client *rpc.RecordStoreClient, key *btcec.PrivateKey, record *rpc.Record) *rpc.SetRecordReply {
	t.Helper()
	requestTime := uint32(time.Now().Unix())
	signature, err := middleware.SignMessage(key, []byte(middleware.SignSetRecord(record, requestTime)))
	require.NoError(t, err, "failed to sign message")
	reply, err := client.SetRecord(context.Background(), &rpc.SetRecordRequest{
		Record:      record,
		RequestTime: requestTime,
		Signature:   signature,
	})
	require.NoError(t, err, "failed to call SetRecord")
	return reply
}

func TestSetRecordAndQuery(t *testing.T) {
	srv := server(t, testConfig())
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	ctx := context.Background()

	reply, err := srv.client.Query(ctx, &rpc.QueryRequest{RecordType: "Owner"})
	require.NoError(t, err)
	require.Empty(t, reply.Records, "empty db, no records")
	require.Empty(t, reply.Cursor)

	set := signedSet(t, srv.client, key, &rpc.Record{Id: "o1", Type: "Owner", Data: []byte("version1"), SchemaVersion: "1.0"})
	require.Equal(t, rpc.SetRecordStatus_SUCCESS, set.Status)
	require.Equal(t, int64(1), set.NewRevision)

	set = signedSet(t, srv.client, key, &rpc.Record{Id: "o1", Type: "Owner", Data: []byte("version2"), Revision: 1, SchemaVersion: "1.0"})
	require.Equal(t, rpc.SetRecordStatus_SUCCESS, set.Status)
	require.Equal(t, int64(2), set.NewRevision)

	set = signedSet(t, srv.client, key, &rpc.Record{Id: "o1", Type: "Owner", Data: []byte("version3"), Revision: 1})
	require.Equal(t, rpc.SetRecordStatus_CONFLICT, set.Status)

	reply, err = srv.client.Query(ctx, &rpc.QueryRequest{RecordType: "Owner", SchemaVersion: "1.2"})
	require.NoError(t, err)
	require.Len(t, reply.Records, 1)
	record := reply.Records[0]
	require.Equal(t, []byte("version2"), record.Data)
	require.Equal(t, int64(2), record.Revision)
	require.Equal(t, fmt.Sprintf("%x", key.PubKey().SerializeCompressed()), record.Author)
}

func TestQueryPagination(t *testing.T) {
	config := testConfig()
	config.MaxPageSize = 2
	srv := server(t, config)
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		signedSet(t, srv.client, key, &rpc.Record{Id: fmt.Sprintf("p%d", i), Type: "Pet", ParentId: "o1"})
		signedSet(t, srv.client, key, &rpc.Record{Id: fmt.Sprintf("t%d", i), Type: "Toy"})
	}

	var ids []string
	req := &rpc.QueryRequest{RecordType: "Pet", Limit: 50}
	pages := 0
	for {
		reply, err := srv.client.Query(context.Background(), req)
		require.NoError(t, err)
		pages++
		require.LessOrEqual(t, len(reply.Records), 2, "page size is clamped")
		for _, r := range reply.Records {
			ids = append(ids, r.Id)
		}
		if reply.Cursor == "" {
			break
		}
		req = &rpc.QueryRequest{Cursor: reply.Cursor, Limit: 50}
	}
	require.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, ids)
	require.Equal(t, 3, pages)
}

func TestQueryFamily(t *testing.T) {
	srv := server(t, testConfig())
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	signedSet(t, srv.client, key, &rpc.Record{Id: "p1", Type: "Pet", ParentId: "o1"})
	signedSet(t, srv.client, key, &rpc.Record{Id: "d1", Type: "Dog", Family: "Pet", ParentId: "p1"})
	signedSet(t, srv.client, key, &rpc.Record{Id: "d2", Type: "Dog"})

	reply, err := srv.client.Query(context.Background(), &rpc.QueryRequest{RecordType: "Pet"})
	require.NoError(t, err)
	require.Len(t, reply.Records, 2)
	require.Equal(t, "Pet", reply.Records[0].Type)
	require.Equal(t, "Dog", reply.Records[1].Type)
	require.Equal(t, "Pet", reply.Records[1].Family)

	reply, err = srv.client.Query(context.Background(), &rpc.QueryRequest{RecordType: "Dog"})
	require.NoError(t, err)
	require.Len(t, reply.Records, 1)
	require.Equal(t, "d2", reply.Records[0].Id)
}

func TestEventsMatchFamily(t *testing.T) {
	quit := make(chan struct{})
	defer close(quit)
	manager := newEventsManager(log.Default())
	manager.start(quit)

	s := manager.subscribe([]store.StoredSubscription{
		{Id: "pets", RecordType: "Pet", Events: rpc.EventCreate},
		{Id: "dogs", RecordType: "Dog", Events: rpc.EventCreate},
	})
	manager.notifyChange(&rpc.Notification{RecordType: "Dog", Family: "Pet", RecordId: "d1", Revision: 3, Event: rpc.EventCreate})
	manager.notifyChange(&rpc.Notification{RecordType: "Pet", RecordId: "p1", Revision: 4, Event: rpc.EventUpdate})
	manager.notifyChange(&rpc.Notification{RecordType: "Dog", RecordId: "d2", Revision: 5, Event: rpc.EventCreate})

	var got []string
	for len(got) < 2 {
		select {
		case n := <-s.eventsChan:
			got = append(got, n.SubscriptionId+"/"+n.RecordId)
		case <-time.After(time.Second):
			t.Fatalf("missing notifications, got %v", got)
		}
	}
	require.Equal(t, []string{"pets/d1", "dogs/d2"}, got)
}

func TestQueryValidation(t *testing.T) {
	srv := server(t, testConfig())

	_, err := srv.client.Query(context.Background(), &rpc.QueryRequest{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = srv.client.Query(context.Background(), &rpc.QueryRequest{Cursor: "not a cursor"})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSchemaMismatch(t *testing.T) {
	srv := server(t, testConfig())

	_, err := srv.client.Query(context.Background(), &rpc.QueryRequest{RecordType: "Owner", SchemaVersion: "2.0"})
	st := status.Convert(err)
	require.Equal(t, codes.FailedPrecondition, st.Code())
	require.Len(t, st.Details(), 1)
	info, ok := st.Details()[0].(*errdetails.ErrorInfo)
	require.True(t, ok)
	require.Equal(t, reasonSchemaMismatch, info.Reason)

	decision := retry.NewPolicy(time.Second).Classify(err)
	require.Equal(t, retry.ActionFatal, decision.Action)
	require.Equal(t, retry.KindSchemaMismatch, decision.Kind)
}

func TestQueryRateLimited(t *testing.T) {
	config := testConfig()
	config.MaxConcurrentQueries = 1
	srv := server(t, config)
	require.True(t, srv.syncServer.querySlots.TryAcquire(1))

	_, err := srv.client.Query(context.Background(), &rpc.QueryRequest{RecordType: "Owner"})
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
	decision := retry.NewPolicy(time.Second).Classify(err)
	require.Equal(t, retry.ActionRetry, decision.Action)
	require.Equal(t, retry.KindRateLimited, decision.Kind)
	require.Equal(t, 1500*time.Millisecond, decision.Delay)

	srv.syncServer.querySlots.Release(1)
	_, err = srv.client.Query(context.Background(), &rpc.QueryRequest{RecordType: "Owner"})
	require.NoError(t, err)
}

func TestUnsignedWriteIsRejected(t *testing.T) {
	srv := server(t, testConfig())
	_, err := srv.client.SetRecord(context.Background(), &rpc.SetRecordRequest{
		Record:    &rpc.Record{Id: "o1", Type: "Owner"},
		Signature: "garbage",
	})
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestTrackChanges(t *testing.T) {
	srv := server(t, testConfig())
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = srv.client.CreateSubscription(ctx, &rpc.CreateSubscriptionRequest{
		Subscription: &rpc.Subscription{Id: "sub-pet", RecordType: "Pet", Events: rpc.EventCreate | rpc.EventUpdate, Silent: true},
	})
	require.NoError(t, err)

	stream, err := srv.client.TrackChanges(ctx, &rpc.TrackChangesRequest{SubscriptionIds: []string{"sub-pet"}})
	require.NoError(t, err)
	notifications := make(chan *rpc.Notification, 16)
	go func() {
		for {
			n, err := stream.Recv()
			if err != nil {
				close(notifications)
				return
			}
			notifications <- n
		}
	}()

	// The stream registers asynchronously; write until the first change is seen.
	var got *rpc.Notification
	deadline := time.Now().Add(2 * time.Second)
	for i := 0; got == nil; i++ {
		require.True(t, time.Now().Before(deadline), "no notification received")
		signedSet(t, srv.client, key, &rpc.Record{Id: fmt.Sprintf("toy%d", i), Type: "Toy"})
		signedSet(t, srv.client, key, &rpc.Record{Id: fmt.Sprintf("pet%d", i), Type: "Pet"})
		select {
		case got = <-notifications:
		case <-time.After(20 * time.Millisecond):
		}
	}

	require.Equal(t, "sub-pet", got.SubscriptionId)
	require.Equal(t, "Pet", got.RecordType)
	require.Equal(t, rpc.EventCreate, got.Event)
}

func TestTrackChangesUnknownSubscription(t *testing.T) {
	srv := server(t, testConfig())
	stream, err := srv.client.TrackChanges(context.Background(), &rpc.TrackChangesRequest{SubscriptionIds: []string{"missing"}})
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestCursorRoundTrip(t *testing.T) {
	c := queryCursor{Family: "Pet", Revision: 42}
	decoded, err := decodeCursor(c.encode())
	require.NoError(t, err)
	require.Equal(t, c, decoded)

	_, err = decodeCursor(queryCursor{Revision: 1}.encode())
	require.ErrorIs(t, err, errInvalidCursor)
}
