// Package remote adapts the record store gRPC service to the syncer's
// RemoteStore and listens for pushed changes.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/breez/public-sync/middleware"
	"github.com/breez/public-sync/rpc"
	"github.com/breez/public-sync/syncer"
	"github.com/btcsuite/btcd/btcec/v2"
	"google.golang.org/grpc"
)

var (
	ErrConflict        = errors.New("record revision conflict")
	ErrNoSigner        = errors.New("no signing key configured")
	ErrEmptyRecordType = errors.New("record type is required")
)

// Client implements syncer.RemoteStore over a record store connection.
type Client struct {
	client        *rpc.RecordStoreClient
	pageSize      int32
	schemaVersion string
	key           *btcec.PrivateKey
}

var _ syncer.RemoteStore = (*Client)(nil)

type Option func(*Client)

// WithPageSize asks the server for pages of at most n records. The server
// may clamp it further.
func WithPageSize(n int32) Option {
	return func(c *Client) { c.pageSize = n }
}

func WithSchemaVersion(v string) Option {
	return func(c *Client) { c.schemaVersion = v }
}

// WithSigningKey enables Put.
func WithSigningKey(key *btcec.PrivateKey) Option {
	return func(c *Client) { c.key = key }
}

func NewClient(conn grpc.ClientConnInterface, opts ...Option) *Client {
	c := &Client{client: rpc.NewRecordStoreClient(conn)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Query(ctx context.Context, recordType syncer.RecordType) (*syncer.Page, error) {
	if recordType == "" {
		return nil, ErrEmptyRecordType
	}
	reply, err := c.client.Query(ctx, &rpc.QueryRequest{
		RecordType:    string(recordType),
		Limit:         c.pageSize,
		SchemaVersion: c.schemaVersion,
	})
	if err != nil {
		return nil, err
	}
	return toPage(recordType, reply), nil
}

func (c *Client) ResumeQuery(ctx context.Context, cursor syncer.Cursor) (*syncer.Page, error) {
	reply, err := c.client.Query(ctx, &rpc.QueryRequest{
		Cursor:        cursor.Token(),
		Limit:         c.pageSize,
		SchemaVersion: c.schemaVersion,
	})
	if err != nil {
		return nil, err
	}
	return toPage(cursor.RecordType(), reply), nil
}

func toPage(recordType syncer.RecordType, reply *rpc.QueryReply) *syncer.Page {
	page := &syncer.Page{Records: make([]syncer.Record, 0, len(reply.Records))}
	for _, r := range reply.Records {
		page.Records = append(page.Records, syncer.Record{
			Type:          syncer.RecordType(r.Type),
			ID:            r.Id,
			ParentID:      r.ParentId,
			Data:          r.Data,
			Revision:      r.Revision,
			Author:        r.Author,
			SchemaVersion: r.SchemaVersion,
		})
	}
	if reply.Cursor != "" {
		next := syncer.NewCursor(recordType, reply.Cursor)
		page.Next = &next
	}
	return page
}

func (c *Client) CreateSubscription(ctx context.Context, sub syncer.Subscription) error {
	_, err := c.client.CreateSubscription(ctx, &rpc.CreateSubscriptionRequest{
		Subscription: &rpc.Subscription{
			Id:         sub.ID,
			RecordType: string(sub.RecordType),
			Events:     uint32(sub.Events),
			Silent:     sub.Silent,
		},
	})
	return err
}

// Put signs and writes record under family, the type it is queried by. An
// empty family means record.Type. record.Revision must be the revision the
// caller last saw, 0 for a new record. It returns the new revision.
func (c *Client) Put(ctx context.Context, record syncer.Record, family syncer.RecordType) (int64, error) {
	if c.key == nil {
		return 0, ErrNoSigner
	}
	if record.SchemaVersion == "" {
		record.SchemaVersion = c.schemaVersion
	}
	if family == record.Type {
		family = ""
	}
	msg := &rpc.Record{
		Id:            record.ID,
		Type:          string(record.Type),
		Family:        string(family),
		ParentId:      record.ParentID,
		Data:          record.Data,
		Revision:      record.Revision,
		SchemaVersion: record.SchemaVersion,
	}
	requestTime := uint32(time.Now().Unix())
	signature, err := middleware.SignMessage(c.key, []byte(middleware.SignSetRecord(msg, requestTime)))
	if err != nil {
		return 0, err
	}
	reply, err := c.client.SetRecord(ctx, &rpc.SetRecordRequest{
		Record:      msg,
		RequestTime: requestTime,
		Signature:   signature,
	})
	if err != nil {
		return 0, err
	}
	if reply.Status == rpc.SetRecordStatus_CONFLICT {
		return 0, fmt.Errorf("%w: %s %s at revision %d", ErrConflict, record.Type, record.ID, record.Revision)
	}
	return reply.NewRevision, nil
}

func (c *Client) TrackChanges(ctx context.Context, subscriptionIDs []string) (rpc.TrackChangesClient, error) {
	return c.client.TrackChanges(ctx, &rpc.TrackChangesRequest{SubscriptionIds: subscriptionIDs})
}
