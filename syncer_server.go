package main

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/breez/public-sync/config"
	"github.com/breez/public-sync/middleware"
	"github.com/breez/public-sync/rpc"
	"github.com/breez/public-sync/store"
	"golang.org/x/sync/semaphore"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

const (
	errorDomain          = "publicsync"
	reasonSchemaMismatch = "SCHEMA_MISMATCH"
	eventsBufferSize     = 64
)

type RecordStoreServer struct {
	rpc.UnimplementedRecordStoreServer
	config        *config.Config
	storage       store.SyncStorage
	eventsManager *eventsManager
	querySlots    *semaphore.Weighted
	logger        *log.Logger
}

func NewRecordStoreServer(config *config.Config, storage store.SyncStorage, logger *log.Logger) *RecordStoreServer {
	if logger == nil {
		logger = log.Default()
	}
	return &RecordStoreServer{
		config:        config,
		storage:       storage,
		eventsManager: newEventsManager(logger),
		querySlots:    semaphore.NewWeighted(config.MaxConcurrentQueries),
		logger:        logger,
	}
}

func (s *RecordStoreServer) Start(quitChan chan struct{}) {
	s.eventsManager.start(quitChan)
}

func (s *RecordStoreServer) Query(ctx context.Context, msg *rpc.QueryRequest) (*rpc.QueryReply, error) {
	if err := s.checkSchema(msg.SchemaVersion); err != nil {
		return nil, err
	}
	if !s.querySlots.TryAcquire(1) {
		return nil, rateLimited(s.config.RateLimitRetry())
	}
	defer s.querySlots.Release(1)

	cursor := queryCursor{Family: msg.RecordType}
	if msg.Cursor != "" {
		var err error
		if cursor, err = decodeCursor(msg.Cursor); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	if cursor.Family == "" {
		return nil, status.Error(codes.InvalidArgument, "record type or cursor is required")
	}

	limit := s.pageSize(msg.Limit)
	stored, err := s.storage.QueryRecords(ctx, cursor.Family, cursor.Revision, limit+1)
	if err != nil {
		s.logger.Printf("query %v failed: %v", cursor.Family, err)
		return nil, status.Error(codes.Unavailable, "failed to query records")
	}

	reply := &rpc.QueryReply{Records: make([]*rpc.Record, 0, len(stored))}
	more := len(stored) > limit
	if more {
		stored = stored[:limit]
	}
	for _, r := range stored {
		reply.Records = append(reply.Records, &rpc.Record{
			Id:            r.Id,
			Type:          r.Type,
			Family:        r.Family,
			ParentId:      r.ParentId,
			Data:          r.Data,
			Revision:      r.Revision,
			SchemaVersion: r.SchemaVersion,
			Author:        r.Author,
		})
	}
	if more {
		last := stored[len(stored)-1]
		reply.Cursor = queryCursor{Family: cursor.Family, Revision: last.Revision}.encode()
	}
	return reply, nil
}

func (s *RecordStoreServer) SetRecord(ctx context.Context, msg *rpc.SetRecordRequest) (*rpc.SetRecordReply, error) {
	record := msg.Record
	if record == nil || record.Id == "" || record.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "record id and type are required")
	}
	if err := s.checkSchema(record.SchemaVersion); err != nil {
		return nil, err
	}
	author, ok := middleware.AuthorFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.PermissionDenied, "unsigned write")
	}

	family := record.Family
	if family == "" {
		family = record.Type
	}
	newRevision, err := s.storage.SetRecord(ctx, store.StoredRecord{
		Id:            record.Id,
		Type:          record.Type,
		Family:        family,
		ParentId:      record.ParentId,
		Data:          record.Data,
		SchemaVersion: record.SchemaVersion,
		Author:        author,
	}, record.Revision)
	if err != nil {
		if errors.Is(err, store.ErrSetConflict) {
			return &rpc.SetRecordReply{
				Status: rpc.SetRecordStatus_CONFLICT,
			}, nil
		}
		s.logger.Printf("set record %v/%v failed: %v", record.Type, record.Id, err)
		return nil, status.Error(codes.Unavailable, "failed to set record")
	}

	event := rpc.EventUpdate
	if record.Revision == 0 {
		event = rpc.EventCreate
	}
	notification := &rpc.Notification{
		RecordType: record.Type,
		RecordId:   record.Id,
		Revision:   newRevision,
		Event:      event,
	}
	if family != record.Type {
		notification.Family = family
	}
	s.eventsManager.notifyChange(notification)
	return &rpc.SetRecordReply{
		Status:      rpc.SetRecordStatus_SUCCESS,
		NewRevision: newRevision,
	}, nil
}

func (s *RecordStoreServer) CreateSubscription(ctx context.Context, msg *rpc.CreateSubscriptionRequest) (*rpc.CreateSubscriptionReply, error) {
	sub := msg.Subscription
	if sub == nil || sub.Id == "" || sub.RecordType == "" {
		return nil, status.Error(codes.InvalidArgument, "subscription id and record type are required")
	}
	err := s.storage.SetSubscription(ctx, store.StoredSubscription{
		Id:         sub.Id,
		RecordType: sub.RecordType,
		Events:     sub.Events,
		Silent:     sub.Silent,
	})
	if err != nil {
		s.logger.Printf("create subscription %v failed: %v", sub.Id, err)
		return nil, status.Error(codes.Unavailable, "failed to create subscription")
	}
	return &rpc.CreateSubscriptionReply{}, nil
}

func (s *RecordStoreServer) TrackChanges(request *rpc.TrackChangesRequest, stream rpc.TrackChangesServer) error {
	ctx := stream.Context()
	subs, err := s.storage.GetSubscriptions(ctx, request.SubscriptionIds)
	if err != nil {
		s.logger.Printf("get subscriptions failed: %v", err)
		return status.Error(codes.Unavailable, "failed to load subscriptions")
	}
	if len(subs) == 0 {
		return status.Error(codes.NotFound, "no known subscriptions")
	}

	subscription := s.eventsManager.subscribe(subs)
	defer s.eventsManager.unsubscribe(subscription.id)
	for {
		select {
		case notification, ok := <-subscription.eventsChan:
			if !ok {
				return nil
			}
			if err := stream.Send(notification); err != nil {
				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (s *RecordStoreServer) pageSize(requested int32) int {
	if requested <= 0 || int(requested) > s.config.MaxPageSize {
		return s.config.MaxPageSize
	}
	return int(requested)
}

// checkSchema rejects clients whose major schema version differs from the
// server's. An empty client version is accepted.
func (s *RecordStoreServer) checkSchema(clientVersion string) error {
	if clientVersion == "" || majorVersion(clientVersion) == majorVersion(s.config.SchemaVersion) {
		return nil
	}
	st := status.New(codes.FailedPrecondition, "schema version mismatch")
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason: reasonSchemaMismatch,
		Domain: errorDomain,
		Metadata: map[string]string{
			"server_version": s.config.SchemaVersion,
			"client_version": clientVersion,
		},
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

func majorVersion(v string) string {
	major, _, _ := strings.Cut(v, ".")
	return major
}

func rateLimited(delay time.Duration) error {
	st := status.New(codes.ResourceExhausted, "too many concurrent queries")
	detailed, err := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(delay)})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

type unsubscribe struct {
	id int64
}

type subscription struct {
	id         int64
	subs       []store.StoredSubscription
	eventsChan chan *rpc.Notification
}

type eventsManager struct {
	globalIDs atomic.Int64
	streams   map[int64]*subscription
	msgChan   chan interface{}
	quit      chan struct{}
	logger    *log.Logger
}

func newEventsManager(logger *log.Logger) *eventsManager {
	return &eventsManager{
		streams: make(map[int64]*subscription),
		msgChan: make(chan interface{}),
		logger:  logger,
	}
}

func (c *eventsManager) start(quitChan chan struct{}) {
	c.quit = quitChan
	go func() {
		for {
			select {
			case msg := <-c.msgChan:
				switch m := msg.(type) {
				case *subscription:
					c.streams[m.id] = m
				case *unsubscribe:
					if s, ok := c.streams[m.id]; ok {
						close(s.eventsChan)
						delete(c.streams, m.id)
					}
				case *rpc.Notification:
					c.dispatch(m)
				}

			case <-quitChan:
				for id, s := range c.streams {
					close(s.eventsChan)
					delete(c.streams, id)
				}
				return
			}
		}
	}()
}

func (c *eventsManager) dispatch(n *rpc.Notification) {
	family := n.Family
	if family == "" {
		family = n.RecordType
	}
	for _, s := range c.streams {
		for _, sub := range s.subs {
			if sub.RecordType != family || sub.Events&n.Event == 0 {
				continue
			}
			event := *n
			event.SubscriptionId = sub.Id
			select {
			case s.eventsChan <- &event:
			default:
				// The next pull picks the change up anyway.
				c.logger.Printf("dropping notification for subscription %v: stream is behind", sub.Id)
			}
		}
	}
}

func (c *eventsManager) notifyChange(n *rpc.Notification) {
	select {
	case c.msgChan <- n:
	case <-c.quit:
	}
}

func (c *eventsManager) subscribe(subs []store.StoredSubscription) *subscription {
	s := &subscription{
		id:         c.globalIDs.Add(1),
		subs:       subs,
		eventsChan: make(chan *rpc.Notification, eventsBufferSize),
	}
	select {
	case c.msgChan <- s:
	case <-c.quit:
		close(s.eventsChan)
	}
	return s
}

func (c *eventsManager) unsubscribe(id int64) {
	select {
	case c.msgChan <- &unsubscribe{id: id}:
	case <-c.quit:
	}
}
