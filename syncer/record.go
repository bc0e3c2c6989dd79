// Package syncer pulls record changes from a shared remote record store and
// applies them to local storage, parents before children.
package syncer

import (
	"context"
)

// RecordType names a record schema.
type RecordType string

// Record is a fetched remote record. Data is opaque to the syncer.
type Record struct {
	Type          RecordType
	ID            string
	ParentID      string
	Data          []byte
	Revision      int64
	Author        string
	SchemaVersion string
}

// Cursor continues a paginated query. It is bound to the record type of the
// query that produced it.
type Cursor struct {
	recordType RecordType
	token      string
}

func NewCursor(recordType RecordType, token string) Cursor {
	return Cursor{recordType: recordType, token: token}
}

func (c Cursor) RecordType() RecordType { return c.recordType }
func (c Cursor) Token() string          { return c.token }

// Page is one completed query operation. A nil Next means the query is
// exhausted.
type Page struct {
	Records []Record
	Next    *Cursor
}

// Event is a bit mask of record changes a subscription fires on.
type Event uint32

const (
	EventCreate Event = 1 << iota
	EventUpdate
	EventDelete

	AllEvents = EventCreate | EventUpdate | EventDelete
)

// Subscription asks the remote store to push changes of a record type.
// Silent subscriptions deliver data only notifications.
type Subscription struct {
	ID         string
	RecordType RecordType
	Events     Event
	Silent     bool
}

// RemoteStore is the shared record store the syncer pulls from.
type RemoteStore interface {
	// Query fetches the first page of all records of recordType.
	Query(ctx context.Context, recordType RecordType) (*Page, error)
	// ResumeQuery fetches the page following cursor.
	ResumeQuery(ctx context.Context, cursor Cursor) (*Page, error)
	// CreateSubscription creates or replaces the subscription with the same ID.
	CreateSubscription(ctx context.Context, sub Subscription) error
}

// SyncObject is the local side of one record family.
type SyncObject interface {
	// RecordType is the type queried for this family.
	RecordType() RecordType
	// RecordTypes is the closed set of types this family absorbs.
	RecordTypes() []RecordType
	// Add takes ownership of a fetched record.
	Add(ctx context.Context, record Record) error
	RegisterLocalDatabase() error
	CleanUp() error
}
