package store

import (
	"context"
	"errors"
)

var (
	ErrSetConflict = errors.New("set conflict")
	ErrNotFound    = errors.New("not found")
)

// StoredRecord is a record of the shared space. Revisions come from a single
// counter across all record types, so ordering by revision is also ordering
// by write time. An empty Family means the record's own type.
type StoredRecord struct {
	Id            string
	Type          string
	Family        string
	ParentId      string
	Data          []byte
	Revision      int64
	SchemaVersion string
	Author        string
}

type StoredSubscription struct {
	Id         string
	RecordType string
	Events     uint32
	Silent     bool
}

type SyncStorage interface {
	// SetRecord writes the record when existingRevision matches the stored
	// one (0 for a new record) and returns the new revision.
	SetRecord(ctx context.Context, record StoredRecord, existingRevision int64) (int64, error)
	// QueryRecords returns at most limit records of family with a
	// revision greater than afterRevision, in revision order.
	QueryRecords(ctx context.Context, family string, afterRevision int64, limit int) ([]StoredRecord, error)
	GetRecord(ctx context.Context, id string) (*StoredRecord, error)
	SetSubscription(ctx context.Context, sub StoredSubscription) error
	GetSubscriptions(ctx context.Context, ids []string) ([]StoredSubscription, error)
	Close() error
}
