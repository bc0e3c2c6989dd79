// Package rpc defines the record store wire messages and the gRPC service
// that carries them. Messages are encoded with the JSON codec registered by
// this package; record_store.proto describes the same contract.
package rpc

const (
	EventCreate uint32 = 1 << iota
	EventUpdate
	EventDelete
)

// Record is a record of the shared space. Family is the record type the
// record is queried under; it defaults to Type.
type Record struct {
	Id            string `json:"id"`
	Type          string `json:"type"`
	Family        string `json:"family,omitempty"`
	ParentId      string `json:"parent_id,omitempty"`
	Data          []byte `json:"data"`
	Revision      int64  `json:"revision"`
	SchemaVersion string `json:"schema_version,omitempty"`
	Author        string `json:"author,omitempty"`
}

// QueryRequest starts a query over the family RecordType when RecordType is
// set and continues one when Cursor is set.
type QueryRequest struct {
	RecordType    string `json:"record_type,omitempty"`
	Cursor        string `json:"cursor,omitempty"`
	Limit         int32  `json:"limit,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
}

// QueryReply carries one page. An empty Cursor means there are no more pages.
type QueryReply struct {
	Records []*Record `json:"records"`
	Cursor  string    `json:"cursor,omitempty"`
}

type SetRecordStatus int32

const (
	SetRecordStatus_SUCCESS SetRecordStatus = iota
	SetRecordStatus_CONFLICT
)

type SetRecordRequest struct {
	Record      *Record `json:"record"`
	RequestTime uint32  `json:"request_time"`
	Signature   string  `json:"signature"`
}

type SetRecordReply struct {
	Status      SetRecordStatus `json:"status"`
	NewRevision int64           `json:"new_revision,omitempty"`
}

type Subscription struct {
	Id         string `json:"id"`
	RecordType string `json:"record_type"`
	Events     uint32 `json:"events"`
	Silent     bool   `json:"silent"`
}

type CreateSubscriptionRequest struct {
	Subscription *Subscription `json:"subscription"`
}

type CreateSubscriptionReply struct{}

type TrackChangesRequest struct {
	SubscriptionIds []string `json:"subscription_ids"`
}

// Notification announces a change to a record. Family is set when the record
// is queried under a type other than its own.
type Notification struct {
	SubscriptionId string `json:"subscription_id"`
	RecordType     string `json:"record_type"`
	Family         string `json:"family,omitempty"`
	RecordId       string `json:"record_id"`
	Revision       int64  `json:"revision"`
	Event          uint32 `json:"event"`
}
