package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// StoreTest is the behavior every SyncStorage backend must share.
type StoreTest struct{}

func newRecord(recordType, id, parentID string, data string) StoredRecord {
	return StoredRecord{
		Id:            id,
		Type:          recordType,
		Family:        recordType,
		ParentId:      parentID,
		Data:          []byte(data),
		SchemaVersion: "1.0",
		Author:        "author",
	}
}

func (s *StoreTest) TestAddRecords(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	recordType := uuid.New().String()
	a1, a2 := uuid.New().String(), uuid.New().String()

	rev1, err := storage.SetRecord(ctx, newRecord(recordType, a1, "", "data1"), 0)
	require.NoError(t, err, "failed to call SetRecord a1")
	rev2, err := storage.SetRecord(ctx, newRecord(recordType, a2, a1, "data2"), 0)
	require.NoError(t, err, "failed to call SetRecord a2")
	require.Greater(t, rev2, rev1)

	records, err := storage.QueryRecords(ctx, recordType, 0, 10)
	require.NoError(t, err, "failed to call QueryRecords")
	expected1 := newRecord(recordType, a1, "", "data1")
	expected1.Revision = rev1
	expected2 := newRecord(recordType, a2, a1, "data2")
	expected2.Revision = rev2
	require.Equal(t, []StoredRecord{expected1, expected2}, records)

	stored, err := storage.GetRecord(ctx, a2)
	require.NoError(t, err)
	require.Equal(t, expected2, *stored)

	_, err = storage.GetRecord(ctx, uuid.New().String())
	require.ErrorIs(t, err, ErrNotFound)
}

func (s *StoreTest) TestUpdateRecords(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	recordType := uuid.New().String()
	id := uuid.New().String()

	rev1, err := storage.SetRecord(ctx, newRecord(recordType, id, "", "data1"), 0)
	require.NoError(t, err, "failed to call SetRecord")
	rev2, err := storage.SetRecord(ctx, newRecord(recordType, id, "", "data2"), rev1)
	require.NoError(t, err, "failed to update record")
	require.Greater(t, rev2, rev1)

	records, err := storage.QueryRecords(ctx, recordType, 0, 10)
	require.NoError(t, err, "failed to call QueryRecords")
	require.Len(t, records, 1)
	require.Equal(t, []byte("data2"), records[0].Data)
	require.Equal(t, rev2, records[0].Revision)
}

func (s *StoreTest) TestConflict(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	recordType := uuid.New().String()
	id := uuid.New().String()

	_, err := storage.SetRecord(ctx, newRecord(recordType, id, "", "data1"), 0)
	require.NoError(t, err, "failed to call SetRecord")

	_, err = storage.SetRecord(ctx, newRecord(recordType, id, "", "data2"), 0)
	require.ErrorIs(t, err, ErrSetConflict)
}

func (s *StoreTest) TestQueryPages(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	recordType := uuid.New().String()
	other := uuid.New().String()

	var revisions []int64
	for i := 0; i < 5; i++ {
		rev, err := storage.SetRecord(ctx, newRecord(recordType, uuid.New().String(), "", "x"), 0)
		require.NoError(t, err)
		revisions = append(revisions, rev)
		_, err = storage.SetRecord(ctx, newRecord(other, uuid.New().String(), "", "y"), 0)
		require.NoError(t, err)
	}

	first, err := storage.QueryRecords(ctx, recordType, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, revisions[1], first[1].Revision)

	rest, err := storage.QueryRecords(ctx, recordType, first[1].Revision, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	for _, r := range rest {
		require.Equal(t, recordType, r.Type)
	}

	empty, err := storage.QueryRecords(ctx, recordType, revisions[4], 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func (s *StoreTest) TestFamilies(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	family := uuid.New().String()
	member := uuid.New().String()

	ownRev, err := storage.SetRecord(ctx, newRecord(family, uuid.New().String(), "", "pet"), 0)
	require.NoError(t, err)
	memberRecord := newRecord(member, uuid.New().String(), "", "dog")
	memberRecord.Family = family
	memberRev, err := storage.SetRecord(ctx, memberRecord, 0)
	require.NoError(t, err)

	records, err := storage.QueryRecords(ctx, family, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, ownRev, records[0].Revision)
	require.Equal(t, memberRev, records[1].Revision)
	require.Equal(t, member, records[1].Type)
	require.Equal(t, family, records[1].Family)

	records, err = storage.QueryRecords(ctx, member, 0, 10)
	require.NoError(t, err)
	require.Empty(t, records, "records are queried by family only")

	// An empty family falls back to the record type.
	untagged := newRecord(member, uuid.New().String(), "", "cat")
	untagged.Family = ""
	_, err = storage.SetRecord(ctx, untagged, 0)
	require.NoError(t, err)
	stored, err := storage.GetRecord(ctx, untagged.Id)
	require.NoError(t, err)
	require.Equal(t, member, stored.Family)
}

func (s *StoreTest) TestSubscriptions(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	sub := StoredSubscription{Id: uuid.New().String(), RecordType: "Owner", Events: 3, Silent: true}

	require.NoError(t, storage.SetSubscription(ctx, sub))
	sub.Events = 7
	require.NoError(t, storage.SetSubscription(ctx, sub), "subscriptions are upserted")

	subs, err := storage.GetSubscriptions(ctx, []string{sub.Id, uuid.New().String()})
	require.NoError(t, err)
	require.Equal(t, []StoredSubscription{sub}, subs)
}

func (s *StoreTest) RunAll(t *testing.T, storage SyncStorage) {
	t.Run("AddRecords", func(t *testing.T) { s.TestAddRecords(t, storage) })
	t.Run("UpdateRecords", func(t *testing.T) { s.TestUpdateRecords(t, storage) })
	t.Run("Conflict", func(t *testing.T) { s.TestConflict(t, storage) })
	t.Run("QueryPages", func(t *testing.T) { s.TestQueryPages(t, storage) })
	t.Run("Families", func(t *testing.T) { s.TestFamilies(t, storage) })
	t.Run("Subscriptions", func(t *testing.T) { s.TestSubscriptions(t, storage) })
}
