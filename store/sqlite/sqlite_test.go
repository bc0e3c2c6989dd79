package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/breez/public-sync/store"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *SQLiteSyncStorage {
	t.Helper()
	storage, err := NewSQLiteSyncStorage(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestStorage(t *testing.T) {
	(&store.StoreTest{}).RunAll(t, newTestStorage(t))
}

func TestReopenKeepsRevisions(t *testing.T) {
	file := filepath.Join(t.TempDir(), "records.db")
	storage, err := NewSQLiteSyncStorage(file)
	require.NoError(t, err)
	rev, err := storage.SetRecord(context.Background(), store.StoredRecord{Id: "o1", Type: "Owner"}, 0)
	require.NoError(t, err)
	require.NoError(t, storage.Close())

	storage, err = NewSQLiteSyncStorage(file)
	require.NoError(t, err, "migrations must tolerate an existing schema")
	defer storage.Close()
	next, err := storage.SetRecord(context.Background(), store.StoredRecord{Id: "o2", Type: "Owner"}, 0)
	require.NoError(t, err)
	require.Equal(t, rev+1, next)
}

func TestUpdateOfMissingRecordConflicts(t *testing.T) {
	storage := newTestStorage(t)
	_, err := storage.SetRecord(context.Background(), store.StoredRecord{Id: "o1", Type: "Owner"}, 3)
	require.ErrorIs(t, err, store.ErrSetConflict)
}
