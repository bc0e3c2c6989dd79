package localstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/breez/public-sync/syncer"
	sqlite "github.com/mattn/go-sqlite3"
)

var (
	ErrNotRegistered = errors.New("collection is not registered")
	ErrForeignType   = errors.New("record type is not owned by the collection")
	// ErrMissingParent lets the orchestrator hold a record back until the
	// family holding its parent has committed.
	ErrMissingParent = syncer.ErrMissingParent
)

// Collection stores one record family: the primary type it is queried by
// and the other types it absorbs. It implements syncer.SyncObject.
type Collection struct {
	db         *DB
	types      []syncer.RecordType
	registered atomic.Bool
}

var _ syncer.SyncObject = (*Collection)(nil)

func NewCollection(db *DB, primary syncer.RecordType, others ...syncer.RecordType) *Collection {
	return &Collection{
		db:    db,
		types: append([]syncer.RecordType{primary}, others...),
	}
}

func (c *Collection) RecordType() syncer.RecordType {
	return c.types[0]
}

func (c *Collection) RecordTypes() []syncer.RecordType {
	return slices.Clone(c.types)
}

// Add stores record unless a copy with the same or a newer revision is
// already present, so re-applying a pass is harmless.
func (c *Collection) Add(ctx context.Context, record syncer.Record) error {
	if !c.registered.Load() {
		return ErrNotRegistered
	}
	if !slices.Contains(c.types, record.Type) {
		return fmt.Errorf("%w: %s", ErrForeignType, record.Type)
	}
	if _, err := c.db.upsert(ctx, record); err != nil {
		var sqliteErr sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite.ErrConstraintForeignKey {
			return fmt.Errorf("%w: %s %s references %s", ErrMissingParent, record.Type, record.ID, record.ParentID)
		}
		return fmt.Errorf("failed to store %s %s: %w", record.Type, record.ID, err)
	}
	return nil
}

func (c *Collection) RegisterLocalDatabase() error {
	if err := c.db.Migrate(); err != nil {
		return err
	}
	c.registered.Store(true)
	return nil
}

func (c *Collection) CleanUp() error {
	c.registered.Store(false)
	return c.db.Checkpoint()
}
