// Package localstore keeps synced records in a local SQLite file. Child
// records reference their parent with a foreign key, so a child can only be
// stored once its parent is.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/breez/public-sync/syncer"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var ErrNotFound = errors.New("record not found")

const recordColumns = "id, record_type, COALESCE(parent_id, ''), data, revision, author, schema_version"

type DB struct {
	db *sql.DB

	migrateOnce sync.Once
	migrateErr  error
}

// Open opens the database at path. The schema is created by Migrate.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open local database %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open local database %w", err)
	}
	return &DB{db: db}, nil
}

// Migrate brings the schema up to date. Only the first call runs the
// migrations; later calls return its result.
func (d *DB) Migrate() error {
	d.migrateOnce.Do(func() {
		driver, err := sqlite3.WithInstance(d.db, &sqlite3.Config{})
		if err != nil {
			d.migrateErr = fmt.Errorf("failed to create migration driver %w", err)
			return
		}
		source, err := iofs.New(migrationFS, "migrations")
		if err != nil {
			d.migrateErr = fmt.Errorf("failed to create migration source %w", err)
			return
		}
		m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
		if err != nil {
			d.migrateErr = fmt.Errorf("failed to instantiate migrations %w", err)
			return
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			d.migrateErr = fmt.Errorf("failed to run migrations %w", err)
		}
	})
	return d.migrateErr
}

// Checkpoint moves the write-ahead log into the main database file.
func (d *DB) Checkpoint() error {
	if _, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) upsert(ctx context.Context, r syncer.Record) (bool, error) {
	var parentID any
	if r.ParentID != "" {
		parentID = r.ParentID
	}
	data := r.Data
	if data == nil {
		data = []byte{}
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO records (id, record_type, parent_id, data, revision, author, schema_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		  record_type = excluded.record_type, parent_id = excluded.parent_id, data = excluded.data,
		  revision = excluded.revision, author = excluded.author, schema_version = excluded.schema_version
		 WHERE excluded.revision > records.revision`,
		r.ID, string(r.Type), parentID, data, r.Revision, r.Author, r.SchemaVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanRecord(row interface{ Scan(...any) error }) (syncer.Record, error) {
	var r syncer.Record
	var recordType string
	err := row.Scan(&r.ID, &recordType, &r.ParentID, &r.Data, &r.Revision, &r.Author, &r.SchemaVersion)
	r.Type = syncer.RecordType(recordType)
	return r, err
}

func (d *DB) Get(ctx context.Context, id string) (*syncer.Record, error) {
	r, err := scanRecord(d.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &r, nil
}

// List returns the records of recordType in revision order.
func (d *DB) List(ctx context.Context, recordType syncer.RecordType) ([]syncer.Record, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE record_type = ? ORDER BY revision`, string(recordType))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []syncer.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (d *DB) Count(ctx context.Context, recordType syncer.RecordType) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE record_type = ?`, string(recordType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}
