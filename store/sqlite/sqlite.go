package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/breez/public-sync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const recordColumns = "id, record_type, family, parent_id, data, revision, schema_version, author"

type SQLiteSyncStorage struct {
	db *sql.DB
}

func NewSQLiteSyncStorage(file string) (*SQLiteSyncStorage, error) {
	db, err := sql.Open("sqlite3", file+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// A single writer connection keeps the revision counter serialized.
	db.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteSyncStorage{db: db}, nil
}

func (s *SQLiteSyncStorage) SetRecord(ctx context.Context, record store.StoredRecord, existingRevision int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// check that the existing revision is the same as the one we expect
	var revision int64
	err = tx.QueryRowContext(ctx, "SELECT revision FROM records WHERE id = ?", record.Id).Scan(&revision)
	if err != sql.ErrNoRows {
		if err != nil {
			return 0, fmt.Errorf("failed to get record's latest revision: %w", err)
		}
		if existingRevision != revision {
			return 0, store.ErrSetConflict
		}
	} else if existingRevision != 0 {
		return 0, store.ErrSetConflict
	}

	var newRevision int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO revisions (id, revision) VALUES (1, 1)
		 ON CONFLICT (id) DO UPDATE SET revision = revision + 1
		 RETURNING revision`).Scan(&newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to increment revision: %w", err)
	}

	data := record.Data
	if data == nil {
		data = []byte{}
	}
	family := record.Family
	if family == "" {
		family = record.Type
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Id, record.Type, family, record.ParentId, data, newRevision, record.SchemaVersion, record.Author)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newRevision, nil
}

func scanRecord(row interface{ Scan(...any) error }) (store.StoredRecord, error) {
	record := store.StoredRecord{}
	err := row.Scan(&record.Id, &record.Type, &record.Family, &record.ParentId, &record.Data, &record.Revision, &record.SchemaVersion, &record.Author)
	return record, err
}

func (s *SQLiteSyncStorage) QueryRecords(ctx context.Context, family string, afterRevision int64, limit int) ([]store.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE family = ? AND revision > ?
		 ORDER BY revision LIMIT ?`,
		family, afterRevision, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]store.StoredRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteSyncStorage) GetRecord(ctx context.Context, id string) (*store.StoredRecord, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &record, nil
}

func (s *SQLiteSyncStorage) SetSubscription(ctx context.Context, sub store.StoredSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, record_type, events, silent) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET record_type = excluded.record_type, events = excluded.events, silent = excluded.silent`,
		sub.Id, sub.RecordType, int64(sub.Events), sub.Silent)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

func (s *SQLiteSyncStorage) GetSubscriptions(ctx context.Context, ids []string) ([]store.StoredSubscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_type, events, silent FROM subscriptions WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []store.StoredSubscription
	for rows.Next() {
		var sub store.StoredSubscription
		if err := rows.Scan(&sub.Id, &sub.RecordType, &sub.Events, &sub.Silent); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}
