package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/breez/public-sync/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const recordColumns = "id, record_type, family, parent_id, data, revision, schema_version, author"

type PgSyncStorage struct {
	db *pgxpool.Pool
}

func NewPGSyncStorage(databaseURL string) (*PgSyncStorage, error) {
	if err := migrateUp(databaseURL); err != nil {
		return nil, err
	}
	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgSyncStorage{db: pgxPool}, nil
}

func migrateUp(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "public-sync", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations %w", err)
	}
	return nil
}

func (s *PgSyncStorage) SetRecord(ctx context.Context, record store.StoredRecord, existingRevision int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	// check that the existing revision is the same as the one we expect
	var revision int64
	err = tx.QueryRow(ctx, "SELECT revision FROM records WHERE id = $1", record.Id).Scan(&revision)
	if !errors.Is(err, pgx.ErrNoRows) {
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
	err = tx.QueryRow(ctx,
		`INSERT INTO revisions (id, revision) VALUES (1, 1)
		 ON CONFLICT (id) DO UPDATE SET revision = revisions.revision + 1
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
	_, err = tx.Exec(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET record_type=EXCLUDED.record_type, family=EXCLUDED.family, parent_id=EXCLUDED.parent_id,
		 data=EXCLUDED.data, revision=EXCLUDED.revision, schema_version=EXCLUDED.schema_version, author=EXCLUDED.author`,
		record.Id, record.Type, family, record.ParentId, data, newRevision, record.SchemaVersion, record.Author)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newRevision, nil
}

func scanRecord(row pgx.Row) (store.StoredRecord, error) {
	record := store.StoredRecord{}
	err := row.Scan(&record.Id, &record.Type, &record.Family, &record.ParentId, &record.Data, &record.Revision, &record.SchemaVersion, &record.Author)
	return record, err
}

func (s *PgSyncStorage) QueryRecords(ctx context.Context, family string, afterRevision int64, limit int) ([]store.StoredRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE family = $1 AND revision > $2
		 ORDER BY revision LIMIT $3`,
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

func (s *PgSyncStorage) GetRecord(ctx context.Context, id string) (*store.StoredRecord, error) {
	record, err := scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &record, nil
}

func (s *PgSyncStorage) SetSubscription(ctx context.Context, sub store.StoredSubscription) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO subscriptions (id, record_type, events, silent) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET record_type=EXCLUDED.record_type, events=EXCLUDED.events, silent=EXCLUDED.silent`,
		sub.Id, sub.RecordType, int32(sub.Events), sub.Silent)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

func (s *PgSyncStorage) GetSubscriptions(ctx context.Context, ids []string) ([]store.StoredSubscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, record_type, events, silent FROM subscriptions WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []store.StoredSubscription
	for rows.Next() {
		var sub store.StoredSubscription
		var events int32
		if err := rows.Scan(&sub.Id, &sub.RecordType, &events, &sub.Silent); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.Events = uint32(events)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PgSyncStorage) Close() error {
	s.db.Close()
	return nil
}
