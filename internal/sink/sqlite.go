package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/citypulse/transit-ingest/internal/model"
	"github.com/citypulse/transit-ingest/internal/schema"
)

// SQLiteSink implements Sink over modernc.org/sqlite.
type SQLiteSink struct {
	db      *sql.DB
	schemas *schema.Registry
}

// NewSQLite opens a SQLite sink at the given DSN and configures WAL mode.
func NewSQLite(dsn string, schemas *schema.Registry) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sink: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sink: exec %s", pragma)
		}
	}
	return &SQLiteSink{db: db, schemas: schemas}, nil
}

// NewSQLiteFromDB wraps an existing handle, sharing the database with the
// task queue in single-file deployments.
func NewSQLiteFromDB(db *sql.DB, schemas *schema.Registry) *SQLiteSink {
	return &SQLiteSink{db: db, schemas: schemas}
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS snapshot_records (
	dataset_id     TEXT NOT NULL,
	table_name     TEXT NOT NULL,
	partition_date TEXT NOT NULL,
	natural_key    TEXT NOT NULL,
	ingested_at    TEXT NOT NULL,
	feed_hash      TEXT NOT NULL,
	fields         TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	PRIMARY KEY (dataset_id, table_name, partition_date, natural_key)
);

CREATE TABLE IF NOT EXISTS feed_versions (
	dataset_id    TEXT NOT NULL,
	feed_hash     TEXT NOT NULL,
	first_seen_at TEXT NOT NULL,
	PRIMARY KEY (dataset_id, feed_hash)
);

CREATE TABLE IF NOT EXISTS table_schemas (
	dataset_id     TEXT NOT NULL,
	table_name     TEXT NOT NULL,
	fingerprint    TEXT NOT NULL,
	established_at TEXT NOT NULL,
	PRIMARY KEY (dataset_id, table_name)
);

CREATE INDEX IF NOT EXISTS idx_snapshot_records_partition
	ON snapshot_records(dataset_id, table_name, partition_date);
`

func (s *SQLiteSink) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sink: migrate")
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// Append writes the batch inside one transaction. INSERT OR IGNORE on the
// natural-key primary key is the whole dedup protocol: a redelivered task
// re-derives the same keys and every row collapses to a duplicate.
func (s *SQLiteSink) Append(ctx context.Context, batch *model.Batch) (*AppendSummary, error) {
	summary := &AppendSummary{ValidationFailures: len(batch.Failures)}
	if len(batch.Records) == 0 {
		return summary, nil
	}

	if err := s.enforceSchemas(ctx, batch); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sink: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO snapshot_records
		(dataset_id, table_name, partition_date, natural_key, ingested_at, feed_hash, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, eris.Wrap(err, "sink: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC().Format(time.RFC3339)
	for i := range batch.Records {
		rec := &batch.Records[i]
		fieldsJSON, err := json.Marshal(rec.Fields)
		if err != nil {
			return nil, eris.Wrapf(err, "sink: marshal fields for %s.%s", rec.DatasetID, rec.TableName)
		}

		res, err := stmt.ExecContext(ctx,
			rec.DatasetID, rec.TableName, rec.PartitionDate(), rec.NaturalKey,
			rec.IngestedAt.UTC().Format(time.RFC3339), rec.FeedHash, string(fieldsJSON), now,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sink: insert into %s.%s", rec.DatasetID, rec.TableName)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, eris.Wrap(err, "sink: rows affected")
		}
		if affected > 0 {
			summary.Written++
		} else {
			summary.Duplicates++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sink: commit")
	}
	return summary, nil
}

// enforceSchemas establishes or checks the schema fingerprint for every
// table the batch touches. The first successful write wins; later
// incompatible fingerprints are fatal.
func (s *SQLiteSink) enforceSchemas(ctx context.Context, batch *model.Batch) error {
	seen := make(map[string]bool)
	for i := range batch.Records {
		rec := &batch.Records[i]
		if seen[rec.TableName] {
			continue
		}
		seen[rec.TableName] = true

		ts, err := s.schemas.Get(rec.DatasetID, rec.TableName)
		if err != nil {
			return err
		}
		incoming := ts.Fingerprint()

		var established string
		err = s.db.QueryRowContext(ctx,
			`SELECT fingerprint FROM table_schemas WHERE dataset_id = ? AND table_name = ?`,
			rec.DatasetID, rec.TableName,
		).Scan(&established)
		switch {
		case err == sql.ErrNoRows:
			_, err = s.db.ExecContext(ctx, `
				INSERT INTO table_schemas (dataset_id, table_name, fingerprint, established_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(dataset_id, table_name) DO NOTHING`,
				rec.DatasetID, rec.TableName, incoming, time.Now().UTC().Format(time.RFC3339),
			)
			if err != nil {
				return eris.Wrapf(err, "sink: establish schema for %s.%s", rec.DatasetID, rec.TableName)
			}
		case err != nil:
			return eris.Wrapf(err, "sink: load schema for %s.%s", rec.DatasetID, rec.TableName)
		default:
			detail, ok := fingerprintCompatible(established, incoming)
			if !ok {
				return &SchemaError{Dataset: rec.DatasetID, Table: rec.TableName, Detail: detail}
			}
			if established != incoming {
				// Additive evolution: move the fingerprint forward.
				_, err = s.db.ExecContext(ctx,
					`UPDATE table_schemas SET fingerprint = ? WHERE dataset_id = ? AND table_name = ?`,
					incoming, rec.DatasetID, rec.TableName,
				)
				if err != nil {
					return eris.Wrapf(err, "sink: update schema for %s.%s", rec.DatasetID, rec.TableName)
				}
			}
		}
	}
	return nil
}

func (s *SQLiteSink) HasFeedHash(ctx context.Context, datasetID, feedHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feed_versions WHERE dataset_id = ? AND feed_hash = ?`,
		datasetID, feedHash,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sink: check feed hash")
	}
	return n > 0, nil
}

func (s *SQLiteSink) RecordFeedHash(ctx context.Context, datasetID, feedHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_versions (dataset_id, feed_hash, first_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(dataset_id, feed_hash) DO NOTHING`,
		datasetID, feedHash, time.Now().UTC().Format(time.RFC3339),
	)
	return eris.Wrap(err, "sink: record feed hash")
}
