package sink

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/citypulse/transit-ingest/internal/db"
	"github.com/citypulse/transit-ingest/internal/model"
	"github.com/citypulse/transit-ingest/internal/schema"
)

// PostgresSink implements Sink using pgxpool. Batches go through a temp
// table and COPY, then land with INSERT ... ON CONFLICT DO NOTHING on the
// natural-key constraint.
type PostgresSink struct {
	pool    db.Pool
	schemas *schema.Registry
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresSink with a connection pool.
func NewPostgres(ctx context.Context, connString string, schemas *schema.Registry, poolCfg *PoolConfig) (*PostgresSink, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresSink{pool: pool, schemas: schemas, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool, schemas *schema.Registry) *PostgresSink {
	return &PostgresSink{pool: pool, schemas: schemas}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS snapshot_records (
	dataset_id     TEXT NOT NULL,
	table_name     TEXT NOT NULL,
	partition_date DATE NOT NULL,
	natural_key    TEXT NOT NULL,
	ingested_at    TIMESTAMPTZ NOT NULL,
	feed_hash      TEXT NOT NULL,
	fields         JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (dataset_id, table_name, partition_date, natural_key)
);

CREATE TABLE IF NOT EXISTS feed_versions (
	dataset_id    TEXT NOT NULL,
	feed_hash     TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (dataset_id, feed_hash)
);

CREATE TABLE IF NOT EXISTS table_schemas (
	dataset_id     TEXT NOT NULL,
	table_name     TEXT NOT NULL,
	fingerprint    TEXT NOT NULL,
	established_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (dataset_id, table_name)
);

CREATE INDEX IF NOT EXISTS idx_snapshot_records_partition
	ON snapshot_records (dataset_id, table_name, partition_date);
`

func (s *PostgresSink) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresSink) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var snapshotColumns = []string{
	"dataset_id", "table_name", "partition_date", "natural_key",
	"ingested_at", "feed_hash", "fields", "created_at",
}

var snapshotConflictKeys = []string{"dataset_id", "table_name", "partition_date", "natural_key"}

// Append writes the batch with one COPY round trip. RowsAffected on the
// final conditional insert is the written count; the remainder of the
// batch already existed.
func (s *PostgresSink) Append(ctx context.Context, batch *model.Batch) (*AppendSummary, error) {
	summary := &AppendSummary{ValidationFailures: len(batch.Failures)}
	if len(batch.Records) == 0 {
		return summary, nil
	}

	if err := s.enforceSchemas(ctx, batch); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(batch.Records))
	for i := range batch.Records {
		rec := &batch.Records[i]
		fieldsJSON, err := json.Marshal(rec.Fields)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: marshal fields for %s.%s", rec.DatasetID, rec.TableName)
		}
		rows = append(rows, []any{
			rec.DatasetID, rec.TableName, rec.PartitionDate(), rec.NaturalKey,
			rec.IngestedAt.UTC(), rec.FeedHash, fieldsJSON, now,
		})
	}

	written, err := db.BulkInsertIgnore(ctx, s.pool, db.InsertConfig{
		Table:        "snapshot_records",
		Columns:      snapshotColumns,
		ConflictKeys: snapshotConflictKeys,
	}, rows)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: append batch for %s", batch.DatasetID)
	}

	summary.Written = int(written)
	summary.Duplicates = len(rows) - summary.Written
	return summary, nil
}

// enforceSchemas establishes or checks the schema fingerprint for every
// table the batch touches.
func (s *PostgresSink) enforceSchemas(ctx context.Context, batch *model.Batch) error {
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
		err = s.pool.QueryRow(ctx,
			`SELECT fingerprint FROM table_schemas WHERE dataset_id = $1 AND table_name = $2`,
			rec.DatasetID, rec.TableName,
		).Scan(&established)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			_, err = s.pool.Exec(ctx, `
				INSERT INTO table_schemas (dataset_id, table_name, fingerprint, established_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (dataset_id, table_name) DO NOTHING`,
				rec.DatasetID, rec.TableName, incoming,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: establish schema for %s.%s", rec.DatasetID, rec.TableName)
			}
		case err != nil:
			return eris.Wrapf(err, "postgres: load schema for %s.%s", rec.DatasetID, rec.TableName)
		default:
			detail, ok := fingerprintCompatible(established, incoming)
			if !ok {
				return &SchemaError{Dataset: rec.DatasetID, Table: rec.TableName, Detail: detail}
			}
			if established != incoming {
				_, err = s.pool.Exec(ctx,
					`UPDATE table_schemas SET fingerprint = $1 WHERE dataset_id = $2 AND table_name = $3`,
					incoming, rec.DatasetID, rec.TableName,
				)
				if err != nil {
					return eris.Wrapf(err, "postgres: update schema for %s.%s", rec.DatasetID, rec.TableName)
				}
			}
		}
	}
	return nil
}

func (s *PostgresSink) HasFeedHash(ctx context.Context, datasetID, feedHash string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM feed_versions WHERE dataset_id = $1 AND feed_hash = $2`,
		datasetID, feedHash,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "postgres: check feed hash")
	}
	return n > 0, nil
}

func (s *PostgresSink) RecordFeedHash(ctx context.Context, datasetID, feedHash string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_versions (dataset_id, feed_hash, first_seen_at)
		VALUES ($1, $2, now())
		ON CONFLICT (dataset_id, feed_hash) DO NOTHING`,
		datasetID, feedHash,
	)
	return eris.Wrap(err, "postgres: record feed hash")
}
