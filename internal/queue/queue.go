// Package queue is the durable task queue between the dispatcher and the
// workers: at-least-once delivery over SQLite with visibility-timeout
// leases, bounded retry with exponential backoff, and dead-lettering.
package queue

import (
	"context"
	"database/sql"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/citypulse/transit-ingest/internal/task"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusLeased  Status = "leased"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Entry is one queued task plus its delivery bookkeeping.
type Entry struct {
	ID            string
	Task          task.FetchTask
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// Config tunes delivery behavior. The exact backoff constants are tunables,
// not correctness-critical; idempotence downstream is what makes redelivery
// safe.
type Config struct {
	// MaxAttempts is the delivery ceiling before dead-lettering. Default 5.
	MaxAttempts int
	// InitialBackoff is the delay before the first redelivery. Default 2s.
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff. Default 5m.
	MaxBackoff time.Duration
	// Multiplier scales the backoff per attempt. Default 2.0.
	Multiplier float64
	// JitterFraction spreads redeliveries (0.25 = ±25%).
	JitterFraction float64
	// LeaseDuration is the visibility timeout: a worker that dies holding a
	// lease loses it after this long and the task is redelivered. Default 2m.
	LeaseDuration time.Duration
	// DispatchRate caps lease handouts per second across the worker pool,
	// respecting upstream providers' rate limits. Zero means uncapped.
	DispatchRate rate.Limit
	DispatchBurst int
	// DepthAlarm is the queue depth beyond which the monitor warns. Growth
	// past it means downstream cannot keep pace. Default 500.
	DepthAlarm int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.DepthAlarm <= 0 {
		c.DepthAlarm = 500
	}
	return c
}

// Queue is a SQLite-backed durable task queue.
type Queue struct {
	db      *sql.DB
	cfg     Config
	limiter *rate.Limiter
}

// Open opens (or creates) the queue database at the given DSN.
func Open(dsn string, cfg Config) (*Queue, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "queue: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "queue: exec %s", pragma)
		}
	}
	return New(db, cfg), nil
}

// New wraps an existing database handle.
func New(db *sql.DB, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{db: db, cfg: cfg}
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(cfg.DispatchRate, burst)
	}
	return q
}

const migration = `
CREATE TABLE IF NOT EXISTS task_queue (
	id              TEXT PRIMARY KEY,
	dedup_key       TEXT NOT NULL UNIQUE,
	dataset_id      TEXT NOT NULL,
	scheduled_at    TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TEXT NOT NULL,
	lease_expires_at TEXT,
	last_error      TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_queue_status_next ON task_queue(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_task_queue_dataset ON task_queue(dataset_id);
`

// Migrate creates the queue schema.
func (q *Queue) Migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "queue: migrate")
}

// Close closes the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

// MaxAttempts exposes the configured delivery ceiling.
func (q *Queue) MaxAttempts() int { return q.cfg.MaxAttempts }

// DepthAlarm exposes the configured depth threshold.
func (q *Queue) DepthAlarm() int { return q.cfg.DepthAlarm }

// Enqueue inserts one task. A task with an already-present dedup key is
// silently skipped: duplicate dispatcher invocations of the same minute
// collapse here before they ever reach a worker.
func (q *Queue) Enqueue(ctx context.Context, t task.FetchTask) error {
	now := time.Now().UTC()
	notBefore := t.ScheduledAt.UTC()
	if notBefore.Before(now) {
		notBefore = now
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO task_queue (id, dedup_key, dataset_id, scheduled_at, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING`,
		uuid.New().String(), t.DedupKey, t.DatasetID,
		t.ScheduledAt.UTC().Format(time.RFC3339),
		notBefore.Format(time.RFC3339),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return eris.Wrapf(err, "queue: enqueue %s", t.DedupKey)
	}
	return nil
}

// Lease hands out the next due task, bumping its attempt counter and
// holding it invisible for the lease duration. Expired leases are
// re-delivered, which is where at-least-once comes from. Returns nil when
// nothing is due.
func (q *Queue) Lease(ctx context.Context, now time.Time) (*Entry, error) {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "queue: dispatch limiter")
		}
	}

	nowStr := now.UTC().Format(time.RFC3339)
	leaseExp := now.UTC().Add(q.cfg.LeaseDuration).Format(time.RFC3339)

	row := q.db.QueryRowContext(ctx, `
		UPDATE task_queue
		SET status = 'leased', attempts = attempts + 1, lease_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM task_queue
			WHERE (status = 'pending' AND next_attempt_at <= ?)
			   OR (status = 'leased' AND lease_expires_at <= ?)
			ORDER BY next_attempt_at
			LIMIT 1
		)
		RETURNING id, dedup_key, dataset_id, scheduled_at, attempts, next_attempt_at, COALESCE(last_error, ''), created_at`,
		leaseExp, nowStr, nowStr, nowStr,
	)

	var e Entry
	var scheduledAt, nextAttemptAt, createdAt string
	err := row.Scan(&e.ID, &e.Task.DedupKey, &e.Task.DatasetID, &scheduledAt, &e.Attempts, &nextAttemptAt, &e.LastError, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: lease")
	}

	e.Status = StatusLeased
	e.Task.Attempt = e.Attempts
	if e.Task.ScheduledAt, err = time.Parse(time.RFC3339, scheduledAt); err != nil {
		return nil, eris.Wrapf(err, "queue: parse scheduled_at for %s", e.ID)
	}
	if e.NextAttemptAt, err = time.Parse(time.RFC3339, nextAttemptAt); err != nil {
		return nil, eris.Wrapf(err, "queue: parse next_attempt_at for %s", e.ID)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, eris.Wrapf(err, "queue: parse created_at for %s", e.ID)
	}
	return &e, nil
}

// Ack marks a delivered task done.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE task_queue SET status = 'done', lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return eris.Wrapf(err, "queue: ack %s", id)
}

// Nack records a transient failure. Below the attempt ceiling the task goes
// back to pending with exponential backoff; at the ceiling it is
// dead-lettered. Returns true when the task died.
func (q *Queue) Nack(ctx context.Context, e *Entry, failure string, now time.Time) (bool, error) {
	if e.Attempts >= q.cfg.MaxAttempts {
		if err := q.markDead(ctx, e.ID, failure); err != nil {
			return false, err
		}
		return true, nil
	}

	next := now.UTC().Add(q.backoff(e.Attempts))
	_, err := q.db.ExecContext(ctx, `
		UPDATE task_queue
		SET status = 'pending', lease_expires_at = NULL, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		next.Format(time.RFC3339), failure, now.UTC().Format(time.RFC3339), e.ID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "queue: nack %s", e.ID)
	}
	return false, nil
}

// Bury dead-letters a task immediately, bypassing remaining retries. Used
// for fatal errors where retrying cannot succeed.
func (q *Queue) Bury(ctx context.Context, e *Entry, failure string) error {
	return q.markDead(ctx, e.ID, failure)
}

func (q *Queue) markDead(ctx context.Context, id, failure string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE task_queue
		SET status = 'dead', lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`,
		failure, time.Now().UTC().Format(time.RFC3339), id,
	)
	return eris.Wrapf(err, "queue: dead-letter %s", id)
}

// Depth counts tasks not yet resolved (pending or leased).
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_queue WHERE status IN ('pending', 'leased')`,
	).Scan(&n)
	return n, eris.Wrap(err, "queue: depth")
}

// DeadCount counts dead-lettered tasks.
func (q *Queue) DeadCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_queue WHERE status = 'dead'`,
	).Scan(&n)
	return n, eris.Wrap(err, "queue: dead count")
}

// backoff computes the delay before redelivery number attempt+1, with
// jitter so redeliveries spread out.
func (q *Queue) backoff(attempt int) time.Duration {
	delay := float64(q.cfg.InitialBackoff) * math.Pow(q.cfg.Multiplier, float64(attempt-1))
	if delay > float64(q.cfg.MaxBackoff) {
		delay = float64(q.cfg.MaxBackoff)
	}
	if q.cfg.JitterFraction > 0 {
		jitterRange := delay * q.cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
