// Package report is the dead-letter and failure observability surface.
// Reporting a failure never blocks or fails other tasks; the worst case
// for a broken reporter is a missing report, logged loudly.
package report

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/citypulse/transit-ingest/internal/fetcher"
	"github.com/citypulse/transit-ingest/internal/normalize"
	"github.com/citypulse/transit-ingest/internal/sink"
	"github.com/citypulse/transit-ingest/internal/task"
)

// Phase names the pipeline stage a failure came from.
type Phase string

const (
	PhaseFetch     Phase = "fetch"
	PhaseNormalize Phase = "normalize"
	PhaseStore     Phase = "store"
	PhaseSchema    Phase = "schema"
)

// Severity splits failures by what should happen next.
type Severity string

const (
	// SeverityDead marks a task that exhausted its retry budget.
	SeverityDead Severity = "dead"
	// SeverityFatal marks a non-retryable contract break (schema change).
	// These escalate: they need a human, not another attempt.
	SeverityFatal Severity = "fatal"
)

// Failure is one recorded worker failure.
type Failure struct {
	ID          string    `json:"id"`
	DatasetID   string    `json:"dataset_id"`
	DedupKey    string    `json:"dedup_key"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Attempts    int       `json:"attempts"`
	Phase       Phase     `json:"phase"`
	ErrorKind   string    `json:"error_kind"`
	Severity    Severity  `json:"severity"`
	Error       string    `json:"error"`
	Count       int       `json:"count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Reporter persists failures next to the task queue and mirrors them to
// the structured log.
type Reporter struct {
	db  *sql.DB
	log *zap.Logger
}

// New wraps a database handle, typically the one shared with the queue.
func New(db *sql.DB) *Reporter {
	return &Reporter{db: db, log: zap.L().With(zap.String("component", "report"))}
}

const reportMigration = `
CREATE TABLE IF NOT EXISTS failure_reports (
	id            TEXT PRIMARY KEY,
	dataset_id    TEXT NOT NULL,
	dedup_key     TEXT NOT NULL,
	scheduled_at  TEXT NOT NULL,
	attempts      INTEGER NOT NULL,
	phase         TEXT NOT NULL,
	error_kind    TEXT NOT NULL,
	severity      TEXT NOT NULL,
	error         TEXT NOT NULL,
	count         INTEGER NOT NULL DEFAULT 1,
	first_seen_at TEXT NOT NULL,
	last_seen_at  TEXT NOT NULL,
	UNIQUE (dedup_key, phase)
);

CREATE INDEX IF NOT EXISTS idx_failure_reports_dataset
	ON failure_reports(dataset_id, last_seen_at);
`

func (r *Reporter) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, reportMigration)
	return eris.Wrap(err, "report: migrate")
}

// Report records a failed task. Re-reporting the same dedup_key and phase
// bumps the counter instead of stacking rows, so a flapping feed does not
// flood the table.
func (r *Reporter) Report(ctx context.Context, t *task.FetchTask, sev Severity, failure error) error {
	phase := ClassifyPhase(failure)
	kind := ClassifyKind(failure)
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failure_reports
		(id, dataset_id, dedup_key, scheduled_at, attempts, phase, error_kind, severity, error, count, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(dedup_key, phase) DO UPDATE SET
			attempts = excluded.attempts,
			error_kind = excluded.error_kind,
			severity = excluded.severity,
			error = excluded.error,
			count = count + 1,
			last_seen_at = excluded.last_seen_at`,
		uuid.NewString(), t.DatasetID, t.DedupKey,
		t.ScheduledAt.UTC().Format(time.RFC3339), t.Attempt,
		string(phase), kind, string(sev), failure.Error(), now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "report: record failure for %s", t.DedupKey)
	}

	fields := []zap.Field{
		zap.String("dataset", t.DatasetID),
		zap.String("dedup_key", t.DedupKey),
		zap.Int("attempts", t.Attempt),
		zap.String("phase", string(phase)),
		zap.String("error_kind", kind),
		zap.Error(failure),
	}
	if sev == SeverityFatal {
		// Upstream contract change. Needs a schema update, not a retry.
		r.log.Error("fatal ingest failure", fields...)
	} else {
		r.log.Warn("task dead-lettered", fields...)
	}
	return nil
}

// List returns the most recent failures, newest first.
func (r *Reporter) List(ctx context.Context, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, dataset_id, dedup_key, scheduled_at, attempts, phase, error_kind, severity, error, count, first_seen_at, last_seen_at
		FROM failure_reports
		ORDER BY last_seen_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "report: list failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []Failure
	for rows.Next() {
		var f Failure
		var scheduledAt, firstSeen, lastSeen string
		if err := rows.Scan(&f.ID, &f.DatasetID, &f.DedupKey, &scheduledAt, &f.Attempts,
			&f.Phase, &f.ErrorKind, &f.Severity, &f.Error, &f.Count, &firstSeen, &lastSeen); err != nil {
			return nil, eris.Wrap(err, "report: scan failure")
		}
		f.ScheduledAt, _ = time.Parse(time.RFC3339, scheduledAt)
		f.FirstSeenAt, _ = time.Parse(time.RFC3339, firstSeen)
		f.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "report: iterate failures")
}

// Totals returns failure counts grouped by severity.
func (r *Reporter) Totals(ctx context.Context) (map[Severity]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM failure_reports GROUP BY severity`)
	if err != nil {
		return nil, eris.Wrap(err, "report: totals")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[Severity]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, eris.Wrap(err, "report: scan totals")
		}
		out[Severity(sev)] = n
	}
	return out, eris.Wrap(rows.Err(), "report: iterate totals")
}

// ClassifyPhase maps an error to the pipeline stage it belongs to.
func ClassifyPhase(err error) Phase {
	var fe *fetcher.FetchError
	if errors.As(err, &fe) {
		return PhaseFetch
	}
	var ne *normalize.NormalizeError
	if errors.As(err, &ne) {
		return PhaseNormalize
	}
	var se *sink.SchemaError
	if errors.As(err, &se) {
		return PhaseSchema
	}
	return PhaseStore
}

// ClassifyKind names the failure cause. Fetch failures carry a typed kind
// ("network", "timeout", ...); everything else is identified by its phase.
func ClassifyKind(err error) string {
	var fe *fetcher.FetchError
	if errors.As(err, &fe) {
		return fe.Kind.String()
	}
	return string(ClassifyPhase(err))
}
