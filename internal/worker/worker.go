// Package worker executes one fetch task end to end: resolve the source,
// fetch, normalize, append. Workers are stateless; all idempotence lives in
// the sink's conditional insert, so any number can run concurrently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/citypulse/transit-ingest/internal/feed"
	"github.com/citypulse/transit-ingest/internal/fetcher"
	"github.com/citypulse/transit-ingest/internal/model"
	"github.com/citypulse/transit-ingest/internal/normalize"
	"github.com/citypulse/transit-ingest/internal/sink"
	"github.com/citypulse/transit-ingest/internal/task"
)

// Outcome summarizes one successful task execution.
type Outcome struct {
	DatasetID      string              `json:"dataset_id"`
	DedupKey       string              `json:"dedup_key"`
	FetchedAt      time.Time           `json:"fetched_at"`
	Summary        *sink.AppendSummary `json:"summary"`
	SkippedVersion bool                `json:"skipped_version,omitempty"`
	Elapsed        time.Duration       `json:"elapsed"`
}

// UnknownDatasetError means a task references a dataset that is not
// configured. Retrying cannot help; config has to change first.
type UnknownDatasetError struct {
	DatasetID string
}

func (e *UnknownDatasetError) Error() string {
	return fmt.Sprintf("worker: unknown dataset %q", e.DatasetID)
}

// Worker wires the pipeline stages together.
type Worker struct {
	sources    *feed.Registry
	client     fetcher.Client
	normalizer *normalize.Normalizer
	store      sink.Sink
	log        *zap.Logger
	now        func() time.Time
}

// New creates a worker over the given stages.
func New(sources *feed.Registry, client fetcher.Client, normalizer *normalize.Normalizer, store sink.Sink) *Worker {
	return &Worker{
		sources:    sources,
		client:     client,
		normalizer: normalizer,
		store:      store,
		log:        zap.L().With(zap.String("component", "worker")),
		now:        time.Now,
	}
}

// Handle runs one task. A per-record validation failure inside the batch
// does not fail the task; a fetch or storage error does, and the caller's
// retry policy takes over. Redelivery after a prior successful write is a
// safe no-op: the same dedup key re-derives the same natural keys and the
// sink counts them all as duplicates.
func (w *Worker) Handle(ctx context.Context, t *task.FetchTask) (*Outcome, error) {
	start := w.now()

	src, err := w.sources.Get(t.DatasetID)
	if err != nil {
		return nil, &UnknownDatasetError{DatasetID: t.DatasetID}
	}

	raw, err := w.client.Fetch(ctx, src, w.now())
	if err != nil {
		return nil, eris.Wrapf(err, "worker: fetch %s", t.DatasetID)
	}

	// Static schedule feeds version by content hash: an unchanged archive
	// was already ingested in full, so the whole task is a no-op.
	if src.Static() {
		seen, err := w.store.HasFeedHash(ctx, t.DatasetID, raw.ContentHash)
		if err != nil {
			return nil, eris.Wrapf(err, "worker: check feed version for %s", t.DatasetID)
		}
		if seen {
			w.log.Info("feed version unchanged, skipping",
				zap.String("dataset", t.DatasetID),
				zap.String("feed_hash", raw.ContentHash),
			)
			return &Outcome{
				DatasetID:      t.DatasetID,
				DedupKey:       t.DedupKey,
				FetchedAt:      raw.FetchedAt,
				Summary:        &sink.AppendSummary{},
				SkippedVersion: true,
				Elapsed:        w.now().Sub(start),
			}, nil
		}
	}

	batch, err := w.normalizer.Normalize(raw, src)
	if err != nil {
		return nil, eris.Wrapf(err, "worker: normalize %s", t.DatasetID)
	}

	summary, err := w.store.Append(ctx, batch)
	if err != nil {
		return nil, eris.Wrapf(err, "worker: append %s", t.DatasetID)
	}
	if summary.ValidationFailures > 0 {
		w.log.Warn("batch had validation failures",
			zap.String("dataset", t.DatasetID),
			zap.Int("failed", summary.ValidationFailures),
			zap.Strings("sample", batchFailureReasons(batch, 5)),
		)
	}

	if src.Static() {
		if err := w.store.RecordFeedHash(ctx, t.DatasetID, raw.ContentHash); err != nil {
			return nil, eris.Wrapf(err, "worker: record feed version for %s", t.DatasetID)
		}
	}

	outcome := &Outcome{
		DatasetID: t.DatasetID,
		DedupKey:  t.DedupKey,
		FetchedAt: raw.FetchedAt,
		Summary:   summary,
		Elapsed:   w.now().Sub(start),
	}
	w.log.Info("task complete",
		zap.String("dataset", t.DatasetID),
		zap.String("dedup_key", t.DedupKey),
		zap.Int("written", summary.Written),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("validation_failures", summary.ValidationFailures),
		zap.Duration("elapsed", outcome.Elapsed),
	)
	return outcome, nil
}

// Fatal reports whether an error can never be fixed by redelivery: an
// incompatible schema change or a task for a dataset that no longer exists.
func Fatal(err error) bool {
	var se *sink.SchemaError
	if errors.As(err, &se) {
		return true
	}
	var ue *UnknownDatasetError
	return errors.As(err, &ue)
}

// batchFailureReasons joins the first few per-record failure reasons for
// log context without dumping thousands of lines.
func batchFailureReasons(batch *model.Batch, max int) []string {
	out := make([]string, 0, max)
	for _, f := range batch.Failures {
		if len(out) == max {
			break
		}
		out = append(out, f.TableName+": "+f.Reason)
	}
	return out
}
