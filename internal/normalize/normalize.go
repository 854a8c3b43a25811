// Package normalize decodes raw feed payloads (JSON, GTFS-realtime
// protobuf, or zip archives) into schema-validated record batches. One bad
// record drops that record, never the batch.
package normalize

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/citypulse/transit-ingest/internal/feed"
	"github.com/citypulse/transit-ingest/internal/fetcher"
	"github.com/citypulse/transit-ingest/internal/model"
	"github.com/citypulse/transit-ingest/internal/schema"
)

// NormalizeError is a payload-level decode failure: the whole body was
// undecodable, as opposed to a per-record validation failure.
type NormalizeError struct {
	DatasetID string
	Err       error
}

func (e *NormalizeError) Error() string {
	return "normalize: " + e.DatasetID + ": " + e.Err.Error()
}

func (e *NormalizeError) Unwrap() error { return e.Err }

// Normalizer converts raw fetch results into normalized record batches.
type Normalizer struct {
	schemas *schema.Registry
}

// New creates a normalizer over the given schema registry.
func New(schemas *schema.Registry) *Normalizer {
	return &Normalizer{schemas: schemas}
}

// Normalize dispatches on the source's response format. Every surviving
// record carries ingested_at = raw.FetchedAt and feed_hash = the raw content
// hash. GTFS service times in the records are resolved against the source's
// agency timezone.
func (n *Normalizer) Normalize(raw *fetcher.RawResult, src *feed.Source) (*model.Batch, error) {
	batch := &model.Batch{
		DatasetID: raw.DatasetID,
		FeedHash:  raw.ContentHash,
	}

	loc, err := src.Location()
	if err != nil {
		return nil, &NormalizeError{DatasetID: raw.DatasetID, Err: err}
	}

	switch src.Format {
	case feed.FormatJSON:
		err = n.normalizeJSON(raw, src, batch, loc)
	case feed.FormatProtobuf:
		err = n.normalizeProtobuf(raw, batch, loc)
	case feed.FormatArchive:
		err = n.normalizeArchive(raw, batch, loc)
	default:
		return nil, &NormalizeError{DatasetID: raw.DatasetID, Err: errUnknownFormat(src.Format)}
	}
	if err != nil {
		return nil, &NormalizeError{DatasetID: raw.DatasetID, Err: err}
	}

	if len(batch.Failures) > 0 {
		zap.L().Warn("records dropped during normalization",
			zap.String("dataset", raw.DatasetID),
			zap.Int("dropped", len(batch.Failures)),
			zap.Int("kept", len(batch.Records)),
		)
	}
	return batch, nil
}

// addRecord validates one raw field map against the declared schema and
// appends either a record or a per-record failure.
func (n *Normalizer) addRecord(batch *model.Batch, raw *fetcher.RawResult, table string, fields map[string]any, loc *time.Location) {
	applyTripStart(fields, loc)

	ts, err := n.schemas.Get(raw.DatasetID, table)
	if err != nil {
		batch.Failures = append(batch.Failures, model.ValidationFailure{
			TableName: table,
			Reason:    err.Error(),
		})
		return
	}

	validated, err := ts.Validate(fields)
	if err != nil {
		batch.Failures = append(batch.Failures, model.ValidationFailure{
			TableName: table,
			Reason:    err.Error(),
		})
		return
	}

	ingestedAt := raw.FetchedAt.UTC().Truncate(time.Second)
	batch.Records = append(batch.Records, model.NormalizedRecord{
		DatasetID:  raw.DatasetID,
		TableName:  table,
		IngestedAt: ingestedAt,
		FeedHash:   raw.ContentHash,
		Fields:     validated,
		NaturalKey: ts.NaturalKey(validated, ingestedAt, raw.ContentHash),
	})
}

// defaultTable derives the single table name used for JSON feeds.
func defaultTable(datasetID string) string {
	return strings.ReplaceAll(datasetID, "-", "_")
}

type formatError feed.Format

func errUnknownFormat(f feed.Format) error { return formatError(f) }

func (e formatError) Error() string {
	return "unknown response format " + feed.Format(e).String()
}
