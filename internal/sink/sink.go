// Package sink is the append-only, partitioned snapshot store. Dedup is a
// property of the write itself (conditional insert on the natural key), so
// concurrent workers need no cross-process coordination.
package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/citypulse/transit-ingest/internal/model"
)

// AppendSummary reports the outcome of one batch append.
type AppendSummary struct {
	Written            int `json:"written"`
	Duplicates         int `json:"duplicates"`
	ValidationFailures int `json:"validation_failures"`
}

// SchemaError means the declared schema for an established table changed
// incompatibly. Retrying cannot succeed; the worker routes it straight to
// the failure reporter.
type SchemaError struct {
	Dataset string
	Table   string
	Detail  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("sink: incompatible schema change for %s.%s: %s", e.Dataset, e.Table, e.Detail)
}

// Sink is the storage boundary. Implementations must make Append safe for
// concurrent callers and idempotent per natural key within a partition.
type Sink interface {
	// Append writes a normalized batch. Records whose (dataset, table,
	// partition date, natural key) already exist are counted as duplicates
	// and skipped without error.
	Append(ctx context.Context, batch *model.Batch) (*AppendSummary, error)

	// HasFeedHash reports whether a static feed version was already
	// ingested for the dataset.
	HasFeedHash(ctx context.Context, datasetID, feedHash string) (bool, error)

	// RecordFeedHash remembers a static feed version.
	RecordFeedHash(ctx context.Context, datasetID, feedHash string) error

	// Migrate creates the storage schema.
	Migrate(ctx context.Context) error

	Close() error
}

// fingerprintCompatible checks whether the incoming schema fingerprint is a
// compatible evolution of the established one: existing columns keep their
// types, and any new column is optional. Downstream readers tolerate
// additive nullable fields.
func fingerprintCompatible(established, incoming string) (string, bool) {
	if established == incoming {
		return "", true
	}

	oldCols := parseFingerprint(established)
	newCols := parseFingerprint(incoming)

	for name, oldSpec := range oldCols {
		newSpec, ok := newCols[name]
		if !ok {
			return fmt.Sprintf("column %q removed", name), false
		}
		if oldSpec.typ != newSpec.typ {
			return fmt.Sprintf("column %q changed type %s -> %s", name, oldSpec.typ, newSpec.typ), false
		}
	}
	for name, newSpec := range newCols {
		if _, ok := oldCols[name]; !ok && newSpec.required {
			return fmt.Sprintf("new column %q is required", name), false
		}
	}
	return "", true
}

type colSpec struct {
	typ      string
	required bool
}

func parseFingerprint(fp string) map[string]colSpec {
	out := make(map[string]colSpec)
	for _, part := range strings.Split(fp, ",") {
		if part == "" {
			continue
		}
		name, typ, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		required := strings.HasSuffix(typ, "!")
		out[name] = colSpec{typ: strings.TrimSuffix(typ, "!"), required: required}
	}
	return out
}
