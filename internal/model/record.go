// Package model holds the shared data types flowing between the normalizer,
// worker, and storage sink.
package model

import "time"

// NormalizedRecord is the unit written to storage: one row of one table
// within one dataset, with typed fields conforming to the declared schema.
type NormalizedRecord struct {
	DatasetID  string         `json:"dataset_id"`
	TableName  string         `json:"table_name"`
	IngestedAt time.Time      `json:"ingested_at"`
	FeedHash   string         `json:"feed_hash"`
	Fields     map[string]any `json:"fields"`

	// NaturalKey is derived by the schema layer: (entity_id, ingested_at)
	// for telemetry tables, (feed_hash, row key) for static tables. Records
	// sharing a partition and natural key are duplicates.
	NaturalKey string `json:"natural_key"`
}

// PartitionDate returns the calendar date component of the record's
// partition, in UTC.
func (r *NormalizedRecord) PartitionDate() string {
	return r.IngestedAt.UTC().Format("2006-01-02")
}

// ValidationFailure records one dropped record. Per-record failures are
// normal and never abort the batch.
type ValidationFailure struct {
	TableName string `json:"table_name"`
	Reason    string `json:"reason"`
}

// Batch is the output of normalizing one raw fetch: the surviving records
// plus whatever was dropped on the way.
type Batch struct {
	DatasetID string              `json:"dataset_id"`
	FeedHash  string              `json:"feed_hash"`
	Records   []NormalizedRecord  `json:"records"`
	Failures  []ValidationFailure `json:"failures"`
	// SkippedMembers counts unrecognized archive members, which are not
	// failures.
	SkippedMembers int `json:"skipped_members,omitempty"`
}
