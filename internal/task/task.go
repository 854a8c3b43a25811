// Package task defines the unit of work flowing from the dispatcher through
// the queue to the workers.
package task

import (
	"fmt"
	"time"
)

// FetchTask is one scheduled fetch of one dataset. Delivery is at-least-once;
// DedupKey makes redelivery and duplicate dispatch safe downstream.
type FetchTask struct {
	DatasetID   string    `json:"dataset_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Attempt     int       `json:"attempt"`
	DedupKey    string    `json:"dedup_key"`
}

// New builds a FetchTask with its dedup key derived from the dataset ID and
// the scheduled instant truncated to the cadence granularity. Two dispatcher
// invocations for the same minute therefore produce identical keys.
func New(datasetID string, scheduledAt time.Time, granularity time.Duration) FetchTask {
	bucket := scheduledAt.UTC().Truncate(granularity)
	return FetchTask{
		DatasetID:   datasetID,
		ScheduledAt: bucket,
		DedupKey:    fmt.Sprintf("%s@%s", datasetID, bucket.Format(time.RFC3339)),
	}
}
