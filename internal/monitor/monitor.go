// Package monitor gathers point-in-time health metrics for the ingest
// pipeline: queue depth against the alarm threshold, dead-letter volume,
// and recorded failure totals.
package monitor

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/citypulse/transit-ingest/internal/feed"
	"github.com/citypulse/transit-ingest/internal/report"
)

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	// Queue metrics. Depth growing past the alarm threshold means workers
	// cannot keep pace with dispatch; that is an incident, not a buffer.
	QueueDepth    int  `json:"queue_depth"`
	DepthAlarm    int  `json:"depth_alarm"`
	DepthExceeded bool `json:"depth_exceeded"`
	DeadTasks     int  `json:"dead_tasks"`

	// Failure report totals by severity.
	Failures map[report.Severity]int `json:"failures"`

	// Metadata.
	Datasets    int       `json:"datasets"`
	CollectedAt time.Time `json:"collected_at"`
}

// QueueStats is the queue surface the collector reads.
type QueueStats interface {
	Depth(ctx context.Context) (int, error)
	DeadCount(ctx context.Context) (int, error)
	DepthAlarm() int
}

// Collector gathers metrics from the queue and the failure reporter.
type Collector struct {
	queue    QueueStats
	reporter *report.Reporter
	sources  *feed.Registry
}

// NewCollector creates a metrics collector.
func NewCollector(q QueueStats, r *report.Reporter, sources *feed.Registry) *Collector {
	return &Collector{queue: q, reporter: r, sources: sources}
}

// Collect gathers a snapshot of pipeline metrics.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		DepthAlarm:  c.queue.DepthAlarm(),
		Datasets:    len(c.sources.IDs()),
		CollectedAt: time.Now().UTC(),
	}

	depth, err := c.queue.Depth(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitor: queue depth")
	}
	snap.QueueDepth = depth
	snap.DepthExceeded = depth > snap.DepthAlarm

	dead, err := c.queue.DeadCount(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitor: dead count")
	}
	snap.DeadTasks = dead

	totals, err := c.reporter.Totals(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitor: failure totals")
	}
	snap.Failures = totals

	return snap, nil
}

// LogAlerts writes alert-level log lines for every threshold the snapshot
// crosses. Fatal failures always alert: they mean an upstream contract
// changed and the schema needs a human.
func LogAlerts(snap *Snapshot) {
	log := zap.L().With(zap.String("component", "monitor"))

	if snap.DepthExceeded {
		log.Warn("queue depth over alarm threshold",
			zap.Int("depth", snap.QueueDepth),
			zap.Int("alarm", snap.DepthAlarm),
		)
	}
	if n := snap.Failures[report.SeverityFatal]; n > 0 {
		log.Error("fatal schema failures present",
			zap.Int("count", n),
		)
	}
	if snap.DeadTasks > 0 {
		log.Warn("dead-lettered tasks present",
			zap.Int("count", snap.DeadTasks),
		)
	}
}
