package monitor

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/citypulse/transit-ingest/internal/feed"
	"github.com/citypulse/transit-ingest/internal/report"
	"github.com/citypulse/transit-ingest/internal/sink"
	"github.com/citypulse/transit-ingest/internal/task"
)

type fakeQueueStats struct {
	depth int
	dead  int
	alarm int
}

func (f *fakeQueueStats) Depth(context.Context) (int, error)     { return f.depth, nil }
func (f *fakeQueueStats) DeadCount(context.Context) (int, error) { return f.dead, nil }
func (f *fakeQueueStats) DepthAlarm() int                        { return f.alarm }

func testReporter(t *testing.T) *report.Reporter {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r := report.New(db)
	require.NoError(t, r.Migrate(context.Background()))
	return r
}

func testSources(t *testing.T) *feed.Registry {
	t.Helper()
	reg, err := feed.Parse([]byte(`
sources:
  - id: vehicle-positions
    url: https://transit.example.com/vp.pb
    format: protobuf
    cadence: [0, 30]
  - id: schedule
    url: https://transit.example.com/gtfs.zip
    format: archive
    cadence: "0 4 * * *"
`))
	require.NoError(t, err)
	return reg
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	r := testReporter(t)

	tk := task.New("vehicle-positions", time.Now().UTC(), time.Second)
	require.NoError(t, r.Report(ctx, &tk, report.SeverityFatal,
		&sink.SchemaError{Dataset: "vehicle-positions", Table: "vehicle_positions", Detail: "column removed"}))

	c := NewCollector(&fakeQueueStats{depth: 12, dead: 1, alarm: 500}, r, testSources(t))
	snap, err := c.Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, 12, snap.QueueDepth)
	assert.Equal(t, 500, snap.DepthAlarm)
	assert.False(t, snap.DepthExceeded)
	assert.Equal(t, 1, snap.DeadTasks)
	assert.Equal(t, 2, snap.Datasets)
	assert.Equal(t, 1, snap.Failures[report.SeverityFatal])
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollectDepthExceeded(t *testing.T) {
	c := NewCollector(&fakeQueueStats{depth: 501, alarm: 500}, testReporter(t), testSources(t))

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.DepthExceeded)
}
