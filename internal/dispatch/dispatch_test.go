package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/transit-ingest/internal/feed"
	"github.com/citypulse/transit-ingest/internal/fetcher"
	"github.com/citypulse/transit-ingest/internal/model"
	"github.com/citypulse/transit-ingest/internal/normalize"
	"github.com/citypulse/transit-ingest/internal/schema"
	"github.com/citypulse/transit-ingest/internal/sink"
	"github.com/citypulse/transit-ingest/internal/task"
	"github.com/citypulse/transit-ingest/internal/worker"
)

// fakeQueue collects enqueued tasks and collapses dedup keys the way the
// real queue does.
type fakeQueue struct {
	mu    sync.Mutex
	tasks []task.FetchTask
	seen  map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: make(map[string]bool)}
}

func (q *fakeQueue) Enqueue(_ context.Context, t task.FetchTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[t.DedupKey] {
		return nil
	}
	q.seen[t.DedupKey] = true
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *fakeQueue) keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.DedupKey)
	}
	return out
}

func sources(t *testing.T, yaml string) *feed.Registry {
	t.Helper()
	reg, err := feed.Parse([]byte(yaml))
	require.NoError(t, err)
	return reg
}

func TestTickFansOutSubMinuteOffsets(t *testing.T) {
	reg := sources(t, `
sources:
  - id: vehicle-positions
    url: https://transit.example.com/vp.pb
    format: protobuf
    cadence: [0, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55]
`)
	q := newFakeQueue()
	d := New(reg, q, nil, Config{})

	// Mid-minute tick: the fan-out covers the whole containing minute.
	now := time.Date(2025, 3, 10, 14, 7, 23, 0, time.UTC)
	require.NoError(t, d.Tick(context.Background(), now))

	require.Len(t, q.tasks, 12)
	// Enqueues run concurrently; assert membership, not order.
	keys := q.keys()
	assert.Contains(t, keys, "vehicle-positions@2025-03-10T14:07:00Z")
	assert.Contains(t, keys, "vehicle-positions@2025-03-10T14:07:30Z")
	assert.Contains(t, keys, "vehicle-positions@2025-03-10T14:07:55Z")
}

func TestTickRepeatedMinuteCollapses(t *testing.T) {
	reg := sources(t, `
sources:
  - id: vehicle-positions
    url: https://transit.example.com/vp.pb
    format: protobuf
    cadence: [0, 30]
`)
	q := newFakeQueue()
	d := New(reg, q, nil, Config{})

	now := time.Date(2025, 3, 10, 14, 7, 10, 0, time.UTC)
	require.NoError(t, d.Tick(context.Background(), now))
	// Timer misfire re-ticks the same minute: identical dedup keys.
	require.NoError(t, d.Tick(context.Background(), now.Add(20*time.Second)))

	assert.Len(t, q.tasks, 2)
}

func TestTickCronMatching(t *testing.T) {
	reg := sources(t, `
sources:
  - id: schedule
    url: https://transit.example.com/gtfs.zip
    format: archive
    cadence: "0 4 * * *"
`)
	q := newFakeQueue()
	d := New(reg, q, nil, Config{})

	// 03:59 does not match.
	require.NoError(t, d.Tick(context.Background(), time.Date(2025, 3, 10, 3, 59, 0, 0, time.UTC)))
	assert.Empty(t, q.tasks)

	// 04:00 matches: exactly one minute-granularity task.
	require.NoError(t, d.Tick(context.Background(), time.Date(2025, 3, 10, 4, 0, 30, 0, time.UTC)))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, "schedule@2025-03-10T04:00:00Z", q.tasks[0].DedupKey)

	// 04:01 does not match.
	require.NoError(t, d.Tick(context.Background(), time.Date(2025, 3, 10, 4, 1, 0, 0, time.UTC)))
	assert.Len(t, q.tasks, 1)
}

// stubClient serves a fixed JSON payload for direct-invoke runs.
type stubClient struct{}

func (stubClient) Fetch(_ context.Context, src *feed.Source, now time.Time) (*fetcher.RawResult, error) {
	return &fetcher.RawResult{
		DatasetID:   src.ID,
		FetchedAt:   now,
		ContentHash: "stub-hash",
		Body:        []byte(`{"entity": [{"id": "veh-1"}]}`),
	}, nil
}

// countingSink records appended batches.
type countingSink struct {
	mu      sync.Mutex
	batches []*model.Batch
}

func (s *countingSink) Append(_ context.Context, b *model.Batch) (*sink.AppendSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return &sink.AppendSummary{Written: len(b.Records)}, nil
}

func (s *countingSink) HasFeedHash(context.Context, string, string) (bool, error) { return false, nil }
func (s *countingSink) RecordFeedHash(context.Context, string, string) error      { return nil }
func (s *countingSink) Migrate(context.Context) error                             { return nil }
func (s *countingSink) Close() error                                              { return nil }

func TestTickDirectInvokeBypassesQueue(t *testing.T) {
	reg := sources(t, `
sources:
  - id: vehicle-positions
    url: https://transit.example.com/vp.json
    format: json
    cadence: "*/5 * * * *"
`)
	store := &countingSink{}
	w := worker.New(reg, stubClient{}, normalize.New(schema.NewRegistry()), store)

	q := newFakeQueue()
	d := New(reg, q, w, Config{DirectInvoke: true})

	require.NoError(t, d.Tick(context.Background(), time.Date(2025, 3, 10, 14, 5, 0, 0, time.UTC)))

	// The matching minute ran in-process: nothing hit the queue.
	assert.Empty(t, q.tasks)
	require.Len(t, store.batches, 1)
	assert.Len(t, store.batches[0].Records, 1)
}

// failingClient refuses every fetch.
type failingClient struct{}

func (failingClient) Fetch(context.Context, *feed.Source, time.Time) (*fetcher.RawResult, error) {
	return nil, &fetcher.FetchError{Kind: fetcher.KindHTTPStatus, Status: 503}
}

func TestTickDirectInvokeFailureFallsBackToQueue(t *testing.T) {
	reg := sources(t, `
sources:
  - id: schedule
    url: https://transit.example.com/gtfs.zip
    format: archive
    cadence: "0 4 * * *"
`)
	w := worker.New(reg, failingClient{}, normalize.New(schema.NewRegistry()), &countingSink{})

	q := newFakeQueue()
	d := New(reg, q, w, Config{DirectInvoke: true})

	// The in-process run fails; the tick succeeds and the task lands in the
	// queue, where retries and dead-lettering take over.
	require.NoError(t, d.Tick(context.Background(), time.Date(2025, 3, 10, 4, 0, 0, 0, time.UTC)))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, "schedule@2025-03-10T04:00:00Z", q.tasks[0].DedupKey)
}

func TestTickMixedSources(t *testing.T) {
	reg := sources(t, `
sources:
  - id: vehicle-positions
    url: https://transit.example.com/vp.pb
    format: protobuf
    cadence: [0, 30]
  - id: trip-updates
    url: https://transit.example.com/tu.pb
    format: protobuf
    cadence: [15]
  - id: schedule
    url: https://transit.example.com/gtfs.zip
    format: archive
    cadence: "0 4 * * *"
`)
	q := newFakeQueue()
	d := New(reg, q, nil, Config{EnqueueParallelism: 2})

	// An ordinary minute: sub-minute sources fan out, the cron one is quiet.
	require.NoError(t, d.Tick(context.Background(), time.Date(2025, 3, 10, 14, 7, 0, 0, time.UTC)))
	assert.Len(t, q.tasks, 3)

	for _, tk := range q.tasks {
		assert.NotEqual(t, "schedule", tk.DatasetID)
	}
}
