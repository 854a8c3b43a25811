package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/transit-ingest/internal/feed"
	"github.com/citypulse/transit-ingest/internal/fetcher"
	"github.com/citypulse/transit-ingest/internal/model"
	"github.com/citypulse/transit-ingest/internal/normalize"
	"github.com/citypulse/transit-ingest/internal/schema"
	"github.com/citypulse/transit-ingest/internal/sink"
	"github.com/citypulse/transit-ingest/internal/task"
)

const testSourcesYAML = `
sources:
  - id: vehicle-positions
    url: https://transit.example.com/vp.json
    format: json
    cadence: [0, 30]
  - id: schedule
    url: https://transit.example.com/gtfs.zip
    format: archive
    cadence: "0 4 * * *"
`

const vehiclesJSON = `{
  "entity": [
    {"id": "veh-1", "vehicle": {"timestamp": 1741615635, "position": {"latitude": 47.61, "longitude": -122.33}}},
    {"id": "veh-2", "vehicle": {"timestamp": 1741615635, "position": {"latitude": 47.62, "longitude": -122.34}}},
    {"id": "veh-3", "vehicle": {"timestamp": 1741615635, "position": {"latitude": 47.63, "longitude": -122.35}}}
  ]
}`

// fakeClient returns a canned payload or error for every fetch.
type fakeClient struct {
	body []byte
	err  error
}

func (c *fakeClient) Fetch(_ context.Context, src *feed.Source, now time.Time) (*fetcher.RawResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	sum := sha256.Sum256(c.body)
	return &fetcher.RawResult{
		DatasetID:   src.ID,
		FetchedAt:   now,
		ContentHash: hex.EncodeToString(sum[:]),
		Body:        c.body,
	}, nil
}

func testSources(t *testing.T) *feed.Registry {
	t.Helper()
	sources, err := feed.Parse([]byte(testSourcesYAML))
	require.NoError(t, err)
	return sources
}

func testWorker(t *testing.T, client fetcher.Client, store sink.Sink) *Worker {
	t.Helper()
	schemas := schema.NewRegistry()
	w := New(testSources(t), client, normalize.New(schemas), store)
	w.now = func() time.Time { return time.Date(2025, 3, 10, 14, 7, 15, 0, time.UTC) }
	return w
}

func sqliteStore(t *testing.T) *sink.SQLiteSink {
	t.Helper()
	s, err := sink.NewSQLite(filepath.Join(t.TempDir(), "sink.db"), schema.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestHandleWritesAndRedeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := sqliteStore(t)
	w := testWorker(t, &fakeClient{body: []byte(vehiclesJSON)}, store)

	tk := task.New("vehicle-positions", time.Date(2025, 3, 10, 14, 7, 0, 0, time.UTC), time.Second)

	outcome, err := w.Handle(ctx, &tk)
	require.NoError(t, err)
	assert.Equal(t, "vehicle-positions", outcome.DatasetID)
	assert.Equal(t, 3, outcome.Summary.Written)
	assert.Zero(t, outcome.Summary.Duplicates)

	// The queue redelivered the same task: identical payload, identical
	// fetch instant, so every row is a duplicate and nothing fails.
	outcome, err = w.Handle(ctx, &tk)
	require.NoError(t, err)
	assert.Zero(t, outcome.Summary.Written)
	assert.Equal(t, 3, outcome.Summary.Duplicates)
}

func TestHandleUnknownDataset(t *testing.T) {
	w := testWorker(t, &fakeClient{body: []byte(vehiclesJSON)}, sqliteStore(t))

	tk := task.New("ghost-feed", time.Now().UTC(), time.Minute)
	_, err := w.Handle(context.Background(), &tk)
	require.Error(t, err)

	var ue *UnknownDatasetError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "ghost-feed", ue.DatasetID)
	assert.True(t, Fatal(err))
}

func TestHandleFetchErrorPropagates(t *testing.T) {
	fetchErr := &fetcher.FetchError{Kind: fetcher.KindHTTPStatus, Status: 503}
	w := testWorker(t, &fakeClient{err: fetchErr}, sqliteStore(t))

	tk := task.New("vehicle-positions", time.Now().UTC(), time.Second)
	_, err := w.Handle(context.Background(), &tk)
	require.Error(t, err)

	var fe *fetcher.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 503, fe.Status)
	assert.False(t, Fatal(err))
}

// fakeSink records calls so the static-feed versioning flow is observable.
type fakeSink struct {
	seen     bool
	appends  []*model.Batch
	recorded []string
}

func (f *fakeSink) Append(_ context.Context, batch *model.Batch) (*sink.AppendSummary, error) {
	f.appends = append(f.appends, batch)
	return &sink.AppendSummary{Written: len(batch.Records)}, nil
}

func (f *fakeSink) HasFeedHash(_ context.Context, _, _ string) (bool, error) {
	return f.seen, nil
}

func (f *fakeSink) RecordFeedHash(_ context.Context, _, hash string) error {
	f.recorded = append(f.recorded, hash)
	return nil
}

func (f *fakeSink) Migrate(context.Context) error { return nil }
func (f *fakeSink) Close() error                  { return nil }

func gtfsZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("stops.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("stop_id,stop_name,stop_lat,stop_lon\nS1,Main St,47.6,-122.3\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestHandleStaticFeedSkipsSeenVersion(t *testing.T) {
	store := &fakeSink{seen: true}
	w := testWorker(t, &fakeClient{body: gtfsZip(t)}, store)

	tk := task.New("schedule", time.Now().UTC(), time.Minute)
	outcome, err := w.Handle(context.Background(), &tk)
	require.NoError(t, err)

	assert.True(t, outcome.SkippedVersion)
	assert.Zero(t, outcome.Summary.Written)
	// Nothing was normalized or written, and the version is not re-recorded.
	assert.Empty(t, store.appends)
	assert.Empty(t, store.recorded)
}

func TestHandleStaticFeedRecordsNewVersion(t *testing.T) {
	body := gtfsZip(t)
	store := &fakeSink{}
	w := testWorker(t, &fakeClient{body: body}, store)

	tk := task.New("schedule", time.Now().UTC(), time.Minute)
	outcome, err := w.Handle(context.Background(), &tk)
	require.NoError(t, err)

	assert.False(t, outcome.SkippedVersion)
	assert.Equal(t, 1, outcome.Summary.Written)
	require.Len(t, store.appends, 1)

	sum := sha256.Sum256(body)
	require.Len(t, store.recorded, 1)
	assert.Equal(t, hex.EncodeToString(sum[:]), store.recorded[0])
}

func TestFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "schema error", err: &sink.SchemaError{Dataset: "x", Table: "y"}, want: true},
		{name: "wrapped schema error", err: eris.Wrap(&sink.SchemaError{Dataset: "x", Table: "y"}, "append"), want: true},
		{name: "unknown dataset", err: &UnknownDatasetError{DatasetID: "ghost"}, want: true},
		{name: "fetch error", err: &fetcher.FetchError{Kind: fetcher.KindTimeout}, want: false},
		{name: "plain error", err: errors.New("disk full"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fatal(tt.err))
		})
	}
}
