package report

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/citypulse/transit-ingest/internal/fetcher"
	"github.com/citypulse/transit-ingest/internal/normalize"
	"github.com/citypulse/transit-ingest/internal/sink"
	"github.com/citypulse/transit-ingest/internal/task"
)

func testReporter(t *testing.T) *Reporter {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r := New(db)
	require.NoError(t, r.Migrate(context.Background()))
	return r
}

func deadTask() *task.FetchTask {
	tk := task.New("vehicle-positions", time.Date(2025, 3, 10, 14, 7, 15, 0, time.UTC), time.Second)
	tk.Attempt = 5
	return &tk
}

func TestReportAndList(t *testing.T) {
	ctx := context.Background()
	r := testReporter(t)

	failure := &fetcher.FetchError{Kind: fetcher.KindNetwork, Err: errors.New("connection refused")}
	require.NoError(t, r.Report(ctx, deadTask(), SeverityDead, failure))

	failures, err := r.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	f := failures[0]
	assert.Equal(t, "vehicle-positions", f.DatasetID)
	assert.Equal(t, PhaseFetch, f.Phase)
	assert.Equal(t, "network", f.ErrorKind)
	assert.Equal(t, SeverityDead, f.Severity)
	assert.Equal(t, 5, f.Attempts)
	assert.Equal(t, 1, f.Count)
	assert.Contains(t, f.Error, "connection refused")
}

func TestReportDeduplicatesByKeyAndPhase(t *testing.T) {
	ctx := context.Background()
	r := testReporter(t)

	failure := &fetcher.FetchError{Kind: fetcher.KindTimeout}
	require.NoError(t, r.Report(ctx, deadTask(), SeverityDead, failure))
	require.NoError(t, r.Report(ctx, deadTask(), SeverityDead, failure))
	require.NoError(t, r.Report(ctx, deadTask(), SeverityDead, failure))

	failures, err := r.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 3, failures[0].Count)
}

func TestTotals(t *testing.T) {
	ctx := context.Background()
	r := testReporter(t)

	fetchFail := &fetcher.FetchError{Kind: fetcher.KindNetwork}
	schemaFail := &sink.SchemaError{Dataset: "vehicle-positions", Table: "vehicle_positions", Detail: "column removed"}

	require.NoError(t, r.Report(ctx, deadTask(), SeverityDead, fetchFail))

	other := task.New("schedule", time.Now().UTC(), time.Minute)
	require.NoError(t, r.Report(ctx, &other, SeverityFatal, schemaFail))

	totals, err := r.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, totals[SeverityDead])
	assert.Equal(t, 1, totals[SeverityFatal])
}

func TestClassifyPhase(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Phase
	}{
		{name: "fetch", err: &fetcher.FetchError{Kind: fetcher.KindTimeout}, want: PhaseFetch},
		{name: "wrapped fetch", err: wrap(&fetcher.FetchError{Kind: fetcher.KindNetwork}), want: PhaseFetch},
		{name: "normalize", err: &normalize.NormalizeError{DatasetID: "x", Err: errors.New("bad json")}, want: PhaseNormalize},
		{name: "schema", err: &sink.SchemaError{Dataset: "x", Table: "y"}, want: PhaseSchema},
		{name: "other", err: errors.New("disk full"), want: PhaseStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPhase(tt.err))
		})
	}
}

func TestClassifyKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "network", err: &fetcher.FetchError{Kind: fetcher.KindNetwork}, want: "network"},
		{name: "http status", err: &fetcher.FetchError{Kind: fetcher.KindHTTPStatus, Status: 503}, want: "http_status"},
		{name: "wrapped timeout", err: wrap(&fetcher.FetchError{Kind: fetcher.KindTimeout}), want: "timeout"},
		{name: "schema falls back to phase", err: &sink.SchemaError{Dataset: "x", Table: "y"}, want: "schema"},
		{name: "other falls back to phase", err: errors.New("disk full"), want: "store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyKind(tt.err))
		})
	}
}

type wrapped struct{ inner error }

func (w *wrapped) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrapped) Unwrap() error { return w.inner }

func wrap(err error) error { return &wrapped{inner: err} }
