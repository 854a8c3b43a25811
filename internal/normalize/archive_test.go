package normalize

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/transit-ingest/internal/feed"
	"github.com/citypulse/transit-ingest/internal/schema"
)

func archiveSource() *feed.Source {
	return &feed.Source{ID: "schedule", Format: feed.FormatArchive, Timezone: "America/New_York"}
}

func buildZip(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestNormalizeArchive(t *testing.T) {
	body := buildZip(t, map[string]string{
		"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\n" +
			"s-100,Pine St,47.6097,-122.3331\n" +
			"s-101,Union St,47.6105,-122.3340\n",
		"routes.txt": "route_id,route_short_name,route_type\n" +
			"40,40,3\n",
		"shapes.txt": "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
			"sh-1,47.6,-122.3,1\n",
		"LICENSE": "all rights reserved",
	})

	n := New(schema.NewRegistry())
	batch, err := n.Normalize(rawResult("schedule", body), archiveSource())
	require.NoError(t, err)

	// stops + routes land; shapes.txt and LICENSE are skipped, not errors.
	assert.Len(t, batch.Records, 3)
	assert.Equal(t, 2, batch.SkippedMembers)
	assert.Empty(t, batch.Failures)

	byTable := map[string]int{}
	for _, rec := range batch.Records {
		byTable[rec.TableName]++
		assert.Equal(t, "feedhash-1", rec.FeedHash)
	}
	assert.Equal(t, 2, byTable["stops"])
	assert.Equal(t, 1, byTable["routes"])
}

func TestNormalizeArchiveStopTimesElapsedSeconds(t *testing.T) {
	body := buildZip(t, map[string]string{
		"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
			"t-9,25:30:00,25:31:00,s-100,1\n",
	})

	n := New(schema.NewRegistry())
	batch, err := n.Normalize(rawResult("schedule", body), archiveSource())
	require.NoError(t, err)

	require.Len(t, batch.Records, 1)
	rec := batch.Records[0]
	assert.Equal(t, "stop_times", rec.TableName)
	// Past-midnight service times survive as elapsed seconds, not wrapped.
	assert.Equal(t, "25:30:00", rec.Fields["arrival_time"])
	assert.Equal(t, int64(91800), rec.Fields["arrival_s"])
	assert.Equal(t, int64(91860), rec.Fields["departure_s"])
}

func TestNormalizeArchiveMalformedLine(t *testing.T) {
	body := buildZip(t, map[string]string{
		"stops.txt": "stop_id,stop_name\n" +
			"s-100,Pine St\n" +
			"s-101,\"unterminated\n" +
			"s-102,Union St\n",
	})

	n := New(schema.NewRegistry())
	batch, err := n.Normalize(rawResult("schedule", body), archiveSource())
	require.NoError(t, err)

	// The malformed line drops, the valid ones land.
	assert.GreaterOrEqual(t, len(batch.Records), 1)
	assert.NotEmpty(t, batch.Failures)
}

func TestNormalizeArchiveBOMHeader(t *testing.T) {
	body := buildZip(t, map[string]string{
		"stops.txt": "\ufeffstop_id,stop_name\ns-100,Pine St\n",
	})

	n := New(schema.NewRegistry())
	batch, err := n.Normalize(rawResult("schedule", body), archiveSource())
	require.NoError(t, err)

	require.Len(t, batch.Records, 1)
	assert.Equal(t, "s-100", batch.Records[0].Fields["stop_id"])
}

func TestNormalizeArchiveNotAZip(t *testing.T) {
	n := New(schema.NewRegistry())
	_, err := n.Normalize(rawResult("schedule", []byte("plain text")), archiveSource())
	require.Error(t, err)

	var ne *NormalizeError
	assert.ErrorAs(t, err, &ne)
}

func TestTableForMember(t *testing.T) {
	assert.Equal(t, "stops", tableForMember("stops.txt"))
	assert.Equal(t, "stop_times", tableForMember("gtfs/stop_times.txt"))
	assert.Equal(t, "", tableForMember("README.md"))
	assert.Equal(t, "", tableForMember("LICENSE"))
}
