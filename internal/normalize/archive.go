package normalize

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/citypulse/transit-ingest/internal/fetcher"
	"github.com/citypulse/transit-ingest/internal/model"
)

// normalizeArchive unzips a static schedule feed in memory. Each recognized
// member file (stops.txt, trips.txt, ...) maps to its declared table;
// unrecognized members are skipped, not errors.
func (n *Normalizer) normalizeArchive(raw *fetcher.RawResult, batch *model.Batch, loc *time.Location) error {
	zr, err := zip.NewReader(bytes.NewReader(raw.Body), int64(len(raw.Body)))
	if err != nil {
		return eris.Wrap(err, "open zip archive")
	}

	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}

		table := tableForMember(member.Name)
		if table == "" || !n.schemas.Has(raw.DatasetID, table) {
			batch.SkippedMembers++
			zap.L().Debug("skipping unrecognized archive member",
				zap.String("dataset", raw.DatasetID),
				zap.String("member", member.Name),
			)
			continue
		}

		rc, err := member.Open()
		if err != nil {
			return eris.Wrapf(err, "open archive member %s", member.Name)
		}
		err = n.normalizeMember(raw, batch, table, rc, loc)
		rc.Close() //nolint:errcheck
		if err != nil {
			return eris.Wrapf(err, "archive member %s", member.Name)
		}
	}
	return nil
}

// tableForMember maps a GTFS member file name to a table name, e.g.
// "stop_times.txt" -> "stop_times". Nested paths use the base name.
func tableForMember(name string) string {
	base := path.Base(name)
	if !strings.HasSuffix(base, ".txt") {
		return ""
	}
	return strings.ReplaceAll(strings.TrimSuffix(base, ".txt"), "-", "_")
}

// normalizeMember CSV-parses one member. GTFS files are UTF-8, frequently
// with a BOM, which the decoder strips.
func (n *Normalizer) normalizeMember(raw *fetcher.RawResult, batch *model.Batch, table string, r io.Reader, loc *time.Location) error {
	reader := csv.NewReader(transform.NewReader(r, unicode.UTF8BOM.NewDecoder()))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "read csv header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// A malformed line drops that line, not the member.
			batch.Failures = append(batch.Failures, model.ValidationFailure{
				TableName: table,
				Reason:    "csv: " + err.Error(),
			})
			continue
		}

		fields := make(map[string]any, len(header))
		for i, col := range header {
			if i >= len(row) {
				break
			}
			val := strings.TrimSpace(row[i])
			if val == "" {
				continue
			}
			fields[col] = val
		}
		if len(fields) == 0 {
			continue
		}

		if table == "stop_times" {
			enrichStopTimes(fields)
		}

		n.addRecord(batch, raw, table, fields, loc)
	}
}

// enrichStopTimes adds elapsed-seconds columns for the GTFS service times.
// Times past 24:00:00 represent trips running past midnight and must stay
// as elapsed seconds since service-day midnight, never wrapped.
func enrichStopTimes(fields map[string]any) {
	if v, ok := fields["arrival_time"].(string); ok {
		if s, err := ParseGTFSTime(v); err == nil {
			fields["arrival_s"] = s
		}
	}
	if v, ok := fields["departure_time"].(string); ok {
		if s, err := ParseGTFSTime(v); err == nil {
			fields["departure_s"] = s
		}
	}
}
