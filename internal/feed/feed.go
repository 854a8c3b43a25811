// Package feed holds the static feed source configuration: which upstream
// feeds exist, how to fetch them, and how often they are polled.
package feed

import (
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from human-readable YAML
// strings such as "20s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return eris.Wrap(err, "feed: decode duration")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return eris.Wrapf(err, "feed: parse duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Format identifies how a feed's response payload is encoded.
type Format int

const (
	FormatJSON Format = iota + 1
	FormatProtobuf
	FormatArchive
)

// String returns the configuration name of the format.
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProtobuf:
		return "protobuf"
	case FormatArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// ParseFormat converts a configuration string into a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "json":
		return FormatJSON, nil
	case "protobuf", "binary-protobuf":
		return FormatProtobuf, nil
	case "archive", "zip":
		return FormatArchive, nil
	default:
		return 0, eris.Errorf("feed: unknown format %q (valid: json, protobuf, archive)", s)
	}
}

// Source describes one configured upstream feed. Immutable after load.
type Source struct {
	// ID is the unique dataset name, e.g. "vehicle-positions".
	ID string `yaml:"id" validate:"required"`

	// URL is the feed endpoint. http(s) for all formats; ftp is accepted
	// for archive feeds whose providers still publish over FTP.
	URL string `yaml:"url" validate:"required"`

	// Format selects the decode path.
	Format Format `yaml:"-"`

	// RawFormat is the configuration string for Format.
	RawFormat string `yaml:"format" validate:"required"`

	// Cadence is either a list of intra-minute second offsets or a cron
	// expression. Exactly one must be set.
	Cadence Cadence `yaml:"cadence"`

	// Headers are applied verbatim to every fetch request.
	Headers map[string]string `yaml:"headers"`

	// Timeout bounds the total wall time of one fetch. Zero means the
	// fetcher default.
	Timeout Duration `yaml:"timeout"`

	// Timezone is the agency's IANA zone, used to resolve GTFS service
	// times (which can exceed 24:00:00) into absolute instants.
	Timezone string `yaml:"timezone"`
}

// Location resolves the source's timezone, defaulting to UTC.
func (s *Source) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "feed: load timezone for %s", s.ID)
	}
	return loc, nil
}

// Static reports whether this source is a static/schedule-type feed whose
// snapshots are versioned by content hash rather than by fetch instant.
func (s *Source) Static() bool {
	return s.Format == FormatArchive
}
