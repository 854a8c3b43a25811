// Package schema declares the per-table field schemas records must conform
// to, validates and coerces incoming fields, and derives natural keys for
// deduplication.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// FieldType is the storage type of a declared field.
type FieldType int

const (
	TypeString FieldType = iota + 1
	TypeInt64
	TypeFloat64
	TypeTimestamp
	TypeBool
)

// String returns the documented type name.
func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeTimestamp:
		return "timestamp"
	case TypeBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Field declares one column of a table schema.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// KeyKind selects the natural-key strategy for a table.
type KeyKind int

const (
	// KeyTelemetry keys point-in-time rows by (entity id, ingested_at), so
	// distinct fetch windows of the same entity are distinct rows.
	KeyTelemetry KeyKind = iota + 1
	// KeyStatic keys schedule rows by (feed_hash, row key fields), so a row
	// repeats only when the upstream feed version itself repeats.
	KeyStatic
)

// TableSchema declares one table within a dataset.
type TableSchema struct {
	Dataset   string
	Table     string
	Fields    []Field
	KeyKind   KeyKind
	KeyFields []string // entity id field(s) for telemetry, row key fields for static

	byName map[string]Field
}

func (s *TableSchema) index() {
	if s.byName != nil {
		return
	}
	s.byName = make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		s.byName[f.Name] = f
	}
}

// Validate coerces raw fields to the declared types. Unknown fields reject
// the record; a missing required field rejects the record; neither aborts
// the batch: the caller records a per-record failure and moves on.
func (s *TableSchema) Validate(fields map[string]any) (map[string]any, error) {
	s.index()

	out := make(map[string]any, len(fields))
	for name, raw := range fields {
		decl, ok := s.byName[name]
		if !ok {
			return nil, eris.Errorf("schema: %s.%s: unknown field %q", s.Dataset, s.Table, name)
		}
		if raw == nil {
			continue
		}
		val, err := coerce(raw, decl.Type)
		if err != nil {
			return nil, eris.Wrapf(err, "schema: %s.%s: field %q", s.Dataset, s.Table, name)
		}
		out[name] = val
	}

	for _, f := range s.Fields {
		if f.Required {
			if _, ok := out[f.Name]; !ok {
				return nil, eris.Errorf("schema: %s.%s: missing required field %q", s.Dataset, s.Table, f.Name)
			}
		}
	}
	return out, nil
}

// NaturalKey derives the dedup key for a validated record.
func (s *TableSchema) NaturalKey(fields map[string]any, ingestedAt time.Time, feedHash string) string {
	parts := make([]string, 0, len(s.KeyFields)+1)
	switch s.KeyKind {
	case KeyStatic:
		parts = append(parts, feedHash)
	default:
		parts = append(parts, ingestedAt.UTC().Format(time.RFC3339))
	}
	for _, kf := range s.KeyFields {
		parts = append(parts, stringify(fields[kf]))
	}
	return strings.Join(parts, "|")
}

// Fingerprint is a canonical encoding of the schema's field list, used by
// the sink to detect incompatible upstream schema changes.
func (s *TableSchema) Fingerprint() string {
	cols := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		req := ""
		if f.Required {
			req = "!"
		}
		cols = append(cols, f.Name+":"+f.Type.String()+req)
	}
	sort.Strings(cols)
	return strings.Join(cols, ",")
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

// coerce converts a decoded value into the declared storage type. Upstream
// timestamps are either Unix epoch seconds or ISO-8601; both land as UTC
// with second precision.
func coerce(raw any, t FieldType) (any, error) {
	switch t {
	case TypeString:
		switch x := raw.(type) {
		case string:
			return x, nil
		case float64, int, int64, bool:
			return fmt.Sprint(x), nil
		}
	case TypeInt64:
		switch x := raw.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case uint32:
			return int64(x), nil
		case uint64:
			return int64(x), nil
		case float64:
			if x != float64(int64(x)) {
				return nil, eris.Errorf("not an integer: %v", x)
			}
			return int64(x), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, eris.Wrapf(err, "parse int %q", x)
			}
			return n, nil
		}
	case TypeFloat64:
		switch x := raw.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, eris.Wrapf(err, "parse float %q", x)
			}
			return f, nil
		}
	case TypeBool:
		switch x := raw.(type) {
		case bool:
			return x, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "1", "true", "t", "yes":
				return true, nil
			case "0", "false", "f", "no", "":
				return false, nil
			}
			return nil, eris.Errorf("parse bool %q", x)
		case int, int64, float64:
			return fmt.Sprint(x) != "0", nil
		}
	case TypeTimestamp:
		return coerceTimestamp(raw)
	}
	return nil, eris.Errorf("cannot coerce %T to %s", raw, t)
}

func coerceTimestamp(raw any) (time.Time, error) {
	switch x := raw.(type) {
	case time.Time:
		return x.UTC().Truncate(time.Second), nil
	case int:
		return time.Unix(int64(x), 0).UTC(), nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case uint64:
		return time.Unix(int64(x), 0).UTC(), nil
	case float64:
		return time.Unix(int64(x), 0).UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), nil
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC().Truncate(time.Second), nil
			}
		}
		return time.Time{}, eris.Errorf("parse timestamp %q", s)
	}
	return time.Time{}, eris.Errorf("cannot coerce %T to timestamp", raw)
}
