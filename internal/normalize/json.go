package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/citypulse/transit-ingest/internal/feed"
	"github.com/citypulse/transit-ingest/internal/fetcher"
	"github.com/citypulse/transit-ingest/internal/model"
)

// normalizeJSON parses the body as a single object or an array of objects.
// GTFS-realtime feeds served as JSON wrap their entities in
// {"entity": [...]} (sometimes under a "response" envelope); that shape is
// unwrapped before flattening. Each object becomes one record in the
// dataset's default table.
func (n *Normalizer) normalizeJSON(raw *fetcher.RawResult, src *feed.Source, batch *model.Batch, loc *time.Location) error {
	var decoded any
	if err := json.Unmarshal(raw.Body, &decoded); err != nil {
		return eris.Wrap(err, "parse json body")
	}

	var objects []map[string]any
	switch v := decoded.(type) {
	case []any:
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				batch.Failures = append(batch.Failures, model.ValidationFailure{
					TableName: defaultTable(src.ID),
					Reason:    fmt.Sprintf("array element is %T, not an object", item),
				})
				continue
			}
			objects = append(objects, obj)
		}
	case map[string]any:
		objects = unwrapEntities(v)
	default:
		return eris.Errorf("json body is %T, expected object or array", decoded)
	}

	table := defaultTable(src.ID)
	for _, obj := range objects {
		for _, row := range flattenEntity(obj) {
			n.addRecord(batch, raw, table, renameEntityFields(row), loc)
		}
	}
	return nil
}

// gtfsrtJSONAliases maps flattened GTFS-realtime JSON paths onto the
// declared column names shared with the protobuf decode path.
var gtfsrtJSONAliases = map[string]string{
	"id": "entity_id",

	"vehicle.timestamp":                  "timestamp",
	"vehicle.position.latitude":          "latitude",
	"vehicle.position.longitude":         "longitude",
	"vehicle.position.bearing":           "bearing",
	"vehicle.position.speed":             "speed",
	"vehicle.position.odometer":          "odometer",
	"vehicle.vehicle.id":                 "vehicle_id",
	"vehicle.vehicle.label":              "vehicle_label",
	"vehicle.occupancy_status":           "occupancy_status",
	"vehicle.current_status":             "current_status",
	"vehicle.trip.trip_id":               "trip_id",
	"vehicle.trip.route_id":              "route_id",
	"vehicle.trip.direction_id":          "direction_id",
	"vehicle.trip.start_date":            "start_date",
	"vehicle.trip.start_time":            "start_time",
	"vehicle.trip.schedule_relationship": "schedule_relationship",

	"trip_update.timestamp":                        "timestamp",
	"trip_update.delay":                            "delay",
	"trip_update.trip.trip_id":                     "trip_id",
	"trip_update.trip.route_id":                    "route_id",
	"trip_update.trip.direction_id":                "direction_id",
	"trip_update.trip.start_date":                  "start_date",
	"trip_update.trip.start_time":                  "start_time",
	"trip_update.trip.schedule_relationship":       "schedule_relationship",
	"trip_update.vehicle.id":                       "vehicle_id",
	"trip_update.stop_time_update.stop_sequence":   "stop_sequence",
	"trip_update.stop_time_update.stop_id":         "stop_id",
	"trip_update.stop_time_update.arrival.time":    "arrival_time",
	"trip_update.stop_time_update.arrival.delay":   "arrival_delay",
	"trip_update.stop_time_update.departure.time":  "departure_time",
	"trip_update.stop_time_update.departure.delay": "departure_delay",

	"alert.cause":                             "cause",
	"alert.effect":                            "effect",
	"alert.url":                               "url",
	"alert.header_text.translation.text":      "header_text",
	"alert.description_text.translation.text": "description_text",
	"alert.active_period.start":               "active_from",
	"alert.active_period.end":                 "active_to",
	"alert.informed_entity.route_id":          "route_id",
	"alert.informed_entity.stop_id":           "stop_id",
	"alert.informed_entity.trip.trip_id":      "trip_id",
}

// renameEntityFields applies the alias table and discards leftover dotted
// keys, which are envelope structure rather than declared fields. Undotted
// unknown keys are left in place so schema validation can reject them.
func renameEntityFields(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if alias, ok := gtfsrtJSONAliases[k]; ok {
			out[alias] = v
			continue
		}
		if strings.Contains(k, ".") {
			continue
		}
		out[k] = v
	}
	return out
}

// unwrapEntities pulls the GTFS-realtime entity list out of a JSON envelope.
// A plain object without an entity list is itself the single record.
func unwrapEntities(obj map[string]any) []map[string]any {
	envelope := obj
	if resp, ok := obj["response"].(map[string]any); ok {
		envelope = resp
	}
	entities, ok := envelope["entity"].([]any)
	if !ok {
		return []map[string]any{obj}
	}

	out := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// flattenEntity flattens nested objects into dot-joined keys and explodes
// list-valued keys into one row per element, mirroring how the feed
// entities fan out to rows (a trip update with N stop time updates is N
// rows).
func flattenEntity(obj map[string]any) []map[string]any {
	rows := []map[string]any{flattenMap("", obj)}

	// Explode list columns one at a time until none remain. The iteration
	// cap guards against pathological nesting.
	for i := 0; i < 10; i++ {
		var listKey string
		for _, row := range rows {
			for k, v := range row {
				if _, ok := v.([]any); ok {
					listKey = k
					break
				}
			}
			if listKey != "" {
				break
			}
		}
		if listKey == "" {
			break
		}

		var next []map[string]any
		for _, row := range rows {
			list, ok := row[listKey].([]any)
			if !ok {
				next = append(next, row)
				continue
			}
			if len(list) == 0 {
				clone := cloneRow(row)
				delete(clone, listKey)
				next = append(next, clone)
				continue
			}
			for _, item := range list {
				clone := cloneRow(row)
				delete(clone, listKey)
				if m, ok := item.(map[string]any); ok {
					for k, v := range flattenMap(listKey, m) {
						clone[k] = v
					}
				} else {
					clone[listKey] = item
				}
				next = append(next, clone)
			}
		}
		rows = next
	}
	return rows
}

func flattenMap(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flattenMap(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
