package normalize

import (
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rotisserie/eris"
	"google.golang.org/protobuf/proto"

	"github.com/citypulse/transit-ingest/internal/fetcher"
	"github.com/citypulse/transit-ingest/internal/model"
)

// normalizeProtobuf decodes a GTFS-realtime FeedMessage. Each entity type
// maps to its declared table: vehicle -> vehicle_positions, trip_update ->
// trip_updates (one row per stop_time_update), alert -> service_alerts.
func (n *Normalizer) normalizeProtobuf(raw *fetcher.RawResult, batch *model.Batch, loc *time.Location) error {
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(raw.Body, &fm); err != nil {
		return eris.Wrap(err, "unmarshal gtfs-realtime feed")
	}

	for _, e := range fm.Entity {
		entityID := e.GetId()
		switch {
		case e.Vehicle != nil:
			n.addRecord(batch, raw, "vehicle_positions", vehicleFields(entityID, e.Vehicle), loc)
		case e.TripUpdate != nil:
			for _, fields := range tripUpdateFields(entityID, e.TripUpdate) {
				n.addRecord(batch, raw, "trip_updates", fields, loc)
			}
		case e.Alert != nil:
			n.addRecord(batch, raw, "service_alerts", alertFields(entityID, e.Alert), loc)
		}
	}
	return nil
}

func vehicleFields(entityID string, v *gtfsrtpb.VehiclePosition) map[string]any {
	fields := map[string]any{"entity_id": entityID}

	if v.Timestamp != nil {
		fields["timestamp"] = int64(v.GetTimestamp())
	}
	if veh := v.Vehicle; veh != nil {
		putStr(fields, "vehicle_id", veh.Id)
		putStr(fields, "vehicle_label", veh.Label)
	}
	if pos := v.Position; pos != nil {
		if pos.Latitude != nil {
			fields["latitude"] = float64(pos.GetLatitude())
		}
		if pos.Longitude != nil {
			fields["longitude"] = float64(pos.GetLongitude())
		}
		if pos.Bearing != nil {
			fields["bearing"] = float64(pos.GetBearing())
		}
		if pos.Speed != nil {
			fields["speed"] = float64(pos.GetSpeed())
		}
		if pos.Odometer != nil {
			fields["odometer"] = pos.GetOdometer()
		}
	}
	if v.OccupancyStatus != nil {
		fields["occupancy_status"] = v.GetOccupancyStatus().String()
	}
	if v.CurrentStatus != nil {
		fields["current_status"] = v.GetCurrentStatus().String()
	}
	putTrip(fields, v.Trip)
	return fields
}

// tripUpdateFields fans one trip update out to one row per stop time
// update, or a single row when the update carries none.
func tripUpdateFields(entityID string, tu *gtfsrtpb.TripUpdate) []map[string]any {
	base := map[string]any{"entity_id": entityID}
	if tu.Timestamp != nil {
		base["timestamp"] = int64(tu.GetTimestamp())
	}
	if tu.Delay != nil {
		base["delay"] = int64(tu.GetDelay())
	}
	if veh := tu.Vehicle; veh != nil {
		putStr(base, "vehicle_id", veh.Id)
	}
	putTrip(base, tu.Trip)

	if len(tu.StopTimeUpdate) == 0 {
		return []map[string]any{base}
	}

	rows := make([]map[string]any, 0, len(tu.StopTimeUpdate))
	for _, stu := range tu.StopTimeUpdate {
		row := cloneRow(base)
		if stu.StopSequence != nil {
			row["stop_sequence"] = int64(stu.GetStopSequence())
		}
		putStr(row, "stop_id", stu.StopId)
		if arr := stu.Arrival; arr != nil {
			if arr.Time != nil {
				row["arrival_time"] = arr.GetTime()
			}
			if arr.Delay != nil {
				row["arrival_delay"] = int64(arr.GetDelay())
			}
		}
		if dep := stu.Departure; dep != nil {
			if dep.Time != nil {
				row["departure_time"] = dep.GetTime()
			}
			if dep.Delay != nil {
				row["departure_delay"] = int64(dep.GetDelay())
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func alertFields(entityID string, a *gtfsrtpb.Alert) map[string]any {
	fields := map[string]any{"entity_id": entityID}

	if a.Cause != nil {
		fields["cause"] = a.GetCause().String()
	}
	if a.Effect != nil {
		fields["effect"] = a.GetEffect().String()
	}
	fields["header_text"] = firstTranslation(a.HeaderText)
	fields["description_text"] = firstTranslation(a.DescriptionText)
	if url := firstTranslation(a.Url); url != "" {
		fields["url"] = url
	}
	if len(a.ActivePeriod) > 0 {
		period := a.ActivePeriod[0]
		if period.Start != nil {
			fields["active_from"] = int64(period.GetStart())
		}
		if period.End != nil {
			fields["active_to"] = int64(period.GetEnd())
		}
	}
	if len(a.InformedEntity) > 0 {
		ie := a.InformedEntity[0]
		putStr(fields, "route_id", ie.RouteId)
		putStr(fields, "stop_id", ie.StopId)
		if ie.Trip != nil {
			putStr(fields, "trip_id", ie.Trip.TripId)
		}
	}
	return fields
}

func putTrip(fields map[string]any, trip *gtfsrtpb.TripDescriptor) {
	if trip == nil {
		return
	}
	putStr(fields, "trip_id", trip.TripId)
	putStr(fields, "route_id", trip.RouteId)
	if trip.DirectionId != nil {
		fields["direction_id"] = int64(trip.GetDirectionId())
	}
	putStr(fields, "start_date", trip.StartDate)
	putStr(fields, "start_time", trip.StartTime)
	if trip.ScheduleRelationship != nil {
		fields["schedule_relationship"] = trip.GetScheduleRelationship().String()
	}
}

func putStr(fields map[string]any, name string, v *string) {
	if v != nil && *v != "" {
		fields[name] = *v
	}
}

func firstTranslation(ts *gtfsrtpb.TranslatedString) string {
	if ts == nil || len(ts.Translation) == 0 {
		return ""
	}
	return ts.Translation[0].GetText()
}
