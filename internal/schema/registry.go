package schema

import (
	"github.com/rotisserie/eris"
)

// Registry maps (dataset, table) pairs to their declared schemas.
type Registry struct {
	tables map[string]*TableSchema
}

func key(dataset, table string) string { return dataset + "." + table }

// NewRegistry returns a registry populated with the built-in GTFS realtime
// and GTFS schedule table schemas.
func NewRegistry() *Registry {
	r := &Registry{tables: make(map[string]*TableSchema)}
	for _, s := range builtin() {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a table schema.
func (r *Registry) Register(s *TableSchema) {
	r.tables[key(s.Dataset, s.Table)] = s
}

// Get returns the schema for a (dataset, table) pair.
func (r *Registry) Get(dataset, table string) (*TableSchema, error) {
	s, ok := r.tables[key(dataset, table)]
	if !ok {
		return nil, eris.Errorf("schema: no schema declared for %s.%s", dataset, table)
	}
	return s, nil
}

// Has reports whether a schema is declared for the pair.
func (r *Registry) Has(dataset, table string) bool {
	_, ok := r.tables[key(dataset, table)]
	return ok
}

func builtin() []*TableSchema {
	return []*TableSchema{
		// Realtime telemetry tables. Keyed per entity per fetch window, so
		// out-of-order and repeated delivery of distinct windows both keep
		// their rows.
		{
			Dataset: "vehicle-positions",
			Table:   "vehicle_positions",
			KeyKind: KeyTelemetry,
			KeyFields: []string{
				"entity_id",
			},
			Fields: []Field{
				{Name: "entity_id", Type: TypeString, Required: true},
				{Name: "timestamp", Type: TypeTimestamp},
				{Name: "vehicle_id", Type: TypeString},
				{Name: "vehicle_label", Type: TypeString},
				{Name: "latitude", Type: TypeFloat64},
				{Name: "longitude", Type: TypeFloat64},
				{Name: "bearing", Type: TypeFloat64},
				{Name: "speed", Type: TypeFloat64},
				{Name: "odometer", Type: TypeFloat64},
				{Name: "occupancy_status", Type: TypeString},
				{Name: "current_status", Type: TypeString},
				{Name: "route_id", Type: TypeString},
				{Name: "trip_id", Type: TypeString},
				{Name: "direction_id", Type: TypeInt64},
				{Name: "start_date", Type: TypeString},
				{Name: "start_time", Type: TypeString},
				{Name: "trip_start", Type: TypeTimestamp},
				{Name: "schedule_relationship", Type: TypeString},
			},
		},
		{
			Dataset: "trip-updates",
			Table:   "trip_updates",
			KeyKind: KeyTelemetry,
			KeyFields: []string{
				"entity_id", "stop_sequence",
			},
			Fields: []Field{
				{Name: "entity_id", Type: TypeString, Required: true},
				{Name: "timestamp", Type: TypeTimestamp},
				{Name: "trip_id", Type: TypeString, Required: true},
				{Name: "route_id", Type: TypeString},
				{Name: "direction_id", Type: TypeInt64},
				{Name: "start_date", Type: TypeString},
				{Name: "start_time", Type: TypeString},
				{Name: "trip_start", Type: TypeTimestamp},
				{Name: "schedule_relationship", Type: TypeString},
				{Name: "delay", Type: TypeInt64},
				{Name: "stop_sequence", Type: TypeInt64},
				{Name: "stop_id", Type: TypeString},
				{Name: "arrival_time", Type: TypeTimestamp},
				{Name: "arrival_delay", Type: TypeInt64},
				{Name: "departure_time", Type: TypeTimestamp},
				{Name: "departure_delay", Type: TypeInt64},
				{Name: "vehicle_id", Type: TypeString},
			},
		},
		{
			Dataset: "service-alerts",
			Table:   "service_alerts",
			KeyKind: KeyTelemetry,
			KeyFields: []string{
				"entity_id",
			},
			Fields: []Field{
				{Name: "entity_id", Type: TypeString, Required: true},
				{Name: "cause", Type: TypeString},
				{Name: "effect", Type: TypeString},
				{Name: "header_text", Type: TypeString},
				{Name: "description_text", Type: TypeString},
				{Name: "url", Type: TypeString},
				{Name: "active_from", Type: TypeTimestamp},
				{Name: "active_to", Type: TypeTimestamp},
				{Name: "route_id", Type: TypeString},
				{Name: "stop_id", Type: TypeString},
				{Name: "trip_id", Type: TypeString},
			},
		},

		// Static schedule tables, one per recognized archive member. Keyed
		// by feed version plus row identity.
		{
			Dataset:   "schedule",
			Table:     "agency",
			KeyKind:   KeyStatic,
			KeyFields: []string{"agency_id"},
			Fields: []Field{
				{Name: "agency_id", Type: TypeString},
				{Name: "agency_name", Type: TypeString, Required: true},
				{Name: "agency_url", Type: TypeString},
				{Name: "agency_timezone", Type: TypeString},
				{Name: "agency_lang", Type: TypeString},
				{Name: "agency_phone", Type: TypeString},
			},
		},
		{
			Dataset:   "schedule",
			Table:     "stops",
			KeyKind:   KeyStatic,
			KeyFields: []string{"stop_id"},
			Fields: []Field{
				{Name: "stop_id", Type: TypeString, Required: true},
				{Name: "stop_code", Type: TypeString},
				{Name: "stop_name", Type: TypeString},
				{Name: "stop_desc", Type: TypeString},
				{Name: "stop_lat", Type: TypeFloat64},
				{Name: "stop_lon", Type: TypeFloat64},
				{Name: "zone_id", Type: TypeString},
				{Name: "location_type", Type: TypeInt64},
				{Name: "parent_station", Type: TypeString},
				{Name: "wheelchair_boarding", Type: TypeInt64},
			},
		},
		{
			Dataset:   "schedule",
			Table:     "routes",
			KeyKind:   KeyStatic,
			KeyFields: []string{"route_id"},
			Fields: []Field{
				{Name: "route_id", Type: TypeString, Required: true},
				{Name: "agency_id", Type: TypeString},
				{Name: "route_short_name", Type: TypeString},
				{Name: "route_long_name", Type: TypeString},
				{Name: "route_desc", Type: TypeString},
				{Name: "route_type", Type: TypeInt64},
				{Name: "route_url", Type: TypeString},
				{Name: "route_color", Type: TypeString},
				{Name: "route_text_color", Type: TypeString},
			},
		},
		{
			Dataset:   "schedule",
			Table:     "trips",
			KeyKind:   KeyStatic,
			KeyFields: []string{"trip_id"},
			Fields: []Field{
				{Name: "route_id", Type: TypeString, Required: true},
				{Name: "service_id", Type: TypeString, Required: true},
				{Name: "trip_id", Type: TypeString, Required: true},
				{Name: "trip_headsign", Type: TypeString},
				{Name: "trip_short_name", Type: TypeString},
				{Name: "direction_id", Type: TypeInt64},
				{Name: "block_id", Type: TypeString},
				{Name: "shape_id", Type: TypeString},
				{Name: "wheelchair_accessible", Type: TypeInt64},
				{Name: "bikes_allowed", Type: TypeInt64},
			},
		},
		{
			Dataset:   "schedule",
			Table:     "stop_times",
			KeyKind:   KeyStatic,
			KeyFields: []string{"trip_id", "stop_sequence"},
			Fields: []Field{
				{Name: "trip_id", Type: TypeString, Required: true},
				{Name: "stop_id", Type: TypeString, Required: true},
				{Name: "stop_sequence", Type: TypeInt64, Required: true},
				// GTFS service times can exceed 24:00:00 for trips past
				// midnight; they stay strings here and are resolved to
				// absolute instants by the normalizer.
				{Name: "arrival_time", Type: TypeString},
				{Name: "departure_time", Type: TypeString},
				{Name: "arrival_s", Type: TypeInt64},
				{Name: "departure_s", Type: TypeInt64},
				{Name: "stop_headsign", Type: TypeString},
				{Name: "pickup_type", Type: TypeInt64},
				{Name: "drop_off_type", Type: TypeInt64},
				{Name: "timepoint", Type: TypeInt64},
				{Name: "shape_dist_traveled", Type: TypeFloat64},
			},
		},
		{
			Dataset:   "schedule",
			Table:     "calendar",
			KeyKind:   KeyStatic,
			KeyFields: []string{"service_id"},
			Fields: []Field{
				{Name: "service_id", Type: TypeString, Required: true},
				{Name: "monday", Type: TypeBool},
				{Name: "tuesday", Type: TypeBool},
				{Name: "wednesday", Type: TypeBool},
				{Name: "thursday", Type: TypeBool},
				{Name: "friday", Type: TypeBool},
				{Name: "saturday", Type: TypeBool},
				{Name: "sunday", Type: TypeBool},
				{Name: "start_date", Type: TypeString},
				{Name: "end_date", Type: TypeString},
			},
		},
		{
			Dataset:   "schedule",
			Table:     "calendar_dates",
			KeyKind:   KeyStatic,
			KeyFields: []string{"service_id", "date"},
			Fields: []Field{
				{Name: "service_id", Type: TypeString, Required: true},
				{Name: "date", Type: TypeString, Required: true},
				{Name: "exception_type", Type: TypeInt64},
			},
		},
		{
			Dataset:   "schedule",
			Table:     "feed_info",
			KeyKind:   KeyStatic,
			KeyFields: []string{"feed_publisher_name", "feed_version"},
			Fields: []Field{
				{Name: "feed_publisher_name", Type: TypeString, Required: true},
				{Name: "feed_publisher_url", Type: TypeString},
				{Name: "feed_lang", Type: TypeString},
				{Name: "feed_start_date", Type: TypeString},
				{Name: "feed_end_date", Type: TypeString},
				{Name: "feed_version", Type: TypeString},
			},
		},
	}
}
