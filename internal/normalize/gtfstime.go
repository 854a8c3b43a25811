package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ParseGTFSTime parses a GTFS service time ("HH:MM:SS", where HH may exceed
// 24 for trips running past midnight) into elapsed seconds since service-day
// midnight. "25:30:00" is 91800 seconds, not an invalid time.
func ParseGTFSTime(s string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, eris.Errorf("gtfs time %q: expected HH:MM:SS", s)
	}

	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, eris.Errorf("gtfs time %q: bad hours", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, eris.Errorf("gtfs time %q: bad minutes", s)
	}
	sec, err := strconv.Atoi(parts[2])
	if err != nil || sec < 0 || sec > 59 {
		return 0, eris.Errorf("gtfs time %q: bad seconds", s)
	}

	return int64(h)*3600 + int64(m)*60 + int64(sec), nil
}

// ServiceTimeUTC resolves a GTFS service time against its service date: the
// absolute instant is local midnight of the service date plus the elapsed
// seconds, converted to UTC. A 25:30:00 departure on 2025-01-01 lands on
// 2025-01-02 local time.
func ServiceTimeUTC(serviceDate string, elapsedSeconds int64, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	// Service dates arrive as YYYYMMDD (GTFS-realtime) or YYYY-MM-DD.
	var day time.Time
	var err error
	switch len(serviceDate) {
	case 8:
		day, err = time.ParseInLocation("20060102", serviceDate, loc)
	case 10:
		day, err = time.ParseInLocation("2006-01-02", serviceDate, loc)
	default:
		return time.Time{}, eris.Errorf("service date %q: expected YYYYMMDD or YYYY-MM-DD", serviceDate)
	}
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse service date %q", serviceDate)
	}

	return day.Add(time.Duration(elapsedSeconds) * time.Second).UTC(), nil
}

// applyTripStart derives an absolute trip_start instant for records that
// carry a GTFS service date and service time pair. The raw start_date and
// start_time columns stay as delivered; a value that does not parse just
// skips the derived column.
func applyTripStart(fields map[string]any, loc *time.Location) {
	date, _ := fields["start_date"].(string)
	tod, _ := fields["start_time"].(string)
	if date == "" || tod == "" {
		return
	}

	elapsed, err := ParseGTFSTime(tod)
	if err != nil {
		return
	}
	at, err := ServiceTimeUTC(date, elapsed, loc)
	if err != nil {
		return
	}
	fields["trip_start"] = at
}
