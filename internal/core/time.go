package core

import (
	"fmt"
	"time"
)

// DefaultTimezone is the business timezone of the population schedule.
const DefaultTimezone = "America/Los_Angeles"

// DateLayout is the layout of date keys (YYYY-MM-DD).
const DateLayout = "2006-01-02"

// TimeFormat is the timestamp layout used in API responses and stored records.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime formats t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// DateKey formats t as a date key in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// ParseDateKey validates a YYYY-MM-DD date key.
func ParseDateKey(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, NewInvalidRequestError(
			"Missing or invalid date. Use YYYY-MM-DD.",
			map[string]any{"date": s},
		)
	}
	return d, nil
}

// LoadLocation resolves a timezone name, reporting an invalid_request error
// for unknown names.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, NewInvalidRequestError(
			fmt.Sprintf("Invalid timezone: %s", name),
			map[string]any{"timezone": name},
		)
	}
	return loc, nil
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time
