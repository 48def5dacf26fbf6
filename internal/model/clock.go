package model

import (
	"strings"
	"time"
)

// ParseClock parses an "HH:MM" wall-clock time and places it on day's date in loc.
func ParseClock(hhmm string, day time.Time, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc), nil
}
