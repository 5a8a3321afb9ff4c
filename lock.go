package chat

import (
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
)

const eventDateLayout = "2006-01-02"

// IsLocked reports whether a conversation tied to an event is read-only at
// now. Messages stay writable through the day after the event; the day after
// that, in the event's own timezone, the conversation locks.
//
// eventDate may be a plain date or a full RFC 3339 timestamp, in which case
// its calendar date in eventTimezone is used.
func IsLocked(eventDate, eventTimezone string, now time.Time) (bool, error) {
	loc, err := loadLocation(eventTimezone)
	if err != nil {
		return false, err
	}

	day, err := parseEventDay(eventDate, loc)
	if err != nil {
		return false, err
	}

	y, m, d := now.In(loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return today.After(day.AddDate(0, 0, 1)), nil
}

// EventLocked applies IsLocked to an event row. A nil event or one without a
// date never locks.
func EventLocked(ev *EventInfo, now time.Time) (bool, error) {
	if ev == nil || ev.Date == "" {
		return false, nil
	}
	return IsLocked(ev.Date, ev.Timezone, now)
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown event timezone %q", name)
	}
	return loc, nil
}

// parseEventDay returns the event's civil date as midnight UTC so that date
// arithmetic is free of DST shifts.
func parseEventDay(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(eventDateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid event date %q", s)
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}
