package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLocked(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	est := time.FixedZone("EST", -5*60*60)

	cases := []struct {
		name   string
		date   string
		tz     string
		now    time.Time
		locked bool
	}{
		{"event day", "2026-06-05", "America/Los_Angeles", time.Date(2026, 6, 5, 20, 0, 0, 0, la), false},
		{"grace day", "2026-06-05", "America/Los_Angeles", time.Date(2026, 6, 6, 23, 59, 0, 0, la), false},
		{"day after grace", "2026-06-05", "America/Los_Angeles", time.Date(2026, 6, 7, 0, 1, 0, 0, la), true},
		// 2026-06-07 02:00 UTC is still 2026-06-06 in Los Angeles.
		{"utc ahead of event zone", "2026-06-05", "America/Los_Angeles", time.Date(2026, 6, 7, 2, 0, 0, 0, time.UTC), false},
		{"before the event", "2026-06-05", "America/Los_Angeles", time.Date(2026, 6, 1, 12, 0, 0, 0, la), false},
		{"no timezone means utc", "2026-06-05", "", time.Date(2026, 6, 7, 0, 0, 1, 0, time.UTC), true},
		{"timestamp date", "2026-06-06T02:30:00Z", "America/Los_Angeles", time.Date(2026, 6, 7, 12, 0, 0, 0, la), true},
		// Clocks spring forward on 2024-03-10 in New York; the grace day is a calendar day.
		{"grace day after dst change", "2024-03-10", "America/New_York", time.Date(2024, 3, 11, 10, 0, 0, 0, est), false},
		{"day after grace across dst change", "2024-03-10", "America/New_York", time.Date(2024, 3, 12, 0, 30, 0, 0, est), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			locked, err := IsLocked(tc.date, tc.tz, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.locked, locked)
		})
	}

	t.Run("bad input", func(t *testing.T) {
		_, err := IsLocked("June 5th", "UTC", time.Now())
		assert.Error(t, err)
		_, err = IsLocked("2026-06-05", "Mars/Olympus", time.Now())
		assert.Error(t, err)
	})
}

func TestEventLocked(t *testing.T) {
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)

	locked, err := EventLocked(nil, now)
	require.NoError(t, err)
	assert.False(t, locked)

	locked, err = EventLocked(&EventInfo{ID: "e1"}, now)
	require.NoError(t, err)
	assert.False(t, locked)

	locked, err = EventLocked(&EventInfo{ID: "e1", Date: "2026-06-05", Timezone: "Europe/Berlin"}, now)
	require.NoError(t, err)
	assert.True(t, locked)
}
