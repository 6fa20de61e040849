package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepartureDateJSON(t *testing.T) {
	t.Run("single date", func(t *testing.T) {
		var d DepartureDate
		require.NoError(t, json.Unmarshal([]byte(`"2022-05-30"`), &d))
		assert.False(t, d.IsRecurring())
		assert.Equal(t, time.Date(2022, 5, 30, 0, 0, 0, 0, time.UTC), d.Date())

		b, err := json.Marshal(d)
		require.NoError(t, err)
		assert.JSONEq(t, `"2022-05-30"`, string(b))
	})

	t.Run("weekdays in any case", func(t *testing.T) {
		var d DepartureDate
		require.NoError(t, json.Unmarshal([]byte(`["Tuesday","monday"]`), &d))
		assert.True(t, d.IsRecurring())
		assert.Equal(t, []Weekday{Monday, Tuesday}, d.Weekdays().Weekdays())

		b, err := json.Marshal(d)
		require.NoError(t, err)
		assert.JSONEq(t, `["monday","tuesday"]`, string(b))
	})

	t.Run("rejects garbage", func(t *testing.T) {
		var d DepartureDate
		assert.Error(t, json.Unmarshal([]byte(`["funday"]`), &d))
		assert.Error(t, json.Unmarshal([]byte(`[]`), &d))
		assert.Error(t, json.Unmarshal([]byte(`"30.05.2022"`), &d))
		assert.Error(t, json.Unmarshal([]byte(`42`), &d))
	})
}

func TestWeekdayOf(t *testing.T) {
	assert.Equal(t, Monday, WeekdayOf(time.Date(2022, 4, 11, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, Sunday, WeekdayOf(time.Date(2022, 4, 17, 0, 0, 0, 0, time.UTC)))
}

func TestClock(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"07:00", 7 * time.Hour},
		{"23:59:30", 23*time.Hour + 59*time.Minute + 30*time.Second},
		{"24:16:45", 24*time.Hour + 16*time.Minute + 45*time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClock(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "7", "07:61", "aa:bb", "1:2:3:4"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}

	assert.Equal(t, "24:16:45", FormatClock(24*time.Hour+16*time.Minute+45*time.Second))
	assert.Equal(t, "00:00:01", FormatClock(1400*time.Millisecond))
}

func TestServiceDayStartAcrossDST(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// 2022-03-27 has 23 hours in Berlin, noon is 10:00 UTC
	start := ServiceDayStart(time.Date(2022, 3, 27, 0, 0, 0, 0, time.UTC), berlin)
	assert.Equal(t, time.Date(2022, 3, 26, 22, 0, 0, 0, time.UTC), start.UTC())
}

func TestTimestamp(t *testing.T) {
	for _, s := range []string{"2022-05-30T10:00:00+02:00", "2022-05-30T10:00:00", "2022-05-30T10:00:00.123456", "2022-05-30"} {
		ts, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.Equal(t, 2022, ts.Year())
	}

	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())
}
