package businesshours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const newYork = "America/New_York"

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func weekdays9to5() DailyConfig {
	return DailyFromConfig(Config{StartHour: 9, EndHour: 17, ExcludeWeekends: true})
}

func TestIsWithinWindow(t *testing.T) {
	loc := mustLoc(t, newYork)
	daily := weekdays9to5()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday 10am", time.Date(2025, 12, 8, 10, 0, 0, 0, loc), true},
		{"monday open boundary", time.Date(2025, 12, 8, 9, 0, 0, 0, loc), true},
		{"monday close boundary excluded", time.Date(2025, 12, 8, 17, 0, 0, 0, loc), false},
		{"monday 8:59", time.Date(2025, 12, 8, 8, 59, 0, 0, loc), false},
		{"saturday disabled", time.Date(2025, 12, 13, 10, 0, 0, 0, loc), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWithinWindow(tt.at.UTC(), newYork, daily))
		})
	}
}

func TestIsWithinWindowMissingOrMalformedDay(t *testing.T) {
	loc := mustLoc(t, newYork)
	monday := time.Date(2025, 12, 8, 10, 0, 0, 0, loc)

	assert.False(t, IsWithinWindow(monday, newYork, DailyConfig{}))
	assert.False(t, IsWithinWindow(monday, newYork, DailyConfig{1: {Enabled: true, Open: "9am", Close: "17:00"}}))
	assert.True(t, IsWithinWindow(monday, newYork, DailyConfig{1: {Enabled: true, Open: "00:00", Close: "24:00"}}))
}

func TestIsWithinWindowUsesLocalTime(t *testing.T) {
	// 14:30 UTC on a Monday is 09:30 in New York (EST) but 06:30 in Los Angeles.
	at := time.Date(2025, 12, 8, 14, 30, 0, 0, time.UTC)
	daily := weekdays9to5()
	assert.True(t, IsWithinWindow(at, newYork, daily))
	assert.False(t, IsWithinWindow(at, "America/Los_Angeles", daily))
}

func TestNextAllowedInstant(t *testing.T) {
	loc := mustLoc(t, newYork)
	cfg := Config{StartHour: 9, EndHour: 17, ExcludeWeekends: true}

	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{"inside window unchanged", time.Date(2025, 12, 9, 11, 15, 0, 0, loc), time.Date(2025, 12, 9, 11, 15, 0, 0, loc)},
		{"before start same day", time.Date(2025, 12, 9, 6, 0, 0, 0, loc), time.Date(2025, 12, 9, 9, 0, 0, 0, loc)},
		{"after end next day", time.Date(2025, 12, 9, 17, 0, 0, 0, loc), time.Date(2025, 12, 10, 9, 0, 0, 0, loc)},
		{"saturday to monday", time.Date(2025, 12, 13, 12, 0, 0, 0, loc), time.Date(2025, 12, 15, 9, 0, 0, 0, loc)},
		{"sunday to monday", time.Date(2025, 12, 14, 23, 0, 0, 0, loc), time.Date(2025, 12, 15, 9, 0, 0, 0, loc)},
		{"friday evening to monday", time.Date(2025, 12, 12, 20, 0, 0, 0, loc), time.Date(2025, 12, 15, 9, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextAllowedInstant(tt.from.UTC(), newYork, cfg)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got.In(loc), tt.want)
		})
	}
}

func TestNextAllowedInstantWeekendScenario(t *testing.T) {
	loc := mustLoc(t, newYork)
	saturday := time.Date(2026, 3, 7, 15, 42, 0, 0, loc)

	got := NextAllowedInstant(saturday, newYork, Config{StartHour: 9, EndHour: 17, ExcludeWeekends: true}).In(loc)

	assert.Equal(t, time.Monday, got.Weekday())
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, 0, got.Minute())
	assert.Equal(t, 9, got.Day())
}

func TestNextAllowedInstantAcrossDSTStart(t *testing.T) {
	loc := mustLoc(t, newYork)
	// US DST begins Sunday 2026-03-08. Friday evening rolls to Monday 09:00 EDT.
	friday := time.Date(2026, 3, 6, 18, 0, 0, 0, loc)
	got := NextAllowedInstant(friday, newYork, Config{StartHour: 9, EndHour: 17, ExcludeWeekends: true})

	want := time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC) // 09:00 EDT is UTC-4
	assert.True(t, got.Equal(want), "got %s", got)
}

func TestNextAllowedInstantWeekendsAllowed(t *testing.T) {
	loc := mustLoc(t, newYork)
	saturday := time.Date(2025, 12, 13, 12, 0, 0, 0, loc)
	got := NextAllowedInstant(saturday, newYork, Config{StartHour: 9, EndHour: 17})
	assert.True(t, got.Equal(saturday))
}

func TestNextAllowedInstantUnknownZoneFallsBackToUTC(t *testing.T) {
	from := time.Date(2025, 12, 9, 3, 0, 0, 0, time.UTC)
	got := NextAllowedInstant(from, "Mars/Olympus_Mons", Config{StartHour: 9, EndHour: 17})
	assert.True(t, got.Equal(time.Date(2025, 12, 9, 9, 0, 0, 0, time.UTC)))
}

func TestNextAllowedInstantMonotonicAndInsideWindow(t *testing.T) {
	zones := []string{newYork, "America/Los_Angeles", "Europe/London", "Australia/Sydney", "UTC"}
	cfg := Config{StartHour: 8, EndHour: 18, ExcludeWeekends: true}
	daily := DailyFromConfig(cfg)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, tz := range zones {
		for h := 0; h < 24*21; h += 7 {
			from := start.Add(time.Duration(h)*time.Hour + 13*time.Minute)
			got := NextAllowedInstant(from, tz, cfg)
			require.False(t, got.Before(from), "%s: %s went backwards to %s", tz, from, got)
			require.True(t, IsWithinWindow(got, tz, daily), "%s: %s not within window (from %s)", tz, got, from)
		}
	}
}

func TestDailyFromConfig(t *testing.T) {
	daily := DailyFromConfig(Config{StartHour: 9, EndHour: 24, ExcludeWeekends: true})
	require.Len(t, daily, 7)
	assert.False(t, daily[0].Enabled)
	assert.False(t, daily[6].Enabled)
	assert.Equal(t, DayWindow{Enabled: true, Open: "09:00", Close: "24:00"}, daily[3])
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{StartHour: 9, EndHour: 17}.Validate())
	assert.Error(t, Config{StartHour: 17, EndHour: 9}.Validate())
	assert.Error(t, Config{StartHour: -1, EndHour: 9}.Validate())
	assert.Error(t, Config{StartHour: 9, EndHour: 25}.Validate())
}
