// Package businesshours decides when a follow-up may run in a clinic's local time.
package businesshours

import (
	"fmt"
	"strings"
	"time"
)

// maxLookaheadDays bounds NextAllowedInstant so it always terminates.
const maxLookaheadDays = 14

// DayWindow is the allowed window for a single weekday.
type DayWindow struct {
	Enabled bool   `json:"enabled"`
	Open    string `json:"open"`  // "09:00"
	Close   string `json:"close"` // "17:00"
}

// DailyConfig maps weekday index (0=Sunday … 6=Saturday) to its window.
type DailyConfig map[int]DayWindow

// Config is the coarse window used to pick the next allowed instant.
type Config struct {
	StartHour       int  `json:"start_hour"`
	EndHour         int  `json:"end_hour"`
	ExcludeWeekends bool `json:"exclude_weekends"`
}

// Validate checks the hour bounds.
func (c Config) Validate() error {
	if c.StartHour < 0 || c.StartHour > 23 {
		return fmt.Errorf("businesshours: start hour %d out of range", c.StartHour)
	}
	if c.EndHour < 1 || c.EndHour > 24 {
		return fmt.Errorf("businesshours: end hour %d out of range", c.EndHour)
	}
	if c.StartHour >= c.EndHour {
		return fmt.Errorf("businesshours: start hour %d must be before end hour %d", c.StartHour, c.EndHour)
	}
	return nil
}

// LoadLocation resolves an IANA zone, falling back to UTC for empty or unknown names.
func LoadLocation(tz string) *time.Location {
	if strings.TrimSpace(tz) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsWithinWindow reports whether instant falls inside the day's [open, close) window in tz.
func IsWithinWindow(instant time.Time, tz string, daily DailyConfig) bool {
	local := instant.In(LoadLocation(tz))
	day, ok := daily[int(local.Weekday())]
	if !ok || !day.Enabled {
		return false
	}
	open, err := parseClock(day.Open)
	if err != nil {
		return false
	}
	closing, err := parseClock(day.Close)
	if err != nil {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= open && minutes < closing
}

// NextAllowedInstant returns from itself when it already falls inside the window, otherwise
// the next window start. Every jump is built with time.Date in the clinic's zone, so daylight
// saving shifts come from the tz database rather than offset arithmetic.
func NextAllowedInstant(from time.Time, tz string, cfg Config) time.Time {
	loc := LoadLocation(tz)
	candidate := from

	for i := 0; i < maxLookaheadDays; i++ {
		local := candidate.In(loc)

		if cfg.ExcludeWeekends && isWeekend(local.Weekday()) {
			days := daysUntilMonday(local.Weekday())
			candidate = time.Date(local.Year(), local.Month(), local.Day()+days, cfg.StartHour, 0, 0, 0, loc).UTC()
			continue
		}
		if local.Hour() < cfg.StartHour {
			candidate = time.Date(local.Year(), local.Month(), local.Day(), cfg.StartHour, 0, 0, 0, loc).UTC()
			continue
		}
		if local.Hour() >= cfg.EndHour {
			candidate = time.Date(local.Year(), local.Month(), local.Day()+1, cfg.StartHour, 0, 0, 0, loc).UTC()
			continue
		}
		return candidate
	}
	return candidate
}

// DailyFromConfig expands the coarse config into a per-weekday window so both contracts agree.
func DailyFromConfig(cfg Config) DailyConfig {
	daily := make(DailyConfig, 7)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		daily[int(wd)] = DayWindow{
			Enabled: !(cfg.ExcludeWeekends && isWeekend(wd)),
			Open:    formatClock(cfg.StartHour * 60),
			Close:   formatClock(cfg.EndHour * 60),
		}
	}
	return daily
}

func isWeekend(wd time.Weekday) bool {
	return wd == time.Saturday || wd == time.Sunday
}

func daysUntilMonday(wd time.Weekday) int {
	if wd == time.Sunday {
		return 1
	}
	return (int(time.Monday) - int(wd) + 7) % 7
}

// parseClock converts "HH:MM" into minutes after midnight. "24:00" is accepted as end of day.
func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("businesshours: invalid clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
