// Package clinic stores per-clinic follow-up preferences.
package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/vet-followup/internal/businesshours"
	"github.com/wolfman30/vet-followup/internal/calls"
	"github.com/wolfman30/vet-followup/internal/config"
	"github.com/wolfman30/vet-followup/internal/readiness"
)

// Defaults seed preferences for clinics that never saved their own.
type Defaults struct {
	Timezone  string
	Window    businesshours.Config
	CallDelay time.Duration
}

// DefaultsFromConfig reads the DEFAULT_* settings.
func DefaultsFromConfig(cfg *config.Config) Defaults {
	return Defaults{
		Timezone: cfg.DefaultTimezone,
		Window: businesshours.Config{
			StartHour:       cfg.DefaultStartHour,
			EndHour:         cfg.DefaultEndHour,
			ExcludeWeekends: cfg.DefaultExcludeWeekends,
		},
		CallDelay: cfg.DefaultCallDelay,
	}
}

// Preferences control when and how a clinic's follow-ups go out.
type Preferences struct {
	ClinicID         string                    `json:"clinic_id"`
	Timezone         string                    `json:"timezone"`
	Window           businesshours.Config      `json:"window"`
	Daily            businesshours.DailyConfig `json:"daily,omitempty"`
	CallDelayMinutes int                       `json:"call_delay_minutes"`
	CallEnabled      bool                      `json:"call_enabled"`
	EmailEnabled     bool                      `json:"email_enabled"`
	UpdatedAt        time.Time                 `json:"updated_at,omitempty"`
}

// DefaultPreferences enables both channels with the configured window.
func DefaultPreferences(clinicID string, d Defaults) *Preferences {
	return &Preferences{
		ClinicID:         clinicID,
		Timezone:         d.Timezone,
		Window:           d.Window,
		CallDelayMinutes: int(d.CallDelay / time.Minute),
		CallEnabled:      true,
		EmailEnabled:     true,
	}
}

// CallDelay is the wait between discharge and the follow-up.
func (p *Preferences) CallDelay() time.Duration {
	return time.Duration(p.CallDelayMinutes) * time.Minute
}

// DailyWindow returns the explicit per-day window, or one derived from Window so that
// scheduled instants always pass the window check.
func (p *Preferences) DailyWindow() businesshours.DailyConfig {
	if len(p.Daily) > 0 {
		return p.Daily
	}
	return businesshours.DailyFromConfig(p.Window)
}

// NextSlot returns the first allowed instant at or after discharge plus the call delay.
func (p *Preferences) NextSlot(dischargedAt time.Time) time.Time {
	return businesshours.NextAllowedInstant(dischargedAt.Add(p.CallDelay()), p.Timezone, p.Window)
}

// Channel picks the delivery channel for a resolved contact. Calls win when both are possible.
func (p *Preferences) Channel(dest readiness.Contact) (calls.Channel, string, bool) {
	if p.CallEnabled && dest.Phone != "" {
		return calls.ChannelCall, dest.Phone, true
	}
	if p.EmailEnabled && dest.Email != "" {
		return calls.ChannelEmail, dest.Email, true
	}
	return "", "", false
}

// Validate checks the window and timezone.
func (p *Preferences) Validate() error {
	if strings.TrimSpace(p.ClinicID) == "" {
		return errors.New("clinic: clinic id required")
	}
	if err := p.Window.Validate(); err != nil {
		return fmt.Errorf("clinic: %w", err)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("clinic: unknown timezone %q", p.Timezone)
		}
	}
	if p.CallDelayMinutes < 0 {
		return errors.New("clinic: call delay must not be negative")
	}
	return nil
}

// PreferenceStore persists preferences in redis.
type PreferenceStore struct {
	redis    redis.Cmdable
	defaults Defaults
	now      func() time.Time
}

// NewPreferenceStore creates a store that falls back to defaults for unknown clinics.
func NewPreferenceStore(client redis.Cmdable, defaults Defaults) *PreferenceStore {
	return &PreferenceStore{redis: client, defaults: defaults, now: time.Now}
}

func (s *PreferenceStore) key(clinicID string) string {
	return fmt.Sprintf("clinic:followup_prefs:%s", clinicID)
}

// Get retrieves preferences, returning defaults if none were saved.
func (s *PreferenceStore) Get(ctx context.Context, clinicID string) (*Preferences, error) {
	data, err := s.redis.Get(ctx, s.key(clinicID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return DefaultPreferences(clinicID, s.defaults), nil
	}
	if err != nil {
		return nil, fmt.Errorf("clinic: get preferences: %w", err)
	}

	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("clinic: unmarshal preferences: %w", err)
	}
	prefs.ClinicID = clinicID
	return &prefs, nil
}

// Set validates and saves preferences.
func (s *PreferenceStore) Set(ctx context.Context, prefs *Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	prefs.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("clinic: marshal preferences: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(prefs.ClinicID), data, 0).Err(); err != nil {
		return fmt.Errorf("clinic: set preferences: %w", err)
	}
	return nil
}

// Delete resets a clinic to defaults.
func (s *PreferenceStore) Delete(ctx context.Context, clinicID string) error {
	if err := s.redis.Del(ctx, s.key(clinicID)).Err(); err != nil {
		return fmt.Errorf("clinic: delete preferences: %w", err)
	}
	return nil
}
