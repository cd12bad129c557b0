// Package policy keeps the company's tracking configuration current. The
// active policy is published through an atomic pointer and only ever moves
// forward in version.
package policy

import (
	"time"
)

// Policy is the per-company tracking configuration.
type Policy struct {
	ScreenshotsEnabled        bool      `json:"screenshots_enabled"`
	ScreenshotIntervalSeconds int       `json:"screenshot_interval_seconds"`
	TrackApplications         bool      `json:"track_applications"`
	TrackWebsites             bool      `json:"track_websites"`
	IdleThresholdSeconds      int       `json:"idle_threshold_seconds"`
	SyncIntervalSeconds       int       `json:"sync_interval_seconds"`
	ConfigSyncIntervalSeconds int       `json:"config_sync_interval_seconds"`
	ConfigVersion             int64     `json:"config_version"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// Default applies until a policy has been fetched or loaded from cache. Its
// version is zero so any server policy replaces it.
func Default() Policy {
	return Policy{
		ScreenshotsEnabled:        true,
		ScreenshotIntervalSeconds: 300,
		TrackApplications:         true,
		TrackWebsites:             true,
		IdleThresholdSeconds:      300,
		SyncIntervalSeconds:       30,
		ConfigSyncIntervalSeconds: 60,
	}
}

func (p Policy) ScreenshotInterval() time.Duration {
	return seconds(p.ScreenshotIntervalSeconds, 300)
}

func (p Policy) IdleThreshold() time.Duration {
	return seconds(p.IdleThresholdSeconds, 300)
}

func (p Policy) SyncInterval() time.Duration {
	return seconds(p.SyncIntervalSeconds, 30)
}

func (p Policy) ConfigSyncInterval() time.Duration {
	return seconds(p.ConfigSyncIntervalSeconds, 60)
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
