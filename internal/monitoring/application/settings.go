package application

import (
	"math"

	monitoring "pivot-monitor/internal/monitoring/domain"
)

// Settings tune ingestion, evaluation and probing.
type Settings struct {
	DashboardRefreshSec     float64 `yaml:"dashboard_refresh_sec" json:"dashboard_refresh_sec"`
	HistoryMode             string  `yaml:"history_mode" json:"history_mode"`
	HistoryRetentionHours   float64 `yaml:"history_retention_hours" json:"history_retention_hours"`
	PingExpectedSec         float64 `yaml:"ping_expected_sec" json:"ping_expected_sec"`
	ToleranceFactor         float64 `yaml:"tolerance_factor" json:"tolerance_factor"`
	MedianWindow            int     `yaml:"cloudv2_median_window" json:"cloudv2_median_window"`
	MinSamples              int     `yaml:"cloudv2_min_samples" json:"cloudv2_min_samples"`
	DedupeWindowSec         float64 `yaml:"dedupe_window_sec" json:"dedupe_window_sec"`
	AttentionPct            float64 `yaml:"attention_disconnected_pct_threshold" json:"attention_disconnected_pct_threshold"`
	CriticalPct             float64 `yaml:"critical_disconnected_pct_threshold" json:"critical_disconnected_pct_threshold"`
	AttentionWindowHours    float64 `yaml:"attention_disconnected_window_hours" json:"attention_disconnected_window_hours"`
	ProbeDefaultIntervalSec float64 `yaml:"probe_default_interval_sec" json:"probe_default_interval_sec"`
	ProbeMinIntervalSec     float64 `yaml:"probe_min_interval_sec" json:"probe_min_interval_sec"`
	ProbeTimeoutFactor      float64 `yaml:"probe_timeout_factor" json:"probe_timeout_factor"`
	ProbeTimeoutStreakAlert int     `yaml:"probe_timeout_streak_alert" json:"probe_timeout_streak_alert"`
	MaxEventsPerPivot       int     `yaml:"max_events_per_pivot" json:"max_events_per_pivot"`
	ShowPendingPingPivots   bool    `yaml:"show_pending_ping_pivots" json:"show_pending_ping_pivots"`
	RequireApplyToStart     bool    `yaml:"require_apply_to_start" json:"require_apply_to_start"`
	PanelEventLimit         int     `yaml:"panel_event_limit" json:"panel_event_limit"`
	PendingPingRetentionSec float64 `yaml:"pending_ping_retention_sec" json:"pending_ping_retention_sec"`
}

// DefaultSettings returns the baseline settings.
func DefaultSettings() Settings {
	return Settings{
		DashboardRefreshSec:     5,
		HistoryMode:             monitoring.HistoryMerge,
		HistoryRetentionHours:   168,
		PingExpectedSec:         180,
		ToleranceFactor:         2,
		MedianWindow:            10,
		MinSamples:              3,
		DedupeWindowSec:         5,
		AttentionPct:            20,
		CriticalPct:             50,
		AttentionWindowHours:    24,
		ProbeDefaultIntervalSec: 300,
		ProbeMinIntervalSec:     30,
		ProbeTimeoutFactor:      1,
		ProbeTimeoutStreakAlert: 3,
		MaxEventsPerPivot:       500,
		ShowPendingPingPivots:   true,
		RequireApplyToStart:     false,
		PanelEventLimit:         200,
		PendingPingRetentionSec: 24 * 3600,
	}
}

// Normalize clamps values into their valid ranges.
func (s Settings) Normalize() Settings {
	d := DefaultSettings()
	if s.DashboardRefreshSec < 1 {
		s.DashboardRefreshSec = 1
	}
	if s.HistoryMode != monitoring.HistoryMerge && s.HistoryMode != monitoring.HistoryFresh {
		s.HistoryMode = d.HistoryMode
	}
	if s.HistoryRetentionHours < 24 {
		s.HistoryRetentionHours = 24
	}
	if s.PingExpectedSec <= 0 {
		s.PingExpectedSec = d.PingExpectedSec
	}
	if s.ToleranceFactor < 1 || math.IsNaN(s.ToleranceFactor) {
		s.ToleranceFactor = 1
	}
	if s.MedianWindow < 3 {
		s.MedianWindow = 3
	}
	if s.MinSamples < 2 {
		s.MinSamples = 2
	}
	if s.MinSamples > s.MedianWindow {
		s.MinSamples = s.MedianWindow
	}
	if s.DedupeWindowSec < 0 {
		s.DedupeWindowSec = 0
	}
	s.AttentionPct = clamp(s.AttentionPct, 0, 100)
	s.CriticalPct = clamp(s.CriticalPct, s.AttentionPct, 100)
	if s.AttentionWindowHours < 1 {
		s.AttentionWindowHours = 1
	}
	if s.ProbeMinIntervalSec <= 0 {
		s.ProbeMinIntervalSec = d.ProbeMinIntervalSec
	}
	if s.ProbeDefaultIntervalSec < s.ProbeMinIntervalSec {
		s.ProbeDefaultIntervalSec = s.ProbeMinIntervalSec
	}
	if s.ProbeTimeoutFactor < 1 {
		s.ProbeTimeoutFactor = 1
	}
	if s.ProbeTimeoutStreakAlert < 1 {
		s.ProbeTimeoutStreakAlert = 1
	}
	if s.MaxEventsPerPivot < 100 {
		s.MaxEventsPerPivot = 100
	}
	if s.PanelEventLimit <= 0 {
		s.PanelEventLimit = d.PanelEventLimit
	}
	if s.PendingPingRetentionSec <= 0 {
		s.PendingPingRetentionSec = d.PendingPingRetentionSec
	}
	return s
}

// RetentionSec is the TTL of per-pivot bounded collections.
func (s Settings) RetentionSec() float64 {
	return s.HistoryRetentionHours * 3600
}

// Params derives the evaluation parameters.
func (s Settings) Params() monitoring.Params {
	return monitoring.Params{
		PingExpectedSec:     s.PingExpectedSec,
		ToleranceFactor:     s.ToleranceFactor,
		MedianWindow:        s.MedianWindow,
		MinSamples:          s.MinSamples,
		RetentionSec:        s.RetentionSec(),
		AttentionWindowSec:  s.AttentionWindowHours * 3600,
		AttentionPct:        s.AttentionPct,
		CriticalPct:         s.CriticalPct,
		TimeoutStreakAlert:  s.ProbeTimeoutStreakAlert,
		ProbeTimeoutFactor:  s.ProbeTimeoutFactor,
		MaxEventsPerPivot:   s.MaxEventsPerPivot,
		ProbeMinIntervalSec: s.ProbeMinIntervalSec,
	}
}

// ClampProbeInterval applies the probe interval bounds.
func (s Settings) ClampProbeInterval(interval float64) float64 {
	if interval <= 0 || math.IsNaN(interval) {
		interval = s.ProbeDefaultIntervalSec
	}
	if interval < s.ProbeMinIntervalSec {
		interval = s.ProbeMinIntervalSec
	}
	return interval
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
