package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
http_addr: ":9090"
mqtt:
  broker_url: "tls://broker.example:8883"
  qos: 0
monitor:
  tolerance_factor: 0.5
  cloudv2_median_window: 4
  cloudv2_min_samples: 9
  attention_disconnected_pct_threshold: 60
  critical_disconnected_pct_threshold: 40
  history_mode: "bogus"
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PIVOT_MONITOR_CONFIG", path)
	t.Setenv("DEDUPE_WINDOW_SEC", "7")
	t.Setenv("REQUIRE_APPLY_TO_START", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("unexpected http addr %s", cfg.HTTPAddr)
	}
	if cfg.MQTT.BrokerURL != "tls://broker.example:8883" || cfg.MQTT.QoS != 0 {
		t.Fatalf("unexpected mqtt config %+v", cfg.MQTT)
	}
	m := cfg.Monitor
	if m.ToleranceFactor != 1 {
		t.Fatalf("tolerance must clamp to 1, got %v", m.ToleranceFactor)
	}
	if m.MinSamples != 4 {
		t.Fatalf("min samples must clamp to window, got %d", m.MinSamples)
	}
	if m.CriticalPct != 60 {
		t.Fatalf("critical must not be below attention, got %v", m.CriticalPct)
	}
	if m.HistoryMode != "merge" {
		t.Fatalf("unexpected history mode %s", m.HistoryMode)
	}
	if m.DedupeWindowSec != 7 || !m.RequireApplyToStart {
		t.Fatalf("env overrides not applied: %+v", m)
	}
	if m.MaxEventsPerPivot != 500 {
		t.Fatalf("default max events lost: %d", m.MaxEventsPerPivot)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("PIVOT_MONITOR_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidate_QoS(t *testing.T) {
	cfg := Config{HTTPAddr: ":8080", MQTT: MQTTConfig{QoS: 3}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected qos error")
	}
}
