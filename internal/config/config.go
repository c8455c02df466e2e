package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"pivot-monitor/internal/monitoring/application"
)

// Config defines the process configuration.
type Config struct {
	HTTPAddr         string               `yaml:"http_addr"`
	DatabaseURL      string               `yaml:"database_url"`
	DashboardDir     string               `yaml:"dashboard_dir"`
	RuntimeStorePath string               `yaml:"runtime_store_path"`
	PurgePassword    string               `yaml:"purge_password"`
	JWTSecret        string               `yaml:"jwt_secret"`
	IngestSecret     string               `yaml:"ingest_secret"`
	IngestMaxSkewSec int                  `yaml:"ingest_max_skew_sec"`
	AlertWebhookURL  string               `yaml:"alert_webhook_url"`
	MQTT             MQTTConfig           `yaml:"mqtt"`
	Monitor          application.Settings `yaml:"monitor"`
}

// MQTTConfig defines the bus connection.
type MQTTConfig struct {
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	KeepAliveSec int    `yaml:"keep_alive_sec"`
	QoS          int    `yaml:"qos"`
}

// Load reads defaults, the optional yaml file and environment overrides.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:         ":8080",
		DashboardDir:     "var/dashboard",
		RuntimeStorePath: "var/runtime_store.json",
		IngestMaxSkewSec: 300,
		MQTT: MQTTConfig{
			ClientID:     "pivot-monitor",
			KeepAliveSec: 30,
			QoS:          1,
		},
		Monitor: application.DefaultSettings(),
	}

	if path := os.Getenv("PIVOT_MONITOR_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg.Monitor = cfg.Monitor.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks process-level options.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: http_addr required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return errors.New("config: mqtt qos must be 0, 1 or 2")
	}
	if c.MQTT.BrokerURL != "" && c.MQTT.ClientID == "" {
		return errors.New("config: mqtt client_id required")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.DashboardDir = getenvDefault("DASHBOARD_DIR", cfg.DashboardDir)
	cfg.RuntimeStorePath = getenvDefault("RUNTIME_STORE_PATH", cfg.RuntimeStorePath)
	cfg.PurgePassword = getenvDefault("PURGE_PASSWORD", cfg.PurgePassword)
	cfg.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.JWTSecret))
	cfg.AlertWebhookURL = getenvDefault("ALERT_WEBHOOK_URL", cfg.AlertWebhookURL)
	cfg.IngestSecret = getenvDefault("INGEST_HMAC_SECRET", cfg.IngestSecret)
	cfg.IngestMaxSkewSec = getenvIntDefault("INGEST_MAX_SKEW_SEC", cfg.IngestMaxSkewSec)

	cfg.MQTT.BrokerURL = getenvDefault("MQTT_BROKER_URL", cfg.MQTT.BrokerURL)
	cfg.MQTT.ClientID = getenvDefault("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getenvDefault("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getenvDefault("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.KeepAliveSec = getenvIntDefault("MQTT_KEEP_ALIVE_SEC", cfg.MQTT.KeepAliveSec)
	cfg.MQTT.QoS = getenvIntDefault("MQTT_QOS", cfg.MQTT.QoS)

	m := &cfg.Monitor
	m.DashboardRefreshSec = getenvFloatDefault("DASHBOARD_REFRESH_SEC", m.DashboardRefreshSec)
	m.HistoryMode = getenvDefault("HISTORY_MODE", m.HistoryMode)
	m.HistoryRetentionHours = getenvFloatDefault("HISTORY_RETENTION_HOURS", m.HistoryRetentionHours)
	m.PingExpectedSec = getenvFloatDefault("PING_EXPECTED_SEC", m.PingExpectedSec)
	m.ToleranceFactor = getenvFloatDefault("TOLERANCE_FACTOR", m.ToleranceFactor)
	m.MedianWindow = getenvIntDefault("CLOUDV2_MEDIAN_WINDOW", m.MedianWindow)
	m.MinSamples = getenvIntDefault("CLOUDV2_MIN_SAMPLES", m.MinSamples)
	m.DedupeWindowSec = getenvFloatDefault("DEDUPE_WINDOW_SEC", m.DedupeWindowSec)
	m.AttentionPct = getenvFloatDefault("ATTENTION_DISCONNECTED_PCT_THRESHOLD", m.AttentionPct)
	m.CriticalPct = getenvFloatDefault("CRITICAL_DISCONNECTED_PCT_THRESHOLD", m.CriticalPct)
	m.AttentionWindowHours = getenvFloatDefault("ATTENTION_DISCONNECTED_WINDOW_HOURS", m.AttentionWindowHours)
	m.ProbeDefaultIntervalSec = getenvFloatDefault("PROBE_DEFAULT_INTERVAL_SEC", m.ProbeDefaultIntervalSec)
	m.ProbeMinIntervalSec = getenvFloatDefault("PROBE_MIN_INTERVAL_SEC", m.ProbeMinIntervalSec)
	m.ProbeTimeoutFactor = getenvFloatDefault("PROBE_TIMEOUT_FACTOR", m.ProbeTimeoutFactor)
	m.ProbeTimeoutStreakAlert = getenvIntDefault("PROBE_TIMEOUT_STREAK_ALERT", m.ProbeTimeoutStreakAlert)
	m.MaxEventsPerPivot = getenvIntDefault("MAX_EVENTS_PER_PIVOT", m.MaxEventsPerPivot)
	m.ShowPendingPingPivots = getenvBoolDefault("SHOW_PENDING_PING_PIVOTS", m.ShowPendingPingPivots)
	m.RequireApplyToStart = getenvBoolDefault("REQUIRE_APPLY_TO_START", m.RequireApplyToStart)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
