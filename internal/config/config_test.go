package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"RELAY_BRIDGE_CONFIG", "PORT", "MQTT_RECONNECT_INTERVAL", "TIMER_SCHEDULE", "CORS_ORIGINS", "DB_DRIVER"} {
		t.Setenv(key, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "3000" {
		t.Fatalf("expected default port 3000, got %q", cfg.Port)
	}
	if cfg.MQTT.ReconnectInterval != time.Second {
		t.Fatalf("expected 1s reconnect interval, got %s", cfg.MQTT.ReconnectInterval)
	}
	if cfg.TimerSchedule != "@every 1s" {
		t.Fatalf("unexpected timer schedule %q", cfg.TimerSchedule)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSOrigins)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_BRIDGE_CONFIG", "")
	t.Setenv("PORT", "8099")
	t.Setenv("MQTT_BROKER_URL", "ssl://broker.example:8883")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("DB_DRIVER", "POSTGRES")
	t.Setenv("POSTGRES_HOST", "db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8099" || cfg.MQTT.BrokerURL != "ssl://broker.example:8883" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.SessionTTL != 2*time.Hour {
		t.Fatalf("expected 2h session ttl, got %s", cfg.SessionTTL)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSOrigins)
	}
	if cfg.DBDriver != "postgres" || cfg.Postgres.Host != "db" {
		t.Fatalf("unexpected db config: %s %+v", cfg.DBDriver, cfg.Postgres)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	body := "port: \"4000\"\nmqtt_client_id: bridge-a\ntimer_schedule: \"@every 2s\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RELAY_BRIDGE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "4000" || cfg.MQTT.ClientID != "bridge-a" || cfg.TimerSchedule != "@every 2s" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("RELAY_BRIDGE_CONFIG", "")
	t.Setenv("DB_DRIVER", "mysql")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
