package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Postgres struct {
	User     string `mapstructure:"postgres_user"`
	Password string `mapstructure:"postgres_password"`
	DBName   string `mapstructure:"postgres_db"`
	Host     string `mapstructure:"postgres_host"`
	Port     string `mapstructure:"postgres_port"`
	SSLMode  string `mapstructure:"postgres_sslmode"`
}

type MQTT struct {
	BrokerURL         string        `mapstructure:"mqtt_broker_url"`
	Username          string        `mapstructure:"mqtt_username"`
	Password          string        `mapstructure:"mqtt_password"`
	ClientID          string        `mapstructure:"mqtt_client_id"`
	ReconnectInterval time.Duration `mapstructure:"mqtt_reconnect_interval"`
}

type Config struct {
	Port          string        `mapstructure:"port"`
	LogLevel      string        `mapstructure:"log_level"`
	LogFormat     string        `mapstructure:"log_format"`
	DBDriver      string        `mapstructure:"db_driver"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	SessionSecret string        `mapstructure:"session_secret"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	TimerSchedule string        `mapstructure:"timer_schedule"`
	StaticDir     string        `mapstructure:"static_dir"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	OTLPEndpoint  string        `mapstructure:"otel_exporter_otlp_endpoint"`
	MQTT          MQTT          `mapstructure:",squash"`
	Postgres      Postgres      `mapstructure:",squash"`
}

var defaults = map[string]any{
	"port":                        "3000",
	"log_level":                   "info",
	"log_format":                  "text",
	"db_driver":                   "sqlite",
	"sqlite_path":                 "relay.db",
	"redis_addr":                  "",
	"redis_password":              "",
	"session_secret":              "",
	"session_ttl":                 "24h",
	"timer_schedule":              "@every 1s",
	"static_dir":                  "",
	"cors_origins":                "*",
	"otel_exporter_otlp_endpoint": "",
	"mqtt_broker_url":             "tcp://localhost:1883",
	"mqtt_username":               "",
	"mqtt_password":               "",
	"mqtt_client_id":              "relay-bridge",
	"mqtt_reconnect_interval":     "1s",
	"postgres_user":               "postgres",
	"postgres_password":           "postgres",
	"postgres_db":                 "relay",
	"postgres_host":               "localhost",
	"postgres_port":               "5432",
	"postgres_sslmode":            "disable",
}

// Load reads configuration from the environment, an optional YAML file named by
// RELAY_BRIDGE_CONFIG and an optional .env file, in that order of precedence.
func Load() (Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	if path := strings.TrimSpace(os.Getenv("RELAY_BRIDGE_CONFIG")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.MQTT.ReconnectInterval <= 0 {
		return fmt.Errorf("MQTT_RECONNECT_INTERVAL must be positive")
	}
	if strings.TrimSpace(c.MQTT.BrokerURL) == "" {
		return fmt.Errorf("MQTT_BROKER_URL is required")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
