package config

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	MQTTBrokerURL   string
	MQTTClientID    string
	TelemetryPrefix string
	PublishPrefix   string
	IngestRetained  bool

	Postgres DBConfig
	Redis    RedisConfig

	DedupWindow          time.Duration
	CorrelationLookback  time.Duration
	CorrelationLookahead time.Duration
	WindowRetention      time.Duration
	WindowMaxEvents      int
	StoreTimeout         time.Duration
	EventRetentionDays   int

	Dispatch DispatchConfig
	SMTP     SMTPConfig

	TelegramAPIURL string
	// Defaults for tenants without stored settings.
	TelegramBotToken string
	TelegramChatID   string
	EmergencyPhone   string
	DailyLimitKWh    float64
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	LatestTTL time.Duration
}

type DispatchConfig struct {
	Workers       int
	QueueSize     int
	Timeout       time.Duration
	RatePerMinute int
}

type SMTPConfig struct {
	Host      string
	Port      string
	Username  string
	Password  string
	FromEmail string
	FromName  string
	To        string
}

var defaults = map[string]any{
	"ALERT_SERVICE_PORT":           "8096",
	"LOG_LEVEL":                    "info",
	"LOG_FORMAT":                   "text",
	"ALERT_SERVICE_MQTT_CLIENT_ID": "alert-service",
	"ALERT_TELEMETRY_PREFIX":       "homenavi/telemetry/",
	"ALERT_PUBLISH_PREFIX":         "homenavi/alerts/",
	"ALERT_INGEST_RETAINED":        false,
	"POSTGRES_SSLMODE":             "disable",
	"REDIS_DB":                     0,
	"ALERT_LATEST_TTL":             "24h",
	"ALERT_DEDUP_WINDOW":           "10m",
	"ALERT_CORRELATION_LOOKBACK":   "10s",
	"ALERT_CORRELATION_LOOKAHEAD":  "5s",
	"ALERT_WINDOW_RETENTION":       "24h",
	"ALERT_WINDOW_MAX_EVENTS":      2048,
	"ALERT_STORE_TIMEOUT":          "5s",
	"ALERT_EVENT_RETENTION_DAYS":   30,
	"ALERT_DISPATCH_WORKERS":       4,
	"ALERT_DISPATCH_QUEUE":         256,
	"ALERT_DISPATCH_TIMEOUT":       "10s",
	"ALERT_DISPATCH_RATE_PER_MIN":  60,
	"SMTP_PORT":                    "587",
	"SMTP_FROM_NAME":               "Homenavi Alerts",
	"TELEGRAM_API_URL":             "https://api.telegram.org",
	"ALERT_DAILY_LIMIT_KWH":        20.0,
}

// Load reads configuration from the environment and, when ALERT_SERVICE_CONFIG
// names a YAML file, from that file. Keys in the file use the environment
// names; a set environment variable wins over the file.
func Load() (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("ALERT_SERVICE_CONFIG")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Port:            v.GetString("ALERT_SERVICE_PORT"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		LogFormat:       strings.ToLower(v.GetString("LOG_FORMAT")),
		MQTTBrokerURL:   strings.TrimSpace(v.GetString("MQTT_BROKER_URL")),
		MQTTClientID:    v.GetString("ALERT_SERVICE_MQTT_CLIENT_ID"),
		TelemetryPrefix: v.GetString("ALERT_TELEMETRY_PREFIX"),
		PublishPrefix:   v.GetString("ALERT_PUBLISH_PREFIX"),
		IngestRetained:  v.GetBool("ALERT_INGEST_RETAINED"),
		Postgres: DBConfig{
			User:     strings.TrimSpace(v.GetString("POSTGRES_USER")),
			Password: v.GetString("POSTGRES_PASSWORD"),
			DBName:   strings.TrimSpace(v.GetString("POSTGRES_DB")),
			Host:     strings.TrimSpace(v.GetString("POSTGRES_HOST")),
			Port:     strings.TrimSpace(v.GetString("POSTGRES_PORT")),
			SSLMode:  v.GetString("POSTGRES_SSLMODE"),
		},
		Redis: RedisConfig{
			Addr:      strings.TrimSpace(v.GetString("REDIS_ADDR")),
			Password:  v.GetString("REDIS_PASSWORD"),
			DB:        v.GetInt("REDIS_DB"),
			LatestTTL: v.GetDuration("ALERT_LATEST_TTL"),
		},
		DedupWindow:          v.GetDuration("ALERT_DEDUP_WINDOW"),
		CorrelationLookback:  v.GetDuration("ALERT_CORRELATION_LOOKBACK"),
		CorrelationLookahead: v.GetDuration("ALERT_CORRELATION_LOOKAHEAD"),
		WindowRetention:      v.GetDuration("ALERT_WINDOW_RETENTION"),
		WindowMaxEvents:      v.GetInt("ALERT_WINDOW_MAX_EVENTS"),
		StoreTimeout:         v.GetDuration("ALERT_STORE_TIMEOUT"),
		EventRetentionDays:   v.GetInt("ALERT_EVENT_RETENTION_DAYS"),
		Dispatch: DispatchConfig{
			Workers:       v.GetInt("ALERT_DISPATCH_WORKERS"),
			QueueSize:     v.GetInt("ALERT_DISPATCH_QUEUE"),
			Timeout:       v.GetDuration("ALERT_DISPATCH_TIMEOUT"),
			RatePerMinute: v.GetInt("ALERT_DISPATCH_RATE_PER_MIN"),
		},
		SMTP: SMTPConfig{
			Host:      strings.TrimSpace(v.GetString("SMTP_HOST")),
			Port:      v.GetString("SMTP_PORT"),
			Username:  v.GetString("SMTP_USERNAME"),
			Password:  v.GetString("SMTP_PASSWORD"),
			FromEmail: strings.TrimSpace(v.GetString("SMTP_FROM_EMAIL")),
			FromName:  v.GetString("SMTP_FROM_NAME"),
			To:        strings.TrimSpace(v.GetString("ALERT_EMAIL_TO")),
		},
		TelegramAPIURL:   v.GetString("TELEGRAM_API_URL"),
		TelegramBotToken: v.GetString("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   v.GetString("TELEGRAM_CHAT_ID"),
		EmergencyPhone:   v.GetString("ALERT_EMERGENCY_PHONE"),
		DailyLimitKWh:    v.GetFloat64("ALERT_DAILY_LIMIT_KWH"),
	}

	if cfg.CorrelationLookback <= 0 || cfg.CorrelationLookahead <= 0 {
		return nil, fmt.Errorf("correlation windows must be positive (lookback %s, lookahead %s)", cfg.CorrelationLookback, cfg.CorrelationLookahead)
	}
	if cfg.DedupWindow <= 0 {
		return nil, fmt.Errorf("ALERT_DEDUP_WINDOW must be positive")
	}

	slog.Info("alert-service config loaded", "port", cfg.Port, "mqtt", cfg.MQTTBrokerURL, "telemetry_prefix", cfg.TelemetryPrefix)
	return cfg, nil
}

// MissingRequired lists required keys that are unset.
func (c *Config) MissingRequired() []string {
	var missing []string
	for k, v := range map[string]string{
		"MQTT_BROKER_URL": c.MQTTBrokerURL,
		"POSTGRES_USER":   c.Postgres.User,
		"POSTGRES_DB":     c.Postgres.DBName,
		"POSTGRES_HOST":   c.Postgres.Host,
		"POSTGRES_PORT":   c.Postgres.Port,
	} {
		if v == "" {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}

func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionDays) * 24 * time.Hour
}
