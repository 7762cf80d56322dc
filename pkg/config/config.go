package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Booking       BookingConfig
	Reminders     RemindersConfig
	Notifications NotificationsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BookingConfig tunes the booking and cancellation engines.
type BookingConfig struct {
	// TxTimeout bounds how long a booking transaction may hold its locks.
	TxTimeout time.Duration
	// MaxDuration caps a single booking request.
	MaxDuration time.Duration
	// SweepSchedule is the cron expression for the expired-slot sweep.
	SweepSchedule string
}

// RemindersConfig tunes the deferred reminder pipeline.
type RemindersConfig struct {
	PollInterval       time.Duration
	DayBeforeOffset    time.Duration
	HourBeforeOffset   time.Duration
	MinuteBeforeOffset time.Duration
	WorkerConcurrency  int
	WorkerRetries      int
}

// NotificationsConfig points at the external dispatch collaborator.
type NotificationsConfig struct {
	WebhookURL string
	Timeout    time.Duration
	AdminEmail string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Booking = BookingConfig{
		TxTimeout:     parseDuration(v.GetString("BOOKING_TX_TIMEOUT"), 5*time.Second),
		MaxDuration:   parseDuration(v.GetString("BOOKING_MAX_DURATION"), 3*time.Hour),
		SweepSchedule: v.GetString("SLOT_SWEEP_SCHEDULE"),
	}

	cfg.Reminders = RemindersConfig{
		PollInterval:       parseDuration(v.GetString("REMINDERS_POLL_INTERVAL"), 15*time.Second),
		DayBeforeOffset:    parseDuration(v.GetString("REMINDERS_DAY_BEFORE_OFFSET"), 24*time.Hour),
		HourBeforeOffset:   parseDuration(v.GetString("REMINDERS_HOUR_BEFORE_OFFSET"), time.Hour),
		MinuteBeforeOffset: parseDuration(v.GetString("REMINDERS_MINUTE_BEFORE_OFFSET"), time.Minute),
		WorkerConcurrency:  v.GetInt("REMINDERS_WORKER_CONCURRENCY"),
		WorkerRetries:      v.GetInt("REMINDERS_WORKER_RETRIES"),
	}

	cfg.Notifications = NotificationsConfig{
		WebhookURL: v.GetString("NOTIFICATIONS_WEBHOOK_URL"),
		Timeout:    parseDuration(v.GetString("NOTIFICATIONS_TIMEOUT"), 5*time.Second),
		AdminEmail: v.GetString("NOTIFICATIONS_ADMIN_EMAIL"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "counsel_api")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("BOOKING_TX_TIMEOUT", "5s")
	v.SetDefault("BOOKING_MAX_DURATION", "3h")
	v.SetDefault("SLOT_SWEEP_SCHEDULE", "0 * * * *")

	v.SetDefault("REMINDERS_POLL_INTERVAL", "15s")
	v.SetDefault("REMINDERS_DAY_BEFORE_OFFSET", "24h")
	v.SetDefault("REMINDERS_HOUR_BEFORE_OFFSET", "1h")
	v.SetDefault("REMINDERS_MINUTE_BEFORE_OFFSET", "1m")
	v.SetDefault("REMINDERS_WORKER_CONCURRENCY", 2)
	v.SetDefault("REMINDERS_WORKER_RETRIES", 3)

	v.SetDefault("NOTIFICATIONS_WEBHOOK_URL", "")
	v.SetDefault("NOTIFICATIONS_TIMEOUT", "5s")
	v.SetDefault("NOTIFICATIONS_ADMIN_EMAIL", "")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
