/**
 * @description
 * This package handles the configuration management for the booking service. It uses
 * Viper to read settings from environment variables and an optional `.env` file, then
 * normalises them so the rest of the service never sees a zero or negative knob.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix = "booking:rate_limit"
	defaultEventsExchange  = "booking.events"
)

// Config holds all the configuration variables for the booking service.
type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DBAutoMigrate bool   `mapstructure:"DB_AUTO_MIGRATE"`

	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`

	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	BookingEventsExchange string `mapstructure:"BOOKING_EVENTS_EXCHANGE"`

	JWTSecret          string `mapstructure:"JWT_SECRET"`
	JWTIssuer          string `mapstructure:"JWT_ISSUER"`
	JWTAudience        string `mapstructure:"JWT_AUDIENCE"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	RateLimitEnabled            bool     `mapstructure:"RATE_LIMIT_ENABLED"`
	RateLimitWindowSeconds      int      `mapstructure:"RATE_LIMIT_WINDOW_SECONDS"`
	RateLimitDefaultPerWindow   int      `mapstructure:"RATE_LIMIT_DEFAULT_PER_WINDOW"`
	RateLimitAuthPerWindow      int      `mapstructure:"RATE_LIMIT_AUTHENTICATED_PER_WINDOW"`
	RateLimitSensitivePerWindow int      `mapstructure:"RATE_LIMIT_SENSITIVE_PER_WINDOW"`
	RateLimitPublicPerWindow    int      `mapstructure:"RATE_LIMIT_PUBLIC_PER_WINDOW"`
	RateLimitSensitivePrefixRaw string   `mapstructure:"RATE_LIMIT_SENSITIVE_PREFIXES"`
	RateLimitSensitivePrefixes  []string `mapstructure:"-"`

	SignedLinkSecret   string `mapstructure:"SIGNED_LINK_SECRET"`
	SignedLinkTTLHours int    `mapstructure:"SIGNED_LINK_TTL_HOURS"`
	SignedLinkBaseURL  string `mapstructure:"SIGNED_LINK_BASE_URL"`

	BookingMaxAttempts    int `mapstructure:"BOOKING_MAX_ATTEMPTS"`
	BookingRetryBackoffMs int `mapstructure:"BOOKING_RETRY_BACKOFF_MS"`

	BookingTimeoutJobSchedule      string `mapstructure:"BOOKING_TIMEOUT_JOB_SCHEDULE"`
	BookingReminderJobSchedule     string `mapstructure:"BOOKING_REMINDER_JOB_SCHEDULE"`
	BookingReminderLeadHours       int    `mapstructure:"BOOKING_REMINDER_LEAD_HOURS"`
	BookingReminderWindowMinutes   int    `mapstructure:"BOOKING_REMINDER_WINDOW_MINUTES"`
	BookingAutoCompleteJobSchedule string `mapstructure:"BOOKING_AUTO_COMPLETE_JOB_SCHEDULE"`
	BookingAutoCompleteAfterHours  int    `mapstructure:"BOOKING_AUTO_COMPLETE_AFTER_HOURS"`
	BookingJobBatchSize            int    `mapstructure:"BOOKING_JOB_BATCH_SIZE"`
}

// LoadConfig reads configuration from environment variables and the optional .env file
// in path. A missing signed-link secret is an error: links could not be verified.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("DB_MAX_CONNS", 20)
	viper.SetDefault("DB_MIN_CONNS", 2)
	viper.SetDefault("DB_AUTO_MIGRATE", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("BOOKING_EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("RATE_LIMIT_ENABLED", true)
	viper.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	viper.SetDefault("RATE_LIMIT_DEFAULT_PER_WINDOW", 60)
	viper.SetDefault("RATE_LIMIT_AUTHENTICATED_PER_WINDOW", 120)
	viper.SetDefault("RATE_LIMIT_SENSITIVE_PER_WINDOW", 10)
	viper.SetDefault("RATE_LIMIT_PUBLIC_PER_WINDOW", 30)
	viper.SetDefault("RATE_LIMIT_SENSITIVE_PREFIXES", "/api/auth/,/api/merchants/links")
	viper.SetDefault("SIGNED_LINK_TTL_HOURS", 72)
	viper.SetDefault("BOOKING_MAX_ATTEMPTS", 5)
	viper.SetDefault("BOOKING_RETRY_BACKOFF_MS", 10)
	viper.SetDefault("BOOKING_TIMEOUT_JOB_SCHEDULE", "* * * * *")
	viper.SetDefault("BOOKING_REMINDER_JOB_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("BOOKING_REMINDER_LEAD_HOURS", 24)
	viper.SetDefault("BOOKING_REMINDER_WINDOW_MINUTES", 5)
	viper.SetDefault("BOOKING_AUTO_COMPLETE_JOB_SCHEDULE", "0 * * * *")
	viper.SetDefault("BOOKING_AUTO_COMPLETE_AFTER_HOURS", 2)
	viper.SetDefault("BOOKING_JOB_BATCH_SIZE", 200)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "STORE_DRIVER", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_AUTO_MIGRATE",
		"REDIS_RATE_LIMIT_PREFIX", "RABBITMQ_URL", "BOOKING_EVENTS_EXCHANGE",
		"JWT_SECRET", "JWT_ISSUER", "JWT_AUDIENCE", "CORS_ALLOWED_ORIGINS",
		"RATE_LIMIT_ENABLED", "RATE_LIMIT_WINDOW_SECONDS", "RATE_LIMIT_DEFAULT_PER_WINDOW",
		"RATE_LIMIT_AUTHENTICATED_PER_WINDOW", "RATE_LIMIT_SENSITIVE_PER_WINDOW",
		"RATE_LIMIT_PUBLIC_PER_WINDOW", "RATE_LIMIT_SENSITIVE_PREFIXES",
		"SIGNED_LINK_SECRET", "SIGNED_LINK_TTL_HOURS", "SIGNED_LINK_BASE_URL",
		"BOOKING_MAX_ATTEMPTS", "BOOKING_RETRY_BACKOFF_MS",
		"BOOKING_TIMEOUT_JOB_SCHEDULE", "BOOKING_REMINDER_JOB_SCHEDULE", "BOOKING_REMINDER_LEAD_HOURS",
		"BOOKING_REMINDER_WINDOW_MINUTES", "BOOKING_AUTO_COMPLETE_JOB_SCHEDULE",
		"BOOKING_AUTO_COMPLETE_AFTER_HOURS", "BOOKING_JOB_BATCH_SIZE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BOOKING_REDIS_URL")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	normalize(&config)

	if config.SignedLinkSecret == "" {
		return config, errors.New("SIGNED_LINK_SECRET must be set")
	}
	return config, nil
}

func positiveOr(name string, value, fallback int) int {
	if value <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive value configured; using default\" key=%s value=%d default=%d", name, value, fallback)
		return fallback
	}
	return value
}

func normalize(config *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != "memory" {
		config.StoreDriver = "postgres"
	}
	if config.DBMaxConns <= 0 {
		config.DBMaxConns = 20
	}
	if config.DBMinConns < 0 || config.DBMinConns > config.DBMaxConns {
		config.DBMinConns = 0
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.BookingEventsExchange = strings.TrimSpace(config.BookingEventsExchange)
	if config.BookingEventsExchange == "" {
		config.BookingEventsExchange = defaultEventsExchange
	}
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)
	config.SignedLinkSecret = strings.TrimSpace(config.SignedLinkSecret)
	config.SignedLinkBaseURL = strings.TrimSpace(config.SignedLinkBaseURL)

	config.RateLimitWindowSeconds = positiveOr("RATE_LIMIT_WINDOW_SECONDS", config.RateLimitWindowSeconds, 60)
	config.RateLimitDefaultPerWindow = positiveOr("RATE_LIMIT_DEFAULT_PER_WINDOW", config.RateLimitDefaultPerWindow, 60)
	config.RateLimitAuthPerWindow = positiveOr("RATE_LIMIT_AUTHENTICATED_PER_WINDOW", config.RateLimitAuthPerWindow, 120)
	config.RateLimitSensitivePerWindow = positiveOr("RATE_LIMIT_SENSITIVE_PER_WINDOW", config.RateLimitSensitivePerWindow, 10)
	config.RateLimitPublicPerWindow = positiveOr("RATE_LIMIT_PUBLIC_PER_WINDOW", config.RateLimitPublicPerWindow, 30)
	config.RateLimitSensitivePrefixes = SplitList(config.RateLimitSensitivePrefixRaw)

	config.SignedLinkTTLHours = positiveOr("SIGNED_LINK_TTL_HOURS", config.SignedLinkTTLHours, 72)
	config.BookingMaxAttempts = positiveOr("BOOKING_MAX_ATTEMPTS", config.BookingMaxAttempts, 5)
	if config.BookingRetryBackoffMs < 0 {
		config.BookingRetryBackoffMs = 10
	}
	config.BookingReminderLeadHours = positiveOr("BOOKING_REMINDER_LEAD_HOURS", config.BookingReminderLeadHours, 24)
	config.BookingReminderWindowMinutes = positiveOr("BOOKING_REMINDER_WINDOW_MINUTES", config.BookingReminderWindowMinutes, 5)
	config.BookingAutoCompleteAfterHours = positiveOr("BOOKING_AUTO_COMPLETE_AFTER_HOURS", config.BookingAutoCompleteAfterHours, 2)
	config.BookingJobBatchSize = positiveOr("BOOKING_JOB_BATCH_SIZE", config.BookingJobBatchSize, 200)
}

// SplitList splits a comma separated setting, dropping blanks.
func SplitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
