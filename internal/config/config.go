/**
 * @description
 * This package handles configuration management for the membership-service.
 * It uses the Viper library to read configuration from environment variables
 * (plus an optional .env file), providing a centralized way to manage
 * application settings.
 *
 * @notes
 * - Infrastructure settings (ports, URLs, secrets) live here. Business fee
 *   percentages live in the `system_config` table and are merged over
 *   compiled-in defaults by the settlement engine, not by this package.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the membership-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	NotificationEventQueue string `mapstructure:"NOTIFICATION_EVENT_QUEUE"`
	StripeWebhookSecret    string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	WompiEventsSecret      string `mapstructure:"WOMPI_EVENTS_SECRET"`
	TelegramBotToken       string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramAPIBaseURL     string `mapstructure:"TELEGRAM_API_BASE_URL"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	JWTSecret              string `mapstructure:"JWT_SECRET"`
	AllowedOrigins         string `mapstructure:"ALLOWED_ORIGINS"`
	OutboxBatchSize        int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollIntervalMs   int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	ProcessedTxCacheTTLHrs int    `mapstructure:"PROCESSED_TX_CACHE_TTL_HOURS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("NOTIFICATION_EVENT_QUEUE", "membership_service.notifications")
	viper.SetDefault("TELEGRAM_API_BASE_URL", "https://api.telegram.org")
	viper.SetDefault("ALLOWED_ORIGINS", "*")
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)
	viper.SetDefault("PROCESSED_TX_CACHE_TTL_HOURS", 168) // 7 days

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("NOTIFICATION_EVENT_QUEUE")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("WOMPI_EVENTS_SECRET")
	_ = viper.BindEnv("TELEGRAM_BOT_TOKEN")
	_ = viper.BindEnv("TELEGRAM_API_BASE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "MEMBERSHIP_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("PROCESSED_TX_CACHE_TTL_HOURS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.InternalAPIKey == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("MEMBERSHIP_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.TelegramAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.TelegramAPIBaseURL), "/")

	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 50
	}
	if config.OutboxPollIntervalMs <= 0 {
		config.OutboxPollIntervalMs = 1200
	}
	if config.ProcessedTxCacheTTLHrs <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive processed-tx cache ttl; using default\" hours=%d", config.ProcessedTxCacheTTLHrs)
		config.ProcessedTxCacheTTLHrs = 168
	}

	return
}
