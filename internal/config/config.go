/**
 * @description
 * This package handles the configuration management for the loyalty-service. It
 * uses Viper to read configuration from environment variables (and an optional
 * .env file), providing defaults for the ledger windows and cron schedules.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the loyalty-service.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	StorageDriver            string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	SeedStoreIDs             string `mapstructure:"SEED_STORE_IDS"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	LedgerRateLimitPerMinute int    `mapstructure:"LEDGER_RATE_LIMIT_PER_MINUTE"`
	EventBroker              string `mapstructure:"EVENT_BROKER"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	LedgerEventExchange      string `mapstructure:"LEDGER_EVENT_EXCHANGE"`
	KafkaBrokers             string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic               string `mapstructure:"KAFKA_TOPIC"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWTSecret           string `mapstructure:"ADMIN_JWT_SECRET"`
	SettingsCacheTTLSeconds  int    `mapstructure:"SETTINGS_CACHE_TTL_SECONDS"`
	IdempotencyWindowSeconds int    `mapstructure:"IDEMPOTENCY_WINDOW_SECONDS"`
	MaxPurchaseAmount        int64  `mapstructure:"MAX_PURCHASE_AMOUNT"`
	ExpirationSweepSchedule  string `mapstructure:"EXPIRATION_SWEEP_SCHEDULE"`
	RetentionCleanupSchedule string `mapstructure:"RETENTION_CLEANUP_SCHEDULE"`
	SweepBatchSize           int    `mapstructure:"SWEEP_BATCH_SIZE"`
}

// LoadConfig reads configuration from environment variables, looking for an
// optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORAGE_DRIVER", "postgres")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "loyalty:rate_limit")
	viper.SetDefault("LEDGER_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("EVENT_BROKER", "rabbitmq")
	viper.SetDefault("LEDGER_EVENT_EXCHANGE", "loyalty.events")
	viper.SetDefault("KAFKA_TOPIC", "loyalty_ledger_events")
	viper.SetDefault("SETTINGS_CACHE_TTL_SECONDS", 30)
	viper.SetDefault("IDEMPOTENCY_WINDOW_SECONDS", 10)
	viper.SetDefault("MAX_PURCHASE_AMOUNT", 10000000)
	viper.SetDefault("EXPIRATION_SWEEP_SCHEDULE", "0 3 * * *")   // At 03:00 every day.
	viper.SetDefault("RETENTION_CLEANUP_SCHEDULE", "30 3 * * *") // At 03:30 every day.
	viper.SetDefault("SWEEP_BATCH_SIZE", 500)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("STORAGE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("SEED_STORE_IDS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LOYALTY_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("LEDGER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("EVENT_BROKER")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENT_EXCHANGE")
	_ = viper.BindEnv("KAFKA_BROKERS")
	_ = viper.BindEnv("KAFKA_TOPIC")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("ADMIN_JWT_SECRET")
	_ = viper.BindEnv("SETTINGS_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("IDEMPOTENCY_WINDOW_SECONDS")
	_ = viper.BindEnv("MAX_PURCHASE_AMOUNT")
	_ = viper.BindEnv("EXPIRATION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RETENTION_CLEANUP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StorageDriver = strings.ToLower(strings.TrimSpace(config.StorageDriver))
	switch config.StorageDriver {
	case "postgres":
		if strings.TrimSpace(config.DatabaseURL) == "" {
			return config, fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=postgres")
		}
	case "memory":
	default:
		return config, fmt.Errorf("unsupported STORAGE_DRIVER %q", config.StorageDriver)
	}

	config.EventBroker = strings.ToLower(strings.TrimSpace(config.EventBroker))
	switch config.EventBroker {
	case "rabbitmq", "kafka", "none":
	default:
		log.Printf("level=warn component=config msg=\"unknown event broker; events disabled\" broker=%q", config.EventBroker)
		config.EventBroker = "none"
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "loyalty:rate_limit"
	}

	if config.SettingsCacheTTLSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid settings cache ttl; using default\" ttl_seconds=%d", config.SettingsCacheTTLSeconds)
		config.SettingsCacheTTLSeconds = 30
	}
	if config.IdempotencyWindowSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid idempotency window; using default\" window_seconds=%d", config.IdempotencyWindowSeconds)
		config.IdempotencyWindowSeconds = 10
	}
	if config.MaxPurchaseAmount <= 0 {
		config.MaxPurchaseAmount = 10000000
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 500
	}
	if config.LedgerRateLimitPerMinute < 0 {
		config.LedgerRateLimitPerMinute = 0
	}

	return
}

// KafkaBrokerList splits KAFKA_BROKERS on commas.
func (c Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

// SeedStoreIDList splits SEED_STORE_IDS on commas.
func (c Config) SeedStoreIDList() []string {
	return splitList(c.SeedStoreIDs)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
