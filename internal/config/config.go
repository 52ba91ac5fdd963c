/**
 * @description
 * This package handles the configuration management for the benefit service. It uses
 * Viper to read configuration from environment variables (and an optional .env file),
 * applies defaults, and sanitizes values that would otherwise break startup.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 * - github.com/sirupsen/logrus: warnings for coerced values.
 */

package config

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	defaultReconcileSchedule = "@every 15m"
)

// Config holds all the configuration variables for the benefit-service.
type Config struct {
	ServerPort              string  `mapstructure:"SERVER_PORT"`
	DatabaseURL             string  `mapstructure:"DATABASE_URL"`
	StoreDriver             string  `mapstructure:"STORE_DRIVER"`
	RedisURL                string  `mapstructure:"REDIS_URL"`
	LockPrefix              string  `mapstructure:"LOCK_PREFIX"`
	LockTTLSeconds          int     `mapstructure:"LOCK_TTL_SECONDS"`
	RabbitMQURL             string  `mapstructure:"RABBITMQ_URL"`
	ServiceAssignedQueue    string  `mapstructure:"SERVICE_ASSIGNED_QUEUE"`
	ClerkJWKSURL            string  `mapstructure:"CLERK_JWKS_URL"`
	AdminRole               string  `mapstructure:"ADMIN_ROLE"`
	SyncTimeoutSeconds      int     `mapstructure:"SYNC_TIMEOUT_SECONDS"`
	FundInitialBalance      float64 `mapstructure:"FUND_INITIAL_BALANCE"`
	FundValidityDays        int     `mapstructure:"FUND_VALIDITY_DAYS"`
	VoucherDefaultValue     float64 `mapstructure:"VOUCHER_DEFAULT_VALUE"`
	EventDedupWindowSeconds int     `mapstructure:"EVENT_DEDUP_WINDOW_SECONDS"`
	ReconcileSchedule       string  `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileBatchSize      int     `mapstructure:"RECONCILE_BATCH_SIZE"`
	LogLevel                string  `mapstructure:"LOG_LEVEL"`
}

// SyncTimeout is the bound applied to every ledger synchronization step.
func (c Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSeconds) * time.Second
}

// LockTTL is how long a distributed lock is held before it expires on its own.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// FundValidity is the lifetime of a newly opened fund.
func (c Config) FundValidity() time.Duration {
	return time.Duration(c.FundValidityDays) * 24 * time.Hour
}

// EventDedupWindow is the +/- window used to collapse duplicate event log entries.
func (c Config) EventDedupWindow() time.Duration {
	return time.Duration(c.EventDedupWindowSeconds) * time.Second
}

// ReconcileEnabled reports whether the periodic reconciler should be scheduled.
func (c Config) ReconcileEnabled() bool {
	return c.ReconcileSchedule != ""
}

// LoadConfig reads configuration from environment variables from the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("LOCK_PREFIX", "benefits:lock")
	viper.SetDefault("LOCK_TTL_SECONDS", 30)
	viper.SetDefault("SERVICE_ASSIGNED_QUEUE", "benefit_service.service_assigned")
	viper.SetDefault("ADMIN_ROLE", "admin")
	viper.SetDefault("SYNC_TIMEOUT_SECONDS", 5)
	viper.SetDefault("FUND_INITIAL_BALANCE", 0.0)
	viper.SetDefault("FUND_VALIDITY_DAYS", 365)
	viper.SetDefault("VOUCHER_DEFAULT_VALUE", 0.0)
	viper.SetDefault("EVENT_DEDUP_WINDOW_SECONDS", 60)
	viper.SetDefault("RECONCILE_SCHEDULE", defaultReconcileSchedule)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 100)
	viper.SetDefault("LOG_LEVEL", "info")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BENEFIT_REDIS_URL")
	_ = viper.BindEnv("LOCK_PREFIX")
	_ = viper.BindEnv("LOCK_TTL_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SERVICE_ASSIGNED_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("ADMIN_ROLE")
	_ = viper.BindEnv("SYNC_TIMEOUT_SECONDS")
	_ = viper.BindEnv("FUND_INITIAL_BALANCE")
	_ = viper.BindEnv("FUND_VALIDITY_DAYS")
	_ = viper.BindEnv("VOUCHER_DEFAULT_VALUE")
	_ = viper.BindEnv("EVENT_DEDUP_WINDOW_SECONDS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("LOG_LEVEL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.WithField("component", "config").WithError(err).Warn("failed to read config file; using environment values")
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	sanitize(&config)
	return
}

func sanitize(config *Config) {
	warn := logrus.WithField("component", "config")

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.ServerPort) == "" {
		config.ServerPort = "8080"
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		warn.WithField("store_driver", config.StoreDriver).Warn("unknown store driver; using postgres")
		config.StoreDriver = StoreDriverPostgres
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.ClerkJWKSURL = strings.TrimSpace(config.ClerkJWKSURL)

	config.LockPrefix = strings.TrimSpace(config.LockPrefix)
	if config.LockPrefix == "" {
		config.LockPrefix = "benefits:lock"
	}
	config.AdminRole = strings.TrimSpace(config.AdminRole)
	if config.AdminRole == "" {
		config.AdminRole = "admin"
	}
	config.ServiceAssignedQueue = strings.TrimSpace(config.ServiceAssignedQueue)
	if config.ServiceAssignedQueue == "" {
		config.ServiceAssignedQueue = "benefit_service.service_assigned"
	}

	if config.LockTTLSeconds <= 0 {
		config.LockTTLSeconds = 30
	}
	if config.SyncTimeoutSeconds <= 0 {
		warn.WithField("sync_timeout_seconds", config.SyncTimeoutSeconds).Warn("non-positive sync timeout; using 5s")
		config.SyncTimeoutSeconds = 5
	}
	if config.FundInitialBalance < 0 {
		warn.WithField("fund_initial_balance", config.FundInitialBalance).Warn("negative fund opening balance configured; coercing to zero")
		config.FundInitialBalance = 0
	}
	if config.FundValidityDays <= 0 {
		config.FundValidityDays = 365
	}
	if config.VoucherDefaultValue < 0 {
		warn.WithField("voucher_default_value", config.VoucherDefaultValue).Warn("negative voucher value configured; coercing to zero")
		config.VoucherDefaultValue = 0
	}
	if config.EventDedupWindowSeconds < 0 {
		config.EventDedupWindowSeconds = 60
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 100
	}

	config.ReconcileSchedule = strings.TrimSpace(config.ReconcileSchedule)
	switch strings.ToLower(config.ReconcileSchedule) {
	case "off", "disabled", "none":
		config.ReconcileSchedule = ""
	}
	config.LogLevel = strings.TrimSpace(config.LogLevel)
}
