/**
 * @description
 * This package handles the configuration management for the funds-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, then normalizes values that would otherwise break the service at runtime.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: transfer limits in rand.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultServerPort           = "8080"
	defaultRateLimitPrefix      = "carefunds:rate_limit"
	defaultChargeAPIBaseURL     = "https://api.paystack.co"
	defaultTransferMinAmount    = "10.00"
	defaultTransferMaxAmount    = "5000.00"
	defaultTransferRatePerMin   = 10
	defaultSplitPolicy          = "equal"
	defaultReconcileSchedule    = "@every 5m"
	defaultCORSAllowedOrigins   = "*"
	defaultTransactionPageLimit = 50
)

// Config holds all the configuration variables for the funds-service.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	ChargeAPIBaseURL           string `mapstructure:"CHARGE_API_BASE_URL"`
	ChargeAPISecretKey         string `mapstructure:"CHARGE_API_SECRET_KEY"`
	JWTSecret                  string `mapstructure:"JWT_SECRET"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	TransferMinAmountRaw       string `mapstructure:"TRANSFER_MIN_AMOUNT"`
	TransferMaxAmountRaw       string `mapstructure:"TRANSFER_MAX_AMOUNT"`
	TransferRateLimitPerMinute int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	SplitPolicy                string `mapstructure:"SPLIT_POLICY"`
	SplitWeights               string `mapstructure:"SPLIT_WEIGHTS"`
	ReconcileSchedule          string `mapstructure:"RECONCILE_SCHEDULE"`
	CORSAllowedOriginsRaw      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	TransactionPageLimit       int    `mapstructure:"TRANSACTION_PAGE_LIMIT"`

	// Derived values.
	TransferMinAmount  decimal.Decimal `mapstructure:"-"`
	TransferMaxAmount  decimal.Decimal `mapstructure:"-"`
	CORSAllowedOrigins []string        `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables, with an optional .env file
// in path.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("CHARGE_API_BASE_URL", defaultChargeAPIBaseURL)
	viper.SetDefault("TRANSFER_MIN_AMOUNT", defaultTransferMinAmount)
	viper.SetDefault("TRANSFER_MAX_AMOUNT", defaultTransferMaxAmount)
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", defaultTransferRatePerMin)
	viper.SetDefault("SPLIT_POLICY", defaultSplitPolicy)
	viper.SetDefault("RECONCILE_SCHEDULE", defaultReconcileSchedule)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", defaultCORSAllowedOrigins)
	viper.SetDefault("TRANSACTION_PAGE_LIMIT", defaultTransactionPageLimit)

	// Bind environment variables explicitly so they appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CHARGE_API_BASE_URL")
	_ = viper.BindEnv("CHARGE_API_SECRET_KEY", "CHARGE_API_SECRET_KEY", "PAYSTACK_SECRET_KEY")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("TRANSFER_MIN_AMOUNT")
	_ = viper.BindEnv("TRANSFER_MAX_AMOUNT")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SPLIT_POLICY")
	_ = viper.BindEnv("SPLIT_WEIGHTS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("TRANSACTION_PAGE_LIMIT")

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.ChargeAPISecretKey = strings.TrimSpace(config.ChargeAPISecretKey)
	config.ChargeAPIBaseURL = strings.TrimSuffix(strings.TrimSpace(config.ChargeAPIBaseURL), "/")
	if config.ChargeAPIBaseURL == "" {
		config.ChargeAPIBaseURL = defaultChargeAPIBaseURL
	}
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}

	config.TransferMinAmount = parseAmount("TRANSFER_MIN_AMOUNT", config.TransferMinAmountRaw, defaultTransferMinAmount)
	config.TransferMaxAmount = parseAmount("TRANSFER_MAX_AMOUNT", config.TransferMaxAmountRaw, defaultTransferMaxAmount)
	if config.TransferMinAmount.GreaterThan(config.TransferMaxAmount) {
		log.Printf("level=warn component=config msg=\"transfer min exceeds max; using defaults\" min=%s max=%s", config.TransferMinAmount, config.TransferMaxAmount)
		config.TransferMinAmount = decimal.RequireFromString(defaultTransferMinAmount)
		config.TransferMaxAmount = decimal.RequireFromString(defaultTransferMaxAmount)
	}

	if config.TransferRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative transfer rate limit configured; disabling\" value=%d", config.TransferRateLimitPerMinute)
		config.TransferRateLimitPerMinute = 0
	}

	config.SplitPolicy = strings.ToLower(strings.TrimSpace(config.SplitPolicy))
	if config.SplitPolicy == "" {
		config.SplitPolicy = defaultSplitPolicy
	}
	config.SplitWeights = strings.TrimSpace(config.SplitWeights)

	config.ReconcileSchedule = strings.TrimSpace(config.ReconcileSchedule)
	if config.ReconcileSchedule == "" {
		config.ReconcileSchedule = defaultReconcileSchedule
	}

	config.CORSAllowedOrigins = splitList(config.CORSAllowedOriginsRaw)
	if len(config.CORSAllowedOrigins) == 0 {
		config.CORSAllowedOrigins = []string{defaultCORSAllowedOrigins}
	}

	if config.TransactionPageLimit <= 0 {
		config.TransactionPageLimit = defaultTransactionPageLimit
	}

	if config.DatabaseURL == "" {
		return config, fmt.Errorf("DATABASE_URL is required")
	}
	if config.JWTSecret == "" {
		return config, fmt.Errorf("JWT_SECRET is required")
	}

	return
}

func parseAmount(key, raw, fallback string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.RequireFromString(fallback)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil || !value.IsPositive() {
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q default=%s", key, raw, fallback)
		return decimal.RequireFromString(fallback)
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
