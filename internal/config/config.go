/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the wallet-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string  `mapstructure:"SERVER_PORT"`
	DatabaseURL              string  `mapstructure:"DATABASE_URL"`
	RedisURL                 string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string  `mapstructure:"RABBITMQ_URL"`
	AuthJWKSURL              string  `mapstructure:"AUTH_JWKS_URL"`
	SignupBonusCoins         int64   `mapstructure:"SIGNUP_BONUS_COINS"`
	ReleaseThresholdRatio    float64 `mapstructure:"RELEASE_THRESHOLD_RATIO"`
	JoinRateLimitPerMinute   int     `mapstructure:"JOIN_RATE_LIMIT_PER_MINUTE"`
	AtomicMaxRetries         int     `mapstructure:"ATOMIC_MAX_RETRIES"`
	ReconcileIntervalMinutes int     `mapstructure:"RECONCILE_INTERVAL_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("SERVER_PORT", "8084")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "soshly:rate_limit")
	viper.SetDefault("SIGNUP_BONUS_COINS", 500)
	viper.SetDefault("RELEASE_THRESHOLD_RATIO", 1.0)
	viper.SetDefault("JOIN_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("ATOMIC_MAX_RETRIES", 3)
	viper.SetDefault("RECONCILE_INTERVAL_MINUTES", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "WALLET_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("SIGNUP_BONUS_COINS")
	_ = viper.BindEnv("RELEASE_THRESHOLD_RATIO")
	_ = viper.BindEnv("JOIN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("ATOMIC_MAX_RETRIES")
	_ = viper.BindEnv("RECONCILE_INTERVAL_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return Config{}, err
	}

	return config, nil
}
