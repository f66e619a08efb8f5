package config

import (
	"github.com/rs/zerolog/log"
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// PriceFeedAPI is the base URL of the price aggregator.
	PriceFeedAPI string
	// MetadataAPI is the base URL of the token metadata service.
	MetadataAPI string

	// RedisAddr is the address of the price mirror. Empty disables the mirror.
	RedisAddr string
	// RedisPassword is optional.
	RedisPassword string

	// Database holds the PostgreSQL connection settings.
	Database DatabaseConfig
)

// DatabaseConfig mirrors the connection parameters of state.DBConfig.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	PriceFeedAPI, err = getEnv("PRICE_FEED_API")
	if err != nil {
		return err
	}

	MetadataAPI, err = getEnv("METADATA_API")
	if err != nil {
		return err
	}

	RedisAddr = getEnvOr("REDIS_ADDR", "")
	RedisPassword = getEnvOr("REDIS_PASSWORD", "")

	Database.Host, err = getEnv("DB_HOST")
	if err != nil {
		return err
	}
	Database.Port, err = getEnvAsIntOr("DB_PORT", 5432)
	if err != nil {
		return err
	}
	Database.User, err = getEnv("DB_USER")
	if err != nil {
		return err
	}
	Database.Password = getEnvOr("DB_PASSWORD", "")
	Database.Name, err = getEnv("DB_NAME")
	if err != nil {
		return err
	}
	Database.SSLMode = getEnvOr("DB_SSLMODE", "disable")

	log.Debug().
		Str("PriceFeedAPI", PriceFeedAPI).
		Str("MetadataAPI", MetadataAPI).
		Str("RedisAddr", RedisAddr).
		Str("DBHost", Database.Host).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}
