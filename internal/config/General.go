package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// VaultID identifies the vault this keeper instance manages.
	VaultID string
	// PrincipalAsset is the coin type user deposits and withdrawals are denominated in.
	PrincipalAsset string

	// AssetsFile is the path to the YAML asset registry.
	AssetsFile string

	// StalenessWindow bounds both the oracle price age and the vault value age.
	// A single setting keeps the vault window from ever exceeding the oracle window.
	StalenessWindow time.Duration

	// KeeperInterval is the time between two keeper cycles.
	KeeperInterval time.Duration

	// WebPort is the port of the HTTP API.
	WebPort string

	// AdminToken and OperatorToken are the bearer tokens of the HTTP write routes.
	// The write routes are not mounted unless both are set.
	AdminToken    string
	OperatorToken string
)

const (
	defaultKeeperInterval = time.Minute
	defaultWebPort        = "8080"
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// Variables without a documented default are required.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	VaultID, err = getEnv("VAULT_ID")
	if err != nil {
		return err
	}

	PrincipalAsset, err = getEnv("VAULT_PRINCIPAL_ASSET")
	if err != nil {
		return err
	}

	AssetsFile, err = getEnv("VAULT_ASSETS_FILE")
	if err != nil {
		return err
	}

	StalenessWindow, err = getEnvAsDuration("STALENESS_WINDOW")
	if err != nil {
		return err
	}
	if StalenessWindow <= 0 {
		return errors.New("environment variable STALENESS_WINDOW must be positive")
	}

	KeeperInterval, err = getEnvAsDurationOr("KEEPER_INTERVAL", defaultKeeperInterval)
	if err != nil {
		return err
	}

	WebPort = getEnvOr("WEB_PORT", defaultWebPort)

	AdminToken = getEnvOr("ADMIN_TOKEN", "")
	OperatorToken = getEnvOr("OPERATOR_TOKEN", "")
	if AdminToken != "" && AdminToken == OperatorToken {
		return errors.New("ADMIN_TOKEN and OPERATOR_TOKEN must differ")
	}

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	// Expand the tilde (~) in the asset registry path to the user's home directory.
	if strings.HasPrefix(AssetsFile, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		AssetsFile = filepath.Join(home, AssetsFile[2:])
	}

	log.Debug().
		Str("VaultID", VaultID).
		Str("PrincipalAsset", PrincipalAsset).
		Dur("StalenessWindow", StalenessWindow).
		Dur("KeeperInterval", KeeperInterval).
		Bool("WriteAPI", AdminToken != "" && OperatorToken != "").
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvOr retrieves a string environment variable, falling back to def.
func getEnvOr(key, def string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return def
}

// getEnvAsInt retrieves an environment variable as an int, falling back to def when unset.
func getEnvAsIntOr(key string, def int) (int, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return def, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsDuration retrieves an environment variable as a time.Duration. Returns error if not set or invalid.
func getEnvAsDuration(key string) (time.Duration, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s must be a valid duration, got: %s", key, valueStr)
	}
	return value, nil
}

// getEnvAsDurationOr is getEnvAsDuration with a default for unset variables.
func getEnvAsDurationOr(key string, def time.Duration) (time.Duration, error) {
	if _, exists := os.LookupEnv(key); !exists {
		return def, nil
	}
	return getEnvAsDuration(key)
}
