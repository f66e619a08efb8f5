// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

// ErrDBNotInitialized is returned by every store function before InitDB.
var ErrDBNotInitialized = errors.New("database not initialized")

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	var err error
	DB, err = sql.Open("postgres", psqlInfo)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	err = DB.Ping()
	if err != nil {
		DB.Close()
		DB = nil
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Str("host", cfg.Host).Str("dbname", cfg.DBName).Msg("Connected to the PostgreSQL database")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

const schemaSQL = `
		CREATE TABLE IF NOT EXISTS vault_parameters (
			params_id SERIAL PRIMARY KEY,
			vault_id VARCHAR(255) NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			activated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			loss_tolerance_bps BIGINT NOT NULL,
			deposit_fee_bps BIGINT NOT NULL,
			withdraw_fee_bps BIGINT NOT NULL,
			locking_time_for_withdraw_ms BIGINT NOT NULL,
			locking_time_for_cancel_ms BIGINT NOT NULL,
			value_freshness_ms BIGINT NOT NULL,
			epoch_duration_ms BIGINT NOT NULL,
			max_operation_duration_ms BIGINT NOT NULL,
			min_stuck_age_ms BIGINT NOT NULL,
			recovery_cooldown_ms BIGINT NOT NULL,
			min_health_factor NUMERIC(38, 18) NOT NULL,
			CONSTRAINT uq_vault_parameters_vault_version UNIQUE (vault_id, version)
		);
		CREATE INDEX IF NOT EXISTS idx_vault_parameters_active ON vault_parameters(vault_id, is_active, activated_at DESC);

		CREATE TABLE IF NOT EXISTS operation_snapshots (
			snapshot_id BIGSERIAL PRIMARY KEY,
			vault_id VARCHAR(255) NOT NULL,
			operation_id VARCHAR(64) NOT NULL,
			operator VARCHAR(64) NOT NULL,
			outcome VARCHAR(32) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			total_usd_before NUMERIC(38, 18) NOT NULL,
			total_usd_after NUMERIC(38, 18),
			loss_usd NUMERIC(38, 18),
			borrowed JSONB,
			value_updated JSONB,
			quarantined TEXT[],
			message TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_operation_snapshots_vault_finished ON operation_snapshots(vault_id, finished_at DESC);
		CREATE INDEX IF NOT EXISTS idx_operation_snapshots_operation ON operation_snapshots(operation_id);

		-- One row per vault, overwritten whenever the loss budget moves.
		CREATE TABLE IF NOT EXISTS epoch_loss (
			vault_id VARCHAR(255) PRIMARY KEY,
			epoch BIGINT NOT NULL,
			base_value_usd NUMERIC(38, 18) NOT NULL,
			loss_usd NUMERIC(38, 18) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS price_observations (
			observation_id BIGSERIAL PRIMARY KEY,
			asset VARCHAR(255) NOT NULL,
			feed_id VARCHAR(255) NOT NULL,
			price NUMERIC(38, 18) NOT NULL,
			decimals SMALLINT NOT NULL,
			published_at TIMESTAMPTZ NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_price_observations_asset_published ON price_observations(asset, published_at DESC);
`

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return ErrDBNotInitialized
	}
	if _, err := DB.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured")
	return nil
}

// DropSchema removes every table created by EnsureSchema.
func DropSchema() error {
	if DB == nil {
		return ErrDBNotInitialized
	}
	dropSQL := `
		DROP TABLE IF EXISTS price_observations CASCADE;
		DROP TABLE IF EXISTS epoch_loss CASCADE;
		DROP TABLE IF EXISTS operation_snapshots CASCADE;
		DROP TABLE IF EXISTS vault_parameters CASCADE;
	`
	if _, err := DB.Exec(dropSQL); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	log.Warn().Msg("Database schema dropped")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection() error {
	if DB == nil {
		return ErrDBNotInitialized
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := DB.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
