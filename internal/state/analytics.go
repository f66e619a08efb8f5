package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/vaultkeeper/internal/types"
)

// ErrSnapshotNotFound is returned by GetOperationByID for an unknown id.
var ErrSnapshotNotFound = errors.New("operation snapshot not found")

// OperationStats aggregates operation outcomes of a vault.
type OperationStats struct {
	TotalOperations int               `json:"total_operations"`
	Completed       int               `json:"completed"`
	Failed          int               `json:"failed"`
	Recovered       int               `json:"recovered"`
	TotalLossUSD    sdkmath.LegacyDec `json:"total_loss_usd"`
}

const snapshotColumns = `
			snapshot_id, vault_id, operation_id, operator, outcome,
			started_at, finished_at,
			total_usd_before, total_usd_after, loss_usd,
			borrowed, value_updated, quarantined, message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*types.OperationSnapshot, error) {
	var s types.OperationSnapshot
	var before string
	var after, loss, message sql.NullString
	var borrowedJSON, valueUpdatedJSON []byte

	err := row.Scan(
		&s.SnapshotID, &s.VaultID, &s.OperationID, &s.Operator, &s.Outcome,
		&s.StartedAt, &s.FinishedAt,
		&before, &after, &loss,
		&borrowedJSON, &valueUpdatedJSON, pq.Array(&s.Quarantined), &message,
	)
	if err != nil {
		return nil, err
	}

	if s.TotalUSDBefore, err = sdkmath.LegacyNewDecFromStr(before); err != nil {
		return nil, fmt.Errorf("invalid total_usd_before %q: %w", before, err)
	}
	if s.TotalUSDAfter, err = parseNullableDec(after); err != nil {
		return nil, fmt.Errorf("invalid total_usd_after: %w", err)
	}
	if s.Loss, err = parseNullableDec(loss); err != nil {
		return nil, fmt.Errorf("invalid loss_usd: %w", err)
	}
	if len(borrowedJSON) > 0 {
		if err := json.Unmarshal(borrowedJSON, &s.Borrowed); err != nil {
			return nil, fmt.Errorf("failed to unmarshal borrowed: %w", err)
		}
	}
	if len(valueUpdatedJSON) > 0 {
		if err := json.Unmarshal(valueUpdatedJSON, &s.ValueUpdated); err != nil {
			return nil, fmt.Errorf("failed to unmarshal value_updated: %w", err)
		}
	}
	s.Message = message.String
	return &s, nil
}

// GetRecentOperations retrieves the latest operation snapshots of vaultID.
func GetRecentOperations(vaultID string, limit int) ([]types.OperationSnapshot, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	if limit <= 0 || limit > 100 {
		limit = 10 // Default limit
	}

	query := `SELECT` + snapshotColumns + `
		FROM operation_snapshots
		WHERE vault_id = $1
		ORDER BY finished_at DESC
		LIMIT $2
	`

	rows, err := DB.Query(query, vaultID, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query recent operations")
		return nil, fmt.Errorf("failed to query recent operations: %w", err)
	}
	defer rows.Close()

	var snapshots []types.OperationSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan operation row")
			continue // Skip this row and continue with others
		}
		snapshots = append(snapshots, *s)
	}

	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("Error occurred during row iteration")
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	log.Debug().Int("count", len(snapshots)).Int("limit", limit).Msg("Retrieved recent operations")
	return snapshots, nil
}

// GetOperationByID retrieves a specific operation snapshot.
func GetOperationByID(snapshotID int64) (*types.OperationSnapshot, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	query := `SELECT` + snapshotColumns + `
		FROM operation_snapshots
		WHERE snapshot_id = $1
	`

	s, err := scanSnapshot(DB.QueryRow(query, snapshotID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrSnapshotNotFound, snapshotID)
		}
		log.Error().Err(err).Int64("snapshot_id", snapshotID).Msg("Failed to query operation by ID")
		return nil, fmt.Errorf("failed to query operation by ID: %w", err)
	}
	return s, nil
}

// GetOperationStats aggregates the operation history of vaultID.
func GetOperationStats(vaultID string) (*OperationStats, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	query := `
		SELECT
			COUNT(*) AS total_operations,
			COUNT(CASE WHEN outcome = 'completed' THEN 1 END) AS completed,
			COUNT(CASE WHEN outcome = 'failed' THEN 1 END) AS failed,
			COUNT(CASE WHEN outcome = 'recovered' THEN 1 END) AS recovered,
			COALESCE(SUM(loss_usd), 0)::TEXT AS total_loss
		FROM operation_snapshots
		WHERE vault_id = $1
	`

	stats := &OperationStats{}
	var totalLoss string
	err := DB.QueryRow(query, vaultID).Scan(
		&stats.TotalOperations,
		&stats.Completed,
		&stats.Failed,
		&stats.Recovered,
		&totalLoss,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation stats: %w", err)
	}
	if stats.TotalLossUSD, err = sdkmath.LegacyNewDecFromStr(totalLoss); err != nil {
		return nil, fmt.Errorf("invalid total loss %q: %w", totalLoss, err)
	}
	return stats, nil
}

// SavePriceObservations records accepted oracle prices in one transaction.
func SavePriceObservations(observations []types.PriceObservation) (int, error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}
	if len(observations) == 0 {
		return 0, nil
	}

	tx, err := DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := `
		INSERT INTO price_observations (asset, feed_id, price, decimals, published_at, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6);`

	for _, o := range observations {
		if o.Price.IsNil() {
			return 0, fmt.Errorf("price observation of %s has no price", o.Asset)
		}
		if _, err := tx.Exec(stmt, o.Asset, o.FeedID, o.Price.String(), int(o.Decimals), o.PublishedAt, o.ObservedAt); err != nil {
			return 0, fmt.Errorf("failed to insert price observation for %s: %w", o.Asset, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(observations), nil
}

// GetLatestPrices returns the most recent observation of every asset.
func GetLatestPrices() ([]types.PriceObservation, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	query := `
		SELECT DISTINCT ON (asset) ` + priceColumns + `
		FROM price_observations
		ORDER BY asset, published_at DESC
	`

	rows, err := DB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest prices: %w", err)
	}
	defer rows.Close()
	return scanPrices(rows)
}

// GetPriceHistory returns the observations of asset published at or after since, oldest first.
func GetPriceHistory(asset string, since time.Time) ([]types.PriceObservation, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	query := `
		SELECT ` + priceColumns + `
		FROM price_observations
		WHERE asset = $1 AND published_at >= $2
		ORDER BY published_at ASC
		LIMIT 10000
	`

	rows, err := DB.Query(query, asset, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history for %s: %w", asset, err)
	}
	defer rows.Close()
	return scanPrices(rows)
}

const priceColumns = `asset, feed_id, price::TEXT, decimals, published_at, observed_at`

func scanPrices(rows *sql.Rows) ([]types.PriceObservation, error) {
	var out []types.PriceObservation
	for rows.Next() {
		var o types.PriceObservation
		var price string
		var decimals int
		if err := rows.Scan(&o.Asset, &o.FeedID, &price, &decimals, &o.PublishedAt, &o.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price row: %w", err)
		}
		p, err := sdkmath.LegacyNewDecFromStr(price)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q for %s: %w", price, o.Asset, err)
		}
		o.Price = p
		o.Decimals = uint8(decimals)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func nullableDec(d *sdkmath.LegacyDec) any {
	if d == nil || d.IsNil() {
		return nil
	}
	return d.String()
}

func parseNullableDec(s sql.NullString) (*sdkmath.LegacyDec, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := sdkmath.LegacyNewDecFromStr(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
