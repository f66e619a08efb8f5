// ./internal/state/snapshot_store.go
package state

import (
	"encoding/json"
	"fmt"

	"github.com/lib/pq" // PostgreSQL driver for array support
	"github.com/rs/zerolog/log"

	"github.com/elys-network/vaultkeeper/internal/types"
)

// SaveOperationSnapshot saves a finished operation to the database.
func SaveOperationSnapshot(snapshot types.OperationSnapshot) (int64, error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}

	borrowedJSON, err := json.Marshal(snapshot.Borrowed)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal borrowed: %w", err)
	}

	valueUpdatedJSON, err := json.Marshal(snapshot.ValueUpdated)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal value_updated: %w", err)
	}

	query := `
		INSERT INTO operation_snapshots (
			vault_id, operation_id, operator, outcome,
			started_at, finished_at,
			total_usd_before, total_usd_after, loss_usd,
			borrowed, value_updated, quarantined, message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING snapshot_id;
	`

	var snapshotID int64
	err = DB.QueryRow(
		query,
		snapshot.VaultID, snapshot.OperationID, snapshot.Operator, snapshot.Outcome,
		snapshot.StartedAt, snapshot.FinishedAt,
		snapshot.TotalUSDBefore.String(), nullableDec(snapshot.TotalUSDAfter), nullableDec(snapshot.Loss),
		borrowedJSON, valueUpdatedJSON, pq.Array(snapshot.Quarantined), snapshot.Message,
	).Scan(&snapshotID)

	if err != nil {
		return 0, fmt.Errorf("failed to save operation snapshot: %w", err)
	}

	log.Info().
		Int64("snapshot_id", snapshotID).
		Str("operation_id", snapshot.OperationID).
		Str("outcome", snapshot.Outcome).
		Msg("Operation snapshot saved to database")

	return snapshotID, nil
}
