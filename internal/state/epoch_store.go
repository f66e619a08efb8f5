/*

This file persists the loss budget of the current epoch so restarts keep it.
The epoch_loss table holds a single row per vault.

*/

package state

import (
	"database/sql"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/vaultkeeper/internal/types"
)

// SaveEpochLoss upserts the epoch loss row of vaultID.
func SaveEpochLoss(vaultID string, e types.EpochLoss) error {
	if DB == nil {
		return ErrDBNotInitialized
	}
	if e.BaseValue.IsNil() || e.Loss.IsNil() {
		return fmt.Errorf("epoch loss of %s has nil values", vaultID)
	}

	upsert := `
		INSERT INTO epoch_loss (vault_id, epoch, base_value_usd, loss_usd, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (vault_id) DO UPDATE
		SET epoch = EXCLUDED.epoch,
		    base_value_usd = EXCLUDED.base_value_usd,
		    loss_usd = EXCLUDED.loss_usd,
		    updated_at = CURRENT_TIMESTAMP;`

	if _, err := DB.Exec(upsert, vaultID, int64(e.Epoch), e.BaseValue.String(), e.Loss.String()); err != nil {
		return fmt.Errorf("failed to save epoch loss for %s: %w", vaultID, err)
	}

	log.Debug().Str("vault_id", vaultID).Uint64("epoch", e.Epoch).Str("loss", e.Loss.String()).Msg("Saved epoch loss")
	return nil
}

// LoadEpochLoss returns the persisted epoch loss of vaultID, or nil when none was saved.
func LoadEpochLoss(vaultID string) (*types.EpochLoss, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	query := `SELECT epoch, base_value_usd, loss_usd FROM epoch_loss WHERE vault_id = $1;`

	var epoch int64
	var base, loss string
	err := DB.QueryRow(query, vaultID).Scan(&epoch, &base, &loss)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Info().Str("vault_id", vaultID).Msg("No persisted epoch loss, starting fresh")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load epoch loss for %s: %w", vaultID, err)
	}
	if epoch < 0 {
		return nil, fmt.Errorf("persisted epoch %d of %s is negative", epoch, vaultID)
	}

	e := &types.EpochLoss{Epoch: uint64(epoch)}
	if e.BaseValue, err = sdkmath.LegacyNewDecFromStr(base); err != nil {
		return nil, fmt.Errorf("invalid base value %q: %w", base, err)
	}
	if e.Loss, err = sdkmath.LegacyNewDecFromStr(loss); err != nil {
		return nil, fmt.Errorf("invalid loss %q: %w", loss, err)
	}
	return e, nil
}
