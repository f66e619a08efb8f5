// ./internal/state/parameters_store.go
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/vaultkeeper/internal/types"
)

// ErrNoActiveParameters is returned when a vault has no active parameter row.
var ErrNoActiveParameters = errors.New("no active vault parameters")

// SaveVaultParameters saves a new version of the vault's parameters.
func SaveVaultParameters(vaultID string, params types.VaultParameters, version int, makeActive bool) (int64, error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}
	if params.MinHealthFactor.IsNil() {
		return 0, fmt.Errorf("min health factor is required")
	}

	tx, err := DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback() // Rollback if error occurred
		}
	}()

	if makeActive {
		stmtDeactivate := `UPDATE vault_parameters SET is_active = FALSE WHERE vault_id = $1 AND is_active = TRUE;`
		_, err = tx.Exec(stmtDeactivate, vaultID)
		if err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", vaultID, err)
		}
	}

	stmt := `
        INSERT INTO vault_parameters (
            vault_id, version, is_active, activated_at,
            loss_tolerance_bps, deposit_fee_bps, withdraw_fee_bps,
            locking_time_for_withdraw_ms, locking_time_for_cancel_ms, value_freshness_ms, epoch_duration_ms,
            max_operation_duration_ms, min_stuck_age_ms, recovery_cooldown_ms, min_health_factor
        ) VALUES (
            $1, $2, $3, $4,
            $5, $6, $7,
            $8, $9, $10, $11,
            $12, $13, $14, $15
        ) RETURNING params_id;`

	var paramsID int64
	err = tx.QueryRow(
		stmt,
		vaultID, version, makeActive, time.Now(),
		int64(params.LossToleranceBps), int64(params.DepositFeeBps), int64(params.WithdrawFeeBps),
		params.LockingTimeForWithdraw.Milliseconds(), params.LockingTimeForCancelRequest.Milliseconds(),
		params.ValueFreshness.Milliseconds(), params.EpochDuration.Milliseconds(),
		params.MaxOperationDuration.Milliseconds(), params.MinStuckAge.Milliseconds(), params.RecoveryCooldown.Milliseconds(),
		params.MinHealthFactor.String(),
	).Scan(&paramsID)

	if err != nil {
		return 0, fmt.Errorf("failed to insert vault parameters: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("version", version).
		Str("vault_id", vaultID).
		Int64("params_id", paramsID).
		Bool("active", makeActive).
		Msg("Saved vault parameters")
	return paramsID, nil
}

// LoadActiveVaultParameters loads the currently active parameters of vaultID.
func LoadActiveVaultParameters(vaultID string) (*types.VaultParameters, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	query := `
        SELECT
            loss_tolerance_bps, deposit_fee_bps, withdraw_fee_bps,
            locking_time_for_withdraw_ms, locking_time_for_cancel_ms, value_freshness_ms, epoch_duration_ms,
            max_operation_duration_ms, min_stuck_age_ms, recovery_cooldown_ms, min_health_factor
        FROM vault_parameters
        WHERE vault_id = $1 AND is_active = TRUE
        ORDER BY activated_at DESC
        LIMIT 1;`

	var lossTolerance, depositFee, withdrawFee int64
	var lockWithdraw, lockCancel, freshness, epoch, maxOp, stuckAge, cooldown int64
	var minHealth string
	err := DB.QueryRow(query, vaultID).Scan(
		&lossTolerance, &depositFee, &withdrawFee,
		&lockWithdraw, &lockCancel, &freshness, &epoch,
		&maxOp, &stuckAge, &cooldown, &minHealth,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w for vault '%s'", ErrNoActiveParameters, vaultID)
		}
		return nil, fmt.Errorf("failed to scan active vault parameters for '%s': %w", vaultID, err)
	}
	if lossTolerance < 0 || depositFee < 0 || withdrawFee < 0 {
		return nil, fmt.Errorf("negative rate in vault parameters for '%s'", vaultID)
	}

	health, err := sdkmath.LegacyNewDecFromStr(minHealth)
	if err != nil {
		return nil, fmt.Errorf("invalid min health factor %q: %w", minHealth, err)
	}

	p := &types.VaultParameters{
		LossToleranceBps:            uint64(lossTolerance),
		DepositFeeBps:               uint64(depositFee),
		WithdrawFeeBps:              uint64(withdrawFee),
		LockingTimeForWithdraw:      time.Duration(lockWithdraw) * time.Millisecond,
		LockingTimeForCancelRequest: time.Duration(lockCancel) * time.Millisecond,
		ValueFreshness:              time.Duration(freshness) * time.Millisecond,
		EpochDuration:               time.Duration(epoch) * time.Millisecond,
		MaxOperationDuration:        time.Duration(maxOp) * time.Millisecond,
		MinStuckAge:                 time.Duration(stuckAge) * time.Millisecond,
		RecoveryCooldown:            time.Duration(cooldown) * time.Millisecond,
		MinHealthFactor:             health,
	}
	log.Info().Str("vault_id", vaultID).Msg("Loaded active vault parameters")
	return p, nil
}
