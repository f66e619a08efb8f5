package vault

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/elys-network/vaultkeeper/internal/types"
)

func (v *Vault) assertAdminLocked(admin types.AdminCap) error {
	if admin.ID == "" || admin.ID != v.adminID {
		return fmt.Errorf("%w: not the vault admin", types.ErrInsufficientAuthorization)
	}
	return nil
}

func (v *Vault) assertOperatorLocked(operator types.OperatorCap) error {
	st, ok := v.operators[operator.ID]
	if !ok {
		return fmt.Errorf("%w: unknown operator %s", types.ErrInsufficientAuthorization, operator.ID)
	}
	if st.frozen {
		return fmt.Errorf("%w: operator %s is frozen", types.ErrInsufficientAuthorization, operator.ID)
	}
	return nil
}

// The admin setters below all alter accounting and are refused during an operation.
// Operator management is not accounting and is allowed in any status.

// CreateOperator issues a new operator capability.
func (v *Vault) CreateOperator(admin types.AdminCap) (types.OperatorCap, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.assertAdminLocked(admin); err != nil {
		return types.OperatorCap{}, err
	}
	op := types.OperatorCap{ID: uuid.NewString()}
	v.operators[op.ID] = &operatorState{}
	v.logger.Info().Str("operator", op.ID).Msg("Operator created")
	return op, nil
}

// SetOperatorFrozen freezes or unfreezes an operator.
func (v *Vault) SetOperatorFrozen(admin types.AdminCap, operatorID string, frozen bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.assertAdminLocked(admin); err != nil {
		return err
	}
	st, ok := v.operators[operatorID]
	if !ok {
		return fmt.Errorf("%w: unknown operator %s", types.ErrInvalidParameter, operatorID)
	}
	st.frozen = frozen
	v.logger.Info().Str("operator", operatorID).Bool("frozen", frozen).Msg("Operator freeze updated")
	return nil
}

func (v *Vault) guardedUpdate(admin types.AdminCap, apply func() error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.assertAdminLocked(admin); err != nil {
		return err
	}
	if err := v.assertNotDuringOperationLocked(); err != nil {
		return err
	}
	return apply()
}

// SetLossTolerance updates the per-epoch loss tolerance. An in-flight operation keeps
// the tolerance snapshotted at its start.
func (v *Vault) SetLossTolerance(admin types.AdminCap, bps uint64) error {
	return v.guardedUpdate(admin, func() error {
		if bps > types.MaxLossTolerance {
			return fmt.Errorf("%w: loss tolerance %d exceeds %d", types.ErrInvalidParameter, bps, types.MaxLossTolerance)
		}
		v.params.LossToleranceBps = bps
		v.logger.Info().Uint64("loss_tolerance_bps", bps).Msg("Loss tolerance updated")
		return nil
	})
}

func (v *Vault) SetDepositFeeRate(admin types.AdminCap, bps uint64) error {
	return v.guardedUpdate(admin, func() error {
		if bps > types.MaxDepositFeeBps {
			return fmt.Errorf("%w: deposit fee %d exceeds %d", types.ErrInvalidParameter, bps, types.MaxDepositFeeBps)
		}
		v.params.DepositFeeBps = bps
		return nil
	})
}

func (v *Vault) SetWithdrawFeeRate(admin types.AdminCap, bps uint64) error {
	return v.guardedUpdate(admin, func() error {
		if bps > types.MaxWithdrawFeeBps {
			return fmt.Errorf("%w: withdraw fee %d exceeds %d", types.ErrInvalidParameter, bps, types.MaxWithdrawFeeBps)
		}
		v.params.WithdrawFeeBps = bps
		return nil
	})
}

func (v *Vault) SetLockingTimes(admin types.AdminCap, forWithdraw, forCancel time.Duration) error {
	return v.guardedUpdate(admin, func() error {
		if forWithdraw < 0 || forCancel < 0 {
			return fmt.Errorf("%w: locking times must not be negative", types.ErrInvalidParameter)
		}
		v.params.LockingTimeForWithdraw = forWithdraw
		v.params.LockingTimeForCancelRequest = forCancel
		return nil
	})
}

// SetValueFreshness updates the vault value window. It may not exceed the oracle window.
func (v *Vault) SetValueFreshness(admin types.AdminCap, window time.Duration) error {
	return v.guardedUpdate(admin, func() error {
		if window <= 0 {
			return fmt.Errorf("%w: freshness window must be positive", types.ErrInvalidParameter)
		}
		if v.oracleWindow > 0 && window > v.oracleWindow {
			return fmt.Errorf("%w: freshness %s exceeds oracle staleness %s", types.ErrInvalidParameter, window, v.oracleWindow)
		}
		v.params.ValueFreshness = window
		return nil
	})
}

// SetEnabled moves the vault between Normal and Disabled.
func (v *Vault) SetEnabled(admin types.AdminCap, enabled bool) error {
	return v.guardedUpdate(admin, func() error {
		switch {
		case enabled && v.status == types.StatusDisabled:
			v.status = types.StatusNormal
		case !enabled && v.status == types.StatusNormal:
			v.status = types.StatusDisabled
		default:
			return fmt.Errorf("%w: cannot set enabled=%t from %s", types.ErrInvalidStatus, enabled, v.status)
		}
		v.logger.Info().Str("status", v.status.String()).Msg("Vault status updated")
		return nil
	})
}

// AddAsset adds a new entry. It counts towards the total only once revalued.
func (v *Vault) AddAsset(admin types.AdminCap, entry types.AssetEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	return v.guardedUpdate(admin, func() error {
		if _, ok := v.assets[entry.Key]; ok {
			return fmt.Errorf("%w: %s", types.ErrAssetExists, entry.Key)
		}
		if _, ok := v.quarantine[entry.Key]; ok {
			return fmt.Errorf("%w: %s is quarantined", types.ErrAssetExists, entry.Key)
		}
		added := entry.Clone()
		added.LastUpdated = time.Time{}
		added.USDValue = sdkmath.LegacyZeroDec()
		v.assets[entry.Key] = &added
		v.logger.Info().Str("asset", entry.Key).Str("kind", string(entry.Kind)).Msg("Asset added")
		return nil
	})
}

// RemoveAsset drops an entry whose freshly confirmed value is zero.
func (v *Vault) RemoveAsset(admin types.AdminCap, key string) error {
	return v.guardedUpdate(admin, func() error {
		if key == v.principalKey {
			return fmt.Errorf("%w: the principal entry cannot be removed", types.ErrInvalidParameter)
		}
		entry, ok := v.assets[key]
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrAssetNotFound, key)
		}
		if !entry.IsFresh(v.now(), v.params.ValueFreshness) || !entry.USDValue.IsZero() {
			return fmt.Errorf("%w: %s must be freshly valued at zero before removal", types.ErrInvariantViolation, key)
		}
		delete(v.assets, key)
		v.logger.Info().Str("asset", key).Msg("Asset removed")
		return nil
	})
}
