package vault

import (
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultkeeper/internal/types"
)

// BeginOperation checks the requested assets out of the ledger. It snapshots total
// value, total shares and the loss tolerance, and rolls the loss epoch if needed. Either
// every key is checked out or none is.
func (v *Vault) BeginOperation(operator types.OperatorCap, keys []string) (*types.OperationRecord, []types.Checkout, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.assertOperatorLocked(operator); err != nil {
		return nil, nil, err
	}
	if err := v.assertNormalLocked(); err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			return nil, nil, fmt.Errorf("%w: %s requested twice", types.ErrInvalidParameter, key)
		}
		seen[key] = true
		if _, ok := v.assets[key]; !ok {
			return nil, nil, fmt.Errorf("%w: %s", types.ErrAssetNotFound, key)
		}
	}

	now := v.now()
	total, err := v.totalUSDValueLocked(now)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot start operation: %w", err)
	}
	if v.loss.Roll(now, total) {
		v.logger.Info().Uint64("epoch", v.loss.epoch).Str("base_value", total.String()).Msg("Started new loss epoch")
	}

	rec := types.NewOperationRecord(uuid.NewString(), operator.ID, now)
	rec.TotalUSDBefore = total
	rec.TotalSharesBefore = v.totalShares
	rec.LossToleranceBps = v.params.LossToleranceBps
	rec.Epoch = v.loss.epoch
	rec.Borrowed = append([]string(nil), keys...)

	checkouts := make([]types.Checkout, 0, len(keys))
	for _, key := range keys {
		entry := *v.assets[key]
		delete(v.assets, key)
		v.borrowed[key] = entry
		checkouts = append(checkouts, types.Checkout{OperationID: rec.ID, Entry: entry.Clone()})
	}

	v.op = rec
	v.status = types.StatusDuringOperation

	v.logger.Info().
		Str("operation_id", rec.ID).
		Str("operator", operator.ID).
		Strs("borrowed", keys).
		Str("total_usd_before", total.String()).
		Msg("Operation started")

	return rec.Clone(), checkouts, nil
}

// ReturnAsset puts a checked-out asset back. The key must have been borrowed by the
// operation and not yet returned.
func (v *Vault) ReturnAsset(operationID string, checkout types.Checkout) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.assertCurrentOperationLocked(operationID); err != nil {
		return err
	}
	if checkout.OperationID != operationID {
		return fmt.Errorf("%w: checkout belongs to operation %s", types.ErrInvariantViolation, checkout.OperationID)
	}
	key := checkout.Entry.Key
	original, out := v.borrowed[key]
	if !out || !v.op.IsBorrowed(key) || v.op.Returned[key] {
		return fmt.Errorf("%w: %s was not borrowed or was already returned", types.ErrInvariantViolation, key)
	}
	if checkout.Entry.Kind != original.Kind {
		return fmt.Errorf("%w: %s returned as %s, borrowed as %s", types.ErrInvariantViolation, key, checkout.Entry.Kind, original.Kind)
	}
	if err := validateEntry(checkout.Entry); err != nil {
		return err
	}

	entry := checkout.Entry.Clone()
	entry.Revision = original.Revision + 1
	// The value is only trusted again once revalued.
	entry.USDValue = original.USDValue
	entry.LastUpdated = original.LastUpdated
	v.assets[key] = &entry
	delete(v.borrowed, key)
	v.op.Returned[key] = true

	v.logger.Debug().Str("operation_id", operationID).Str("asset", key).Msg("Asset returned")
	return nil
}

// CompleteOperation reconciles the operation: every borrowed asset must be back and
// revalued, and the loss must fit the epoch budget under the tolerance snapshotted at
// start. Nothing is mutated on failure.
func (v *Vault) CompleteOperation(operator types.OperatorCap, operationID string) (*types.OperationOutcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.assertOperatorLocked(operator); err != nil {
		return nil, err
	}
	if err := v.assertCurrentOperationLocked(operationID); err != nil {
		return nil, err
	}
	if missing := v.op.Unreturned(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrAssetNotReturned, strings.Join(missing, ","))
	}
	if missing := v.op.MissingUpdates(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrValueNotUpdated, strings.Join(missing, ","))
	}
	if !v.totalShares.Equal(v.op.TotalSharesBefore) {
		return nil, fmt.Errorf("%w: total shares moved from %s to %s during operation", types.ErrInvariantViolation, v.op.TotalSharesBefore, v.totalShares)
	}
	if err := v.checkInvariantsLocked(); err != nil {
		return nil, err
	}

	now := v.now()
	after, err := v.totalUSDValueLocked(now)
	if err != nil {
		return nil, fmt.Errorf("cannot reconcile operation: %w", err)
	}
	loss := sdkmath.LegacyZeroDec()
	if after.LT(v.op.TotalUSDBefore) {
		loss = v.op.TotalUSDBefore.Sub(after)
	}
	// Last fallible step; RecordLoss leaves the guard untouched when it refuses.
	if err := v.loss.RecordLoss(loss, v.op.LossToleranceBps); err != nil {
		return nil, err
	}

	outcome := &types.OperationOutcome{
		OperationID:    v.op.ID,
		Operator:       v.op.Operator,
		StartedAt:      v.op.StartedAt,
		CompletedAt:    now,
		TotalUSDBefore: v.op.TotalUSDBefore,
		TotalUSDAfter:  after,
		Loss:           loss,
		EpochLoss:      v.loss.loss,
		Borrowed:       append([]string(nil), v.op.Borrowed...),
	}
	v.op = nil
	v.status = types.StatusNormal

	v.logger.Info().
		Str("operation_id", outcome.OperationID).
		Str("total_usd_after", after.String()).
		Str("loss", loss.String()).
		Str("epoch_loss", outcome.EpochLoss.String()).
		Msg("Operation completed")

	return outcome, nil
}

// ForceRecover is the admin escape hatch for an operation that cannot complete.
// Returned assets stay in the ledger; unreturned ones move to quarantine with their last
// known state and no longer count towards the total value.
//
// The loss realized on the assets still held is charged to the epoch budget even when
// it exceeds the limit, so the rest of the epoch is blocked rather than forgiven.
// Quarantined assets are left out of the loss. A returned asset whose value was not
// confirmed after its return counts as worth nothing.
func (v *Vault) ForceRecover(admin types.AdminCap, operationID, reason string) (*types.RecoveryEvent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.assertAdminLocked(admin); err != nil {
		return nil, err
	}
	if err := v.assertCurrentOperationLocked(operationID); err != nil {
		return nil, err
	}
	now := v.now()
	if age := now.Sub(v.op.StartedAt); age < v.params.MinStuckAge {
		return nil, fmt.Errorf("%w: operation %s is only %s old", types.ErrStuckOperationState, operationID, age.Round(time.Second))
	}
	if err := v.checkInvariantsLocked(); err != nil {
		return nil, err
	}

	event := &types.RecoveryEvent{
		OperationID: operationID,
		Admin:       admin.ID,
		Reason:      reason,
		RecoveredAt: now,
	}
	before := v.op.TotalUSDBefore
	for _, key := range v.op.Borrowed {
		if v.op.Returned[key] {
			event.Returned = append(event.Returned, key)
			if !v.op.ValueUpdated[key] {
				event.Unvalued = append(event.Unvalued, key)
			}
			continue
		}
		event.Quarantined = append(event.Quarantined, key)
		before = before.Sub(v.borrowed[key].USDValue)
	}
	after := sdkmath.LegacyZeroDec()
	for key, e := range v.assets {
		if v.op.IsBorrowed(key) && !v.op.ValueUpdated[key] {
			continue
		}
		after = after.Add(e.USDValue)
	}
	event.Loss = sdkmath.LegacyZeroDec()
	if after.LT(before) {
		event.Loss = before.Sub(after)
	}
	over, err := v.loss.RecordRealizedLoss(event.Loss, v.op.LossToleranceBps)
	if err != nil {
		return nil, err
	}
	event.EpochLoss = v.loss.loss

	for _, key := range event.Quarantined {
		v.quarantine[key] = v.borrowed[key]
		delete(v.borrowed, key)
	}
	v.op = nil
	v.status = types.StatusNormal

	level := zerolog.WarnLevel
	if over.IsPositive() {
		level = zerolog.ErrorLevel
	}
	v.logger.WithLevel(level).
		Str("operation_id", operationID).
		Str("reason", reason).
		Strs("returned", event.Returned).
		Strs("quarantined", event.Quarantined).
		Strs("unvalued", event.Unvalued).
		Str("loss", event.Loss.String()).
		Str("epoch_loss", event.EpochLoss.String()).
		Str("over_budget", over.String()).
		Msg("Operation force-recovered")

	return event, nil
}

// RestoreQuarantined re-admits a quarantined asset once it is physically back. It does
// not count towards the total value until revalued.
func (v *Vault) RestoreQuarantined(admin types.AdminCap, entry types.AssetEntry) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.assertAdminLocked(admin); err != nil {
		return err
	}
	if err := v.assertNotDuringOperationLocked(); err != nil {
		return err
	}
	q, ok := v.quarantine[entry.Key]
	if !ok {
		return fmt.Errorf("%w: %s is not quarantined", types.ErrAssetNotFound, entry.Key)
	}
	if entry.Kind != q.Kind {
		return fmt.Errorf("%w: %s restored as %s, quarantined as %s", types.ErrInvariantViolation, entry.Key, entry.Kind, q.Kind)
	}
	if err := validateEntry(entry); err != nil {
		return err
	}

	restored := entry.Clone()
	restored.Revision = q.Revision + 1
	restored.USDValue = sdkmath.LegacyZeroDec()
	restored.LastUpdated = time.Time{}
	v.assets[entry.Key] = &restored
	delete(v.quarantine, entry.Key)

	v.logger.Info().Str("asset", entry.Key).Msg("Quarantined asset restored")
	return nil
}

func (v *Vault) assertCurrentOperationLocked(operationID string) error {
	if v.status != types.StatusDuringOperation || v.op == nil {
		return fmt.Errorf("%w: no operation in flight", types.ErrInvalidStatus)
	}
	if v.op.ID != operationID {
		return fmt.Errorf("%w: operation %s is not the current operation", types.ErrInvariantViolation, operationID)
	}
	return nil
}
