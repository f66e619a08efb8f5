package vault

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/utils"
)

// Epoch returns floor(now / d).
func Epoch(now time.Time, d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	n := now.UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n / int64(d))
}

// LossGuard tracks the per-epoch loss budget. It is owned by the vault and guarded by
// the vault mutex.
type LossGuard struct {
	epochDuration time.Duration
	epoch         uint64
	loss          sdkmath.LegacyDec
	base          sdkmath.LegacyDec
}

func NewLossGuard(epochDuration time.Duration) *LossGuard {
	return &LossGuard{
		epochDuration: epochDuration,
		loss:          sdkmath.LegacyZeroDec(),
		base:          sdkmath.LegacyZeroDec(),
	}
}

// Roll starts a new epoch when now is past the current one. The base value is
// snapshotted here, before any loss of the new epoch is recorded.
func (g *LossGuard) Roll(now time.Time, totalUSD sdkmath.LegacyDec) bool {
	epoch := Epoch(now, g.epochDuration)
	if epoch == g.epoch {
		return false
	}
	g.epoch = epoch
	g.loss = sdkmath.LegacyZeroDec()
	g.base = totalUSD
	return true
}

// Limit is tolerance × base ÷ 10000.
func (g *LossGuard) Limit(toleranceBps uint64) sdkmath.LegacyDec {
	return utils.BpsOfDec(g.base, toleranceBps)
}

// Check fails with ErrExceedsLossLimit when recording amount would exceed the limit.
func (g *LossGuard) Check(amount sdkmath.LegacyDec, toleranceBps uint64) error {
	if amount.IsNil() || amount.IsNegative() {
		return fmt.Errorf("%w: loss %s", types.ErrInvalidAmount, amount)
	}
	limit := g.Limit(toleranceBps)
	if next := g.loss.Add(amount); next.GT(limit) {
		return fmt.Errorf("%w: epoch %d loss %s exceeds limit %s", types.ErrExceedsLossLimit, g.epoch, next, limit)
	}
	return nil
}

// RecordLoss adds amount to the epoch loss. State is untouched on failure.
func (g *LossGuard) RecordLoss(amount sdkmath.LegacyDec, toleranceBps uint64) error {
	if err := g.Check(amount, toleranceBps); err != nil {
		return err
	}
	g.loss = g.loss.Add(amount)
	return nil
}

// RecordRealizedLoss adds a loss that already happened, even past the limit. It
// returns the amount by which the epoch is now over budget, zero if within.
func (g *LossGuard) RecordRealizedLoss(amount sdkmath.LegacyDec, toleranceBps uint64) (sdkmath.LegacyDec, error) {
	if amount.IsNil() || amount.IsNegative() {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: loss %s", types.ErrInvalidAmount, amount)
	}
	g.loss = g.loss.Add(amount)
	over := g.loss.Sub(g.Limit(toleranceBps))
	if over.IsNegative() {
		return sdkmath.LegacyZeroDec(), nil
	}
	return over, nil
}

// Snapshot returns the persisted form of the guard.
func (g *LossGuard) Snapshot() types.EpochLoss {
	return types.EpochLoss{Epoch: g.epoch, BaseValue: g.base, Loss: g.loss}
}

// Restore loads a persisted state. Values from a past epoch are kept; the next Roll
// discards them.
func (g *LossGuard) Restore(e types.EpochLoss) error {
	if e.BaseValue.IsNil() || e.Loss.IsNil() || e.BaseValue.IsNegative() || e.Loss.IsNegative() {
		return fmt.Errorf("%w: persisted epoch loss is malformed", types.ErrInvalidParameter)
	}
	g.epoch = e.Epoch
	g.base = e.BaseValue
	g.loss = e.Loss
	return nil
}
