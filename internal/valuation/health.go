package valuation

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultkeeper/internal/types"
)

// HealthFactor returns Σ(collateral × liquidation threshold) ÷ Σ debt. hasDebt is false
// for positions that borrow nothing; their factor is meaningless and returned as zero.
func (e *Engine) HealthFactor(p types.LendingPosition) (factor sdkmath.LegacyDec, hasDebt bool, err error) {
	weighted, err := e.sumLegs(p.Supplies, true)
	if err != nil {
		return sdkmath.LegacyDec{}, false, err
	}
	debt, err := e.sumLegs(p.Borrows, false)
	if err != nil {
		return sdkmath.LegacyDec{}, false, err
	}
	if !debt.USD.IsPositive() {
		return sdkmath.LegacyZeroDec(), false, nil
	}
	return weighted.USD.Quo(debt.USD), true, nil
}

// CheckHealth fails with ErrHealthFactorTooLow when a lending entry is below the
// configured minimum. Other kinds always pass.
func (e *Engine) CheckHealth(_ context.Context, entry types.AssetEntry) error {
	if entry.Kind != types.AssetKindLending || entry.Lending == nil {
		return nil
	}
	factor, hasDebt, err := e.HealthFactor(*entry.Lending)
	if err != nil {
		return err
	}
	if hasDebt && factor.LT(e.minHealth) {
		return fmt.Errorf("%w: %s health %s < %s", types.ErrHealthFactorTooLow, entry.Key, factor, e.minHealth)
	}
	return nil
}

// MinHealthFactor returns the configured minimum.
func (e *Engine) MinHealthFactor() sdkmath.LegacyDec {
	return e.minHealth
}
