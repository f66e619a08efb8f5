/*

This file contains the types for positions held in external protocols.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
)

// PositionLeg is one asset amount inside a position.
type PositionLeg struct {
	Asset  string      `json:"asset"`
	Amount sdkmath.Int `json:"amount"`
	// LiquidationThresholdBps applies to collateral legs of lending positions.
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps,omitempty"`
}

// LendingPosition is a supply/borrow account in a lending market (e.g., an account cap).
type LendingPosition struct {
	Protocol  string        `json:"protocol"`
	AccountID string        `json:"account_id"`
	Supplies  []PositionLeg `json:"supplies"`
	Borrows   []PositionLeg `json:"borrows"`
}

func (p LendingPosition) Clone() LendingPosition {
	clone := p
	clone.Supplies = append([]PositionLeg(nil), p.Supplies...)
	clone.Borrows = append([]PositionLeg(nil), p.Borrows...)
	return clone
}

// LiquidityPosition is a two-sided AMM position already decomposed into token amounts.
type LiquidityPosition struct {
	Pool string      `json:"pool"`
	LegA PositionLeg `json:"leg_a"`
	LegB PositionLeg `json:"leg_b"`
}

// ReceiptPosition is a share balance in another vault.
type ReceiptPosition struct {
	VaultID string            `json:"vault_id"`
	Shares  sdkmath.LegacyDec `json:"shares"`
}
