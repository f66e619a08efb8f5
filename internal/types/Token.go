/*

This is a custom type for tokens and vault asset entries.

An AssetEntry is what the ledger holds per asset key: either a plain coin balance or a
position in an external protocol, together with its last confirmed USD value.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// Token describes a priced asset as registered with the oracle.
type Token struct {
	Symbol   string `json:"symbol" yaml:"symbol"`     // e.g., "SUI"
	Asset    string `json:"asset" yaml:"asset"`       // e.g., "0x2::sui::SUI"
	FeedID   string `json:"feed_id" yaml:"feed_id"`   // external aggregator reference
	Decimals uint8  `json:"decimals" yaml:"decimals"` // e.g., 9
}

type AssetKind string

const (
	AssetKindCoin      AssetKind = "coin"
	AssetKindLending   AssetKind = "lending"
	AssetKindLiquidity AssetKind = "liquidity"
	AssetKindReceipt   AssetKind = "receipt"
)

// AssetEntry is a single ledger slot.
type AssetEntry struct {
	Key  string    `json:"key"`
	Kind AssetKind `json:"kind"`

	// Coin balance, denominated in the raw units of Asset.
	Asset   string      `json:"asset,omitempty"`
	Balance sdkmath.Int `json:"balance,omitempty"`

	Lending   *LendingPosition   `json:"lending,omitempty"`
	Liquidity *LiquidityPosition `json:"liquidity,omitempty"`
	Receipt   *ReceiptPosition   `json:"receipt,omitempty"`

	USDValue    sdkmath.LegacyDec `json:"usd_value"`
	LastUpdated time.Time         `json:"last_updated"`

	// Revision increments on every balance or position mutation.
	Revision uint64 `json:"revision"`
}

// Clone returns a deep copy so callers cannot mutate ledger state through it.
func (a AssetEntry) Clone() AssetEntry {
	clone := a
	if a.Lending != nil {
		l := a.Lending.Clone()
		clone.Lending = &l
	}
	if a.Liquidity != nil {
		l := *a.Liquidity
		clone.Liquidity = &l
	}
	if a.Receipt != nil {
		r := *a.Receipt
		clone.Receipt = &r
	}
	return clone
}

// IsFresh reports whether the entry's value was refreshed strictly within window of now.
func (a AssetEntry) IsFresh(now time.Time, window time.Duration) bool {
	if a.LastUpdated.IsZero() {
		return false
	}
	return now.Sub(a.LastUpdated) < window
}

// PriceObservation is one accepted oracle price, recorded for reporting.
type PriceObservation struct {
	Asset       string            `json:"asset"`
	FeedID      string            `json:"feed_id"`
	Price       sdkmath.LegacyDec `json:"price"`
	Decimals    uint8             `json:"decimals"`
	PublishedAt time.Time         `json:"published_at"`
	ObservedAt  time.Time         `json:"observed_at"`
}
