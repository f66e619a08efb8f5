package vault

import (
	"context"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultkeeper/internal/types"
)

// AssetValuer prices a single ledger entry. It is called without the vault lock held.
// The returned PricedAt is the publish time of the oldest price used.
type AssetValuer interface {
	Value(ctx context.Context, entry types.AssetEntry) (types.Valuation, error)
}

// PriceSource serves normalized prices for the principal asset.
type PriceSource interface {
	NormalizedQuote(asset string) (sdkmath.LegacyDec, time.Time, error)
}

// VaultManager is the read and upkeep surface of a vault used by the keeper loop and
// the HTTP API. This interface abstracts the ledger from the processes that observe it.
type VaultManager interface {
	ID() string
	Status() types.VaultStatus

	// TotalUSDValue sums every non-quarantined asset; fails when any value is stale or
	// an asset is checked out.
	TotalUSDValue() (sdkmath.LegacyDec, error)
	ShareRatio() (sdkmath.LegacyDec, error)
	TotalShares() sdkmath.LegacyDec

	// AssetKeys lists the keys that can be revalued right now.
	AssetKeys() []string
	Revalue(ctx context.Context, key string, valuer AssetValuer) error

	EpochLoss() types.EpochLoss
	CurrentOperation() *types.OperationRecord
	Quarantined() []types.AssetEntry
	Summary() Summary

	AssertNotDuringOperation() error
}

var _ VaultManager = (*Vault)(nil)
