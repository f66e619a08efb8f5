/*

This file loads the asset registry: the oracle bindings and the initial vault holdings.

The registry is a YAML file referenced by VAULT_ASSETS_FILE:

	tokens:
	  - symbol: USDC
	    asset: 0xdba3::usdc::USDC
	    feed_id: usdc-usd
	    decimals: 6
	assets:
	  - key: usdc
	    kind: coin
	    asset: 0xdba3::usdc::USDC
	    balance: "1000000000000"

Amounts are strings in raw token units so no precision is lost in YAML number parsing.

*/

package config

import (
	"errors"
	"fmt"
	"os"

	sdkmath "cosmossdk.io/math"
	"gopkg.in/yaml.v3"

	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/utils"
)

var ErrInvalidRegistry = errors.New("invalid asset registry")

// AssetRegistry is the parsed form of the registry file.
type AssetRegistry struct {
	Tokens []types.Token `yaml:"tokens"`
	Assets []AssetSpec   `yaml:"assets"`
}

// AssetSpec describes one initial ledger entry.
type AssetSpec struct {
	Key     string          `yaml:"key"`
	Kind    types.AssetKind `yaml:"kind"`
	Asset   string          `yaml:"asset"`
	Balance string          `yaml:"balance"`

	Protocol  string    `yaml:"protocol"`
	AccountID string    `yaml:"account_id"`
	Supplies  []LegSpec `yaml:"supplies"`
	Borrows   []LegSpec `yaml:"borrows"`

	Pool string   `yaml:"pool"`
	LegA *LegSpec `yaml:"leg_a"`
	LegB *LegSpec `yaml:"leg_b"`

	VaultID string `yaml:"vault_id"`
	Shares  string `yaml:"shares"`
}

// LegSpec is one asset amount of a position.
type LegSpec struct {
	Asset                   string `yaml:"asset"`
	Amount                  string `yaml:"amount"`
	LiquidationThresholdBps uint64 `yaml:"liquidation_threshold_bps"`
}

// LoadAssetRegistry reads and validates the registry file at path.
func LoadAssetRegistry(path string) (*AssetRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset registry %s: %w", path, err)
	}
	return ParseAssetRegistry(raw)
}

// ParseAssetRegistry parses and validates registry YAML.
func ParseAssetRegistry(raw []byte) (*AssetRegistry, error) {
	var reg AssetRegistry
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, errors.Join(ErrInvalidRegistry, err)
	}
	if err := validateRegistry(&reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

func validateRegistry(reg *AssetRegistry) error {
	seen := make(map[string]bool, len(reg.Tokens))
	for _, t := range reg.Tokens {
		if t.Asset == "" || t.FeedID == "" {
			return fmt.Errorf("%w: token %q needs asset and feed_id", ErrInvalidRegistry, t.Symbol)
		}
		if t.Decimals > utils.MaxDecimals {
			return fmt.Errorf("%w: token %q has %d decimals", ErrInvalidRegistry, t.Symbol, t.Decimals)
		}
		if seen[t.Asset] {
			return fmt.Errorf("%w: token %q listed twice", ErrInvalidRegistry, t.Asset)
		}
		seen[t.Asset] = true
	}

	keys := make(map[string]bool, len(reg.Assets))
	for _, a := range reg.Assets {
		if a.Key == "" {
			return fmt.Errorf("%w: asset without key", ErrInvalidRegistry)
		}
		if keys[a.Key] {
			return fmt.Errorf("%w: asset key %q listed twice", ErrInvalidRegistry, a.Key)
		}
		keys[a.Key] = true
	}
	return nil
}

// Entries converts the asset specs into ledger entries.
func (r *AssetRegistry) Entries() ([]types.AssetEntry, error) {
	entries := make([]types.AssetEntry, 0, len(r.Assets))
	for _, spec := range r.Assets {
		entry, err := spec.toEntry()
		if err != nil {
			return nil, fmt.Errorf("asset %q: %w", spec.Key, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s AssetSpec) toEntry() (types.AssetEntry, error) {
	entry := types.AssetEntry{
		Key:      s.Key,
		Kind:     s.Kind,
		USDValue: sdkmath.LegacyZeroDec(),
	}

	switch s.Kind {
	case types.AssetKindCoin:
		balance, err := parseAmount(s.Balance)
		if err != nil {
			return entry, err
		}
		entry.Asset = s.Asset
		entry.Balance = balance

	case types.AssetKindLending:
		supplies, err := parseLegs(s.Supplies)
		if err != nil {
			return entry, err
		}
		borrows, err := parseLegs(s.Borrows)
		if err != nil {
			return entry, err
		}
		entry.Lending = &types.LendingPosition{
			Protocol:  s.Protocol,
			AccountID: s.AccountID,
			Supplies:  supplies,
			Borrows:   borrows,
		}

	case types.AssetKindLiquidity:
		if s.LegA == nil || s.LegB == nil {
			return entry, fmt.Errorf("%w: liquidity position needs leg_a and leg_b", ErrInvalidRegistry)
		}
		legs, err := parseLegs([]LegSpec{*s.LegA, *s.LegB})
		if err != nil {
			return entry, err
		}
		entry.Liquidity = &types.LiquidityPosition{Pool: s.Pool, LegA: legs[0], LegB: legs[1]}

	case types.AssetKindReceipt:
		shares, err := utils.ParseDec(s.Shares)
		if err != nil {
			return entry, errors.Join(ErrInvalidRegistry, err)
		}
		if shares.IsNegative() {
			return entry, fmt.Errorf("%w: negative shares", ErrInvalidRegistry)
		}
		entry.Receipt = &types.ReceiptPosition{VaultID: s.VaultID, Shares: shares}

	default:
		return entry, fmt.Errorf("%w: unknown kind %q", ErrInvalidRegistry, s.Kind)
	}
	return entry, nil
}

func parseLegs(specs []LegSpec) ([]types.PositionLeg, error) {
	legs := make([]types.PositionLeg, 0, len(specs))
	for _, l := range specs {
		amount, err := parseAmount(l.Amount)
		if err != nil {
			return nil, err
		}
		legs = append(legs, types.PositionLeg{
			Asset:                   l.Asset,
			Amount:                  amount,
			LiquidationThresholdBps: l.LiquidationThresholdBps,
		})
	}
	return legs, nil
}

func parseAmount(s string) (sdkmath.Int, error) {
	amount, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: amount %q is not an integer", ErrInvalidRegistry, s)
	}
	if amount.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("%w: amount %q is negative", ErrInvalidRegistry, s)
	}
	return amount, nil
}
