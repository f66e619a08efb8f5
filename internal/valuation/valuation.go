/*

This package converts ledger entries into USD.

Every leg of every position is priced with its own normalized oracle price. A missing,
stale or non-positive price aborts the whole valuation; it never contributes zero.

*/

package valuation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/utils"
)

// PriceSource serves normalized prices with their publish time, typically the oracle
// cache.
type PriceSource interface {
	NormalizedQuote(asset string) (sdkmath.LegacyDec, time.Time, error)
}

// ShareRatioSource resolves the share ratio of a vault by id, along with the time of
// the oldest value behind it.
type ShareRatioSource interface {
	ShareRatio(vaultID string) (sdkmath.LegacyDec, time.Time, error)
}

// ShareRatioer is anything with a current share ratio, typically a vault ledger.
type ShareRatioer interface {
	ValuedShareRatio() (sdkmath.LegacyDec, time.Time, error)
}

// Directory maps vault ids to ledgers for receipt valuation.
type Directory struct {
	mu     sync.RWMutex
	vaults map[string]ShareRatioer
}

func NewDirectory() *Directory {
	return &Directory{vaults: make(map[string]ShareRatioer)}
}

// Add registers v under id.
func (d *Directory) Add(id string, v ShareRatioer) {
	d.mu.Lock()
	d.vaults[id] = v
	d.mu.Unlock()
}

// ShareRatio implements ShareRatioSource.
func (d *Directory) ShareRatio(vaultID string) (sdkmath.LegacyDec, time.Time, error) {
	d.mu.RLock()
	v, ok := d.vaults[vaultID]
	d.mu.RUnlock()
	if !ok {
		return sdkmath.LegacyDec{}, time.Time{}, fmt.Errorf("%w: vault %s", types.ErrAssetNotFound, vaultID)
	}
	return v.ValuedShareRatio()
}

// Engine values ledger entries.
type Engine struct {
	prices    PriceSource
	ratios    ShareRatioSource
	minHealth sdkmath.LegacyDec
}

// NewEngine builds an engine. ratios may be nil when no receipts are held.
func NewEngine(prices PriceSource, ratios ShareRatioSource, minHealth sdkmath.LegacyDec) (*Engine, error) {
	if prices == nil {
		return nil, errors.New("valuation: price source is required")
	}
	if minHealth.IsNil() {
		minHealth = sdkmath.LegacyOneDec()
	}
	if minHealth.LT(sdkmath.LegacyOneDec()) {
		return nil, fmt.Errorf("%w: minimum health factor %s below 1", types.ErrInvalidParameter, minHealth)
	}
	return &Engine{prices: prices, ratios: ratios, minHealth: minHealth}, nil
}

// Value returns the USD value of entry and the publish time of the oldest price used.
func (e *Engine) Value(_ context.Context, entry types.AssetEntry) (types.Valuation, error) {
	switch entry.Kind {
	case types.AssetKindCoin:
		return e.legValue(entry.Asset, entry.Balance)

	case types.AssetKindLending:
		if entry.Lending == nil {
			return types.Valuation{}, fmt.Errorf("%w: lending entry %s has no position", types.ErrInvariantViolation, entry.Key)
		}
		return e.lendingValue(entry.Key, *entry.Lending)

	case types.AssetKindLiquidity:
		if entry.Liquidity == nil {
			return types.Valuation{}, fmt.Errorf("%w: liquidity entry %s has no position", types.ErrInvariantViolation, entry.Key)
		}
		a, err := e.legValue(entry.Liquidity.LegA.Asset, entry.Liquidity.LegA.Amount)
		if err != nil {
			return types.Valuation{}, err
		}
		b, err := e.legValue(entry.Liquidity.LegB.Asset, entry.Liquidity.LegB.Amount)
		if err != nil {
			return types.Valuation{}, err
		}
		return types.Valuation{USD: a.USD.Add(b.USD), PricedAt: types.OldestTime(a.PricedAt, b.PricedAt)}, nil

	case types.AssetKindReceipt:
		if entry.Receipt == nil {
			return types.Valuation{}, fmt.Errorf("%w: receipt entry %s has no position", types.ErrInvariantViolation, entry.Key)
		}
		return e.receiptValue(*entry.Receipt)

	default:
		return types.Valuation{}, fmt.Errorf("%w: unknown asset kind %q", types.ErrInvalidParameter, entry.Kind)
	}
}

func (e *Engine) legValue(asset string, amount sdkmath.Int) (types.Valuation, error) {
	price, publishedAt, err := e.prices.NormalizedQuote(asset)
	if err != nil {
		return types.Valuation{}, fmt.Errorf("price for %s: %w", asset, err)
	}
	usd, err := utils.MulWithNormalizedPrice(amount, price)
	if err != nil {
		return types.Valuation{}, err
	}
	return types.Valuation{USD: usd, PricedAt: publishedAt}, nil
}

func (e *Engine) sumLegs(legs []types.PositionLeg, weighted bool) (types.Valuation, error) {
	total := types.Valuation{USD: sdkmath.LegacyZeroDec()}
	for _, leg := range legs {
		v, err := e.legValue(leg.Asset, leg.Amount)
		if err != nil {
			return types.Valuation{}, err
		}
		if weighted {
			v.USD = utils.BpsOfDec(v.USD, leg.LiquidationThresholdBps)
		}
		total.USD = total.USD.Add(v.USD)
		total.PricedAt = types.OldestTime(total.PricedAt, v.PricedAt)
	}
	return total, nil
}

func (e *Engine) lendingValue(key string, p types.LendingPosition) (types.Valuation, error) {
	supplied, err := e.sumLegs(p.Supplies, false)
	if err != nil {
		return types.Valuation{}, err
	}
	borrowed, err := e.sumLegs(p.Borrows, false)
	if err != nil {
		return types.Valuation{}, err
	}
	if borrowed.USD.GT(supplied.USD) {
		return types.Valuation{}, fmt.Errorf("%w: %s owes %s against %s collateral", types.ErrUnderwaterPosition, key, borrowed.USD, supplied.USD)
	}
	return types.Valuation{
		USD:      supplied.USD.Sub(borrowed.USD),
		PricedAt: types.OldestTime(supplied.PricedAt, borrowed.PricedAt),
	}, nil
}

func (e *Engine) receiptValue(r types.ReceiptPosition) (types.Valuation, error) {
	if e.ratios == nil {
		return types.Valuation{}, fmt.Errorf("%w: no share ratio source for vault %s", types.ErrInvalidParameter, r.VaultID)
	}
	if r.Shares.IsNil() || r.Shares.IsNegative() {
		return types.Valuation{}, fmt.Errorf("%w: receipt shares %s", types.ErrInvariantViolation, r.Shares)
	}
	ratio, valuedAt, err := e.ratios.ShareRatio(r.VaultID)
	if err != nil {
		return types.Valuation{}, fmt.Errorf("share ratio of %s: %w", r.VaultID, err)
	}
	return types.Valuation{USD: r.Shares.Mul(ratio), PricedAt: valuedAt}, nil
}
