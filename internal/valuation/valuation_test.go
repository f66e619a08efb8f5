package valuation

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/utils"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type quote struct {
	price    string
	decimals uint8
}

type fakePrices map[string]quote

func (f fakePrices) NormalizedQuote(asset string) (sdkmath.LegacyDec, time.Time, error) {
	q, ok := f[asset]
	if !ok {
		return sdkmath.LegacyDec{}, time.Time{}, types.ErrUnknownAsset
	}
	n, err := utils.NormalizePrice(sdkmath.LegacyMustNewDecFromStr(q.price), q.decimals)
	if err != nil {
		return sdkmath.LegacyDec{}, time.Time{}, err
	}
	return n, t0, nil
}

// datedPrices overrides the publish time of some assets.
type datedPrices struct {
	fakePrices
	at map[string]time.Time
}

func (d datedPrices) NormalizedQuote(asset string) (sdkmath.LegacyDec, time.Time, error) {
	n, publishedAt, err := d.fakePrices.NormalizedQuote(asset)
	if at, ok := d.at[asset]; ok {
		publishedAt = at
	}
	return n, publishedAt, err
}

type fixedRatio string

func (r fixedRatio) ValuedShareRatio() (sdkmath.LegacyDec, time.Time, error) {
	return sdkmath.LegacyMustNewDecFromStr(string(r)), t0.Add(-time.Minute), nil
}

func newEngine(t *testing.T, prices PriceSource) *Engine {
	t.Helper()
	dir := NewDirectory()
	dir.Add("vault-2", fixedRatio("1.2"))
	e, err := NewEngine(prices, dir, sdkmath.LegacyMustNewDecFromStr("1.1"))
	require.NoError(t, err)
	return e
}

func usdc(n int64) sdkmath.Int { return sdkmath.NewInt(n).Mul(utils.PowerOfTen(6)) }
func sui(n int64) sdkmath.Int  { return sdkmath.NewInt(n).Mul(utils.PowerOfTen(9)) }

func TestValueCoinSixDecimals(t *testing.T) {
	e := newEngine(t, fakePrices{"usdc": {"1", 6}})
	v, err := e.Value(context.Background(), types.AssetEntry{Key: "principal", Kind: types.AssetKindCoin, Asset: "usdc", Balance: usdc(1_000_000)})
	require.NoError(t, err)
	assert.True(t, v.USD.Equal(sdkmath.LegacyNewDec(1_000_000)), "got %s", v.USD)
	assert.Equal(t, t0, v.PricedAt)
}

func TestValueLendingPosition(t *testing.T) {
	e := newEngine(t, fakePrices{"usdc": {"1", 6}, "sui": {"2", 9}})
	entry := types.AssetEntry{
		Key:  "navi",
		Kind: types.AssetKindLending,
		Lending: &types.LendingPosition{
			Supplies: []types.PositionLeg{{Asset: "usdc", Amount: usdc(500_000), LiquidationThresholdBps: 8000}},
			Borrows:  []types.PositionLeg{{Asset: "sui", Amount: sui(50_000)}},
		},
	}
	v, err := e.Value(context.Background(), entry)
	require.NoError(t, err)
	assert.True(t, v.USD.Equal(sdkmath.LegacyNewDec(400_000)), "got %s", v.USD)
}

func TestUnderwaterLendingPositionFails(t *testing.T) {
	e := newEngine(t, fakePrices{"usdc": {"1", 6}, "sui": {"2", 9}})
	entry := types.AssetEntry{
		Key:  "navi",
		Kind: types.AssetKindLending,
		Lending: &types.LendingPosition{
			Supplies: []types.PositionLeg{{Asset: "usdc", Amount: usdc(100)}},
			Borrows:  []types.PositionLeg{{Asset: "sui", Amount: sui(51)}},
		},
	}
	_, err := e.Value(context.Background(), entry)
	assert.ErrorIs(t, err, types.ErrUnderwaterPosition)
	assert.ErrorIs(t, err, types.ErrInvariantViolation)
}

func TestMissingOrZeroPriceAbortsValuation(t *testing.T) {
	e := newEngine(t, fakePrices{"usdc": {"1", 6}, "dead": {"0", 9}})

	_, err := e.Value(context.Background(), types.AssetEntry{Kind: types.AssetKindCoin, Asset: "dead", Balance: sui(1)})
	assert.ErrorIs(t, err, types.ErrInvalidPrice)

	entry := types.AssetEntry{
		Kind: types.AssetKindLiquidity,
		Liquidity: &types.LiquidityPosition{
			LegA: types.PositionLeg{Asset: "usdc", Amount: usdc(10)},
			LegB: types.PositionLeg{Asset: "unknown", Amount: sui(10)},
		},
	}
	_, err = e.Value(context.Background(), entry)
	assert.True(t, errors.Is(err, types.ErrUnknownAsset))
}

func TestValueLiquidityAndReceipt(t *testing.T) {
	e := newEngine(t, fakePrices{"usdc": {"1", 6}, "sui": {"2", 9}})

	v, err := e.Value(context.Background(), types.AssetEntry{
		Kind: types.AssetKindLiquidity,
		Liquidity: &types.LiquidityPosition{
			Pool: "sui-usdc",
			LegA: types.PositionLeg{Asset: "usdc", Amount: usdc(100)},
			LegB: types.PositionLeg{Asset: "sui", Amount: sui(50)},
		},
	})
	require.NoError(t, err)
	assert.True(t, v.USD.Equal(sdkmath.LegacyNewDec(200)))

	v, err = e.Value(context.Background(), types.AssetEntry{
		Kind:    types.AssetKindReceipt,
		Receipt: &types.ReceiptPosition{VaultID: "vault-2", Shares: sdkmath.LegacyNewDec(100)},
	})
	require.NoError(t, err)
	assert.True(t, v.USD.Equal(sdkmath.LegacyNewDec(120)))
	assert.Equal(t, t0.Add(-time.Minute), v.PricedAt, "a receipt is as old as the nested vault's oldest value")

	_, err = e.Value(context.Background(), types.AssetEntry{
		Kind:    types.AssetKindReceipt,
		Receipt: &types.ReceiptPosition{VaultID: "vault-9", Shares: sdkmath.LegacyNewDec(1)},
	})
	assert.ErrorIs(t, err, types.ErrAssetNotFound)
}

func TestValueReportsOldestPriceTime(t *testing.T) {
	e := newEngine(t, datedPrices{
		fakePrices: fakePrices{"usdc": {"1", 6}, "sui": {"2", 9}},
		at:         map[string]time.Time{"usdc": t0.Add(-10 * time.Second), "sui": t0.Add(-50 * time.Second)},
	})

	v, err := e.Value(context.Background(), types.AssetEntry{
		Kind: types.AssetKindLiquidity,
		Liquidity: &types.LiquidityPosition{
			LegA: types.PositionLeg{Asset: "usdc", Amount: usdc(100)},
			LegB: types.PositionLeg{Asset: "sui", Amount: sui(50)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-50*time.Second), v.PricedAt)

	v, err = e.Value(context.Background(), types.AssetEntry{
		Key:  "navi",
		Kind: types.AssetKindLending,
		Lending: &types.LendingPosition{
			Supplies: []types.PositionLeg{{Asset: "usdc", Amount: usdc(500)}},
			Borrows:  []types.PositionLeg{{Asset: "sui", Amount: sui(10)}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-50*time.Second), v.PricedAt, "the debt leg's price counts too")

	v, err = e.Value(context.Background(), types.AssetEntry{Key: "idle", Kind: types.AssetKindLending, Lending: &types.LendingPosition{}})
	require.NoError(t, err)
	assert.True(t, v.USD.IsZero())
	assert.True(t, v.PricedAt.IsZero(), "an empty position uses no price")
}

func TestHealthFactor(t *testing.T) {
	e := newEngine(t, fakePrices{"usdc": {"1", 6}, "sui": {"2", 9}})
	position := types.LendingPosition{
		Supplies: []types.PositionLeg{{Asset: "usdc", Amount: usdc(1_000), LiquidationThresholdBps: 8000}},
		Borrows:  []types.PositionLeg{{Asset: "sui", Amount: sui(250)}},
	}

	hf, hasDebt, err := e.HealthFactor(position)
	require.NoError(t, err)
	assert.True(t, hasDebt)
	assert.True(t, hf.Equal(sdkmath.LegacyMustNewDecFromStr("1.6")), "got %s", hf)

	entry := types.AssetEntry{Key: "navi", Kind: types.AssetKindLending, Lending: &position}
	assert.NoError(t, e.CheckHealth(context.Background(), entry))

	position.Borrows[0].Amount = sui(390)
	assert.ErrorIs(t, e.CheckHealth(context.Background(), entry), types.ErrHealthFactorTooLow)

	_, hasDebt, err = e.HealthFactor(types.LendingPosition{Supplies: position.Supplies})
	require.NoError(t, err)
	assert.False(t, hasDebt)
}

func TestNewEngineRejectsMinimumBelowOne(t *testing.T) {
	_, err := NewEngine(fakePrices{}, nil, sdkmath.LegacyMustNewDecFromStr("0.9"))
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
