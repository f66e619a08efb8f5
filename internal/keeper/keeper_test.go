package keeper

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultkeeper/internal/metrics"
	"github.com/elys-network/vaultkeeper/internal/oracle"
	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/utils"
	"github.com/elys-network/vaultkeeper/internal/valuation"
	"github.com/elys-network/vaultkeeper/internal/vault"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeOracle struct {
	bindings map[string]*oracle.Binding
	failing  map[string]error
}

func (f *fakeOracle) Refresh(_ context.Context, asset string) error {
	if err := f.failing[asset]; err != nil {
		return err
	}
	f.bindings[asset].PriceTimestamp = t0
	return nil
}

func (f *fakeOracle) Bindings() []oracle.Binding {
	out := make([]oracle.Binding, 0, len(f.bindings))
	for _, asset := range []string{"sui", "usdc"} {
		if b, ok := f.bindings[asset]; ok {
			out = append(out, *b)
		}
	}
	return out
}

func (f *fakeOracle) NormalizedQuote(asset string) (sdkmath.LegacyDec, time.Time, error) {
	b, ok := f.bindings[asset]
	if !ok || b.PriceTimestamp.IsZero() {
		return sdkmath.LegacyDec{}, time.Time{}, types.ErrStalePrice
	}
	n, err := utils.NormalizePrice(b.Price, b.Decimals)
	return n, b.PriceTimestamp, err
}

type fakeMirror struct{ published int }

func (m *fakeMirror) PublishAll(_ context.Context, bindings []oracle.Binding, _ time.Time) (int, error) {
	m.published += len(bindings)
	return len(bindings), nil
}

type fakeStore struct {
	losses       []types.EpochLoss
	observations []types.PriceObservation
}

func (s *fakeStore) SaveEpochLoss(_ string, e types.EpochLoss) error {
	s.losses = append(s.losses, e)
	return nil
}

func (s *fakeStore) SavePriceObservations(o []types.PriceObservation) (int, error) {
	s.observations = append(s.observations, o...)
	return len(o), nil
}

type stuckAlways struct{}

func (stuckAlways) CheckStuck(time.Time) error { return types.ErrStuckOperationState }

type fixture struct {
	keeper  *Keeper
	vault   *vault.Vault
	oracle  *fakeOracle
	mirror  *fakeMirror
	store   *fakeStore
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, stuck StuckChecker) *fixture {
	t.Helper()
	now := func() time.Time { return t0 }
	o := &fakeOracle{
		bindings: map[string]*oracle.Binding{
			"usdc": {Asset: "usdc", FeedID: "feed-usdc", Decimals: 6, Price: sdkmath.LegacyOneDec()},
			"sui":  {Asset: "sui", FeedID: "feed-sui", Decimals: 9, Price: sdkmath.LegacyMustNewDecFromStr("2.5")},
		},
		failing: map[string]error{},
	}
	v, _, err := vault.New(vault.Options{
		ID:             "vault-1",
		PrincipalAsset: "usdc",
		Params: types.VaultParameters{
			ValueFreshness:   time.Minute,
			EpochDuration:    24 * time.Hour,
			RecoveryCooldown: time.Hour,
		},
		OracleStaleness: time.Minute,
		Prices:          o,
		Now:             now,
	}, []types.AssetEntry{
		{Key: vault.DefaultPrincipalKey, Kind: types.AssetKindCoin, Asset: "usdc", Balance: sdkmath.NewInt(1_000_000_000_000)},
		{Key: "sui", Kind: types.AssetKindCoin, Asset: "sui", Balance: sdkmath.NewInt(4_000_000_000)},
	})
	require.NoError(t, err)

	engine, err := valuation.NewEngine(o, nil, sdkmath.LegacyOneDec())
	require.NoError(t, err)

	f := &fixture{vault: v, oracle: o, mirror: &fakeMirror{}, store: &fakeStore{}, metrics: metrics.New()}
	f.keeper, err = NewKeeper(Config{
		Vault:   v,
		Oracle:  o,
		Valuer:  engine,
		Mirror:  f.mirror,
		Store:   f.store,
		Stuck:   stuck,
		Metrics: f.metrics,
		Now:     now,
	})
	require.NoError(t, err)
	return f
}

func TestNewKeeperValidates(t *testing.T) {
	_, err := NewKeeper(Config{})
	assert.Error(t, err)
}

func TestRunCycleRefreshesAndRevalues(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.keeper.RunCycle(context.Background()))

	total, err := f.vault.TotalUSDValue()
	require.NoError(t, err)
	// 1,000,000 USDC + 4 SUI at 2.5
	assert.True(t, total.Equal(sdkmath.LegacyNewDec(1_000_010)), "got %s", total)

	assert.Equal(t, 2, f.mirror.published)
	assert.Len(t, f.store.observations, 2)
	require.Len(t, f.store.losses, 1)
	assert.Equal(t, 1_000_010.0, testutil.ToFloat64(f.metrics.TotalUSD.WithLabelValues("vault-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.KeeperCycles.WithLabelValues("ok")))

	// Unchanged prices are not stored twice.
	require.NoError(t, f.keeper.RunCycle(context.Background()))
	assert.Len(t, f.store.observations, 2)
	assert.Len(t, f.store.losses, 2)
}

func TestRunCycleContinuesPastFailures(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("feed down")
	f.oracle.failing["sui"] = boom

	err := f.keeper.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, types.ErrStalePrice, "sui cannot be revalued without a price")

	principal, err := f.vault.Asset(vault.DefaultPrincipalKey)
	require.NoError(t, err)
	assert.True(t, principal.USDValue.Equal(sdkmath.LegacyNewDec(1_000_000)))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RefreshErrors.WithLabelValues("sui")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ValueStale.WithLabelValues("vault-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.KeeperCycles.WithLabelValues("error")))
	assert.Len(t, f.store.losses, 1, "the loss budget is persisted even on a degraded cycle")
}

func TestRunCycleReportsStuckOperation(t *testing.T) {
	f := newFixture(t, stuckAlways{})
	err := f.keeper.RunCycle(context.Background())
	assert.ErrorIs(t, err, types.ErrStuckOperationState)
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		f.keeper.RunLoop(ctx, time.Hour)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("keeper loop did not stop")
	}
	assert.Equal(t, 1, f.keeper.CycleCount())
}
