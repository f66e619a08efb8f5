package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultkeeper/internal/oracle"
	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/vault"
)

func TestObserveVault(t *testing.T) {
	m := New()
	total := sdkmath.LegacyNewDec(1_500_000)
	ratio := sdkmath.LegacyMustNewDecFromStr("1.25")

	m.ObserveVault(vault.Summary{
		VaultID:        "vault-1",
		Status:         types.StatusDuringOperation,
		TotalUSD:       &total,
		ShareRatio:     &ratio,
		TotalShares:    sdkmath.LegacyNewDec(1_200_000),
		EpochLoss:      types.EpochLoss{Loss: sdkmath.LegacyNewDec(250)},
		EpochLossLimit: sdkmath.LegacyNewDec(1_500),
	})

	assert.Equal(t, 1_500_000.0, testutil.ToFloat64(m.TotalUSD.WithLabelValues("vault-1")))
	assert.Equal(t, 1.25, testutil.ToFloat64(m.ShareRatio.WithLabelValues("vault-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Status.WithLabelValues("vault-1")))
	assert.Equal(t, 250.0, testutil.ToFloat64(m.EpochLoss.WithLabelValues("vault-1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ValueStale.WithLabelValues("vault-1")))

	m.ObserveVault(vault.Summary{VaultID: "vault-1", TotalShares: sdkmath.LegacyZeroDec(), EpochLossLimit: sdkmath.LegacyZeroDec()})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValueStale.WithLabelValues("vault-1")))
	assert.Equal(t, 1_500_000.0, testutil.ToFloat64(m.TotalUSD.WithLabelValues("vault-1")), "a stale summary keeps the last value")
}

func TestOperationAndKeeperCounters(t *testing.T) {
	m := New()
	m.OperationFinished("completed", 30*time.Second, sdkmath.LegacyNewDec(12))
	m.OperationFinished("recovered", time.Hour, sdkmath.LegacyDec{})
	m.KeeperCycle(true, time.Second)
	m.KeeperCycle(false, time.Second)
	m.RefreshFailed("sui")
	m.SetStuck("vault-1", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("completed")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.OperationLoss))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recoveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeeperCycles.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefreshErrors.WithLabelValues("sui")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StuckOperation.WithLabelValues("vault-1")))
}

func TestObservePricesAndHandler(t *testing.T) {
	m := New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.ObservePrices([]oracle.Binding{
		{Asset: "sui", PriceTimestamp: now.Add(-20 * time.Second)},
		{Asset: "never"},
	}, now)
	assert.Equal(t, 20.0, testutil.ToFloat64(m.PriceAge.WithLabelValues("sui")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vaultkeeper_oracle_price_age_seconds")
	assert.NotContains(t, rec.Body.String(), `asset="never"`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveVault(vault.Summary{})
		m.KeeperCycle(true, time.Second)
		m.SetStuck("v", true)
		m.RefreshFailed("a")
		m.OperationFinished("failed", time.Second, sdkmath.LegacyDec{})
	})
}
