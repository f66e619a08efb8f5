// Package metrics exposes Prometheus collectors for the vault, the oracle cache,
// operations and the keeper loop.
package metrics

import (
	"net/http"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elys-network/vaultkeeper/internal/oracle"
	"github.com/elys-network/vaultkeeper/internal/utils"
	"github.com/elys-network/vaultkeeper/internal/vault"
)

const namespace = "vaultkeeper"

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	// Vault
	TotalUSD        *prometheus.GaugeVec
	ShareRatio      *prometheus.GaugeVec
	TotalShares     *prometheus.GaugeVec
	EpochLoss       *prometheus.GaugeVec
	EpochLossLimit  *prometheus.GaugeVec
	Status          *prometheus.GaugeVec
	QuarantineCount *prometheus.GaugeVec
	ValueStale      *prometheus.GaugeVec

	// Oracle
	PriceAge      *prometheus.GaugeVec
	RefreshErrors *prometheus.CounterVec

	// Operations
	Operations        *prometheus.CounterVec
	OperationDuration prometheus.Histogram
	OperationLoss     prometheus.Counter
	Recoveries        prometheus.Counter
	StuckOperation    *prometheus.GaugeVec

	// Keeper
	KeeperCycles        *prometheus.CounterVec
	KeeperCycleDuration prometheus.Histogram
}

// New creates a Metrics instance with all collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TotalUSD: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "total_usd",
			Help:      "Sum of the last confirmed USD values of the vault's assets.",
		}, []string{"vault_id"}),
		ShareRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "share_ratio",
			Help:      "USD value per share.",
		}, []string{"vault_id"}),
		TotalShares: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "total_shares",
			Help:      "Shares outstanding.",
		}, []string{"vault_id"}),
		EpochLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "epoch_loss_usd",
			Help:      "Loss recorded in the current epoch.",
		}, []string{"vault_id"}),
		EpochLossLimit: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "epoch_loss_limit_usd",
			Help:      "Loss allowed in the current epoch under the current tolerance.",
		}, []string{"vault_id"}),
		Status: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "status",
			Help:      "Vault status: 0 normal, 1 during operation, 2 disabled.",
		}, []string{"vault_id"}),
		QuarantineCount: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "quarantined_assets",
			Help:      "Assets excluded from accounting by a recovery.",
		}, []string{"vault_id"}),
		ValueStale: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "value_stale",
			Help:      "1 when the total value cannot be computed from fresh values.",
		}, []string{"vault_id"}),

		PriceAge: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "price_age_seconds",
			Help:      "Age of the cached price per asset.",
		}, []string{"asset"}),
		RefreshErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "refresh_errors_total",
			Help:      "Rejected or failed price refreshes per asset.",
		}, []string{"asset"}),

		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "total",
			Help:      "Operations by outcome.",
		}, []string{"outcome"}),
		OperationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "duration_seconds",
			Help:      "Time from operation start to reconcile.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		OperationLoss: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "loss_usd_total",
			Help:      "Cumulative loss recorded by reconciled operations.",
		}),
		Recoveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "recoveries_total",
			Help:      "Forced recoveries.",
		}),
		StuckOperation: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "stuck",
			Help:      "1 while the in-flight operation exceeds its maximum duration.",
		}, []string{"vault_id"}),

		KeeperCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "cycles_total",
			Help:      "Keeper cycles by result.",
		}, []string{"result"}),
		KeeperCycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of keeper cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func decFloat(d sdkmath.LegacyDec) float64 {
	f, err := utils.DecToFloat64(d)
	if err != nil {
		return 0
	}
	return f
}

// ObserveVault records a vault summary.
func (m *Metrics) ObserveVault(s vault.Summary) {
	if m == nil {
		return
	}
	id := s.VaultID
	m.Status.WithLabelValues(id).Set(float64(s.Status))
	m.QuarantineCount.WithLabelValues(id).Set(float64(s.QuarantineCount))
	m.TotalShares.WithLabelValues(id).Set(decFloat(s.TotalShares))
	m.EpochLoss.WithLabelValues(id).Set(decFloat(s.EpochLoss.Loss))
	m.EpochLossLimit.WithLabelValues(id).Set(decFloat(s.EpochLossLimit))

	if s.TotalUSD == nil || s.ShareRatio == nil {
		m.ValueStale.WithLabelValues(id).Set(1)
		return
	}
	m.ValueStale.WithLabelValues(id).Set(0)
	m.TotalUSD.WithLabelValues(id).Set(decFloat(*s.TotalUSD))
	m.ShareRatio.WithLabelValues(id).Set(decFloat(*s.ShareRatio))
}

// ObservePrices records the age of every cached price.
func (m *Metrics) ObservePrices(bindings []oracle.Binding, now time.Time) {
	if m == nil {
		return
	}
	for _, b := range bindings {
		if b.PriceTimestamp.IsZero() {
			continue
		}
		m.PriceAge.WithLabelValues(b.Asset).Set(now.Sub(b.PriceTimestamp).Seconds())
	}
}

// RefreshFailed counts a rejected price refresh.
func (m *Metrics) RefreshFailed(asset string) {
	if m == nil {
		return
	}
	m.RefreshErrors.WithLabelValues(asset).Inc()
}

// OperationFinished records an operation outcome ("completed", "failed", "recovered").
func (m *Metrics) OperationFinished(outcome string, duration time.Duration, loss sdkmath.LegacyDec) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(outcome).Inc()
	m.OperationDuration.Observe(duration.Seconds())
	if !loss.IsNil() && loss.IsPositive() {
		m.OperationLoss.Add(decFloat(loss))
	}
	if outcome == "recovered" {
		m.Recoveries.Inc()
	}
}

// SetStuck flags or clears a stuck operation.
func (m *Metrics) SetStuck(vaultID string, stuck bool) {
	if m == nil {
		return
	}
	v := 0.0
	if stuck {
		v = 1
	}
	m.StuckOperation.WithLabelValues(vaultID).Set(v)
}

// KeeperCycle records one keeper cycle.
func (m *Metrics) KeeperCycle(ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.KeeperCycles.WithLabelValues(result).Inc()
	m.KeeperCycleDuration.Observe(duration.Seconds())
}
