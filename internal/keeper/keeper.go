package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultkeeper/internal/logger"
	"github.com/elys-network/vaultkeeper/internal/metrics"
	"github.com/elys-network/vaultkeeper/internal/oracle"
	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/vault"
)

// PriceOracle is the part of the oracle cache the keeper drives.
type PriceOracle interface {
	Refresh(ctx context.Context, asset string) error
	Bindings() []oracle.Binding
}

// PriceMirror publishes fresh prices for readers outside this process.
type PriceMirror interface {
	PublishAll(ctx context.Context, bindings []oracle.Binding, now time.Time) (int, error)
}

// Store persists what the keeper observes.
type Store interface {
	SaveEpochLoss(vaultID string, e types.EpochLoss) error
	SavePriceObservations(o []types.PriceObservation) (int, error)
}

// StuckChecker reports an operation that has run for too long.
type StuckChecker interface {
	CheckStuck(now time.Time) error
}

// Keeper keeps the oracle cache and the vault's asset values fresh.
type Keeper struct {
	logger  zerolog.Logger
	vault   vault.VaultManager
	oracle  PriceOracle
	valuer  vault.AssetValuer
	mirror  PriceMirror
	store   Store
	stuck   StuckChecker
	metrics *metrics.Metrics
	now     func() time.Time

	cycleCount   int
	lastObserved map[string]time.Time
}

// Config holds the dependencies of a Keeper. Mirror, Store, Stuck and Metrics are optional.
type Config struct {
	Vault   vault.VaultManager
	Oracle  PriceOracle
	Valuer  vault.AssetValuer
	Mirror  PriceMirror
	Store   Store
	Stuck   StuckChecker
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// NewKeeper creates a keeper with dependency injection.
func NewKeeper(cfg Config) (*Keeper, error) {
	if err := validateKeeperConfig(cfg); err != nil {
		return nil, fmt.Errorf("keeper configuration validation failed: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	k := &Keeper{
		logger:       logger.GetForComponent("keeper").With().Str("vault_id", cfg.Vault.ID()).Logger(),
		vault:        cfg.Vault,
		oracle:       cfg.Oracle,
		valuer:       cfg.Valuer,
		mirror:       cfg.Mirror,
		store:        cfg.Store,
		stuck:        cfg.Stuck,
		metrics:      cfg.Metrics,
		now:          now,
		lastObserved: make(map[string]time.Time),
	}
	k.logger.Info().
		Bool("mirror", cfg.Mirror != nil).
		Bool("store", cfg.Store != nil).
		Msg("Keeper created")
	return k, nil
}

func validateKeeperConfig(cfg Config) error {
	if cfg.Vault == nil {
		return errors.New("vault cannot be nil")
	}
	if cfg.Oracle == nil {
		return errors.New("oracle cannot be nil")
	}
	if cfg.Valuer == nil {
		return errors.New("valuer cannot be nil")
	}
	return nil
}

// RunLoop runs a cycle immediately and then every interval until ctx is cancelled.
func (k *Keeper) RunLoop(ctx context.Context, interval time.Duration) {
	k.logger.Info().Dur("interval", interval).Msg("Starting keeper loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.runCounted(ctx)
	for {
		select {
		case <-ctx.Done():
			k.logger.Info().Msg("Keeper loop stopped due to context cancellation")
			return
		case <-ticker.C:
			k.runCounted(ctx)
		}
	}
}

func (k *Keeper) runCounted(ctx context.Context) {
	k.cycleCount++
	if err := k.RunCycle(ctx); err != nil {
		k.logger.Warn().Err(err).Int("cycle", k.cycleCount).Msg("Keeper cycle finished with errors")
		return
	}
	k.logger.Debug().Int("cycle", k.cycleCount).Msg("Keeper cycle completed")
}

// RunCycle refreshes prices, publishes them, revalues every held asset, reports and
// persists the loss budget. Individual failures do not stop the cycle; they are
// returned joined.
func (k *Keeper) RunCycle(ctx context.Context) error {
	start := k.now()
	cycleLogger := logger.WithCycle(k.logger, uuid.NewString())
	var errs []error

	// --- Step 1: prices ---
	for _, b := range k.oracle.Bindings() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := k.oracle.Refresh(ctx, b.Asset); err != nil {
			k.metrics.RefreshFailed(b.Asset)
			errs = append(errs, fmt.Errorf("refresh %s: %w", b.Asset, err))
		}
	}
	now := k.now()
	bindings := k.oracle.Bindings()
	k.metrics.ObservePrices(bindings, now)
	k.recordObservations(bindings, now, cycleLogger)

	if k.mirror != nil {
		n, err := k.mirror.PublishAll(ctx, bindings, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("mirror: %w", err))
		}
		cycleLogger.Debug().Int("published", n).Msg("Prices mirrored")
	}

	// --- Step 2: asset values ---
	revalued := 0
	for _, key := range k.vault.AssetKeys() {
		if err := k.vault.Revalue(ctx, key, k.valuer); err != nil {
			errs = append(errs, fmt.Errorf("revalue %s: %w", key, err))
			continue
		}
		revalued++
	}

	// --- Step 3: report and persist ---
	summary := k.vault.Summary()
	k.metrics.ObserveVault(summary)

	if k.stuck != nil {
		if err := k.stuck.CheckStuck(now); err != nil {
			cycleLogger.Error().Err(err).Msg("Operation is stuck, admin recovery may be required")
			errs = append(errs, err)
		}
	}

	if k.store != nil {
		if err := k.store.SaveEpochLoss(k.vault.ID(), summary.EpochLoss); err != nil {
			errs = append(errs, fmt.Errorf("persist epoch loss: %w", err))
		}
	}

	event := cycleLogger.Info()
	if summary.TotalUSD != nil {
		event = event.Str("total_usd", summary.TotalUSD.String()).Str("share_ratio", summary.ShareRatio.String())
	} else {
		event = event.Str("value_error", summary.ValueError)
	}
	event.
		Str("status", summary.Status.String()).
		Int("revalued", revalued).
		Int("errors", len(errs)).
		Dur("duration", k.now().Sub(start)).
		Msg("Keeper cycle")

	k.metrics.KeeperCycle(len(errs) == 0, k.now().Sub(start))
	return errors.Join(errs...)
}

// recordObservations persists prices the keeper has not stored yet.
func (k *Keeper) recordObservations(bindings []oracle.Binding, now time.Time, log zerolog.Logger) {
	if k.store == nil {
		return
	}
	var fresh []types.PriceObservation
	for _, b := range bindings {
		if b.PriceTimestamp.IsZero() || !b.PriceTimestamp.After(k.lastObserved[b.Asset]) {
			continue
		}
		fresh = append(fresh, types.PriceObservation{
			Asset:       b.Asset,
			FeedID:      b.FeedID,
			Price:       b.Price,
			Decimals:    b.Decimals,
			PublishedAt: b.PriceTimestamp,
			ObservedAt:  now,
		})
	}
	if len(fresh) == 0 {
		return
	}
	if _, err := k.store.SavePriceObservations(fresh); err != nil {
		log.Error().Err(err).Msg("Failed to persist price observations")
		return
	}
	for _, o := range fresh {
		k.lastObserved[o.Asset] = o.PublishedAt
	}
}

// CycleCount returns the number of cycles run by RunLoop.
func (k *Keeper) CycleCount() int {
	return k.cycleCount
}
