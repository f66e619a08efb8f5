// Package oracle caches third-party prices per asset and serves them to the valuation
// layer under a staleness bound.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultkeeper/internal/logger"
	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/utils"
)

// Quote is a raw read from an external price aggregator.
type Quote struct {
	Price      sdkmath.LegacyDec `json:"price"`
	Timestamp  time.Time         `json:"timestamp"`
	Confidence sdkmath.LegacyDec `json:"confidence"`
}

// Feed resolves the latest quote for an aggregator reference.
type Feed interface {
	Latest(ctx context.Context, feedID string) (Quote, error)
}

// MetadataSource reports the on-chain decimals of an asset.
type MetadataSource interface {
	Decimals(ctx context.Context, asset string) (uint8, error)
}

// Guard refuses configuration changes while assets are checked out. fn runs with
// operations held off; it is not called while one is in flight.
type Guard interface {
	WhileNotDuringOperation(fn func() error) error
}

// Binding is the cached state of one registered asset.
type Binding struct {
	Asset          string            `json:"asset"`
	FeedID         string            `json:"feed_id"`
	Decimals       uint8             `json:"decimals"`
	Price          sdkmath.LegacyDec `json:"price"`
	PriceTimestamp time.Time         `json:"price_timestamp"`
	Confidence     sdkmath.LegacyDec `json:"confidence"`
}

// Config tunes the freshness and sanity checks of the cache.
type Config struct {
	MaxStaleness time.Duration
	// MaxClockSkew tolerates feed timestamps slightly ahead of the local clock.
	MaxClockSkew time.Duration
	// MaxConfidenceRatio rejects quotes whose confidence interval exceeds this fraction
	// of the price. Zero disables the check.
	MaxConfidenceRatio sdkmath.LegacyDec
	Now                func() time.Time
}

// DefaultConfig returns a config with a 2% confidence bound and 5s skew tolerance.
func DefaultConfig(maxStaleness time.Duration) Config {
	return Config{
		MaxStaleness:       maxStaleness,
		MaxClockSkew:       5 * time.Second,
		MaxConfidenceRatio: sdkmath.LegacyNewDecWithPrec(2, 2),
		Now:                time.Now,
	}
}

// Cache holds the oracle bindings. Reads take a read lock; feed and metadata calls are
// made without holding any lock.
type Cache struct {
	mu       sync.RWMutex
	bindings map[string]*Binding

	feed     Feed
	metadata MetadataSource
	guard    Guard
	cfg      Config
	logger   zerolog.Logger
}

// NewCache builds an empty cache. The guard may be attached later with SetGuard.
func NewCache(feed Feed, metadata MetadataSource, guard Guard, cfg Config) (*Cache, error) {
	if feed == nil || metadata == nil {
		return nil, errors.New("oracle: feed and metadata source are required")
	}
	if cfg.MaxStaleness <= 0 {
		return nil, fmt.Errorf("%w: max staleness must be positive", types.ErrInvalidParameter)
	}
	if cfg.MaxClockSkew < 0 {
		return nil, fmt.Errorf("%w: clock skew must not be negative", types.ErrInvalidParameter)
	}
	if cfg.MaxConfidenceRatio.IsNil() {
		cfg.MaxConfidenceRatio = sdkmath.LegacyZeroDec()
	}
	if cfg.MaxConfidenceRatio.IsNegative() {
		return nil, fmt.Errorf("%w: confidence ratio must not be negative", types.ErrInvalidParameter)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		bindings: make(map[string]*Binding),
		feed:     feed,
		metadata: metadata,
		guard:    guard,
		cfg:      cfg,
		logger:   logger.GetForComponent("oracle_cache"),
	}, nil
}

// SetGuard attaches the vault that gates configuration changes.
func (c *Cache) SetGuard(g Guard) {
	c.mu.Lock()
	c.guard = g
	c.mu.Unlock()
}

// MaxStaleness returns the staleness window.
func (c *Cache) MaxStaleness() time.Duration {
	return c.cfg.MaxStaleness
}

func (c *Cache) assertConfigurable() error {
	c.mu.RLock()
	g := c.guard
	c.mu.RUnlock()
	if g == nil {
		return nil
	}
	return g.WhileNotDuringOperation(func() error { return nil })
}

// configure runs commit under the write lock while the guard keeps operations from
// starting.
func (c *Cache) configure(commit func() error) error {
	c.mu.RLock()
	g := c.guard
	c.mu.RUnlock()
	locked := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		return commit()
	}
	if g == nil {
		return locked()
	}
	return g.WhileNotDuringOperation(locked)
}

// Register binds asset to an aggregator feed. The declared decimals must match the
// asset's metadata.
func (c *Cache) Register(ctx context.Context, asset, feedID string, decimals uint8) error {
	asset = strings.TrimSpace(asset)
	feedID = strings.TrimSpace(feedID)
	if asset == "" || feedID == "" {
		return fmt.Errorf("%w: asset and feed id are required", types.ErrInvalidParameter)
	}
	if decimals > utils.MaxDecimals {
		return fmt.Errorf("%w: %d decimals exceeds %d", types.ErrDecimalMismatch, decimals, utils.MaxDecimals)
	}
	if err := c.assertConfigurable(); err != nil {
		return err
	}

	actual, err := c.metadata.Decimals(ctx, asset)
	if err != nil {
		return fmt.Errorf("failed to read metadata for %s: %w", asset, err)
	}
	if actual != decimals {
		return fmt.Errorf("%w: %s declared %d decimals, metadata reports %d", types.ErrDecimalMismatch, asset, decimals, actual)
	}

	err = c.configure(func() error {
		if _, exists := c.bindings[asset]; exists {
			return fmt.Errorf("%w: %s", types.ErrAssetExists, asset)
		}
		c.bindings[asset] = &Binding{
			Asset:      asset,
			FeedID:     feedID,
			Decimals:   decimals,
			Price:      sdkmath.LegacyZeroDec(),
			Confidence: sdkmath.LegacyZeroDec(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Info().Str("asset", asset).Str("feed_id", feedID).Uint8("decimals", decimals).Msg("Registered oracle binding")
	return nil
}

// UpdateFeed points asset at a different aggregator feed and drops the cached price.
func (c *Cache) UpdateFeed(asset, feedID string) error {
	feedID = strings.TrimSpace(feedID)
	if feedID == "" {
		return fmt.Errorf("%w: feed id is required", types.ErrInvalidParameter)
	}
	err := c.configure(func() error {
		b, ok := c.bindings[asset]
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrUnknownAsset, asset)
		}
		b.FeedID = feedID
		b.Price = sdkmath.LegacyZeroDec()
		b.Confidence = sdkmath.LegacyZeroDec()
		b.PriceTimestamp = time.Time{}
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Info().Str("asset", asset).Str("feed_id", feedID).Msg("Updated oracle feed")
	return nil
}

// Deregister removes the binding of asset.
func (c *Cache) Deregister(asset string) error {
	err := c.configure(func() error {
		if _, ok := c.bindings[asset]; !ok {
			return fmt.Errorf("%w: %s", types.ErrUnknownAsset, asset)
		}
		delete(c.bindings, asset)
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Info().Str("asset", asset).Msg("Deregistered oracle binding")
	return nil
}

// Refresh pulls the latest quote for asset. A quote older than the cached one is
// ignored so the cache never moves backwards in time.
func (c *Cache) Refresh(ctx context.Context, asset string) error {
	c.mu.RLock()
	b, ok := c.bindings[asset]
	var feedID string
	if ok {
		feedID = b.FeedID
	}
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownAsset, asset)
	}

	quote, err := c.feed.Latest(ctx, feedID)
	if err != nil {
		return fmt.Errorf("failed to read feed %s for %s: %w", feedID, asset, err)
	}
	if err := c.validateQuote(quote); err != nil {
		return fmt.Errorf("rejected quote for %s: %w", asset, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok = c.bindings[asset]
	if !ok || b.FeedID != feedID {
		// Rebound or removed while the feed was being read.
		return nil
	}
	if quote.Timestamp.Before(b.PriceTimestamp) {
		c.logger.Debug().
			Str("asset", asset).
			Time("cached", b.PriceTimestamp).
			Time("quote", quote.Timestamp).
			Msg("Ignoring out-of-order quote")
		return nil
	}

	b.Price = quote.Price
	b.PriceTimestamp = quote.Timestamp
	if quote.Confidence.IsNil() {
		b.Confidence = sdkmath.LegacyZeroDec()
	} else {
		b.Confidence = quote.Confidence
	}

	c.logger.Debug().Str("asset", asset).Str("price", quote.Price.String()).Time("timestamp", quote.Timestamp).Msg("Price refreshed")
	return nil
}

func (c *Cache) validateQuote(q Quote) error {
	if q.Price.IsNil() || !q.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", types.ErrInvalidPrice)
	}
	if !q.Confidence.IsNil() {
		if q.Confidence.IsNegative() {
			return fmt.Errorf("%w: negative confidence", types.ErrInvalidPrice)
		}
		if c.cfg.MaxConfidenceRatio.IsPositive() && q.Confidence.GT(q.Price.Mul(c.cfg.MaxConfidenceRatio)) {
			return fmt.Errorf("%w: confidence %s too wide for price %s", types.ErrInvalidPrice, q.Confidence, q.Price)
		}
	}
	if q.Timestamp.IsZero() {
		return fmt.Errorf("%w: quote has no timestamp", types.ErrStalePrice)
	}
	now := c.cfg.Now()
	if q.Timestamp.Sub(now) > c.cfg.MaxClockSkew {
		return fmt.Errorf("%w: quote timestamp %s is in the future", types.ErrStalePrice, q.Timestamp)
	}
	if now.Sub(q.Timestamp) >= c.cfg.MaxStaleness {
		return fmt.Errorf("%w: quote published at %s", types.ErrStalePrice, q.Timestamp)
	}
	return nil
}

// RefreshAll refreshes every binding and joins the failures.
func (c *Cache) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, asset := range c.assets() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Refresh(ctx, asset); err != nil {
			c.logger.Warn().Err(err).Str("asset", asset).Msg("Failed to refresh price")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) assets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	assets := make([]string, 0, len(c.bindings))
	for a := range c.bindings {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	return assets
}

// Price returns the cached USD price of one whole token of asset.
func (c *Cache) Price(asset string) (sdkmath.LegacyDec, error) {
	b, err := c.freshBinding(asset)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	return b.Price, nil
}

// NormalizedPrice returns the price scaled to the 9-decimal reference token.
func (c *Cache) NormalizedPrice(asset string) (sdkmath.LegacyDec, error) {
	b, err := c.freshBinding(asset)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	return utils.NormalizePrice(b.Price, b.Decimals)
}

// NormalizedQuote returns the normalized price together with the feed's publish time.
func (c *Cache) NormalizedQuote(asset string) (sdkmath.LegacyDec, time.Time, error) {
	b, err := c.freshBinding(asset)
	if err != nil {
		return sdkmath.LegacyDec{}, time.Time{}, err
	}
	n, err := utils.NormalizePrice(b.Price, b.Decimals)
	if err != nil {
		return sdkmath.LegacyDec{}, time.Time{}, err
	}
	return n, b.PriceTimestamp, nil
}

// Decimals returns the registered decimals of asset.
func (c *Cache) Decimals(asset string) (uint8, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bindings[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrUnknownAsset, asset)
	}
	return b.Decimals, nil
}

func (c *Cache) freshBinding(asset string) (Binding, error) {
	c.mu.RLock()
	b, ok := c.bindings[asset]
	var snapshot Binding
	if ok {
		snapshot = *b
	}
	c.mu.RUnlock()

	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", types.ErrUnknownAsset, asset)
	}
	if snapshot.PriceTimestamp.IsZero() {
		return Binding{}, fmt.Errorf("%w: %s has never been refreshed", types.ErrStalePrice, asset)
	}
	if age := c.cfg.Now().Sub(snapshot.PriceTimestamp); age >= c.cfg.MaxStaleness {
		return Binding{}, fmt.Errorf("%w: %s price is %s old", types.ErrStalePrice, asset, age)
	}
	if snapshot.Price.IsNil() || !snapshot.Price.IsPositive() {
		return Binding{}, fmt.Errorf("%w: %s cached price %s", types.ErrInvalidPrice, asset, snapshot.Price)
	}
	return snapshot, nil
}

// Bindings returns a snapshot of every binding ordered by asset.
func (c *Cache) Bindings() []Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
