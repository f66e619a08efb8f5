package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultkeeper/internal/logger"
)

// MirrorKeyPrefix namespaces mirrored bindings in Redis.
const MirrorKeyPrefix = "vaultkeeper:price:"

// ErrNotMirrored is returned when no live mirror entry exists for an asset.
var ErrNotMirrored = errors.New("price not mirrored")

// Mirror publishes fresh bindings to Redis for out-of-process readers. Entries expire
// exactly when the cached price turns stale.
type Mirror struct {
	client       redis.Cmdable
	maxStaleness time.Duration
	logger       zerolog.Logger
}

// NewMirror wraps a Redis client.
func NewMirror(client redis.Cmdable, maxStaleness time.Duration) *Mirror {
	return &Mirror{
		client:       client,
		maxStaleness: maxStaleness,
		logger:       logger.GetForComponent("price_mirror"),
	}
}

// MirrorKey returns the Redis key of asset.
func MirrorKey(asset string) string {
	return MirrorKeyPrefix + asset
}

// Publish writes b with a TTL of the remaining freshness. A binding that is already
// stale is not written.
func (m *Mirror) Publish(ctx context.Context, b Binding, now time.Time) (bool, error) {
	if b.PriceTimestamp.IsZero() {
		return false, nil
	}
	ttl := m.maxStaleness - now.Sub(b.PriceTimestamp)
	if ttl <= 0 {
		return false, nil
	}

	payload, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("failed to marshal binding for %s: %w", b.Asset, err)
	}
	if err := m.client.Set(ctx, MirrorKey(b.Asset), payload, ttl).Err(); err != nil {
		return false, fmt.Errorf("failed to mirror price for %s: %w", b.Asset, err)
	}
	return true, nil
}

// PublishAll mirrors every fresh binding and returns how many were written.
func (m *Mirror) PublishAll(ctx context.Context, bindings []Binding, now time.Time) (int, error) {
	var errs []error
	written := 0
	for _, b := range bindings {
		ok, err := m.Publish(ctx, b, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			written++
		}
	}
	if len(errs) > 0 {
		m.logger.Warn().Int("failed", len(errs)).Int("written", written).Msg("Price mirror partially failed")
	}
	return written, errors.Join(errs...)
}

// Lookup reads the mirrored binding of asset.
func (m *Mirror) Lookup(ctx context.Context, asset string) (*Binding, error) {
	raw, err := m.client.Get(ctx, MirrorKey(asset)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotMirrored, asset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mirrored price for %s: %w", asset, err)
	}
	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to decode mirrored price for %s: %w", asset, err)
	}
	return &b, nil
}
