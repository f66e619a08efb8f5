/*
This file is used to fetch the latest price quotes from the price aggregator API.

A quote is only useful if it is fresh, so the fetcher retries a few times with a short
backoff and then gives up. A circuit breaker stops hammering an aggregator that keeps
failing; the oracle cache turns the resulting gap into stale prices, never into zeros.
*/

package datafetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/elys-network/vaultkeeper/internal/logger"
	"github.com/elys-network/vaultkeeper/internal/oracle"
	"github.com/elys-network/vaultkeeper/internal/utils"
)

var ErrInvalidPriceData = errors.New("invalid price data received")
var ErrAPIConfiguration = errors.New("API configuration error")

const (
	MAX_RETRIES     = 3
	TIMEOUT_SECONDS = 10

	breakerFailures = 5
	breakerCooldown = 30 * time.Second
)

// PriceFeedResponse is the aggregator payload. Decimal fields are strings so no
// precision is lost in JSON number parsing.
type PriceFeedResponse struct {
	FeedID     string `json:"feed_id"`
	Price      string `json:"price"`
	Confidence string `json:"confidence"`
	Timestamp  int64  `json:"timestamp"` // unix seconds, publish time at the aggregator
}

// HTTPPriceFeed implements oracle.Feed against GET {base}/feeds/{id}.
type HTTPPriceFeed struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	backoff time.Duration
	logger  zerolog.Logger
}

// NewHTTPPriceFeed builds a feed client for baseURL.
func NewHTTPPriceFeed(baseURL string) (*HTTPPriceFeed, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: price feed base URL is empty", ErrAPIConfiguration)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAPIConfiguration, err)
	}

	st := gobreaker.Settings{Name: "price_feed"}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= breakerFailures }
	st.Timeout = breakerCooldown

	feedLogger := logger.GetForComponent("price_feed")
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		feedLogger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Price feed circuit changed state")
	}

	return &HTTPPriceFeed{
		baseURL: baseURL,
		client:  &http.Client{Timeout: TIMEOUT_SECONDS * time.Second},
		breaker: gobreaker.NewCircuitBreaker(st),
		backoff: time.Second,
		logger:  feedLogger,
	}, nil
}

var _ oracle.Feed = (*HTTPPriceFeed)(nil)

// Latest fetches the current quote of feedID.
func (f *HTTPPriceFeed) Latest(ctx context.Context, feedID string) (oracle.Quote, error) {
	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetchWithRetry(ctx, feedID)
	})
	if err != nil {
		return oracle.Quote{}, err
	}
	return result.(oracle.Quote), nil
}

func (f *HTTPPriceFeed) fetchWithRetry(ctx context.Context, feedID string) (oracle.Quote, error) {
	endpoint := fmt.Sprintf("%s/feeds/%s", f.baseURL, url.PathEscape(feedID))

	var lastErr error
	for attempt := 1; attempt <= MAX_RETRIES; attempt++ {
		quote, err := f.fetchOnce(ctx, endpoint, feedID)
		if err == nil {
			return quote, nil
		}
		lastErr = err
		// Invalid payloads will not fix themselves on retry.
		if errors.Is(err, ErrInvalidPriceData) {
			break
		}

		f.logger.Warn().
			Err(err).
			Str("feed_id", feedID).
			Int("attempt", attempt).
			Int("maxRetries", MAX_RETRIES).
			Msg("Price feed request failed, will retry if attempts remain")

		if attempt < MAX_RETRIES {
			select {
			case <-ctx.Done():
				return oracle.Quote{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * f.backoff):
			}
		}
	}

	return oracle.Quote{}, fmt.Errorf("failed to fetch quote for %s: %w", feedID, lastErr)
}

func (f *HTTPPriceFeed) fetchOnce(ctx context.Context, endpoint, feedID string) (oracle.Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return oracle.Quote{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return oracle.Quote{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return oracle.Quote{}, fmt.Errorf("API returned status %d for %s", resp.StatusCode, feedID)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return oracle.Quote{}, fmt.Errorf("failed to read response body for %s: %w", feedID, err)
	}

	var payload PriceFeedResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return oracle.Quote{}, fmt.Errorf("%w: failed to parse JSON for %s: %w", ErrInvalidPriceData, feedID, err)
	}
	return parseQuote(payload, feedID)
}

// parseQuote validates the payload shape. Price sanity (positivity, confidence and
// staleness) is enforced by the oracle cache.
func parseQuote(payload PriceFeedResponse, feedID string) (oracle.Quote, error) {
	if payload.FeedID != "" && payload.FeedID != feedID {
		return oracle.Quote{}, fmt.Errorf("%w: asked for %s, got %s", ErrInvalidPriceData, feedID, payload.FeedID)
	}
	if payload.Timestamp <= 0 {
		return oracle.Quote{}, fmt.Errorf("%w: invalid timestamp for %s: %d", ErrInvalidPriceData, feedID, payload.Timestamp)
	}
	price, err := utils.ParseDec(payload.Price)
	if err != nil {
		return oracle.Quote{}, errors.Join(ErrInvalidPriceData, err)
	}

	confidence := sdkmath.LegacyZeroDec()
	if payload.Confidence != "" {
		confidence, err = utils.ParseDec(payload.Confidence)
		if err != nil {
			return oracle.Quote{}, errors.Join(ErrInvalidPriceData, err)
		}
	}

	return oracle.Quote{
		Price:      price,
		Confidence: confidence,
		Timestamp:  time.Unix(payload.Timestamp, 0).UTC(),
	}, nil
}
