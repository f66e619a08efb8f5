package datafetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elys-network/vaultkeeper/internal/logger"
	"github.com/elys-network/vaultkeeper/internal/oracle"
	"github.com/elys-network/vaultkeeper/internal/utils"
)

var ErrInvalidTokenData = errors.New("invalid token data")

// TokenMetadataResponse is the payload of GET {base}/coins/{asset}/metadata.
type TokenMetadataResponse struct {
	Asset    string `json:"asset"`
	Symbol   string `json:"symbol"`
	Decimals *int   `json:"decimals"`
}

// HTTPMetadataSource implements oracle.MetadataSource. Decimals never change for a
// published coin type so successful lookups are memoized.
type HTTPMetadataSource struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger

	mu    sync.Mutex
	cache map[string]uint8
}

func NewHTTPMetadataSource(baseURL string) (*HTTPMetadataSource, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: metadata base URL is empty", ErrAPIConfiguration)
	}
	return &HTTPMetadataSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: TIMEOUT_SECONDS * time.Second},
		logger:  logger.GetForComponent("token_metadata"),
		cache:   make(map[string]uint8),
	}, nil
}

var _ oracle.MetadataSource = (*HTTPMetadataSource)(nil)

// Decimals returns the decimals of asset as published by the metadata service.
func (m *HTTPMetadataSource) Decimals(ctx context.Context, asset string) (uint8, error) {
	m.mu.Lock()
	if d, ok := m.cache[asset]; ok {
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	endpoint := fmt.Sprintf("%s/coins/%s/metadata", m.baseURL, url.PathEscape(asset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("metadata request for %s failed: %w", asset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("metadata API returned status %d for %s", resp.StatusCode, asset)
	}

	var payload TokenMetadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidTokenData, asset, err)
	}
	if payload.Decimals == nil {
		return 0, fmt.Errorf("%w: %s has no decimals", ErrInvalidTokenData, asset)
	}
	if *payload.Decimals < 0 || *payload.Decimals > int(utils.MaxDecimals) {
		return 0, fmt.Errorf("%w: %s reports %d decimals", ErrInvalidTokenData, asset, *payload.Decimals)
	}
	decimals := uint8(*payload.Decimals)

	m.mu.Lock()
	m.cache[asset] = decimals
	m.mu.Unlock()

	m.logger.Debug().Str("asset", asset).Str("symbol", payload.Symbol).Uint8("decimals", decimals).Msg("Fetched token metadata")
	return decimals, nil
}
