package chaindata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/logger"
	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HTTPProvider talks to a DLMM indexer over HTTP. Requests are paced with a
// shared limiter so concurrent tasks cannot stampede the upstream; pacing is a
// resource-sharing discipline, its absence causes silent data gaps upstream.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// HTTPProviderConfig tunes the provider's access discipline.
type HTTPProviderConfig struct {
	BaseURL        string
	Timeout        time.Duration // Per-request deadline, default 60s
	RequestSpacing time.Duration // Minimum spacing between requests, default 500ms
}

// NewHTTPProvider builds the provider with a retrying HTTP client.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chain-data base URL cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RequestSpacing <= 0 {
		cfg.RequestSpacing = 500 * time.Millisecond
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = cfg.Timeout

	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  retryClient.StandardClient(),
		limiter: rate.NewLimiter(rate.Every(cfg.RequestSpacing), 1),
		logger:  logger.GetForComponent("chaindata"),
	}, nil
}

// GetPoolSnapshot fetches the pool's current state.
func (p *HTTPProvider) GetPoolSnapshot(ctx context.Context, address string) (*types.PoolSnapshot, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}

	var snapshot types.PoolSnapshot
	if err := p.getJSON(ctx, "/v1/pools/"+address, nil, &snapshot); err != nil {
		return nil, fmt.Errorf("fetching pool %s: %w", address, err)
	}
	snapshot.FetchedAt = time.Now().UTC()
	return &snapshot, nil
}

// GetPosition fetches one position by address.
func (p *HTTPProvider) GetPosition(ctx context.Context, address string) (*types.Position, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}

	var position types.Position
	if err := p.getJSON(ctx, "/v1/positions/"+address, nil, &position); err != nil {
		return nil, fmt.Errorf("fetching position %s: %w", address, err)
	}
	return &position, nil
}

// GetUserPositions fetches every position owned by the wallet.
func (p *HTTPProvider) GetUserPositions(ctx context.Context, wallet string) ([]types.Position, error) {
	if err := ValidateAddress(wallet); err != nil {
		return nil, err
	}

	var positions []types.Position
	if err := p.getJSON(ctx, "/v1/wallets/"+wallet+"/positions", nil, &positions); err != nil {
		return nil, fmt.Errorf("fetching positions for wallet %s: %w", wallet, err)
	}
	return positions, nil
}

// GetPriceHistory fetches price samples for the pool over the lookback window.
func (p *HTTPProvider) GetPriceHistory(ctx context.Context, pool string, window time.Duration) ([]types.PriceSample, error) {
	if err := ValidateAddress(pool); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("from", time.Now().UTC().Add(-window).Format(time.RFC3339))

	var samples []types.PriceSample
	if err := p.getJSON(ctx, "/v1/pools/"+pool+"/prices", query, &samples); err != nil {
		return nil, fmt.Errorf("fetching price history for pool %s: %w", pool, err)
	}
	return samples, nil
}

// getJSON performs a paced GET and decodes the JSON body into out.
func (p *HTTPProvider) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	target := p.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("chain-data provider responded with status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}
