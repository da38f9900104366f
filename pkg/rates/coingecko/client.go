// Package coingecko prices assets with CoinGecko's /simple/price endpoint.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"coinvault/pkg/logging"
	"coinvault/pkg/metrics"
	"coinvault/pkg/money"
	"coinvault/pkg/rates"
	"coinvault/pkg/resilience"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Compile-time check that Client implements rates.Source.
var _ rates.Source = (*Client)(nil)

// ClientConfig holds configuration for the CoinGecko client.
type ClientConfig struct {
	// APIKey is sent as x-cg-pro-api-key when set. The public tier needs none.
	APIKey string

	// BaseURL defaults to https://api.coingecko.com/api/v3
	BaseURL string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// RateLimitPerMin is the rate limit in requests per minute.
	RateLimitPerMin int

	// CoinIDs maps upper-case symbols to CoinGecko coin ids.
	CoinIDs map[string]string

	// Breaker guards the upstream; a failing CoinGecko fails fast.
	Breaker resilience.ResilientConfig

	Metrics    metrics.Collector
	Logger     *logging.Logger
	HTTPClient *http.Client
}

// DefaultCoinIDs are the assets coinvault trades.
func DefaultCoinIDs() map[string]string {
	return map[string]string{
		"BTC":  "bitcoin",
		"ETH":  "ethereum",
		"USDT": "tether",
	}
}

// ClientConfigDefaults returns a config with default values.
func ClientConfigDefaults() ClientConfig {
	return ClientConfig{
		BaseURL:         "https://api.coingecko.com/api/v3",
		Timeout:         10 * time.Second,
		RateLimitPerMin: 30,
		CoinIDs:         DefaultCoinIDs(),
		Breaker:         resilience.UpstreamConfig(3 * time.Second),
	}
}

// Client implements rates.Source using CoinGecko's API.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.Breaker
	logger     *logging.Logger
}

// NewClient creates a new CoinGecko API client.
func NewClient(config ClientConfig) *Client {
	defaults := ClientConfigDefaults()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RateLimitPerMin <= 0 {
		config.RateLimitPerMin = defaults.RateLimitPerMin
	}
	if len(config.CoinIDs) == 0 {
		config.CoinIDs = defaults.CoinIDs
	}
	if config.Breaker.CircuitBreakerConfig.ReadyToTrip == nil {
		config.Breaker = defaults.Breaker
	}
	if config.Logger == nil {
		config.Logger = logging.Global()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	rps := float64(config.RateLimitPerMin) / 60.0
	return &Client{
		config:     config,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), config.RateLimitPerMin),
		breaker:    resilience.NewBreaker("coingecko", config.Breaker, config.Metrics),
		logger:     config.Logger.Named("coingecko"),
	}
}

func (c *Client) Name() string {
	return "coingecko"
}

// State reports the upstream breaker state.
func (c *Client) State() metrics.CircuitState {
	return c.breaker.State()
}

type simplePriceResponse map[string]map[string]decimal.Decimal

// Quote fetches the naira price of symbol. When CoinGecko has no naira price the dollar
// price is converted at rates.USDToNGN.
func (c *Client) Quote(ctx context.Context, symbol string) (rates.Quote, error) {
	symbol = rates.Normalize(symbol)
	coinID, ok := c.config.CoinIDs[symbol]
	if !ok {
		return rates.Quote{}, fmt.Errorf("coingecko: %w: no coin id for %s", rates.ErrUnavailable, symbol)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return rates.Quote{}, fmt.Errorf("coingecko: rate limiter: %w", err)
	}

	params := url.Values{
		"ids":           {coinID},
		"vs_currencies": {"usd,ngn"},
	}

	var response simplePriceResponse
	err := c.breaker.Do(ctx, "simple_price", func(ctx context.Context) error {
		return c.doRequest(ctx, c.config.BaseURL+"/simple/price", params, &response)
	})
	if err != nil {
		return rates.Quote{}, fmt.Errorf("coingecko: %w", err)
	}

	prices, ok := response[coinID]
	if !ok {
		return rates.Quote{}, fmt.Errorf("coingecko: %w: %s missing from response", rates.ErrUnavailable, coinID)
	}

	q := rates.Quote{Symbol: symbol, Source: c.Name(), FetchedAt: time.Now().UTC()}
	usd, ngn := prices["usd"], prices["ngn"]
	if usd.IsPositive() {
		q.USD = decimal.NewNullDecimal(money.Rate(usd))
	}

	switch {
	case ngn.IsPositive():
		q.Fiat = money.Rate(ngn)
	case usd.IsPositive():
		q.Fiat = money.Rate(usd.Mul(rates.USDToNGN))
		c.logger.Info("using USD to NGN conversion", logging.Symbol(symbol), logging.Amount("usd_price", usd))
	default:
		return rates.Quote{}, fmt.Errorf("coingecko: %w: no positive price for %s", rates.ErrUnavailable, coinID)
	}

	return q, nil
}

func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values, result any) error {
	fullURL := endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("CoinGecko request failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return fmt.Errorf("%w: HTTP %d", rates.ErrUnavailable, resp.StatusCode)
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
