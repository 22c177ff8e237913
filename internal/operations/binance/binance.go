package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	MainnetURL = "https://api.binance.com"
	TestnetURL = "https://testnet.binance.vision"

	defaultMaxRetries = 3
	defaultBackoff    = 100 * time.Millisecond
)

// ClientConfig represents the configuration of the exchange client.
type ClientConfig struct {
	// APIKey and SecretKey authenticate signed requests.
	APIKey    string
	SecretKey string
	// QuoteAsset is the asset balances are reported in.
	QuoteAsset string
	// BaseURL overrides the mainnet and testnet endpoints when set.
	BaseURL string
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

type BinanceClient struct {
	cfg         *ClientConfig
	client      *binance.Client
	rateLimiter *rate.Limiter
	httpClient  *http.Client
	maxRetries  int
	backoff     time.Duration
}

// NewBinanceClient initializes a spot client pointed at the live endpoint.
func NewBinanceClient(cfg *ClientConfig) (*BinanceClient, error) {
	if cfg.QuoteAsset == "" {
		return nil, errors.New("no quote asset provided")
	}
	if cfg.Logger == nil {
		return nil, errors.New("no logger provided")
	}

	httpClient := &http.Client{
		Timeout: time.Second * 10,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	spotClient := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	spotClient.HTTPClient = httpClient
	spotClient.BaseURL = MainnetURL
	if cfg.BaseURL != "" {
		spotClient.BaseURL = cfg.BaseURL
	}

	// 10 requests per second with burst of 20
	limiter := rate.NewLimiter(rate.Limit(10), 20)

	return &BinanceClient{
		cfg:         cfg,
		client:      spotClient,
		rateLimiter: limiter,
		httpClient:  httpClient,
		maxRetries:  defaultMaxRetries,
		backoff:     defaultBackoff,
	}, nil
}

// SetDemo switches between the testnet and the live endpoint. It must not be
// called while requests are in flight.
func (c *BinanceClient) SetDemo(demo bool) {
	if c.cfg.BaseURL != "" {
		return
	}
	if demo {
		c.client.BaseURL = TestnetURL
		return
	}
	c.client.BaseURL = MainnetURL
}

// Endpoint returns the base url requests are sent to.
func (c *BinanceClient) Endpoint() string {
	return c.client.BaseURL
}

// Ping checks connectivity to the exchange.
func (c *BinanceClient) Ping(ctx context.Context) error {
	_, err := withRetry(ctx, c, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.client.NewPingService().Do(ctx)
	})
	return err
}

// permanent reports whether the exchange explicitly rejected the request.
func permanent(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code != 0
}

// withRetry runs a read request under the rate limiter, retrying transient
// failures with exponential backoff. Orders must never go through it.
func withRetry[T any](ctx context.Context, c *BinanceClient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	for attempt := 0; ; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		if permanent(err) || attempt == c.maxRetries {
			return zero, fmt.Errorf("%s: %w", op, err)
		}

		waitTime := time.Duration(math.Pow(2, float64(attempt))) * c.backoff
		c.cfg.Logger.Debug().Msgf("%s failed (attempt %d/%d), retrying in %s: %v",
			op, attempt+1, c.maxRetries+1, waitTime, err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(waitTime):
		}
	}
}
