// Package oracle fetches the external BTC/USD spot price and serves it to
// the rest of the engine as an index and mark price, with a TTL cache and
// stale-value fallback. A read that finds the cache empty or expired fetches
// upstream in the caller, bounded by the configured timeout; if that fetch
// fails, the last cached value is returned once any value has been cached.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/bitcoinbank/perpengine/internal/apperr"
	"github.com/bitcoinbank/perpengine/internal/clock"
	"github.com/bitcoinbank/perpengine/internal/ratelimit"
)

// krakenBurst and krakenRatePerSecond bound outbound ticker requests well
// under Kraken's public API limits, regardless of how many markets share
// this Oracle or how aggressively their caches expire in lockstep.
const (
	krakenBurst         = 5
	krakenRatePerSecond = 1
)

// krakenTickerResponse mirrors the subset of Kraken's public Ticker API
// response this oracle needs: the last-trade ("c") field of the XBTUSD pair.
type krakenTickerResponse struct {
	Error  []string                        `json:"error"`
	Result map[string]krakenTickerPairData `json:"result"`
}

type krakenTickerPairData struct {
	C []string `json:"c"` // [price, lot volume]; price is element 0
}

type cacheEntry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Oracle serves cached BTC/USD index and mark prices, refreshed from
// Kraken's public ticker endpoint.
type Oracle struct {
	httpClient *resty.Client
	url        string
	ttl        time.Duration
	clk        clock.Clock
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry // keyed by market symbol

	limiter *ratelimit.Bucket
}

// New builds an Oracle fetching from krakenURL with the given request
// timeout and cache TTL.
func New(krakenURL string, timeout, ttl time.Duration, clk clock.Clock, logger *slog.Logger) *Oracle {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Oracle{
		httpClient: client,
		url:        krakenURL,
		ttl:        ttl,
		clk:        clk,
		logger:     logger.With("component", "oracle"),
		cache:      make(map[string]cacheEntry),
		limiter:    ratelimit.New(krakenBurst, krakenRatePerSecond),
	}
}

// GetIndexPrice returns the cached index price for market, refreshing it
// from Kraken if the cache is stale. On upstream failure it returns the last
// good cached value (even if stale) and logs a warning; it returns
// OracleUnavailable only if no value has ever been cached for market.
func (o *Oracle) GetIndexPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	o.mu.RLock()
	entry, ok := o.cache[market]
	fresh := ok && o.clk.Now().Sub(entry.fetchedAt) < o.ttl
	o.mu.RUnlock()

	if fresh {
		return entry.price, nil
	}

	price, err := o.fetch(ctx)
	if err != nil {
		if ok {
			o.logger.Warn("oracle refresh failed, serving stale cache",
				"market", market, "error", err, "age", o.clk.Now().Sub(entry.fetchedAt))
			return entry.price, nil
		}
		return decimal.Zero, apperr.Wrap(apperr.OracleUnavailable, "no cached price available", err)
	}

	o.mu.Lock()
	o.cache[market] = cacheEntry{price: price, fetchedAt: o.clk.Now()}
	o.mu.Unlock()

	return price, nil
}

// GetMarkPrice returns the mark price for market. In this implementation it
// equals the index price; the interface permits future divergence (e.g. an
// EMA of order-book mid) without changing callers.
func (o *Oracle) GetMarkPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	return o.GetIndexPrice(ctx, market)
}

func (o *Oracle) fetch(ctx context.Context) (decimal.Decimal, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("rate limit wait: %w", err)
	}

	var result krakenTickerResponse
	resp, err := o.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		Get(o.url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch kraken ticker: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("kraken ticker returned status %d", resp.StatusCode())
	}
	if len(result.Error) > 0 {
		return decimal.Zero, fmt.Errorf("kraken ticker error: %v", result.Error)
	}
	for _, pair := range result.Result {
		if len(pair.C) == 0 {
			continue
		}
		price, err := decimal.NewFromString(pair.C[0])
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse kraken price: %w", err)
		}
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("kraken ticker response had no pairs")
}
