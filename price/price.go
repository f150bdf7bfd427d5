// Package price is the boundary to the BTC/USD price source.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"creditcore/money"
)

var ErrNoPrice = errors.New("price: no price available")

// Provider returns the current price of one bitcoin.
type Provider interface {
	PriceOfOneBTC(ctx context.Context) (money.PriceOfOneBTC, error)
}

// Static always returns the same price. Used by tests and local runs.
type Static struct {
	price money.PriceOfOneBTC
}

func NewStatic(cents money.UsdCents) *Static {
	return &Static{price: money.NewPriceOfOneBTC(cents)}
}

func (s *Static) Set(cents money.UsdCents) { s.price = money.NewPriceOfOneBTC(cents) }

func (s *Static) PriceOfOneBTC(context.Context) (money.PriceOfOneBTC, error) {
	if s.price.Cents() <= 0 {
		return money.PriceOfOneBTC{}, ErrNoPrice
	}
	return s.price, nil
}

// HTTPProvider reads the price from a JSON endpoint returning {"usd_cents": <int>}.
type HTTPProvider struct {
	url    string
	client *http.Client
}

func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

func (p *HTTPProvider) PriceOfOneBTC(ctx context.Context) (money.PriceOfOneBTC, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return money.PriceOfOneBTC{}, fmt.Errorf("price: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return money.PriceOfOneBTC{}, fmt.Errorf("price: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return money.PriceOfOneBTC{}, fmt.Errorf("price: fetch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var body struct {
		UsdCents int64 `json:"usd_cents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return money.PriceOfOneBTC{}, fmt.Errorf("price: decode: %w", err)
	}
	if body.UsdCents <= 0 {
		return money.PriceOfOneBTC{}, ErrNoPrice
	}
	return money.NewPriceOfOneBTC(money.UsdCents(body.UsdCents)), nil
}

// RedisCache serves the price from Redis and refreshes it from next after ttl. Cache failures
// fall through to next so a Redis outage never blocks collateral checks.
type RedisCache struct {
	client redis.UniversalClient
	next   Provider
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client redis.UniversalClient, next Provider, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, next: next, key: "creditcore:price:btc_usd", ttl: ttl, logger: logger}
}

func (c *RedisCache) PriceOfOneBTC(ctx context.Context) (money.PriceOfOneBTC, error) {
	raw, err := c.client.Get(ctx, c.key).Result()
	switch {
	case err == nil:
		cents, perr := strconv.ParseInt(raw, 10, 64)
		if perr == nil && cents > 0 {
			return money.NewPriceOfOneBTC(money.UsdCents(cents)), nil
		}
		c.logger.Warn("price cache holds invalid value", "key", c.key, "value", raw)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("price cache read failed", "key", c.key, "error", err)
	}

	p, err := c.next.PriceOfOneBTC(ctx)
	if err != nil {
		return money.PriceOfOneBTC{}, err
	}
	if err := c.client.Set(ctx, c.key, int64(p.Cents()), c.ttl).Err(); err != nil {
		c.logger.Warn("price cache write failed", "key", c.key, "error", err)
	}
	return p, nil
}
