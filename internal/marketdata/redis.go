package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedGateway wraps an upstream Gateway and records every observed price
// in Redis. Last-known lookups and existence checks are then served across
// process restarts and shared between instances, while fresh price queries
// always go upstream — fills never happen at a cached price.
type CachedGateway struct {
	upstream Gateway
	rdb      *redis.Client
	ttl      time.Duration
}

// NewCachedGateway creates a Redis-backed last-known-price layer over an
// upstream gateway.
func NewCachedGateway(upstream Gateway, rdb *redis.Client, ttl time.Duration) *CachedGateway {
	return &CachedGateway{
		upstream: upstream,
		rdb:      rdb,
		ttl:      ttl,
	}
}

func (g *CachedGateway) Prices(ctx context.Context, tickers []string) map[string]decimal.Decimal {
	prices := g.upstream.Prices(ctx, tickers)
	for ticker, price := range prices {
		g.rdb.Set(ctx, priceKey(ticker), price.String(), g.ttl)
	}
	return prices
}

func (g *CachedGateway) LastKnown(ctx context.Context, ticker string) (decimal.Decimal, bool) {
	if p, ok := g.upstream.LastKnown(ctx, ticker); ok {
		return p, true
	}

	raw, err := g.rdb.Get(ctx, priceKey(ticker)).Result()
	if err != nil {
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return p, true
}

func (g *CachedGateway) Resolve(ctx context.Context, ticker string) bool {
	if _, ok := g.LastKnown(ctx, ticker); ok {
		return true
	}
	return g.upstream.Resolve(ctx, ticker)
}

func priceKey(ticker string) string { return fmt.Sprintf("price:%s", ticker) }
