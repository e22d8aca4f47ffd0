// Package marketdata adapts the external quote provider to the contract the
// engine consumes: a batched reference-price query per ticker set.
//
// A transport failure is never surfaced as an error to the caller — it
// degrades to "price unavailable" for the affected tickers, so one bad fetch
// cannot abort a whole matching or snapshot pass.
package marketdata

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// Gateway is the reference-price source consumed by the order engine and
// snapshotter. Missing map keys mean the price is unavailable this round.
type Gateway interface {
	// Prices returns the latest reference price for each requested ticker.
	// Tickers with no available quote are absent from the result.
	Prices(ctx context.Context, tickers []string) map[string]decimal.Decimal

	// LastKnown returns the most recent price ever observed for a ticker,
	// used for market-order cash reservation between passes.
	LastKnown(ctx context.Context, ticker string) (decimal.Decimal, bool)

	// Resolve reports whether a ticker exists at the provider. This is an
	// existence check, not a price guarantee.
	Resolve(ctx context.Context, ticker string) bool
}

// StaticGateway serves prices from an in-memory table. Used for testing and
// development without a quote provider.
type StaticGateway struct {
	mu        sync.RWMutex
	prices    map[string]decimal.Decimal
	lastKnown map[string]decimal.Decimal
	known     map[string]bool
}

// NewStaticGateway creates an empty static gateway.
func NewStaticGateway() *StaticGateway {
	return &StaticGateway{
		prices:    make(map[string]decimal.Decimal),
		lastKnown: make(map[string]decimal.Decimal),
		known:     make(map[string]bool),
	}
}

// SetPrice makes a ticker resolvable and quotable at the given price.
func (g *StaticGateway) SetPrice(ticker string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[ticker] = price
	g.lastKnown[ticker] = price
	g.known[ticker] = true
}

// UnsetPrice removes the current quote while keeping the ticker resolvable
// and its last-known price intact. Simulates a provider outage for one ticker.
func (g *StaticGateway) UnsetPrice(ticker string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.prices, ticker)
}

func (g *StaticGateway) Prices(_ context.Context, tickers []string) map[string]decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		if p, ok := g.prices[t]; ok {
			out[t] = p
		}
	}
	return out
}

func (g *StaticGateway) LastKnown(_ context.Context, ticker string) (decimal.Decimal, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p, ok := g.lastKnown[ticker]
	return p, ok
}

func (g *StaticGateway) Resolve(_ context.Context, ticker string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.known[ticker]
}
