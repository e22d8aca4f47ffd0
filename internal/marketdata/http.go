package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPGateway fetches quotes from a JSON quote API in one batched request
// per ticker set. The expected response shape is:
//
//	{"quotes": [{"symbol": "AAPL", "price": "187.43"}, ...]}
//
// Symbols the provider cannot quote are simply absent from the response.
type HTTPGateway struct {
	baseURL string
	client  *http.Client

	mu        sync.RWMutex
	lastKnown map[string]decimal.Decimal
}

// NewHTTPGateway creates a gateway against the given quote API base URL.
// The timeout bounds each batched request; a timed-out fetch degrades to
// "unavailable" for every ticker in that batch.
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		lastKnown: make(map[string]decimal.Decimal),
	}
}

type quoteResponse struct {
	Quotes []struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	} `json:"quotes"`
}

func (g *HTTPGateway) Prices(ctx context.Context, tickers []string) map[string]decimal.Decimal {
	if len(tickers) == 0 {
		return map[string]decimal.Decimal{}
	}

	reqURL := fmt.Sprintf("%s/v1/quotes?symbols=%s",
		g.baseURL, url.QueryEscape(strings.Join(tickers, ",")))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		slog.Warn("quote request build failed", "err", err)
		return map[string]decimal.Decimal{}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		slog.Warn("quote fetch failed, treating batch as unavailable",
			"tickers", len(tickers), "err", err)
		return map[string]decimal.Decimal{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("quote fetch returned non-200, treating batch as unavailable",
			"status", resp.StatusCode)
		return map[string]decimal.Decimal{}
	}

	var parsed quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		slog.Warn("quote response decode failed", "err", err)
		return map[string]decimal.Decimal{}
	}

	out := make(map[string]decimal.Decimal, len(parsed.Quotes))
	g.mu.Lock()
	for _, q := range parsed.Quotes {
		if q.Symbol == "" || q.Price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		out[q.Symbol] = q.Price
		g.lastKnown[q.Symbol] = q.Price
	}
	g.mu.Unlock()

	return out
}

func (g *HTTPGateway) LastKnown(_ context.Context, ticker string) (decimal.Decimal, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p, ok := g.lastKnown[ticker]
	return p, ok
}

// Resolve asks the provider for a single quote. A ticker that has ever been
// quoted resolves from memory without a round trip.
func (g *HTTPGateway) Resolve(ctx context.Context, ticker string) bool {
	if _, ok := g.LastKnown(ctx, ticker); ok {
		return true
	}
	prices := g.Prices(ctx, []string{ticker})
	_, ok := prices[ticker]
	return ok
}
