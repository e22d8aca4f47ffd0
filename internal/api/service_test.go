package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/paperbroker/broker-engine/internal/api"
	"github.com/paperbroker/broker-engine/internal/engine"
	"github.com/paperbroker/broker-engine/internal/marketdata"
	"github.com/paperbroker/broker-engine/internal/model"
	"github.com/paperbroker/broker-engine/internal/networth"
	"github.com/paperbroker/broker-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires the full service stack over an in-memory store behind a
// chi router, the same way the server binary does.
func newTestEnv(t *testing.T) (chi.Router, *store.MemoryStore, *marketdata.StaticGateway) {
	t.Helper()
	ms := store.NewMemoryStore()
	gw := marketdata.NewStaticGateway()
	eng := engine.NewService(ms, gw, nil)
	nw := networth.NewService(ms, gw)
	svc := api.NewService(eng, nw, 500)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return r, ms, gw
}

func doJSON(t *testing.T, router chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createAccount(t *testing.T, router chi.Router, userID string) {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/accounts", api.CreateAccountRequest{UserID: userID})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account = %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateAccount(t *testing.T) {
	router, _, _ := newTestEnv(t)
	createAccount(t, router, "user1")

	var account model.Account
	w := doJSON(t, router, "POST", "/api/v1/accounts", api.CreateAccountRequest{UserID: "user2"})
	if err := json.Unmarshal(w.Body.Bytes(), &account); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !account.CashBalance.Equal(d(50000)) {
		t.Errorf("balance = %s, want 50000", account.CashBalance)
	}

	// Duplicate creation conflicts.
	w = doJSON(t, router, "POST", "/api/v1/accounts", api.CreateAccountRequest{UserID: "user1"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate = %d, want 409", w.Code)
	}
}

func TestCreateAccount_MissingUserID(t *testing.T) {
	router, _, _ := newTestEnv(t)
	w := doJSON(t, router, "POST", "/api/v1/accounts", api.CreateAccountRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestPlaceOrder(t *testing.T) {
	router, _, gw := newTestEnv(t)
	createAccount(t, router, "user1")
	gw.SetPrice("AAPL", d(100))
	limit := d(95)

	w := doJSON(t, router, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID:     "user1",
		Ticker:     "AAPL",
		Kind:       "limit",
		Side:       "buy",
		Quantity:   10,
		LimitPrice: &limit,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place = %d: %s", w.Code, w.Body.String())
	}

	var order model.Order
	if err := json.Unmarshal(w.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if order.Status != model.StatusOpen || order.ID == "" {
		t.Errorf("order = %+v, want open with id", order)
	}
}

func TestPlaceOrder_ErrorStatuses(t *testing.T) {
	router, _, gw := newTestEnv(t)
	createAccount(t, router, "user1")
	gw.SetPrice("AAPL", d(100))
	bigLimit := d(95)

	tests := []struct {
		name string
		req  api.PlaceOrderRequest
		want int
	}{
		{"unknown ticker", api.PlaceOrderRequest{
			UserID: "user1", Ticker: "NOPE", Kind: "market", Side: "buy", Quantity: 1,
		}, http.StatusBadRequest},
		{"limit without price", api.PlaceOrderRequest{
			UserID: "user1", Ticker: "AAPL", Kind: "limit", Side: "buy", Quantity: 1,
		}, http.StatusBadRequest},
		{"bad kind", api.PlaceOrderRequest{
			UserID: "user1", Ticker: "AAPL", Kind: "trailing", Side: "buy", Quantity: 1,
		}, http.StatusBadRequest},
		{"insufficient funds", api.PlaceOrderRequest{
			UserID: "user1", Ticker: "AAPL", Kind: "limit", Side: "buy", Quantity: 600, LimitPrice: &bigLimit,
		}, http.StatusConflict},
		{"sell without holdings", api.PlaceOrderRequest{
			UserID: "user1", Ticker: "AAPL", Kind: "market", Side: "sell", Quantity: 1,
		}, http.StatusConflict},
		{"unknown account", api.PlaceOrderRequest{
			UserID: "ghost", Ticker: "AAPL", Kind: "limit", Side: "buy", Quantity: 1, LimitPrice: &bigLimit,
		}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/orders", tt.req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestCancelOrder(t *testing.T) {
	router, _, gw := newTestEnv(t)
	createAccount(t, router, "user1")
	gw.SetPrice("AAPL", d(100))
	limit := d(95)

	w := doJSON(t, router, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID: "user1", Ticker: "AAPL", Kind: "limit", Side: "buy", Quantity: 10, LimitPrice: &limit,
	})
	var order model.Order
	json.Unmarshal(w.Body.Bytes(), &order)

	w = doJSON(t, router, "POST", "/api/v1/orders/"+order.ID+"/cancel", api.CancelOrderRequest{UserID: "user1"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel = %d: %s", w.Code, w.Body.String())
	}

	// Cancelling again conflicts.
	w = doJSON(t, router, "POST", "/api/v1/orders/"+order.ID+"/cancel", api.CancelOrderRequest{UserID: "user1"})
	if w.Code != http.StatusConflict {
		t.Errorf("double cancel = %d, want 409", w.Code)
	}
}

func TestGetDepotAndLockedCash(t *testing.T) {
	router, ms, gw := newTestEnv(t)
	createAccount(t, router, "user1")
	gw.SetPrice("AAPL", d(50))
	limit := d(50)

	w := doJSON(t, router, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID: "user1", Ticker: "AAPL", Kind: "limit", Side: "buy", Quantity: 100, LimitPrice: &limit,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/users/user1/locked-cash", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("locked cash = %d: %s", w.Code, w.Body.String())
	}
	var locked api.LockedCashResponse
	if err := json.Unmarshal(w.Body.Bytes(), &locked); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !locked.LockedCash.Equal(d(5000)) || !locked.AvailableCash.Equal(d(45000)) {
		t.Errorf("locked/available = %s/%s, want 5000/45000", locked.LockedCash, locked.AvailableCash)
	}

	ms.ApplyBuyFill(context.Background(), "user1", "MSFT", 2, d(400))
	gw.SetPrice("MSFT", d(410))

	w = doJSON(t, router, "GET", "/api/v1/users/user1/depot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("depot = %d: %s", w.Code, w.Body.String())
	}
	var depot model.DepotDetails
	if err := json.Unmarshal(w.Body.Bytes(), &depot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(depot.Positions) != 1 || depot.Positions[0].Ticker != "MSFT" {
		t.Errorf("positions = %+v, want MSFT", depot.Positions)
	}
	if !depot.TotalNetWorth.Equal(d(50820)) {
		t.Errorf("net worth = %s, want 50820", depot.TotalNetWorth)
	}
}

func TestGetUserPosition_NotFound(t *testing.T) {
	router, _, _ := newTestEnv(t)
	createAccount(t, router, "user1")

	w := doJSON(t, router, "GET", "/api/v1/users/user1/positions/AAPL", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestPassTriggers(t *testing.T) {
	router, _, gw := newTestEnv(t)
	createAccount(t, router, "user1")
	gw.SetPrice("AAPL", d(100))
	limit := d(100)

	w := doJSON(t, router, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID: "user1", Ticker: "AAPL", Kind: "limit", Side: "buy", Quantity: 10, LimitPrice: &limit,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/passes/matching", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("matching trigger = %d: %s", w.Code, w.Body.String())
	}
	var matching engine.MatchingReport
	if err := json.Unmarshal(w.Body.Bytes(), &matching); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if matching.Executed != 1 {
		t.Errorf("executed = %d, want 1", matching.Executed)
	}

	w = doJSON(t, router, "POST", "/api/v1/passes/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot trigger = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/users/user1/history", nil)
	var history []model.NetWorthSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history points = %d, want 1", len(history))
	}
	// 49000 cash + 10 shares at 100.
	if !history[0].NetWorth.Equal(d(50000)) {
		t.Errorf("net worth = %s, want 50000", history[0].NetWorth)
	}

	w = doJSON(t, router, "POST", "/api/v1/passes/decimation?target=20", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("decimation trigger = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/passes/decimation?target=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad target = %d, want 400", w.Code)
	}
}

func TestLeaderboardAndPopular(t *testing.T) {
	router, ms, gw := newTestEnv(t)
	createAccount(t, router, "user1")
	createAccount(t, router, "user2")
	ctx := context.Background()

	gw.SetPrice("AAPL", d(100))
	gw.SetPrice("MSFT", d(400))
	ms.ApplyBuyFill(ctx, "user1", "AAPL", 10, d(100))
	ms.ApplyBuyFill(ctx, "user2", "MSFT", 1, d(400))
	ms.AddCash(ctx, "user2", d(-10000))

	if w := doJSON(t, router, "POST", "/api/v1/passes/snapshot", nil); w.Code != http.StatusOK {
		t.Fatalf("snapshot = %d", w.Code)
	}

	w := doJSON(t, router, "GET", "/api/v1/leaderboard?page=1&page_size=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("leaderboard = %d: %s", w.Code, w.Body.String())
	}
	var entries []model.LeaderboardEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[0].UserID != "user1" {
		t.Errorf("entries = %+v, want user1 first", entries)
	}

	w = doJSON(t, router, "GET", "/api/v1/popular?limit=1", nil)
	var popular []model.TickerPopularity
	if err := json.Unmarshal(w.Body.Bytes(), &popular); err != nil {
		t.Fatalf("decode popular: %v", err)
	}
	if len(popular) != 1 || popular[0].Ticker != "AAPL" {
		t.Errorf("popular = %+v, want AAPL", popular)
	}
}

func TestDeleteAccount(t *testing.T) {
	router, _, _ := newTestEnv(t)
	createAccount(t, router, "user1")

	w := doJSON(t, router, "DELETE", "/api/v1/accounts/user1", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, "DELETE", "/api/v1/accounts/user1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("double delete = %d, want 404", w.Code)
	}
}
