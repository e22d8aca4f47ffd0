package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/paperbroker/broker-engine/internal/engine"
	"github.com/paperbroker/broker-engine/internal/marketdata"
	"github.com/paperbroker/broker-engine/internal/model"
	"github.com/paperbroker/broker-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates an engine over an in-memory store and a static gateway.
func newTestEnv(t *testing.T) (*engine.Service, *store.MemoryStore, *marketdata.StaticGateway) {
	t.Helper()
	ms := store.NewMemoryStore()
	gw := marketdata.NewStaticGateway()
	svc := engine.NewService(ms, gw, nil)
	return svc, ms, gw
}

func seedAccount(t *testing.T, svc *engine.Service, userID string) {
	t.Helper()
	if _, err := svc.CreateAccount(context.Background(), userID); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func mustLimitBuy(t *testing.T, qty int64, price float64) model.OrderTicket {
	t.Helper()
	ticket, err := model.LimitBuy(qty, d(price))
	if err != nil {
		t.Fatalf("limit buy ticket: %v", err)
	}
	return ticket
}

func TestCreateAccount_StartingBalance(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedAccount(t, svc, "user1")

	account, err := ms.GetAccount(context.Background(), "user1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !account.CashBalance.Equal(d(50000)) {
		t.Errorf("starting balance = %s, want 50000", account.CashBalance)
	}
}

func TestCreateAccount_Duplicate(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	seedAccount(t, svc, "user1")

	if _, err := svc.CreateAccount(context.Background(), "user1"); !errors.Is(err, store.ErrAccountExists) {
		t.Errorf("duplicate create = %v, want ErrAccountExists", err)
	}
}

func TestPlaceOrder_UnknownTicker(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	seedAccount(t, svc, "user1")

	_, err := svc.PlaceOrder(context.Background(), "user1", "NOPE", mustLimitBuy(t, 1, 10))
	if !errors.Is(err, engine.ErrUnknownTicker) {
		t.Errorf("err = %v, want ErrUnknownTicker", err)
	}
}

func TestPlaceOrder_SellWithoutPosition(t *testing.T) {
	svc, _, gw := newTestEnv(t)
	seedAccount(t, svc, "user1")
	gw.SetPrice("AAPL", d(100))

	ticket, _ := model.LimitSell(5, d(100))
	_, err := svc.PlaceOrder(context.Background(), "user1", "AAPL", ticket)
	if !errors.Is(err, engine.ErrInsufficientHoldings) {
		t.Errorf("err = %v, want ErrInsufficientHoldings", err)
	}
}

func TestPlaceOrder_MarketBuyReservesAtLastKnownPrice(t *testing.T) {
	svc, _, gw := newTestEnv(t)
	seedAccount(t, svc, "user1")
	gw.SetPrice("AAPL", d(100))
	gw.UnsetPrice("AAPL")

	// The ticker resolves and a last-known price survives the outage, so the
	// buy is admitted with a reservation at that price.
	ticket, _ := model.MarketBuy(10)
	if _, err := svc.PlaceOrder(context.Background(), "user1", "AAPL", ticket); err != nil {
		t.Fatalf("market buy with last-known price: %v", err)
	}

	locked, err := svc.LockedCash(context.Background(), "user1")
	if err != nil {
		t.Fatalf("locked cash: %v", err)
	}
	if !locked.Equal(d(1000)) {
		t.Errorf("locked = %s, want 1000", locked)
	}
}

func TestLockedCash_ReservationBlocksSecondOrder(t *testing.T) {
	svc, _, gw := newTestEnv(t)
	seedAccount(t, svc, "user1")
	gw.SetPrice("AAPL", d(50))
	gw.SetPrice("MSFT", d(460))
	ctx := context.Background()

	// 100 shares at limit 50 locks 5000 of the 50000 balance.
	if _, err := svc.PlaceOrder(ctx, "user1", "AAPL", mustLimitBuy(t, 100, 50)); err != nil {
		t.Fatalf("first order: %v", err)
	}

	locked, err := svc.LockedCash(ctx, "user1")
	if err != nil {
		t.Fatalf("locked cash: %v", err)
	}
	if !locked.Equal(d(5000)) {
		t.Errorf("locked = %s, want 5000", locked)
	}

	// A second order needing 46000 exceeds the 45000 available.
	_, err = svc.PlaceOrder(ctx, "user1", "MSFT", mustLimitBuy(t, 100, 460))
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Errorf("second order err = %v, want ErrInsufficientFunds", err)
	}

	// One that fits the remaining 45000 is admitted.
	if _, err := svc.PlaceOrder(ctx, "user1", "MSFT", mustLimitBuy(t, 97, 460)); err != nil {
		t.Errorf("third order: %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, svc, "user1")
	gw.SetPrice("AAPL", d(50))
	ctx := context.Background()

	order, err := svc.PlaceOrder(ctx, "user1", "AAPL", mustLimitBuy(t, 10, 50))
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if err := svc.CancelOrder(ctx, "user1", order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := ms.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Cancelled cash is released.
	locked, _ := svc.LockedCash(ctx, "user1")
	if !locked.IsZero() {
		t.Errorf("locked after cancel = %s, want 0", locked)
	}

	// A second cancel finds no open order.
	if err := svc.CancelOrder(ctx, "user1", order.ID); !errors.Is(err, engine.ErrNotCancellable) {
		t.Errorf("double cancel = %v, want ErrNotCancellable", err)
	}
}

func TestCancelOrder_WrongOwner(t *testing.T) {
	svc, _, gw := newTestEnv(t)
	seedAccount(t, svc, "user1")
	seedAccount(t, svc, "user2")
	gw.SetPrice("AAPL", d(50))
	ctx := context.Background()

	order, err := svc.PlaceOrder(ctx, "user1", "AAPL", mustLimitBuy(t, 10, 50))
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if err := svc.CancelOrder(ctx, "user2", order.ID); !errors.Is(err, engine.ErrNotCancellable) {
		t.Errorf("foreign cancel = %v, want ErrNotCancellable", err)
	}
}

func TestGetDepotDetails_Valuation(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, svc, "user1")
	gw.SetPrice("AAPL", d(120))
	ctx := context.Background()

	if err := ms.ApplyBuyFill(ctx, "user1", "AAPL", 10, d(100)); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	details, err := svc.GetDepotDetails(ctx, "user1")
	if err != nil {
		t.Fatalf("depot details: %v", err)
	}
	if len(details.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(details.Positions))
	}
	p := details.Positions[0]
	if p.CurrentValue == nil || !p.CurrentValue.Equal(d(1200)) {
		t.Errorf("current value = %v, want 1200", p.CurrentValue)
	}
	if p.AbsoluteProfit == nil || !p.AbsoluteProfit.Equal(d(200)) {
		t.Errorf("absolute profit = %v, want 200", p.AbsoluteProfit)
	}
	if p.RelativeProfit == nil || !p.RelativeProfit.Equal(d(20)) {
		t.Errorf("relative profit = %v, want 20", p.RelativeProfit)
	}
	if !details.TotalNetWorth.Equal(d(51200)) {
		t.Errorf("net worth = %s, want 51200", details.TotalNetWorth)
	}
	if details.PricesMissing {
		t.Error("prices missing flagged with all prices present")
	}
}

func TestGetDepotDetails_MissingPrice(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, svc, "user1")
	gw.SetPrice("AAPL", d(120))
	gw.UnsetPrice("AAPL")
	ctx := context.Background()

	if err := ms.ApplyBuyFill(ctx, "user1", "AAPL", 10, d(100)); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	details, err := svc.GetDepotDetails(ctx, "user1")
	if err != nil {
		t.Fatalf("depot details: %v", err)
	}
	if !details.PricesMissing {
		t.Error("prices missing not flagged")
	}
	if details.Positions[0].CurrentValue != nil {
		t.Error("valuation set despite missing price")
	}
	if !details.TotalNetWorth.Equal(d(50000)) {
		t.Errorf("net worth = %s, want cash only 50000", details.TotalNetWorth)
	}
}

func TestGetMostPopularTickers(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()

	// Popularity ranks Σ quantity · average purchase price across all users.
	ms.ApplyBuyFill(ctx, "u1", "AAPL", 10, d(100)) // 1000
	ms.ApplyBuyFill(ctx, "u2", "AAPL", 5, d(100))  // +500
	ms.ApplyBuyFill(ctx, "u1", "MSFT", 1, d(400))  // 400
	ms.ApplyBuyFill(ctx, "u2", "NVDA", 2, d(900))  // 1800
	ms.ApplyBuyFill(ctx, "u1", "TSLA", 1, d(200))  // 200

	popular, err := svc.GetMostPopularTickers(ctx, 0)
	if err != nil {
		t.Fatalf("popular tickers: %v", err)
	}
	if len(popular) != 3 {
		t.Fatalf("entries = %d, want default 3", len(popular))
	}
	want := []string{"NVDA", "AAPL", "MSFT"}
	for i, ticker := range want {
		if popular[i].Ticker != ticker {
			t.Errorf("rank %d = %s, want %s", i, popular[i].Ticker, ticker)
		}
	}
	if !popular[1].TotalValue.Equal(d(1500)) {
		t.Errorf("AAPL total = %s, want 1500", popular[1].TotalValue)
	}
}
