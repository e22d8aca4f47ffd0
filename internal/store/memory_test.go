package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbroker/broker-engine/internal/model"
	"github.com/paperbroker/broker-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedAccount(t *testing.T, ms *store.MemoryStore, userID string, cash float64) {
	t.Helper()
	err := ms.CreateAccount(context.Background(), &model.Account{
		UserID:      userID,
		CashBalance: d(cash),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func seedOrder(t *testing.T, ms *store.MemoryStore, id, userID string, side model.OrderSide, status model.OrderStatus) {
	t.Helper()
	err := ms.InsertOrder(context.Background(), &model.Order{
		ID:        id,
		UserID:    userID,
		Ticker:    "AAPL",
		Kind:      model.KindLimit,
		Side:      side,
		Quantity:  1,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func TestAddCash_RejectsOverdraft(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "user1", 100)

	if err := ms.AddCash(ctx, "user1", d(-150)); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Errorf("overdraft = %v, want ErrInsufficientFunds", err)
	}

	// The failed debit must not touch the balance.
	account, _ := ms.GetAccount(ctx, "user1")
	if !account.CashBalance.Equal(d(100)) {
		t.Errorf("balance = %s, want untouched 100", account.CashBalance)
	}

	// Draining to exactly zero is allowed.
	if err := ms.AddCash(ctx, "user1", d(-100)); err != nil {
		t.Errorf("drain to zero: %v", err)
	}
}

func TestAddCash_MissingAccount(t *testing.T) {
	ms := store.NewMemoryStore()
	if err := ms.AddCash(context.Background(), "ghost", d(10)); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestApplyBuyFill_WeightedAverage(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.ApplyBuyFill(ctx, "user1", "AAPL", 10, d(100)); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if err := ms.ApplyBuyFill(ctx, "user1", "AAPL", 5, d(130)); err != nil {
		t.Fatalf("second fill: %v", err)
	}

	pos, err := ms.GetPosition(ctx, "user1", "AAPL")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Quantity != 15 || !pos.AvgPrice.Equal(d(110)) {
		t.Errorf("position = %d @ %s, want 15 @ 110", pos.Quantity, pos.AvgPrice)
	}
}

func TestApplySellFill_Conditional(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	ms.ApplyBuyFill(ctx, "user1", "AAPL", 10, d(100))

	if err := ms.ApplySellFill(ctx, "user1", "AAPL", 11); !errors.Is(err, store.ErrInsufficientHoldings) {
		t.Errorf("oversell = %v, want ErrInsufficientHoldings", err)
	}
	pos, _ := ms.GetPosition(ctx, "user1", "AAPL")
	if pos.Quantity != 10 {
		t.Errorf("quantity = %d, want untouched 10", pos.Quantity)
	}

	// Selling the full holding removes the row entirely.
	if err := ms.ApplySellFill(ctx, "user1", "AAPL", 10); err != nil {
		t.Fatalf("sell out: %v", err)
	}
	if _, err := ms.GetPosition(ctx, "user1", "AAPL"); !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("after sell-out = %v, want ErrPositionNotFound", err)
	}
}

func TestMarkExecuted_OnlyOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedOrder(t, ms, "o1", "user1", model.SideBuy, model.StatusOpen)

	ok, err := ms.MarkExecuted(ctx, "o1", d(95), time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("first execute = %v/%v, want true", ok, err)
	}

	// The terminal state is sticky for both transitions.
	ok, err = ms.MarkExecuted(ctx, "o1", d(96), time.Now().UTC())
	if err != nil || ok {
		t.Errorf("second execute = %v/%v, want false", ok, err)
	}
	ok, err = ms.MarkCancelled(ctx, "user1", "o1")
	if err != nil || ok {
		t.Errorf("cancel after execute = %v/%v, want false", ok, err)
	}

	got, _ := ms.GetOrder(ctx, "o1")
	if got.Status != model.StatusExecuted || !got.ExecutedPrice.Equal(d(95)) {
		t.Errorf("order = %s @ %s, want executed @ 95", got.Status, got.ExecutedPrice)
	}
}

func TestMarkCancelled_OwnershipAndState(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedOrder(t, ms, "o1", "user1", model.SideBuy, model.StatusOpen)

	if ok, _ := ms.MarkCancelled(ctx, "user2", "o1"); ok {
		t.Error("foreign cancel committed")
	}
	if ok, _ := ms.MarkCancelled(ctx, "user1", "o1"); !ok {
		t.Error("owner cancel did not commit")
	}
	if ok, err := ms.MarkExecuted(ctx, "o1", d(95), time.Now().UTC()); err != nil || ok {
		t.Errorf("execute after cancel = %v/%v, want false", ok, err)
	}
}

func TestOpenBuyOrders_FiltersSideAndStatus(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedOrder(t, ms, "o1", "user1", model.SideBuy, model.StatusOpen)
	seedOrder(t, ms, "o2", "user1", model.SideSell, model.StatusOpen)
	seedOrder(t, ms, "o3", "user1", model.SideBuy, model.StatusExecuted)
	seedOrder(t, ms, "o4", "user2", model.SideBuy, model.StatusOpen)

	open, err := ms.OpenBuyOrders(ctx, "user1")
	if err != nil {
		t.Fatalf("open buy orders: %v", err)
	}
	if len(open) != 1 || open[0].ID != "o1" {
		t.Errorf("open = %+v, want just o1", open)
	}
}

func TestDeleteAccount_Cascades(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "user1", 100)
	seedOrder(t, ms, "o1", "user1", model.SideBuy, model.StatusOpen)
	ms.ApplyBuyFill(ctx, "user1", "AAPL", 1, d(10))
	ms.InsertSnapshot(ctx, &model.NetWorthSnapshot{UserID: "user1", NetWorth: d(100), Timestamp: time.Now().UTC()})

	if err := ms.DeleteAccount(ctx, "user1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := ms.GetAccount(ctx, "user1"); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("account = %v, want gone", err)
	}
	if _, err := ms.GetOrder(ctx, "o1"); !errors.Is(err, store.ErrOrderNotFound) {
		t.Errorf("order = %v, want gone", err)
	}
	if snaps, _ := ms.GetUserSnapshots(ctx, "user1"); len(snaps) != 0 {
		t.Errorf("snapshots = %d, want gone", len(snaps))
	}
}
