package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbroker/broker-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. The conditional-update semantics match the PostgreSQL
// implementation: every mutation checks its condition and mutates under one
// lock, so affected-row results behave the same way.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	positions map[string]map[string]*model.Position // userID → ticker → position
	orders    map[string]*model.Order
	history   []model.NetWorthSnapshot
	nextSnap  int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]map[string]*model.Position),
		orders:    make(map[string]*model.Order),
		nextSnap:  1,
	}
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.UserID]; ok {
		return ErrAccountExists
	}
	cp := *a
	s.accounts[a.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) DeleteAccount(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; !ok {
		return ErrAccountNotFound
	}
	delete(s.accounts, userID)
	delete(s.positions, userID)
	for id, o := range s.orders {
		if o.UserID == userID {
			delete(s.orders, id)
		}
	}
	kept := s.history[:0]
	for _, snap := range s.history {
		if snap.UserID != userID {
			kept = append(kept, snap)
		}
	}
	s.history = kept
	return nil
}

func (s *MemoryStore) ListAccountIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) AddCash(_ context.Context, userID string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	next := a.CashBalance.Add(delta)
	if next.IsNegative() {
		return ErrInsufficientFunds
	}
	a.CashBalance = next
	return nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, ticker string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[userID][ticker]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions[userID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *MemoryStore) ApplyBuyFill(_ context.Context, userID, ticker string, quantity int64, fillPrice decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTicker, ok := s.positions[userID]
	if !ok {
		byTicker = make(map[string]*model.Position)
		s.positions[userID] = byTicker
	}

	p, ok := byTicker[ticker]
	if !ok {
		byTicker[ticker] = &model.Position{
			UserID:   userID,
			Ticker:   ticker,
			Quantity: quantity,
			AvgPrice: fillPrice,
		}
		return nil
	}

	oldQty := decimal.NewFromInt(p.Quantity)
	addQty := decimal.NewFromInt(quantity)
	newQty := oldQty.Add(addQty)
	// new_avg = (old_qty·old_avg + q·f) / new_qty
	p.AvgPrice = oldQty.Mul(p.AvgPrice).Add(addQty.Mul(fillPrice)).Div(newQty)
	p.Quantity += quantity
	return nil
}

func (s *MemoryStore) ApplySellFill(_ context.Context, userID, ticker string, quantity int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[userID][ticker]
	if !ok || p.Quantity < quantity {
		return ErrInsufficientHoldings
	}
	p.Quantity -= quantity
	if p.Quantity == 0 {
		delete(s.positions[userID], ticker)
	}
	return nil
}

func (s *MemoryStore) PopularTickers(_ context.Context, limit int) ([]model.TickerPopularity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]decimal.Decimal)
	for _, byTicker := range s.positions {
		for ticker, p := range byTicker {
			value := decimal.NewFromInt(p.Quantity).Mul(p.AvgPrice)
			totals[ticker] = totals[ticker].Add(value)
		}
	}

	out := make([]model.TickerPopularity, 0, len(totals))
	for ticker, total := range totals {
		out = append(out, model.TickerPopularity{Ticker: ticker, TotalValue: total})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalValue.Equal(out[j].TotalValue) {
			return out[i].Ticker < out[j].Ticker
		}
		return out[i].TotalValue.GreaterThan(out[j].TotalValue)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Orders ---

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetUserOrders(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) OpenOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Status == model.StatusOpen {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) OpenBuyOrders(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.UserID == userID && o.Side == model.SideBuy && o.Status == model.StatusOpen {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkExecuted(_ context.Context, orderID string, price decimal.Decimal, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Status != model.StatusOpen {
		return false, nil
	}
	o.Status = model.StatusExecuted
	o.ExecutedPrice = price
	executedAt := at
	o.ExecutedAt = &executedAt
	return true, nil
}

func (s *MemoryStore) MarkCancelled(_ context.Context, userID, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.UserID != userID || o.Status != model.StatusOpen {
		return false, nil
	}
	o.Status = model.StatusCancelled
	return true, nil
}

// --- Net-worth history ---

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.NetWorthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.ID = s.nextSnap
	s.nextSnap++
	s.history = append(s.history, *snap)
	return nil
}

func (s *MemoryStore) GetUserSnapshots(_ context.Context, userID string) ([]model.NetWorthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.NetWorthSnapshot
	for _, snap := range s.history {
		if snap.UserID == userID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) DeleteSnapshots(_ context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.history[:0]
	for _, snap := range s.history {
		if !drop[snap.ID] {
			kept = append(kept, snap)
		}
	}
	s.history = kept
	return nil
}

func (s *MemoryStore) SnapshotUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for _, snap := range s.history {
		if !seen[snap.UserID] {
			seen[snap.UserID] = true
			ids = append(ids, snap.UserID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, limit, offset int) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]model.NetWorthSnapshot)
	for _, snap := range s.history {
		cur, ok := latest[snap.UserID]
		if !ok || snap.Timestamp.After(cur.Timestamp) ||
			(snap.Timestamp.Equal(cur.Timestamp) && snap.ID > cur.ID) {
			latest[snap.UserID] = snap
		}
	}

	entries := make([]model.LeaderboardEntry, 0, len(latest))
	for _, snap := range latest {
		entries = append(entries, model.LeaderboardEntry{
			UserID:    snap.UserID,
			NetWorth:  snap.NetWorth,
			Timestamp: snap.Timestamp,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NetWorth.Equal(entries[j].NetWorth) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].NetWorth.GreaterThan(entries[j].NetWorth)
	})

	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
