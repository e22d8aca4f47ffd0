package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/paperbroker/broker-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the depot-facing reads. Ledger writes go to the primary store and
// invalidate the affected keys; reads check Redis first then fall back to the
// primary. Order and history operations pass through uncached — the matching
// pass must always see fresh lifecycle state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (primary first, then invalidate) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) DeleteAccount(ctx context.Context, userID string) error {
	if err := s.primary.DeleteAccount(ctx, userID); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(userID), positionsKey(userID), popularKey())
	return nil
}

func (s *CachedStore) AddCash(ctx context.Context, userID string, delta decimal.Decimal) error {
	if err := s.primary.AddCash(ctx, userID, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(userID))
	return nil
}

func (s *CachedStore) ApplyBuyFill(ctx context.Context, userID, ticker string, quantity int64, fillPrice decimal.Decimal) error {
	if err := s.primary.ApplyBuyFill(ctx, userID, ticker, quantity, fillPrice); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(userID), popularKey())
	return nil
}

func (s *CachedStore) ApplySellFill(ctx context.Context, userID, ticker string, quantity int64) error {
	if err := s.primary.ApplySellFill(ctx, userID, ticker, quantity); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(userID), popularKey())
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(userID), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) PopularTickers(ctx context.Context, limit int) ([]model.TickerPopularity, error) {
	data, err := s.rdb.Get(ctx, popularKey()).Bytes()
	if err == nil {
		var cached []model.TickerPopularity
		if json.Unmarshal(data, &cached) == nil && len(cached) >= limit {
			if limit > 0 && len(cached) > limit {
				cached = cached[:limit]
			}
			return cached, nil
		}
	}

	out, err := s.primary.PopularTickers(ctx, limit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(out); err == nil {
		s.rdb.Set(ctx, popularKey(), data, s.ttl)
	}
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	return s.primary.ListAccountIDs(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, ticker)
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, orderID)
}

func (s *CachedStore) GetUserOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.GetUserOrders(ctx, userID)
}

func (s *CachedStore) OpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.OpenOrders(ctx)
}

func (s *CachedStore) OpenBuyOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.OpenBuyOrders(ctx, userID)
}

func (s *CachedStore) MarkExecuted(ctx context.Context, orderID string, price decimal.Decimal, at time.Time) (bool, error) {
	return s.primary.MarkExecuted(ctx, orderID, price, at)
}

func (s *CachedStore) MarkCancelled(ctx context.Context, userID, orderID string) (bool, error) {
	return s.primary.MarkCancelled(ctx, userID, orderID)
}

func (s *CachedStore) InsertSnapshot(ctx context.Context, snap *model.NetWorthSnapshot) error {
	return s.primary.InsertSnapshot(ctx, snap)
}

func (s *CachedStore) GetUserSnapshots(ctx context.Context, userID string) ([]model.NetWorthSnapshot, error) {
	return s.primary.GetUserSnapshots(ctx, userID)
}

func (s *CachedStore) DeleteSnapshots(ctx context.Context, ids []int64) error {
	return s.primary.DeleteSnapshots(ctx, ids)
}

func (s *CachedStore) SnapshotUserIDs(ctx context.Context) ([]string, error) {
	return s.primary.SnapshotUserIDs(ctx)
}

func (s *CachedStore) Leaderboard(ctx context.Context, limit, offset int) ([]model.LeaderboardEntry, error) {
	return s.primary.Leaderboard(ctx, limit, offset)
}

// --- Cache keys ---

func accountKey(uid string) string   { return fmt.Sprintf("account:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
func popularKey() string             { return "popular:tickers" }
