// Package networth computes per-user net worth (cash plus positions valued
// at reference prices), maintains the append-only history behind the
// leaderboard and charts, and bounds that history's size by decimation.
package networth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbroker/broker-engine/internal/marketdata"
	"github.com/paperbroker/broker-engine/internal/metrics"
	"github.com/paperbroker/broker-engine/internal/model"
	"github.com/paperbroker/broker-engine/internal/store"
)

// ErrPricesUnavailable is returned when a snapshot could not be taken
// because reference prices were missing after every retry. No partial or
// stale valuation is ever persisted.
var ErrPricesUnavailable = errors.New("networth: reference prices unavailable")

// snapshotAttempts bounds the in-invocation retries when prices are missing.
const snapshotAttempts = 3

// Service is the net-worth snapshotter and history decimator.
type Service struct {
	store   store.Store
	gateway marketdata.Gateway
}

// NewService creates a net-worth service over a store and a gateway.
func NewService(st store.Store, gw marketdata.Gateway) *Service {
	return &Service{store: st, gateway: gw}
}

// SnapshotUser values one user's depot and appends a net-worth point.
// If any held ticker has no available price the valuation is retried up to
// snapshotAttempts times within this call; if prices are still missing the
// snapshot is skipped entirely.
func (s *Service) SnapshotUser(ctx context.Context, userID string) error {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	positions, err := s.store.GetUserPositions(ctx, userID)
	if err != nil {
		return err
	}

	tickers := make([]string, 0, len(positions))
	for _, p := range positions {
		tickers = append(tickers, p.Ticker)
	}

	var netWorth decimal.Decimal
	valued := false
	for attempt := 1; attempt <= snapshotAttempts && !valued; attempt++ {
		prices := s.gateway.Prices(ctx, tickers)

		total := account.CashBalance
		complete := true
		for _, p := range positions {
			price, ok := prices[p.Ticker]
			if !ok {
				complete = false
				break
			}
			total = total.Add(decimal.NewFromInt(p.Quantity).Mul(price))
		}

		if complete {
			netWorth = total
			valued = true
		} else if attempt < snapshotAttempts {
			slog.Warn("snapshot valuation incomplete, retrying",
				"user", userID, "attempt", attempt)
		}
	}
	if !valued {
		metrics.SnapshotFailures.Inc()
		return fmt.Errorf("%w: user %s", ErrPricesUnavailable, userID)
	}

	snap := &model.NetWorthSnapshot{
		UserID:    userID,
		NetWorth:  netWorth,
		Timestamp: time.Now().UTC(),
	}
	return s.store.InsertSnapshot(ctx, snap)
}

// SnapshotReport summarizes one snapshot pass.
type SnapshotReport struct {
	Users    int `json:"users"`
	Recorded int `json:"recorded"`
	Skipped  int `json:"skipped"`
}

// RunSnapshotPass records a net-worth point for every account. Per-user
// failures are logged and skipped; the pass never aborts as a whole.
func (s *Service) RunSnapshotPass(ctx context.Context) (SnapshotReport, error) {
	started := time.Now()
	var report SnapshotReport

	userIDs, err := s.store.ListAccountIDs(ctx)
	if err != nil {
		return report, err
	}
	report.Users = len(userIDs)

	for _, userID := range userIDs {
		if err := s.SnapshotUser(ctx, userID); err != nil {
			report.Skipped++
			slog.Warn("snapshot skipped", "user", userID, "err", err)
			continue
		}
		report.Recorded++
	}

	metrics.PassDuration.WithLabelValues("snapshot").Observe(time.Since(started).Seconds())
	slog.Info("snapshot pass complete",
		"users", report.Users, "recorded", report.Recorded, "skipped", report.Skipped)
	return report, nil
}

// History returns a user's net-worth series ordered by time, for charting.
func (s *Service) History(ctx context.Context, userID string) ([]model.NetWorthSnapshot, error) {
	return s.store.GetUserSnapshots(ctx, userID)
}

// Leaderboard returns one page of users ranked by their latest net worth.
func (s *Service) Leaderboard(ctx context.Context, page, pageSize int) ([]model.LeaderboardEntry, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	return s.store.Leaderboard(ctx, pageSize, (page-1)*pageSize)
}
