package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbroker/broker-engine/internal/metrics"
	"github.com/paperbroker/broker-engine/internal/model"
	"github.com/paperbroker/broker-engine/internal/store"
)

// MatchingReport summarizes one matching pass.
type MatchingReport struct {
	Evaluated int `json:"evaluated"`
	Executed  int `json:"executed"`
	Cancelled int `json:"cancelled"` // failed closed at fill time
	Deferred  int `json:"deferred"`  // price unavailable, stays open
	Errored   int `json:"errored"`   // storage errors, retried next pass
}

// RunMatchingPass evaluates every open order against current reference
// prices. One batched price query is issued per pass, outside any ledger
// lock; tickers with no price defer their orders to the next pass. Each
// order is processed independently — a storage error on one order is logged
// and does not block the rest.
func (s *Service) RunMatchingPass(ctx context.Context) (MatchingReport, error) {
	started := time.Now()
	var report MatchingReport

	open, err := s.store.OpenOrders(ctx)
	if err != nil {
		return report, err
	}
	if len(open) == 0 {
		return report, nil
	}

	seen := make(map[string]bool)
	tickers := make([]string, 0, len(open))
	for i := range open {
		if !seen[open[i].Ticker] {
			seen[open[i].Ticker] = true
			tickers = append(tickers, open[i].Ticker)
		}
	}

	// The only slow call in the pass. Failures degrade to an empty map and
	// every order defers; nothing aborts.
	prices := s.gateway.Prices(ctx, tickers)

	for i := range open {
		o := &open[i]
		report.Evaluated++

		price, ok := prices[o.Ticker]
		if !ok {
			report.Deferred++
			continue
		}
		if !triggers(o, price) {
			continue
		}

		outcome, err := s.fill(ctx, o, price)
		if err != nil {
			report.Errored++
			slog.Error("order fill failed, will retry next pass",
				"order_id", o.ID, "ticker", o.Ticker, "err", err)
			continue
		}
		switch outcome {
		case outcomeExecuted:
			report.Executed++
		case outcomeCancelled:
			report.Cancelled++
		}
	}

	metrics.PassDuration.WithLabelValues("matching").Observe(time.Since(started).Seconds())
	slog.Info("matching pass complete",
		"evaluated", report.Evaluated,
		"executed", report.Executed,
		"cancelled", report.Cancelled,
		"deferred", report.Deferred,
		"errored", report.Errored,
	)
	return report, nil
}

// triggers applies the fill-condition table against reference price p.
// Market orders always trigger; limit and stop orders trigger on the side
// of their threshold. All fills happen at p itself.
func triggers(o *model.Order, p decimal.Decimal) bool {
	switch o.Kind {
	case model.KindMarket:
		return true
	case model.KindLimit:
		if o.Side == model.SideBuy {
			return p.LessThanOrEqual(o.LimitPrice)
		}
		return p.GreaterThanOrEqual(o.LimitPrice)
	case model.KindStop:
		if o.Side == model.SideBuy {
			return p.GreaterThanOrEqual(o.StopPrice)
		}
		return p.LessThanOrEqual(o.StopPrice)
	default:
		return false
	}
}

type fillOutcome int

const (
	outcomeNoop fillOutcome = iota // another writer reached a terminal state first
	outcomeExecuted
	outcomeCancelled
)

func (s *Service) fill(ctx context.Context, o *model.Order, price decimal.Decimal) (fillOutcome, error) {
	if o.Side == model.SideBuy {
		return s.fillBuy(ctx, o, price)
	}
	return s.fillSell(ctx, o, price)
}

// fillBuy debits the cash ledger first, then takes the order's terminal
// transition, then credits the position. The conditional status update is
// the commit point against a racing cancellation: if the cancel won, the
// debit is refunded and the pass moves on.
func (s *Service) fillBuy(ctx context.Context, o *model.Order, price decimal.Decimal) (fillOutcome, error) {
	cost := decimal.NewFromInt(o.Quantity).Mul(price)

	if err := s.store.AddCash(ctx, o.UserID, cost.Neg()); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			// Fail closed: the balance no longer covers the fill, so the
			// order is cancelled rather than partially executed.
			return s.cancelAtFill(ctx, o, "insufficient funds at fill")
		}
		return outcomeNoop, err
	}

	executed, err := s.store.MarkExecuted(ctx, o.ID, price, time.Now().UTC())
	if err != nil || !executed {
		// Either a storage error or a cancellation that committed first;
		// in both cases the debit must come back.
		if refundErr := s.store.AddCash(ctx, o.UserID, cost); refundErr != nil {
			metrics.CompensationFailures.WithLabelValues("buy_refund").Inc()
			slog.Error("buy fill refund failed, cash needs reconciliation",
				"order_id", o.ID, "user", o.UserID, "amount", cost.String(), "err", refundErr)
		}
		return outcomeNoop, err
	}

	if err := s.store.ApplyBuyFill(ctx, o.UserID, o.Ticker, o.Quantity, price); err != nil {
		slog.Error("buy fill executed but position credit failed",
			"order_id", o.ID, "user", o.UserID, "ticker", o.Ticker, "err", err)
		return outcomeExecuted, err
	}

	s.noteExecution(o, price)
	slog.Info("buy order executed",
		"order_id", o.ID, "user", o.UserID, "ticker", o.Ticker,
		"qty", o.Quantity, "price", price.String(), "cost", cost.String())
	return outcomeExecuted, nil
}

// fillSell removes shares first (conditional on the position still holding
// enough), then takes the terminal transition, then credits the proceeds.
// If a cancellation won the race the shares are restored at their prior
// average price, which leaves the cost basis unchanged.
func (s *Service) fillSell(ctx context.Context, o *model.Order, price decimal.Decimal) (fillOutcome, error) {
	pos, err := s.store.GetPosition(ctx, o.UserID, o.Ticker)
	if errors.Is(err, store.ErrPositionNotFound) {
		return s.cancelAtFill(ctx, o, "position gone at fill")
	}
	if err != nil {
		return outcomeNoop, err
	}

	if err := s.store.ApplySellFill(ctx, o.UserID, o.Ticker, o.Quantity); err != nil {
		if errors.Is(err, store.ErrInsufficientHoldings) {
			return s.cancelAtFill(ctx, o, "insufficient holdings at fill")
		}
		return outcomeNoop, err
	}

	executed, err := s.store.MarkExecuted(ctx, o.ID, price, time.Now().UTC())
	if err != nil || !executed {
		if restoreErr := s.store.ApplyBuyFill(ctx, o.UserID, o.Ticker, o.Quantity, pos.AvgPrice); restoreErr != nil {
			metrics.CompensationFailures.WithLabelValues("sell_restore").Inc()
			slog.Error("sell fill share restore failed, shares need reconciliation",
				"order_id", o.ID, "user", o.UserID, "ticker", o.Ticker, "err", restoreErr)
		}
		return outcomeNoop, err
	}

	proceeds := decimal.NewFromInt(o.Quantity).Mul(price)
	if err := s.store.AddCash(ctx, o.UserID, proceeds); err != nil {
		slog.Error("sell fill executed but cash credit failed",
			"order_id", o.ID, "user", o.UserID, "amount", proceeds.String(), "err", err)
		return outcomeExecuted, err
	}

	// Realized gain/loss is a derived reporting value, not ledger state.
	realized := decimal.NewFromInt(o.Quantity).Mul(price.Sub(pos.AvgPrice))

	s.noteExecution(o, price)
	slog.Info("sell order executed",
		"order_id", o.ID, "user", o.UserID, "ticker", o.Ticker,
		"qty", o.Quantity, "price", price.String(),
		"proceeds", proceeds.String(), "realized_pnl", realized.String())
	return outcomeExecuted, nil
}

// cancelAtFill fails an order closed during the matching pass. Zero rows
// affected means a user cancellation already got there, which is the same
// terminal result.
func (s *Service) cancelAtFill(ctx context.Context, o *model.Order, reason string) (fillOutcome, error) {
	cancelled, err := s.store.MarkCancelled(ctx, o.UserID, o.ID)
	if err != nil {
		return outcomeNoop, err
	}
	if !cancelled {
		return outcomeNoop, nil
	}
	metrics.OrdersCancelled.WithLabelValues("fill_failed").Inc()
	slog.Warn("order failed closed during matching",
		"order_id", o.ID, "user", o.UserID, "ticker", o.Ticker, "reason", reason)
	return outcomeCancelled, nil
}

func (s *Service) noteExecution(o *model.Order, price decimal.Decimal) {
	metrics.OrdersExecuted.WithLabelValues(string(o.Kind), string(o.Side)).Inc()
	if s.listener != nil {
		executed := *o
		executed.Status = model.StatusExecuted
		executed.ExecutedPrice = price
		now := time.Now().UTC()
		executed.ExecutedAt = &now
		s.listener.OrderExecuted(executed)
	}
}
