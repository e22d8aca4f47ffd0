// Package engine implements the order lifecycle: validation and admission of
// new orders, cancellation, the scheduled matching pass, and the depot views
// derived from the cash and position ledgers.
//
// Locked cash is derived, not stored: it is recomputed on demand from the
// user's open buy orders, so there is no second source of truth that could
// drift from the order table. All monetary values use shopspring/decimal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperbroker/broker-engine/internal/marketdata"
	"github.com/paperbroker/broker-engine/internal/metrics"
	"github.com/paperbroker/broker-engine/internal/model"
	"github.com/paperbroker/broker-engine/internal/store"
)

var (
	// ErrInvalidOrder wraps malformed order parameters; nothing is persisted.
	ErrInvalidOrder = errors.New("engine: invalid order")

	// ErrUnknownTicker is returned when the market data gateway cannot
	// resolve the requested symbol.
	ErrUnknownTicker = errors.New("engine: unknown ticker")

	// ErrInsufficientFunds is returned when a buy order's reservation
	// exceeds the user's available (unlocked) cash.
	ErrInsufficientFunds = errors.New("engine: insufficient funds")

	// ErrInsufficientHoldings is returned when a sell order asks for more
	// shares than the user holds.
	ErrInsufficientHoldings = errors.New("engine: insufficient holdings")

	// ErrNotCancellable is returned when cancelling an order that is not
	// open (already executed or cancelled) or not owned by the caller.
	ErrNotCancellable = errors.New("engine: order not cancellable")

	// ErrMarketDataUnavailable is returned when a market buy cannot be
	// admitted because no reference price is known for its reservation.
	ErrMarketDataUnavailable = errors.New("engine: market data unavailable")
)

// StartingBalance is the cash every new account begins with.
var StartingBalance = decimal.NewFromInt(50000)

// ExecutionListener receives a notification after an order reaches the
// executed state. Used for real-time broadcasts; may be nil.
type ExecutionListener interface {
	OrderExecuted(o model.Order)
}

// Service is the order engine. It owns no state of its own — every mutation
// is a conditional single-statement update against the store, so concurrent
// placements, cancellations, and matching passes are safe without a global
// lock.
type Service struct {
	store    store.Store
	gateway  marketdata.Gateway
	listener ExecutionListener // optional
}

// NewService creates an order engine over a store and a market data gateway.
// Pass nil for listener if execution broadcasts are not needed.
func NewService(st store.Store, gw marketdata.Gateway, listener ExecutionListener) *Service {
	return &Service{
		store:    st,
		gateway:  gw,
		listener: listener,
	}
}

// CreateAccount opens a paper-trading account with the starting balance.
func (s *Service) CreateAccount(ctx context.Context, userID string) (*model.Account, error) {
	account := &model.Account{
		UserID:      userID,
		CashBalance: StartingBalance,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	slog.Info("account created", "user", userID, "balance", account.CashBalance.String())
	return account, nil
}

// DeleteAccount removes an account; positions, orders, and net-worth history
// cascade with it.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	return s.store.DeleteAccount(ctx, userID)
}

// PlaceOrder validates and admits a new order. Validation happens in a fixed
// sequence, each step a distinct failure: ticket shape (quantity, per-kind
// prices — enforced by the ticket constructors), ticker resolution, then the
// side-specific funds or holdings check. On success the order is persisted
// with status open; on any failure nothing is written.
func (s *Service) PlaceOrder(ctx context.Context, userID, ticker string, ticket model.OrderTicket) (*model.Order, error) {
	if ticket.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOrder, model.ErrNonPositiveQuantity)
	}
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, fmt.Errorf("%w: empty ticker", ErrInvalidOrder)
	}

	if !s.gateway.Resolve(ctx, ticker) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	}

	switch ticket.Side {
	case model.SideBuy:
		if err := s.checkBuyingPower(ctx, userID, ticker, ticket); err != nil {
			return nil, err
		}
	case model.SideSell:
		if err := s.checkHoldings(ctx, userID, ticker, ticket.Quantity); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidOrder, model.ErrUnknownSide)
	}

	order := &model.Order{
		ID:         uuid.New().String(),
		UserID:     userID,
		Ticker:     ticker,
		Kind:       ticket.Kind,
		Side:       ticket.Side,
		Quantity:   ticket.Quantity,
		LimitPrice: ticket.LimitPrice,
		StopPrice:  ticket.StopPrice,
		Status:     model.StatusOpen,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.InsertOrder(ctx, order); err != nil {
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(order.Kind), string(order.Side)).Inc()
	slog.Info("order placed",
		"order_id", order.ID,
		"user", userID,
		"ticker", ticker,
		"kind", order.Kind,
		"side", order.Side,
		"qty", order.Quantity,
	)
	return order, nil
}

// checkBuyingPower enforces available_cash = balance − locked_cash against
// the new order's own reservation.
func (s *Service) checkBuyingPower(ctx context.Context, userID, ticker string, ticket model.OrderTicket) error {
	reservation, err := s.reservationPrice(ctx, ticker, ticket)
	if err != nil {
		return err
	}
	required := decimal.NewFromInt(ticket.Quantity).Mul(reservation)

	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	locked, err := s.LockedCash(ctx, userID)
	if err != nil {
		return err
	}

	available := account.CashBalance.Sub(locked)
	if required.GreaterThan(available) {
		return fmt.Errorf("%w: need %s, available %s",
			ErrInsufficientFunds, required.String(), available.String())
	}
	return nil
}

func (s *Service) reservationPrice(ctx context.Context, ticker string, ticket model.OrderTicket) (decimal.Decimal, error) {
	switch ticket.Kind {
	case model.KindLimit:
		return ticket.LimitPrice, nil
	case model.KindStop:
		return ticket.StopPrice, nil
	default:
		// Market orders reserve at the last known reference price. With no
		// price ever observed there is nothing sane to reserve, so the
		// placement is refused rather than admitted unreserved.
		p, ok := s.gateway.LastKnown(ctx, ticker)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: no reference price for %s", ErrMarketDataUnavailable, ticker)
		}
		return p, nil
	}
}

func (s *Service) checkHoldings(ctx context.Context, userID, ticker string, quantity int64) error {
	pos, err := s.store.GetPosition(ctx, userID, ticker)
	if errors.Is(err, store.ErrPositionNotFound) {
		return fmt.Errorf("%w: no position in %s", ErrInsufficientHoldings, ticker)
	}
	if err != nil {
		return err
	}
	if pos.Quantity < quantity {
		return fmt.Errorf("%w: hold %d, want to sell %d", ErrInsufficientHoldings, pos.Quantity, quantity)
	}
	return nil
}

// CancelOrder transitions an open order to cancelled. The conditional update
// commits only if the order belongs to the caller and is still open; zero
// rows affected means it was already handled (executed, cancelled, or not
// the caller's) and state is left untouched.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) error {
	ok, err := s.store.MarkCancelled(ctx, userID, orderID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotCancellable
	}
	metrics.OrdersCancelled.WithLabelValues("user").Inc()
	slog.Info("order cancelled", "order_id", orderID, "user", userID)
	return nil
}

// LockedCash derives the cash reserved by a user's open buy orders: the sum
// of quantity × reservation price. Market orders follow the last known
// reference price; tickers whose last-known price is gone (a restart loses
// the gateway's memory) get one fresh batched lookup, and only if the
// provider is down too does the order reserve nothing until the next quote.
func (s *Service) LockedCash(ctx context.Context, userID string) (decimal.Decimal, error) {
	open, err := s.store.OpenBuyOrders(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	reference := make(map[string]decimal.Decimal)
	seen := make(map[string]bool)
	var missing []string
	for i := range open {
		o := &open[i]
		if o.Kind != model.KindMarket || seen[o.Ticker] {
			continue
		}
		seen[o.Ticker] = true
		if p, ok := s.gateway.LastKnown(ctx, o.Ticker); ok {
			reference[o.Ticker] = p
		} else {
			missing = append(missing, o.Ticker)
		}
	}
	if len(missing) > 0 {
		for ticker, p := range s.gateway.Prices(ctx, missing) {
			reference[ticker] = p
		}
	}

	locked := decimal.Zero
	for i := range open {
		o := &open[i]
		price := o.ReservationPrice(reference[o.Ticker])
		locked = locked.Add(decimal.NewFromInt(o.Quantity).Mul(price))
	}
	return locked, nil
}

// GetUserPosition returns the user's holding in one ticker.
func (s *Service) GetUserPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	return s.store.GetPosition(ctx, userID, strings.ToUpper(ticker))
}

// GetUserOrders returns all of a user's orders, newest first.
func (s *Service) GetUserOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.store.GetUserOrders(ctx, userID)
}

// GetMostPopularTickers ranks tickers by total value held across all depots.
func (s *Service) GetMostPopularTickers(ctx context.Context, limit int) ([]model.TickerPopularity, error) {
	if limit <= 0 {
		limit = 3
	}
	return s.store.PopularTickers(ctx, limit)
}

// GetDepotDetails assembles the depot view: cash balance, every position
// valued at the current reference price, and the resulting total net worth.
// Positions whose price is unavailable are listed without valuation and flip
// the PricesMissing flag; the view is served regardless.
func (s *Service) GetDepotDetails(ctx context.Context, userID string) (*model.DepotDetails, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	tickers := make([]string, 0, len(positions))
	for _, p := range positions {
		tickers = append(tickers, p.Ticker)
	}
	prices := s.gateway.Prices(ctx, tickers)

	details := &model.DepotDetails{
		UserID:      userID,
		CashBalance: account.CashBalance,
		Positions:   make([]model.DepotPosition, 0, len(positions)),
	}
	portfolioValue := decimal.Zero

	hundred := decimal.NewFromInt(100)
	for _, p := range positions {
		dp := model.DepotPosition{
			Ticker:   p.Ticker,
			Quantity: p.Quantity,
			AvgPrice: p.AvgPrice,
		}

		if price, ok := prices[p.Ticker]; ok {
			qty := decimal.NewFromInt(p.Quantity)
			value := qty.Mul(price)
			purchaseValue := qty.Mul(p.AvgPrice)
			absProfit := value.Sub(purchaseValue)

			dp.CurrentPrice = &price
			dp.CurrentValue = &value
			dp.AbsoluteProfit = &absProfit
			if purchaseValue.IsPositive() {
				rel := absProfit.Div(purchaseValue).Mul(hundred)
				dp.RelativeProfit = &rel
			}
			portfolioValue = portfolioValue.Add(value)
		} else {
			details.PricesMissing = true
		}

		details.Positions = append(details.Positions, dp)
	}

	details.PortfolioValue = portfolioValue
	details.TotalNetWorth = account.CashBalance.Add(portfolioValue)
	return details, nil
}
