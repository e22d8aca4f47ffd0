// Package model defines the core domain types shared across the broker engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Share quantities are whole numbers (int64); fractional shares are not traded.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderKind classifies how an order triggers.
type OrderKind string

// OrderSide is the direction of an order.
type OrderSide string

// OrderStatus is the lifecycle state of an order. Transitions are monotonic:
// open → executed or open → cancelled, never reversed.
type OrderStatus string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
	KindStop   OrderKind = "stop"

	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"

	StatusOpen      OrderStatus = "open"
	StatusExecuted  OrderStatus = "executed"
	StatusCancelled OrderStatus = "cancelled"
)

var (
	ErrNonPositiveQuantity = errors.New("model: quantity must be a positive integer")
	ErrMissingLimitPrice   = errors.New("model: limit orders require a positive limit price")
	ErrMissingStopPrice    = errors.New("model: stop orders require a positive stop price")
	ErrUnknownKind         = errors.New("model: unknown order kind")
	ErrUnknownSide         = errors.New("model: unknown order side")
)

// OrderTicket is a validated order request. Tickets are built only through
// the constructors below, so a limit ticket always carries a positive limit
// price and a market ticket never carries one.
type OrderTicket struct {
	Kind       OrderKind
	Side       OrderSide
	Quantity   int64
	LimitPrice decimal.Decimal // set iff Kind == KindLimit
	StopPrice  decimal.Decimal // set iff Kind == KindStop
}

// MarketBuy builds a market buy ticket.
func MarketBuy(quantity int64) (OrderTicket, error) {
	return newTicket(KindMarket, SideBuy, quantity, decimal.Zero, decimal.Zero)
}

// MarketSell builds a market sell ticket.
func MarketSell(quantity int64) (OrderTicket, error) {
	return newTicket(KindMarket, SideSell, quantity, decimal.Zero, decimal.Zero)
}

// LimitBuy builds a limit buy ticket; price must be positive.
func LimitBuy(quantity int64, price decimal.Decimal) (OrderTicket, error) {
	return newTicket(KindLimit, SideBuy, quantity, price, decimal.Zero)
}

// LimitSell builds a limit sell ticket; price must be positive.
func LimitSell(quantity int64, price decimal.Decimal) (OrderTicket, error) {
	return newTicket(KindLimit, SideSell, quantity, price, decimal.Zero)
}

// StopBuy builds a stop buy ticket; price must be positive.
func StopBuy(quantity int64, price decimal.Decimal) (OrderTicket, error) {
	return newTicket(KindStop, SideBuy, quantity, decimal.Zero, price)
}

// StopSell builds a stop sell ticket; price must be positive.
func StopSell(quantity int64, price decimal.Decimal) (OrderTicket, error) {
	return newTicket(KindStop, SideSell, quantity, decimal.Zero, price)
}

// NewTicket builds a ticket from wire-level kind/side strings. Limit and stop
// prices may be nil when the kind does not require them.
func NewTicket(kind, side string, quantity int64, limitPrice, stopPrice *decimal.Decimal) (OrderTicket, error) {
	var limit, stop decimal.Decimal
	if limitPrice != nil {
		limit = *limitPrice
	}
	if stopPrice != nil {
		stop = *stopPrice
	}

	switch OrderSide(side) {
	case SideBuy, SideSell:
	default:
		return OrderTicket{}, fmt.Errorf("%w: %q", ErrUnknownSide, side)
	}

	switch OrderKind(kind) {
	case KindMarket:
		return newTicket(KindMarket, OrderSide(side), quantity, decimal.Zero, decimal.Zero)
	case KindLimit:
		return newTicket(KindLimit, OrderSide(side), quantity, limit, decimal.Zero)
	case KindStop:
		return newTicket(KindStop, OrderSide(side), quantity, decimal.Zero, stop)
	default:
		return OrderTicket{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func newTicket(kind OrderKind, side OrderSide, quantity int64, limit, stop decimal.Decimal) (OrderTicket, error) {
	if quantity <= 0 {
		return OrderTicket{}, ErrNonPositiveQuantity
	}
	if kind == KindLimit && limit.LessThanOrEqual(decimal.Zero) {
		return OrderTicket{}, ErrMissingLimitPrice
	}
	if kind == KindStop && stop.LessThanOrEqual(decimal.Zero) {
		return OrderTicket{}, ErrMissingStopPrice
	}
	return OrderTicket{Kind: kind, Side: side, Quantity: quantity, LimitPrice: limit, StopPrice: stop}, nil
}

// Account holds a user's spendable cash. The balance is mutated only through
// the store's conditional delta update and never goes negative.
type Account struct {
	UserID      string          `json:"user_id" db:"user_id"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's holding in one ticker. A row with zero quantity does
// not exist; it is deleted when the last share is sold.
type Position struct {
	UserID   string          `json:"user_id" db:"user_id"`
	Ticker   string          `json:"ticker" db:"ticker"`
	Quantity int64           `json:"quantity" db:"quantity"`
	AvgPrice decimal.Decimal `json:"average_purchase_price" db:"average_purchase_price"`
}

// Order is a durable record of one order and its lifecycle state.
// Terminal rows are kept as historical record, never physically deleted.
type Order struct {
	ID            string          `json:"order_id" db:"order_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Ticker        string          `json:"ticker" db:"ticker"`
	Kind          OrderKind       `json:"kind" db:"kind"`
	Side          OrderSide       `json:"side" db:"side"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price" db:"limit_price"`
	StopPrice     decimal.Decimal `json:"stop_price" db:"stop_price"`
	Status        OrderStatus     `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty" db:"executed_at"`
	ExecutedPrice decimal.Decimal `json:"executed_price" db:"executed_price"`
}

// ReservationPrice is the per-share cash reservation an open buy order claims
// against its owner's balance: the limit price for limit orders, the stop
// price for stop orders, and the last known reference price for market orders.
func (o *Order) ReservationPrice(lastKnown decimal.Decimal) decimal.Decimal {
	switch o.Kind {
	case KindLimit:
		return o.LimitPrice
	case KindStop:
		return o.StopPrice
	default:
		return lastKnown
	}
}

// NetWorthSnapshot is one point in a user's net-worth history. Appended by
// the snapshotter; interior points may later be removed by the decimator.
type NetWorthSnapshot struct {
	ID        int64           `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	NetWorth  decimal.Decimal `json:"net_worth" db:"net_worth"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// DepotPosition is a position valued at the current reference price.
// Valuation fields are nil when the price is unavailable.
type DepotPosition struct {
	Ticker         string           `json:"ticker"`
	Quantity       int64            `json:"quantity"`
	AvgPrice       decimal.Decimal  `json:"average_purchase_price"`
	CurrentPrice   *decimal.Decimal `json:"current_price,omitempty"`
	CurrentValue   *decimal.Decimal `json:"current_value,omitempty"`
	AbsoluteProfit *decimal.Decimal `json:"absolute_profit,omitempty"`
	RelativeProfit *decimal.Decimal `json:"relative_profit,omitempty"` // percent
}

// DepotDetails is the full depot view: cash, valued positions, and totals.
type DepotDetails struct {
	UserID         string          `json:"user_id"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	TotalNetWorth  decimal.Decimal `json:"total_net_worth"`
	Positions      []DepotPosition `json:"positions"`
	PricesMissing  bool            `json:"prices_missing"`
}

// LeaderboardEntry is one ranked row: a user's most recent net worth.
type LeaderboardEntry struct {
	UserID    string          `json:"user_id"`
	NetWorth  decimal.Decimal `json:"net_worth"`
	Timestamp time.Time       `json:"timestamp"`
}

// TickerPopularity ranks a ticker by the total notional value held across
// all depots (Σ quantity · average purchase price).
type TickerPopularity struct {
	Ticker     string          `json:"ticker"`
	TotalValue decimal.Decimal `json:"total_value"`
}
