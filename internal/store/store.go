// Package store defines the persistence interface for the broker engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every ledger mutation is a single conditional statement with an
// affected-row check, never read-then-write in application logic. That is
// what makes concurrent placement, cancellation, and the scheduled matching
// pass safe without a global lock.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbroker/broker-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when a cash delta would push the
	// balance below zero. The balance is left untouched.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrInsufficientHoldings is returned when a sell fill asks for more
	// shares than the position holds. The position is left untouched.
	ErrInsufficientHoldings = errors.New("store: insufficient holdings")

	// ErrAccountNotFound is returned for operations on unknown users.
	ErrAccountNotFound = errors.New("store: account not found")

	// ErrAccountExists is returned when creating a duplicate account.
	ErrAccountExists = errors.New("store: account already exists")

	// ErrPositionNotFound is returned when a user holds no shares of a ticker.
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrOrderNotFound is returned for lookups of unknown order ids.
	ErrOrderNotFound = errors.New("store: order not found")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for depot-facing reads.
type Store interface {
	// --- Accounts (cash ledger) ---

	// CreateAccount persists a new account with its starting balance.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by user id.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// DeleteAccount removes an account and cascades to its positions,
	// orders, and net-worth history.
	DeleteAccount(ctx context.Context, userID string) error

	// ListAccountIDs returns every user id with an account.
	ListAccountIDs(ctx context.Context) ([]string, error)

	// AddCash applies balance ← balance + delta as one conditional update.
	// Returns ErrInsufficientFunds (and changes nothing) if the result
	// would be negative. This is the only way balances change.
	AddCash(ctx context.Context, userID string, delta decimal.Decimal) error

	// --- Positions ---

	// GetPosition returns the user's holding in one ticker, or
	// ErrPositionNotFound when no shares are held.
	GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error)

	// GetUserPositions returns all of a user's holdings.
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ApplyBuyFill adds quantity shares at fillPrice, folding the price
	// into the quantity-weighted average in a single upsert.
	ApplyBuyFill(ctx context.Context, userID, ticker string, quantity int64, fillPrice decimal.Decimal) error

	// ApplySellFill removes quantity shares, conditional on the position
	// holding at least that many; the average purchase price is unchanged
	// and the row is deleted when quantity reaches zero. The decrement and
	// the deletion are atomic: concurrent readers never observe a
	// zero-quantity row. Returns ErrInsufficientHoldings when the condition
	// fails.
	ApplySellFill(ctx context.Context, userID, ticker string, quantity int64) error

	// PopularTickers ranks tickers by total held value across all depots.
	PopularTickers(ctx context.Context, limit int) ([]model.TickerPopularity, error)

	// --- Orders ---

	// InsertOrder persists a new open order.
	InsertOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves one order by id.
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)

	// GetUserOrders returns all of a user's orders, newest first.
	GetUserOrders(ctx context.Context, userID string) ([]model.Order, error)

	// OpenOrders returns every open order across all users.
	OpenOrders(ctx context.Context) ([]model.Order, error)

	// OpenBuyOrders returns a user's open buy orders, for locked-cash
	// derivation.
	OpenBuyOrders(ctx context.Context, userID string) ([]model.Order, error)

	// MarkExecuted transitions open → executed, conditional on the order
	// still being open. Reports whether the transition happened; false
	// means someone else reached a terminal state first.
	MarkExecuted(ctx context.Context, orderID string, price decimal.Decimal, at time.Time) (bool, error)

	// MarkCancelled transitions open → cancelled, conditional on the order
	// belonging to userID and still being open.
	MarkCancelled(ctx context.Context, userID, orderID string) (bool, error)

	// --- Net-worth history ---

	// InsertSnapshot appends one net-worth point; the store assigns the id.
	InsertSnapshot(ctx context.Context, s *model.NetWorthSnapshot) error

	// GetUserSnapshots returns a user's history ordered by timestamp ascending.
	GetUserSnapshots(ctx context.Context, userID string) ([]model.NetWorthSnapshot, error)

	// DeleteSnapshots removes history rows by id in one batch.
	DeleteSnapshots(ctx context.Context, ids []int64) error

	// SnapshotUserIDs returns the distinct users with recorded history.
	SnapshotUserIDs(ctx context.Context) ([]string, error)

	// Leaderboard returns the latest net worth per user, ranked descending.
	Leaderboard(ctx context.Context, limit, offset int) ([]model.LeaderboardEntry, error)
}
