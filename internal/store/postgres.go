package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/paperbroker/broker-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Expected schema:
//
//	accounts(user_id TEXT PK, cash_balance NUMERIC CHECK (cash_balance >= 0), created_at TIMESTAMPTZ)
//	positions(user_id TEXT REFERENCES accounts ON DELETE CASCADE, ticker TEXT,
//	          quantity BIGINT CHECK (quantity >= 0), average_purchase_price NUMERIC,
//	          PRIMARY KEY (user_id, ticker))
//	orders(order_id TEXT PK, user_id TEXT REFERENCES accounts ON DELETE CASCADE,
//	       ticker TEXT, kind TEXT, side TEXT, quantity BIGINT, limit_price NUMERIC,
//	       stop_price NUMERIC, status TEXT, created_at TIMESTAMPTZ,
//	       executed_at TIMESTAMPTZ NULL, executed_price NUMERIC)
//	net_worth_history(id BIGSERIAL PK, user_id TEXT REFERENCES accounts ON DELETE CASCADE,
//	                  net_worth NUMERIC, timestamp TIMESTAMPTZ)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, cash_balance, created_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		a.UserID, a.CashBalance.String(), a.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountExists
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, cash_balance::TEXT, created_at FROM accounts WHERE user_id = $1`,
		userID).
		Scan(&a.UserID, &balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}

	a.CashBalance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, userID string) error {
	// Positions, orders, and history cascade via foreign keys.
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) AddCash(ctx context.Context, userID string, delta decimal.Decimal) error {
	// Single conditional statement: the WHERE clause rejects any delta that
	// would drive the balance negative, so concurrent writers cannot lose
	// updates or overdraw.
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET cash_balance = cash_balance + $2::NUMERIC
		 WHERE user_id = $1 AND cash_balance + $2::NUMERIC >= 0`,
		userID, delta.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAccount(ctx, userID); err != nil {
			return err
		}
		return ErrInsufficientFunds
	}
	return nil
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	var p model.Position
	var avg string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, ticker, quantity, average_purchase_price::TEXT
		 FROM positions WHERE user_id = $1 AND ticker = $2`,
		userID, ticker).
		Scan(&p.UserID, &p.Ticker, &p.Quantity, &avg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, ticker, err)
	}

	p.AvgPrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, ticker, quantity, average_purchase_price::TEXT
		 FROM positions WHERE user_id = $1 ORDER BY ticker`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avg string
		if err := rows.Scan(&p.UserID, &p.Ticker, &p.Quantity, &avg); err != nil {
			return nil, err
		}
		p.AvgPrice, _ = decimal.NewFromString(avg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ApplyBuyFill(ctx context.Context, userID, ticker string, quantity int64, fillPrice decimal.Decimal) error {
	// Weighted-average upsert in one statement. The UPDATE branch reads the
	// pre-update quantity/average, so the math matches
	// new_avg = (old_qty·old_avg + q·f) / (old_qty + q).
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, ticker, quantity, average_purchase_price)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (user_id, ticker) DO UPDATE SET
		     average_purchase_price =
		         (positions.quantity * positions.average_purchase_price
		          + EXCLUDED.quantity * EXCLUDED.average_purchase_price)
		         / (positions.quantity + EXCLUDED.quantity),
		     quantity = positions.quantity + EXCLUDED.quantity`,
		userID, ticker, quantity, fillPrice.String(),
	)
	return err
}

func (s *PostgresStore) ApplySellFill(ctx context.Context, userID, ticker string, quantity int64) error {
	// The decrement and the removal of an emptied row commit together, so no
	// reader ever observes a quantity = 0 position.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE positions SET quantity = quantity - $3
		 WHERE user_id = $1 AND ticker = $2 AND quantity >= $3`,
		userID, ticker, quantity,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientHoldings
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND ticker = $2 AND quantity = 0`,
		userID, ticker,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) PopularTickers(ctx context.Context, limit int) ([]model.TickerPopularity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, SUM(quantity * average_purchase_price)::TEXT AS total_value
		 FROM positions
		 GROUP BY ticker
		 ORDER BY SUM(quantity * average_purchase_price) DESC, ticker
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TickerPopularity
	for rows.Next() {
		var tp model.TickerPopularity
		var total string
		if err := rows.Scan(&tp.Ticker, &total); err != nil {
			return nil, err
		}
		tp.TotalValue, _ = decimal.NewFromString(total)
		out = append(out, tp)
	}
	return out, rows.Err()
}

// --- Orders ---

const orderColumns = `order_id, user_id, ticker, kind, side, quantity,
	limit_price::TEXT, stop_price::TEXT, status, created_at, executed_at, executed_price::TEXT`

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (order_id, user_id, ticker, kind, side, quantity,
		                     limit_price, stop_price, status, created_at, executed_at, executed_price)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, NULL, 0)`,
		o.ID, o.UserID, o.Ticker, o.Kind, o.Side, o.Quantity,
		o.LimitPrice.String(), o.StopPrice.String(), o.Status, o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)

	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *PostgresStore) GetUserOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) OpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = 'open' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) OpenBuyOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND side = 'buy' AND status = 'open'
		 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) MarkExecuted(ctx context.Context, orderID string, price decimal.Decimal, at time.Time) (bool, error) {
	// Conditional on status = 'open': whichever of execution and
	// cancellation commits first wins, the other sees zero rows affected.
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET status = 'executed', executed_at = $2, executed_price = $3::NUMERIC
		 WHERE order_id = $1 AND status = 'open'`,
		orderID, at, price.String(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, userID, orderID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = 'cancelled'
		 WHERE order_id = $1 AND user_id = $2 AND status = 'open'`,
		orderID, userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- Net-worth history ---

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.NetWorthSnapshot) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO net_worth_history (user_id, net_worth, timestamp)
		 VALUES ($1, $2::NUMERIC, $3) RETURNING id`,
		snap.UserID, snap.NetWorth.String(), snap.Timestamp,
	).Scan(&snap.ID)
}

func (s *PostgresStore) GetUserSnapshots(ctx context.Context, userID string) ([]model.NetWorthSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, net_worth::TEXT, timestamp
		 FROM net_worth_history WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.NetWorthSnapshot
	for rows.Next() {
		var snap model.NetWorthSnapshot
		var worth string
		if err := rows.Scan(&snap.ID, &snap.UserID, &worth, &snap.Timestamp); err != nil {
			return nil, err
		}
		snap.NetWorth, _ = decimal.NewFromString(worth)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) DeleteSnapshots(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM net_worth_history WHERE id = ANY($1)`, ids)
	return err
}

func (s *PostgresStore) SnapshotUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM net_worth_history ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit, offset int) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, net_worth::TEXT, timestamp FROM (
		     SELECT DISTINCT ON (user_id) user_id, net_worth, timestamp
		     FROM net_worth_history
		     ORDER BY user_id, timestamp DESC, id DESC
		 ) latest
		 ORDER BY net_worth DESC, user_id
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var worth string
		if err := rows.Scan(&e.UserID, &worth, &e.Timestamp); err != nil {
			return nil, err
		}
		e.NetWorth, _ = decimal.NewFromString(worth)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// scanOrder reads one order row; scanOrders drains a result set.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var limitS, stopS, execS string

	if err := row.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Kind, &o.Side, &o.Quantity,
		&limitS, &stopS, &o.Status, &o.CreatedAt, &o.ExecutedAt, &execS); err != nil {
		return nil, err
	}

	o.LimitPrice, _ = decimal.NewFromString(limitS)
	o.StopPrice, _ = decimal.NewFromString(stopS)
	o.ExecutedPrice, _ = decimal.NewFromString(execS)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
