package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
)

// PostgresStore implements Store using PostgreSQL. Prices are stored as
// NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.PlacedOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO placed_orders
		   (order_id, correlation_id, account_id, client_id, ticker, signal,
		    requested_quantity, alert_price, entry_price, status, placed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		o.OrderID, o.CorrelationID, o.AccountID, o.ClientID, o.Ticker, string(o.Signal),
		o.RequestedQuantity, o.AlertPrice.String(), o.EntryPrice.String(), o.Status, o.PlacedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.PlacedOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT order_id, correlation_id, account_id, client_id, ticker, signal,
		        requested_quantity, alert_price::TEXT, entry_price::TEXT, status, placed_at
		 FROM placed_orders WHERE order_id = $1`, orderID)

	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context) ([]model.PlacedOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_id, correlation_id, account_id, client_id, ticker, signal,
		        requested_quantity, alert_price::TEXT, entry_price::TEXT, status, placed_at
		 FROM placed_orders ORDER BY placed_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.PlacedOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, orderID, status string, entryPrice decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE placed_orders
		 SET status = $2,
		     entry_price = CASE WHEN $3::NUMERIC > 0 THEN $3::NUMERIC ELSE entry_price END
		 WHERE order_id = $1`,
		orderID, status, entryPrice.String(),
	)
	return err
}

// row abstracts pgx.Row and pgx.Rows for scanning.
type row interface {
	Scan(dest ...interface{}) error
}

func scanOrder(r row) (*model.PlacedOrder, error) {
	var o model.PlacedOrder
	var signal, alertPrice, entryPrice string

	if err := r.Scan(&o.OrderID, &o.CorrelationID, &o.AccountID, &o.ClientID, &o.Ticker, &signal,
		&o.RequestedQuantity, &alertPrice, &entryPrice, &o.Status, &o.PlacedAt); err != nil {
		return nil, err
	}

	o.Signal = model.Signal(signal)
	o.AlertPrice, _ = decimal.NewFromString(alertPrice)
	o.EntryPrice, _ = decimal.NewFromString(entryPrice)
	return &o, nil
}
