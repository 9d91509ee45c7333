// Package store defines the persistence interface for placed-order records.
// Implementations include PostgreSQL (durable) and in-memory (for testing
// and deployments without a database; the engine works correctly, if less
// durably, against either).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
)

// Store is the persistence interface for the order history.
type Store interface {
	// InsertOrder appends the durable record of a broker-accepted order.
	InsertOrder(ctx context.Context, order *model.PlacedOrder) error

	// GetOrder retrieves one order by its broker-assigned ID.
	GetOrder(ctx context.Context, orderID string) (*model.PlacedOrder, error)

	// ListOrders returns all orders, newest first.
	ListOrders(ctx context.Context) ([]model.PlacedOrder, error)

	// UpdateOrderStatus records a status change and, when known, the
	// executed entry price (zero leaves the stored price untouched).
	UpdateOrderStatus(ctx context.Context, orderID, status string, entryPrice decimal.Decimal) error
}
