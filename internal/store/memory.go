package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// deployments without a database (history is lost on restart).
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*model.PlacedOrder
	seq    []string // insertion order, oldest first
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*model.PlacedOrder),
	}
}

func (s *MemoryStore) InsertOrder(_ context.Context, order *model.PlacedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.OrderID]; exists {
		return fmt.Errorf("order %s already recorded", order.OrderID)
	}

	// Store a copy to avoid external mutation.
	copy := *order
	s.orders[order.OrderID] = &copy
	s.seq = append(s.seq, order.OrderID)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.PlacedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrders(_ context.Context) ([]model.PlacedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]model.PlacedOrder, 0, len(s.seq))
	for i := len(s.seq) - 1; i >= 0; i-- {
		orders = append(orders, *s.orders[s.seq[i]])
	}
	return orders, nil
}

func (s *MemoryStore) UpdateOrderStatus(_ context.Context, orderID, status string, entryPrice decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	o.Status = status
	if entryPrice.GreaterThan(decimal.Zero) {
		o.EntryPrice = entryPrice
	}
	return nil
}
