// Package guard enforces the one-order-per-ticker-per-day idempotency rule.
//
// Entries are keyed by (ticker, accountID, calendar date) so two accounts
// never block each other, and the guard resets implicitly at date rollover.
// Implementations must provide atomic check-then-record semantics.
package guard

import (
	"context"
	"sync"
	"time"
)

// DailyGuard tracks which (ticker, account) pairs have already placed an
// order today.
type DailyGuard interface {
	// HasOrderedToday reports whether a successful order was already
	// recorded for this ticker and account on the current calendar date.
	HasOrderedToday(ctx context.Context, ticker string, accountID int) (bool, error)

	// RecordOrder registers a successful placement for this ticker and
	// account. Called on every success, including repeat orders for
	// accounts that allow duplicates.
	RecordOrder(ctx context.Context, ticker string, accountID int) error
}

// entry tracks per-day order activity for one (ticker, account) key.
type entry struct {
	orderCount    int
	lastOrderTime time.Time
}

// MemoryGuard implements DailyGuard with an in-process map. Suitable for
// single-instance deployments and tests; state is lost on restart.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (g *MemoryGuard) HasOrderedToday(_ context.Context, ticker string, accountID int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[dayKey(ticker, accountID, g.now())]
	return ok && e.orderCount > 0, nil
}

func (g *MemoryGuard) RecordOrder(_ context.Context, ticker string, accountID int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := dayKey(ticker, accountID, now)
	e, ok := g.entries[key]
	if !ok {
		e = &entry{}
		g.entries[key] = e
	}
	e.orderCount++
	e.lastOrderTime = now
	return nil
}

// Prune drops entries from previous calendar dates. Stale entries are
// harmless (their key includes the date) so this is housekeeping only.
func (g *MemoryGuard) Prune() {
	g.mu.Lock()
	defer g.mu.Unlock()

	today := datePart(g.now())
	for key := range g.entries {
		if !containsDate(key, today) {
			delete(g.entries, key)
		}
	}
}
