// Package rebase implements the asynchronous TP/SL correction engine.
//
// Broker fills are not immediately queryable — MARKET orders in particular
// take time before a usable average price appears — so the dispatcher
// enqueues each accepted order here and returns immediately. A single
// background worker drains the queue in FIFO order, polls the broker until
// it reports an executed fill, and pushes corrected target and stop-loss
// prices derived from the real entry price.
//
// Processing is deliberately serialized to bound the outbound request rate
// to the broker. Queue state lives in-process only: items in flight at
// shutdown are abandoned, which is safe because the orders themselves were
// already placed with alert-price-derived TP/SL — rebasing is a best-effort
// refinement, never a precondition for order validity.
package rebase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/broker"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/events"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/metrics"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/pricing"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/store"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxAttempts      = 8
	DefaultInitialDelay     = 5 * time.Second
	DefaultPollInterval     = 3 * time.Second
	DefaultBackoffMin       = 1 * time.Second
	DefaultBackoffMax       = 8 * time.Second
	DefaultResultHistoryCap = 500

	// transientRetries bounds the exponential-backoff retries spent on
	// network-layer failures before a poll counts against MaxAttempts.
	transientRetries = 3
)

// Config holds the engine's timing and retention knobs.
type Config struct {
	// MaxAttempts is the default poll budget for items enqueued without
	// their own limit.
	MaxAttempts int

	// InitialDelay is the wait before the first poll of each item, giving
	// the broker time to move the order out of "in transit".
	InitialDelay time.Duration

	// PollInterval is the fixed wait between not-ready polls.
	PollInterval time.Duration

	// BackoffMin/BackoffMax bound the exponential backoff applied to
	// network-transient broker errors.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// FallbackToAlertPrice, when set, treats the original alert price as
	// the entry price after the poll budget is exhausted instead of
	// recording a failure.
	FallbackToAlertPrice bool

	// ResultHistoryCap bounds the retained RebaseResult records; oldest
	// entries are evicted first.
	ResultHistoryCap int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.ResultHistoryCap <= 0 {
		c.ResultHistoryCap = DefaultResultHistoryCap
	}
	return c
}

// QueueStatus is the observability snapshot of the engine.
type QueueStatus struct {
	QueueLength  int  `json:"queue_length"`
	IsProcessing bool `json:"is_processing"`
	ResultCount  int  `json:"result_count"`
}

// Engine owns the FIFO queue and its single worker. Construct explicitly
// and inject — there is no process-wide instance, so multiple engines can
// coexist in tests.
type Engine struct {
	cfg    Config
	broker broker.Client
	store  store.Store
	hub    *events.Hub // optional; nil disables broadcasts

	mu     sync.Mutex
	queue  []model.RebaseQueueItem
	notify chan struct{}

	processing atomic.Bool

	resMu   sync.RWMutex
	results []model.RebaseResult
}

// NewEngine creates an engine. Pass nil for hub if event broadcasting is
// not needed.
func NewEngine(cfg Config, bk broker.Client, st store.Store, hub *events.Hub) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		broker: bk,
		store:  st,
		hub:    hub,
		notify: make(chan struct{}, 1),
	}
}

// Start launches the background worker. The worker runs until ctx is
// cancelled; items in flight at cancellation are abandoned.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Enqueue appends an item for correction. Safe for concurrent use by the
// dispatcher's fan-out goroutines, including while the worker is draining.
func (e *Engine) Enqueue(item model.RebaseQueueItem) {
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = e.cfg.MaxAttempts
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now().UTC()
	}

	e.mu.Lock()
	e.queue = append(e.queue, item)
	depth := len(e.queue)
	e.mu.Unlock()

	metrics.RebaseQueueDepth.Set(float64(depth))
	select {
	case e.notify <- struct{}{}:
	default:
	}

	slog.Info("rebase item queued",
		"order_id", item.OrderID,
		"account", item.Account.AccountID,
		"queue_depth", depth,
	)
}

// Status returns a concurrent-read-safe snapshot for observability.
func (e *Engine) Status() QueueStatus {
	e.mu.Lock()
	depth := len(e.queue)
	e.mu.Unlock()

	e.resMu.RLock()
	resultCount := len(e.results)
	e.resMu.RUnlock()

	return QueueStatus{
		QueueLength:  depth,
		IsProcessing: e.processing.Load(),
		ResultCount:  resultCount,
	}
}

// ResultsForOrder returns the retained results for one order, oldest first.
func (e *Engine) ResultsForOrder(orderID string) []model.RebaseResult {
	e.resMu.RLock()
	defer e.resMu.RUnlock()

	var out []model.RebaseResult
	for _, r := range e.results {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out
}

// Results returns a copy of the full retained history, oldest first.
func (e *Engine) Results() []model.RebaseResult {
	e.resMu.RLock()
	defer e.resMu.RUnlock()
	out := make([]model.RebaseResult, len(e.results))
	copy(out, e.results)
	return out
}

func (e *Engine) run(ctx context.Context) {
	for {
		item, ok := e.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.notify:
				continue
			}
		}

		e.processing.Store(true)
		e.process(ctx, item)
		e.processing.Store(false)

		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) pop() (model.RebaseQueueItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		return model.RebaseQueueItem{}, false
	}
	item := e.queue[0]
	e.queue = e.queue[1:]
	metrics.RebaseQueueDepth.Set(float64(len(e.queue)))
	return item, true
}

// process runs one item to a terminal state. No item's failure halts the
// queue; the worker simply advances.
func (e *Engine) process(ctx context.Context, item model.RebaseQueueItem) {
	if !sleepCtx(ctx, e.cfg.InitialDelay) {
		return
	}

	creds := broker.Credentials{ClientID: item.Account.ClientID, AccessToken: item.Account.AccessToken}

	var entry decimal.Decimal
	ready := false

	for item.Attempts < item.MaxAttempts {
		if item.Attempts > 0 {
			if !sleepCtx(ctx, e.cfg.PollInterval) {
				return
			}
		}

		details, err := e.poll(ctx, creds, item.OrderID)
		item.Attempts++

		if err != nil {
			slog.Warn("rebase poll failed",
				"order_id", item.OrderID,
				"attempt", item.Attempts,
				"err", err,
			)
			continue
		}

		if price, ok := details.EntryPrice(); ok {
			entry = price
			ready = true
			break
		}

		slog.Debug("order not ready for rebase",
			"order_id", item.OrderID,
			"status", details.Status,
			"attempt", item.Attempts,
		)
	}

	metrics.RebasePollAttempts.Observe(float64(item.Attempts))

	if !ready {
		if e.cfg.FallbackToAlertPrice {
			slog.Warn("falling back to alert price as entry",
				"order_id", item.OrderID,
				"attempts", item.Attempts,
			)
			entry = item.AlertPrice
		} else {
			e.recordResult(model.RebaseResult{
				OrderID:    item.OrderID,
				AccountID:  item.Account.AccountID,
				Outcome:    model.RebaseExhausted,
				Success:    false,
				Message:    fmt.Sprintf("no valid entry price after %d attempts", item.Attempts),
				AlertPrice: item.AlertPrice,
				Attempts:   item.Attempts,
				Timestamp:  time.Now().UTC(),
			})
			metrics.RebaseOutcomesTotal.WithLabelValues(model.RebaseExhausted).Inc()
			e.broadcast(item, model.RebaseExhausted, "entry price never observed")
			return
		}
	}

	e.correct(ctx, item, creds, entry)
}

// poll fetches order details, absorbing network-transient failures with
// exponential backoff. Broker business errors are returned immediately and
// therefore consume the attempt.
func (e *Engine) poll(ctx context.Context, creds broker.Credentials, orderID string) (*broker.OrderDetails, error) {
	bo := &backoff.Backoff{Min: e.cfg.BackoffMin, Max: e.cfg.BackoffMax, Factor: 2}

	var lastErr error
	for try := 0; try <= transientRetries; try++ {
		start := time.Now()
		details, err := e.broker.GetOrderDetails(ctx, creds, orderID)
		metrics.BrokerCallDuration.WithLabelValues("get_order").Observe(time.Since(start).Seconds())
		if err == nil {
			return details, nil
		}
		if broker.IsBusinessError(err) {
			return nil, err
		}
		lastErr = err
		if try < transientRetries {
			if !sleepCtx(ctx, bo.Duration()) {
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// correct computes and pushes the rebased TP/SL once an entry price is
// known. Below-threshold deviation terminates as a skip with zero broker
// update calls; a partial push (one leg accepted, one refused) is recorded
// as such rather than collapsed into a single pass/fail.
func (e *Engine) correct(ctx context.Context, item model.RebaseQueueItem, creds broker.Credentials, entry decimal.Decimal) {
	acct := item.Account

	oldTarget, oldStop, err := pricing.BracketPrices(item.AlertPrice, acct.TargetPct, acct.StopLossPct, item.Signal)
	if err != nil {
		slog.Error("rebase dropped: bad signal", "order_id", item.OrderID, "signal", item.Signal)
		return
	}

	if e.store != nil {
		if err := e.store.UpdateOrderStatus(ctx, item.OrderID, model.StatusPlaced, entry); err != nil {
			slog.Warn("failed to record entry price", "order_id", item.OrderID, "err", err)
		}
	}

	deviation := pricing.Deviation(item.AlertPrice, entry)
	if deviation.LessThan(acct.RebaseThresholdPct) {
		e.recordResult(model.RebaseResult{
			OrderID:        item.OrderID,
			AccountID:      acct.AccountID,
			Outcome:        model.RebaseSkipped,
			Success:        true,
			Message:        fmt.Sprintf("deviation %s below threshold %s", deviation, acct.RebaseThresholdPct),
			AlertPrice:     item.AlertPrice,
			EntryPrice:     entry,
			OldTargetPrice: oldTarget,
			NewTargetPrice: oldTarget,
			OldStopLoss:    oldStop,
			NewStopLoss:    oldStop,
			Attempts:       item.Attempts,
			Timestamp:      time.Now().UTC(),
		})
		metrics.RebaseOutcomesTotal.WithLabelValues(model.RebaseSkipped).Inc()
		e.broadcast(item, model.RebaseSkipped, "deviation below threshold")
		return
	}

	newTarget, newStop, err := pricing.BracketPrices(entry, acct.TargetPct, acct.StopLossPct, item.Signal)
	if err != nil {
		slog.Error("rebase dropped: bad signal", "order_id", item.OrderID, "signal", item.Signal)
		return
	}

	targetErr := e.push(ctx, "update_target", func(c context.Context) error {
		return e.broker.UpdateTargetPrice(c, creds, item.OrderID, newTarget)
	})
	var trailJump decimal.Decimal
	if acct.EnableTrailingStopLoss {
		trailJump = acct.MinTrailJump
	}
	stopErr := e.push(ctx, "update_stop_loss", func(c context.Context) error {
		return e.broker.UpdateStopLoss(c, creds, item.OrderID, newStop, trailJump)
	})

	result := model.RebaseResult{
		OrderID:        item.OrderID,
		AccountID:      acct.AccountID,
		Outcome:        model.RebaseCorrected,
		Success:        targetErr == nil && stopErr == nil,
		AlertPrice:     item.AlertPrice,
		EntryPrice:     entry,
		OldTargetPrice: oldTarget,
		NewTargetPrice: newTarget,
		OldStopLoss:    oldStop,
		NewStopLoss:    newStop,
		TargetUpdated:  targetErr == nil,
		StopUpdated:    stopErr == nil,
		Attempts:       item.Attempts,
		Timestamp:      time.Now().UTC(),
	}
	switch {
	case targetErr == nil && stopErr == nil:
		result.Message = "target and stop-loss corrected"
	case targetErr == nil:
		result.Message = fmt.Sprintf("target corrected; stop-loss update failed: %v", stopErr)
	case stopErr == nil:
		result.Message = fmt.Sprintf("stop-loss corrected; target update failed: %v", targetErr)
	default:
		result.Message = fmt.Sprintf("both updates failed: target: %v; stop-loss: %v", targetErr, stopErr)
	}

	// The counter reflects what the broker actually accepted, not just the
	// terminal state.
	label := model.RebaseCorrected
	switch {
	case !result.TargetUpdated && !result.StopUpdated:
		label = "failed"
	case !result.Success:
		label = "partial"
	}
	metrics.RebaseOutcomesTotal.WithLabelValues(label).Inc()

	e.recordResult(result)
	e.broadcast(item, model.RebaseCorrected, result.Message)

	slog.Info("rebase finished",
		"order_id", item.OrderID,
		"account", acct.AccountID,
		"entry", entry.String(),
		"new_target", newTarget.String(),
		"new_stop_loss", newStop.String(),
		"target_updated", result.TargetUpdated,
		"stop_updated", result.StopUpdated,
	)
}

// push executes one TP/SL update, retrying network-transient failures with
// exponential backoff. Business refusals fail immediately.
func (e *Engine) push(ctx context.Context, op string, call func(context.Context) error) error {
	bo := &backoff.Backoff{Min: e.cfg.BackoffMin, Max: e.cfg.BackoffMax, Factor: 2}

	var lastErr error
	for try := 0; try <= transientRetries; try++ {
		start := time.Now()
		err := call(ctx)
		metrics.BrokerCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		if broker.IsBusinessError(err) {
			return err
		}
		lastErr = err
		if try < transientRetries {
			if !sleepCtx(ctx, bo.Duration()) {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (e *Engine) recordResult(r model.RebaseResult) {
	e.resMu.Lock()
	defer e.resMu.Unlock()

	e.results = append(e.results, r)
	if len(e.results) > e.cfg.ResultHistoryCap {
		e.results = e.results[len(e.results)-e.cfg.ResultHistoryCap:]
	}
}

func (e *Engine) broadcast(item model.RebaseQueueItem, outcome, detail string) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(events.Event{
		Type:      events.TypeRebaseFinished,
		OrderID:   item.OrderID,
		AccountID: item.Account.AccountID,
		Ticker:    item.Ticker,
		Signal:    string(item.Signal),
		Outcome:   outcome,
		Detail:    detail,
	})
}

// sleepCtx waits d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
