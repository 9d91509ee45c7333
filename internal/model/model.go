// Package model defines the core domain types shared across the order engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is the direction of a trading alert.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// OrderType selects how an order is priced at the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Alert is a normalized trading signal from an external alert source.
// Validation of the raw webhook payload happens upstream; by the time an
// Alert reaches the engine its fields are trusted.
type Alert struct {
	Ticker    string          `json:"ticker"`
	Price     decimal.Decimal `json:"price"`
	Signal    Signal          `json:"signal"`
	Strategy  string          `json:"strategy"`
	Timestamp time.Time       `json:"timestamp"`
}

// AccountConfig holds the trading parameters for one broker account.
// Loaded once per alert-processing cycle and treated as an immutable value;
// the engine never mutates it.
type AccountConfig struct {
	AccountID       int             `json:"account_id" validate:"gt=0"`
	ClientID        string          `json:"client_id" validate:"required"`
	AccessToken     string          `json:"-" validate:"required"`
	AvailableFunds  decimal.Decimal `json:"available_funds"`
	Leverage        decimal.Decimal `json:"leverage"`
	MaxPositionSize decimal.Decimal `json:"max_position_size"`
	MinOrderValue   decimal.Decimal `json:"min_order_value"`
	MaxOrderValue   decimal.Decimal `json:"max_order_value"`

	StopLossPct   decimal.Decimal `json:"stop_loss_percentage"`
	TargetPct     decimal.Decimal `json:"target_price_percentage"`
	RiskOnCapital decimal.Decimal `json:"risk_on_capital"`

	EnableTrailingStopLoss bool            `json:"enable_trailing_stop_loss"`
	MinTrailJump           decimal.Decimal `json:"min_trail_jump"`

	RebaseTpAndSl      bool            `json:"rebase_tp_and_sl"`
	RebaseThresholdPct decimal.Decimal `json:"rebase_threshold_percentage"`

	AllowDuplicateTickers bool            `json:"allow_duplicate_tickers"`
	OrderType             OrderType       `json:"order_type" validate:"oneof=MARKET LIMIT"`
	LimitBufferPct        decimal.Decimal `json:"limit_buffer_percentage"`
	IsActive              bool            `json:"is_active"`
}

// OrderIntent is the fully-computed order for one (alert, account) pairing.
// Created by the position sizer, consumed once by the dispatcher; never
// persisted beyond the placement call.
type OrderIntent struct {
	AccountID      int
	Ticker         string
	SecurityID     string
	Signal         Signal
	AlertPrice     decimal.Decimal
	Quantity       int64
	OrderValue     decimal.Decimal
	LeveragedValue decimal.Decimal
	StopLossPrice  decimal.Decimal
	TargetPrice    decimal.Decimal

	// ExecutionPrice is the buffered, tick-rounded price submitted with
	// LIMIT orders. Zero for MARKET orders.
	ExecutionPrice decimal.Decimal
}

// Order status values for PlacedOrder.
const (
	StatusPending   = "pending"
	StatusPlaced    = "placed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// PlacedOrder is the durable record of an order the broker accepted.
type PlacedOrder struct {
	OrderID           string          `json:"order_id" db:"order_id"`
	CorrelationID     string          `json:"correlation_id" db:"correlation_id"`
	AccountID         int             `json:"account_id" db:"account_id"`
	ClientID          string          `json:"client_id" db:"client_id"`
	Ticker            string          `json:"ticker" db:"ticker"`
	Signal            Signal          `json:"signal" db:"signal"`
	RequestedQuantity int64           `json:"requested_quantity" db:"requested_quantity"`
	AlertPrice        decimal.Decimal `json:"alert_price" db:"alert_price"`
	EntryPrice        decimal.Decimal `json:"entry_price" db:"entry_price"` // zero until a fill is observed
	Status            string          `json:"status" db:"status"`
	PlacedAt          time.Time       `json:"placed_at" db:"placed_at"`
}

// PlacementOutcome is the per-account result of processing one alert.
// A rejection or failure for one account never affects another; callers
// must treat mixed success as a normal result.
type PlacementOutcome struct {
	AccountID      int             `json:"account_id"`
	ClientID       string          `json:"client_id"`
	Ticker         string          `json:"ticker"`
	Success        bool            `json:"success"`
	OrderID        string          `json:"order_id,omitempty"`
	Quantity       int64           `json:"quantity,omitempty"`
	OrderValue     decimal.Decimal `json:"order_value,omitempty"`
	LeveragedValue decimal.Decimal `json:"leveraged_value,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// RebaseQueueItem is one pending TP/SL correction for a placed order.
// The account config is snapshotted at enqueue time so later config edits
// cannot change an in-flight correction.
type RebaseQueueItem struct {
	OrderID     string
	Account     AccountConfig
	Ticker      string
	Signal      Signal
	AlertPrice  decimal.Decimal
	AddedAt     time.Time
	Attempts    int
	MaxAttempts int
}

// Terminal rebase outcomes.
const (
	RebaseCorrected = "corrected"
	RebaseSkipped   = "skipped"
	RebaseExhausted = "exhausted"
)

// RebaseResult is the append-only record of one queue item's terminal
// outcome. Target and stop-loss updates are tracked independently because
// the broker can accept one and refuse the other.
type RebaseResult struct {
	OrderID        string          `json:"order_id"`
	AccountID      int             `json:"account_id"`
	Outcome        string          `json:"outcome"`
	Success        bool            `json:"success"`
	Message        string          `json:"message"`
	AlertPrice     decimal.Decimal `json:"alert_price"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	OldTargetPrice decimal.Decimal `json:"old_target_price"`
	NewTargetPrice decimal.Decimal `json:"new_target_price"`
	OldStopLoss    decimal.Decimal `json:"old_stop_loss"`
	NewStopLoss    decimal.Decimal `json:"new_stop_loss"`
	TargetUpdated  bool            `json:"target_updated"`
	StopUpdated    bool            `json:"stop_updated"`
	Attempts       int             `json:"attempts"`
	Timestamp      time.Time       `json:"timestamp"`
}
