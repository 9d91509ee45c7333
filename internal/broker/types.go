// Package broker is the typed client for the broker's order and quote REST
// API. One Client instance serves every account; per-account credentials
// travel with each call.
//
// Responses are modeled so that an order that is still in transit (empty or
// zeroed fill fields) can never masquerade as valid fill data: callers must
// go through OrderDetails.EntryPrice to obtain a usable price.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
)

// ErrTimeout marks a request that exceeded the configured request timeout.
// Distinguishable from connection errors so callers can back off
// differently.
var ErrTimeout = errors.New("broker: request timed out")

// APIError is a business-level refusal reported by the broker (order
// rejected, order not found, invalid leg). Never retried.
type APIError struct {
	HTTPStatus int
	Code       string `json:"errorCode"`
	Message    string `json:"errorMessage"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: api error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// IsBusinessError reports whether err is a broker-reported refusal rather
// than a transport problem. Business errors consume a rebase attempt
// immediately; everything else is retried with backoff.
func IsBusinessError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Credentials identify one broker account on a call.
type Credentials struct {
	ClientID    string
	AccessToken string
}

// PlaceOrderRequest describes one order submission.
type PlaceOrderRequest struct {
	Credentials
	CorrelationID string
	SecurityID    string
	Signal        model.Signal
	OrderType     model.OrderType
	Quantity      int64

	// Price is the LIMIT price; zero for MARKET orders.
	Price         decimal.Decimal
	TargetPrice   decimal.Decimal
	StopLossPrice decimal.Decimal

	// TrailingJump is resent with the stop-loss leg when trailing is
	// enabled; zero disables trailing.
	TrailingJump decimal.Decimal
}

// PlaceOrderResponse is the broker's acceptance of an order.
type PlaceOrderResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"orderStatus"`
}

// Order statuses reported by the broker that carry a meaningful fill.
const (
	statusTraded     = "TRADED"
	statusPartTraded = "PART_TRADED"
)

// OrderDetails is the broker's view of an existing order. Fill fields may
// be absent or zero while the order is still in transit.
type OrderDetails struct {
	OrderID        string          `json:"orderId"`
	Status         string          `json:"orderStatus"`
	Price          decimal.Decimal `json:"price"`
	AveragePrice   decimal.Decimal `json:"averageTradedPrice"`
	FilledQuantity int64           `json:"filledQty"`
}

// EntryPrice returns the executed entry price and whether the details are
// usable: the order must have (partially) traded and report a positive
// average price, falling back to the order price if the average is absent.
func (d *OrderDetails) EntryPrice() (decimal.Decimal, bool) {
	if d == nil {
		return decimal.Decimal{}, false
	}
	if d.Status != statusTraded && d.Status != statusPartTraded {
		return decimal.Decimal{}, false
	}
	if d.AveragePrice.GreaterThan(decimal.Zero) {
		return d.AveragePrice, true
	}
	if d.Price.GreaterThan(decimal.Zero) {
		return d.Price, true
	}
	return decimal.Decimal{}, false
}

// Client is the surface the dispatcher and rebase engine need. All calls
// are bounded by the request timeout and safe to retry; the correlation ID
// on placements provides caller-side idempotency.
type Client interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error)
	GetOrderDetails(ctx context.Context, creds Credentials, orderID string) (*OrderDetails, error)
	UpdateTargetPrice(ctx context.Context, creds Credentials, orderID string, price decimal.Decimal) error
	UpdateStopLoss(ctx context.Context, creds Credentials, orderID string, price, trailingJump decimal.Decimal) error
}
