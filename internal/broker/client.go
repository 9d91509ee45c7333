package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
)

// DefaultTimeout bounds every broker request unless overridden.
const DefaultTimeout = 10 * time.Second

// RESTClient implements Client against the broker's v2 REST API.
// The underlying http.Client is safe for concurrent use, so one RESTClient
// serves all dispatcher goroutines and the rebase worker.
type RESTClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewRESTClient creates a client for the given API base URL
// (e.g. https://api.dhan.co). A non-positive timeout falls back to
// DefaultTimeout.
func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RESTClient{
		baseURL: baseURL,
		http:    &http.Client{},
		timeout: timeout,
	}
}

// --- Wire types ---

type placeOrderBody struct {
	ClientID        string `json:"dhanClientId"`
	CorrelationID   string `json:"correlationId"`
	TransactionType string `json:"transactionType"` // BUY / SELL
	ExchangeSegment string `json:"exchangeSegment"`
	ProductType     string `json:"productType"`
	OrderType       string `json:"orderType"`
	SecurityID      string `json:"securityId"`
	Quantity        int64  `json:"quantity"`
	Price           string `json:"price,omitempty"`
	TargetPrice     string `json:"targetPrice"`
	StopLossPrice   string `json:"stopLossPrice"`
	TrailingJump    string `json:"trailingJump,omitempty"`
}

type modifyOrderBody struct {
	ClientID      string `json:"dhanClientId"`
	OrderID       string `json:"orderId"`
	LegName       string `json:"legName"` // TARGET_LEG / STOP_LOSS_LEG
	TargetPrice   string `json:"targetPrice,omitempty"`
	StopLossPrice string `json:"stopLossPrice,omitempty"`
	TrailingJump  string `json:"trailingJump,omitempty"`
}

const (
	exchangeSegmentNSE = "NSE_EQ"
	productIntraday    = "INTRADAY"
	legTarget          = "TARGET_LEG"
	legStopLoss        = "STOP_LOSS_LEG"
)

// PlaceOrder submits a bracket order with target and stop-loss legs.
func (c *RESTClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	body := placeOrderBody{
		ClientID:        req.ClientID,
		CorrelationID:   req.CorrelationID,
		TransactionType: string(req.Signal),
		ExchangeSegment: exchangeSegmentNSE,
		ProductType:     productIntraday,
		OrderType:       string(req.OrderType),
		SecurityID:      req.SecurityID,
		Quantity:        req.Quantity,
		TargetPrice:     req.TargetPrice.String(),
		StopLossPrice:   req.StopLossPrice.String(),
	}
	if req.OrderType == model.OrderTypeLimit {
		body.Price = req.Price.String()
	}
	if req.TrailingJump.GreaterThan(decimal.Zero) {
		body.TrailingJump = req.TrailingJump.String()
	}

	var resp PlaceOrderResponse
	if err := c.do(ctx, http.MethodPost, "/v2/super/orders", req.Credentials, body, &resp); err != nil {
		return nil, err
	}
	if resp.OrderID == "" {
		return nil, &APIError{HTTPStatus: http.StatusOK, Code: "EMPTY_ORDER_ID", Message: "broker returned no order id"}
	}
	return &resp, nil
}

// GetOrderDetails fetches the live state of an order.
func (c *RESTClient) GetOrderDetails(ctx context.Context, creds Credentials, orderID string) (*OrderDetails, error) {
	var details OrderDetails
	if err := c.do(ctx, http.MethodGet, "/v2/orders/"+orderID, creds, nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// UpdateTargetPrice modifies the target leg of a placed order.
func (c *RESTClient) UpdateTargetPrice(ctx context.Context, creds Credentials, orderID string, price decimal.Decimal) error {
	body := modifyOrderBody{
		ClientID:    creds.ClientID,
		OrderID:     orderID,
		LegName:     legTarget,
		TargetPrice: price.String(),
	}
	return c.do(ctx, http.MethodPut, "/v2/super/orders/"+orderID, creds, body, nil)
}

// UpdateStopLoss modifies the stop-loss leg, resending the trailing jump
// when trailing is enabled.
func (c *RESTClient) UpdateStopLoss(ctx context.Context, creds Credentials, orderID string, price, trailingJump decimal.Decimal) error {
	body := modifyOrderBody{
		ClientID:      creds.ClientID,
		OrderID:       orderID,
		LegName:       legStopLoss,
		StopLossPrice: price.String(),
	}
	if trailingJump.GreaterThan(decimal.Zero) {
		body.TrailingJump = trailingJump.String()
	}
	return c.do(ctx, http.MethodPut, "/v2/super/orders/"+orderID, creds, body, nil)
}

// do executes one request with the configured timeout and decodes the
// response into out (if non-nil). Timeouts map to ErrTimeout; non-2xx
// responses map to *APIError.
func (c *RESTClient) do(ctx context.Context, method, path string, creds Credentials, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("broker: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-token", creds.AccessToken)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s %s after %s", ErrTimeout, method, path, time.Since(start).Round(time.Millisecond))
		}
		return fmt.Errorf("broker: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("broker: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = string(respBody)
		}
		slog.Warn("broker request refused",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"code", apiErr.Code,
		)
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("broker: decode response: %w", err)
		}
	}
	return nil
}

// isTimeout classifies deadline and net-level timeouts.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
