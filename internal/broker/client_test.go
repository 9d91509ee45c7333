package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/broker"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testCreds() broker.Credentials {
	return broker.Credentials{ClientID: "client-1", AccessToken: "secret-token"}
}

func TestPlaceOrder_SendsWireFormat(t *testing.T) {
	var got map[string]any
	var gotToken string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/super/orders" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotToken = r.Header.Get("access-token")
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"orderId": "ord-123", "orderStatus": "PENDING"})
	}))
	defer srv.Close()

	c := broker.NewRESTClient(srv.URL, time.Second)
	resp, err := c.PlaceOrder(context.Background(), broker.PlaceOrderRequest{
		Credentials:   testCreds(),
		CorrelationID: "corr-1",
		SecurityID:    "11536",
		Signal:        model.SignalBuy,
		OrderType:     model.OrderTypeLimit,
		Quantity:      10,
		Price:         d("580.25"),
		TargetPrice:   d("588.95"),
		StopLossPrice: d("574.45"),
		TrailingJump:  d("0.05"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.OrderID != "ord-123" {
		t.Errorf("order id = %s, want ord-123", resp.OrderID)
	}
	if gotToken != "secret-token" {
		t.Errorf("access-token header = %q, want secret-token", gotToken)
	}

	checks := map[string]string{
		"dhanClientId":    "client-1",
		"correlationId":   "corr-1",
		"transactionType": "BUY",
		"orderType":       "LIMIT",
		"securityId":      "11536",
		"price":           "580.25",
		"targetPrice":     "588.95",
		"stopLossPrice":   "574.45",
		"trailingJump":    "0.05",
	}
	for key, want := range checks {
		if got[key] != want {
			t.Errorf("body[%s] = %v, want %s", key, got[key], want)
		}
	}
	if got["quantity"] != float64(10) {
		t.Errorf("body[quantity] = %v, want 10", got["quantity"])
	}
}

func TestPlaceOrder_MarketOmitsPrice(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"orderId": "ord-1", "orderStatus": "PENDING"})
	}))
	defer srv.Close()

	c := broker.NewRESTClient(srv.URL, time.Second)
	_, err := c.PlaceOrder(context.Background(), broker.PlaceOrderRequest{
		Credentials:   testCreds(),
		SecurityID:    "11536",
		Signal:        model.SignalSell,
		OrderType:     model.OrderTypeMarket,
		Quantity:      5,
		TargetPrice:   d("98"),
		StopLossPrice: d("100.50"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, present := got["price"]; present {
		t.Errorf("MARKET order must not carry a price, got %v", got["price"])
	}
	if got["transactionType"] != "SELL" {
		t.Errorf("transactionType = %v, want SELL", got["transactionType"])
	}
}

func TestPlaceOrder_EmptyOrderIDIsBusinessError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"orderStatus": "PENDING"})
	}))
	defer srv.Close()

	c := broker.NewRESTClient(srv.URL, time.Second)
	_, err := c.PlaceOrder(context.Background(), broker.PlaceOrderRequest{
		Credentials: testCreds(),
		SecurityID:  "11536",
		Signal:      model.SignalBuy,
		OrderType:   model.OrderTypeMarket,
		Quantity:    1,
	})
	if !broker.IsBusinessError(err) {
		t.Errorf("expected business error for empty order id, got %v", err)
	}
}

func TestGetOrderDetails_DecodesFill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/orders/ord-9" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"orderId":            "ord-9",
			"orderStatus":        "TRADED",
			"price":              100.00,
			"averageTradedPrice": 100.50,
			"filledQty":          10,
		})
	}))
	defer srv.Close()

	c := broker.NewRESTClient(srv.URL, time.Second)
	details, err := c.GetOrderDetails(context.Background(), testCreds(), "ord-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, ok := details.EntryPrice()
	if !ok {
		t.Fatal("expected usable entry price")
	}
	if !entry.Equal(d("100.5")) {
		t.Errorf("entry = %s, want 100.5", entry)
	}
}

func TestAPIError_MappedFromErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "DH-905",
			"errorMessage": "order not found",
		})
	}))
	defer srv.Close()

	c := broker.NewRESTClient(srv.URL, time.Second)
	_, err := c.GetOrderDetails(context.Background(), testCreds(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *broker.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Code != "DH-905" {
		t.Errorf("code = %s, want DH-905", apiErr.Code)
	}
	if !broker.IsBusinessError(err) {
		t.Error("APIError must classify as business error")
	}
}

func TestTimeout_Distinguishable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := broker.NewRESTClient(srv.URL, 50*time.Millisecond)
	_, err := c.GetOrderDetails(context.Background(), testCreds(), "ord-1")
	if !errors.Is(err, broker.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if broker.IsBusinessError(err) {
		t.Error("timeout must not classify as business error")
	}
}

func TestUpdateLegs_WireFormat(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v2/super/orders/ord-5" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := broker.NewRESTClient(srv.URL, time.Second)
	creds := testCreds()

	if err := c.UpdateTargetPrice(context.Background(), creds, "ord-5", d("102")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.UpdateStopLoss(context.Background(), creds, "ord-5", d("99.5"), d("0.1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bodies) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(bodies))
	}
	if bodies[0]["legName"] != "TARGET_LEG" || bodies[0]["targetPrice"] != "102" {
		t.Errorf("target leg body = %v", bodies[0])
	}
	if bodies[1]["legName"] != "STOP_LOSS_LEG" || bodies[1]["stopLossPrice"] != "99.5" {
		t.Errorf("stop leg body = %v", bodies[1])
	}
	if bodies[1]["trailingJump"] != "0.1" {
		t.Errorf("trailingJump = %v, want 0.1", bodies[1]["trailingJump"])
	}
}

func TestEntryPrice_Readiness(t *testing.T) {
	cases := []struct {
		name    string
		details broker.OrderDetails
		want    string
		usable  bool
	}{
		{"traded with average", broker.OrderDetails{Status: "TRADED", AveragePrice: d("100.5")}, "100.5", true},
		{"partial fill", broker.OrderDetails{Status: "PART_TRADED", AveragePrice: d("99.9")}, "99.9", true},
		{"average absent, price fallback", broker.OrderDetails{Status: "TRADED", Price: d("101")}, "101", true},
		{"still pending", broker.OrderDetails{Status: "PENDING", AveragePrice: d("100")}, "", false},
		{"traded but all zero", broker.OrderDetails{Status: "TRADED"}, "", false},
		{"rejected", broker.OrderDetails{Status: "REJECTED", Price: d("100")}, "", false},
	}

	for _, c := range cases {
		entry, ok := c.details.EntryPrice()
		if ok != c.usable {
			t.Errorf("%s: usable = %v, want %v", c.name, ok, c.usable)
			continue
		}
		if ok && !entry.Equal(d(c.want)) {
			t.Errorf("%s: entry = %s, want %s", c.name, entry, c.want)
		}
	}
}
