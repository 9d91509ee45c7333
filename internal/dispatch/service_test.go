package dispatch_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/broker"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/dispatch"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/guard"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/instrument"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/rebase"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/sizing"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stubBroker accepts every placement unless failClients marks the client id
// for refusal, and records each request for wire assertions.
type stubBroker struct {
	mu          sync.Mutex
	requests    []broker.PlaceOrderRequest
	failClients map[string]error
	nextID      int
}

func newStubBroker() *stubBroker {
	return &stubBroker{failClients: make(map[string]error)}
}

func (s *stubBroker) PlaceOrder(_ context.Context, req broker.PlaceOrderRequest) (*broker.PlaceOrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failClients[req.ClientID]; err != nil {
		return nil, err
	}
	s.requests = append(s.requests, req)
	s.nextID++
	return &broker.PlaceOrderResponse{OrderID: fmt.Sprintf("ord-%d", s.nextID), Status: "TRANSIT"}, nil
}

func (s *stubBroker) GetOrderDetails(context.Context, broker.Credentials, string) (*broker.OrderDetails, error) {
	return &broker.OrderDetails{Status: "PENDING"}, nil
}

func (s *stubBroker) UpdateTargetPrice(context.Context, broker.Credentials, string, decimal.Decimal) error {
	return nil
}

func (s *stubBroker) UpdateStopLoss(context.Context, broker.Credentials, string, decimal.Decimal, decimal.Decimal) error {
	return nil
}

func (s *stubBroker) placed() []broker.PlaceOrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.PlaceOrderRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// --- Test environment ---

type testEnv struct {
	broker  *stubBroker
	store   *store.MemoryStore
	guard   *guard.MemoryGuard
	engine  *rebase.Engine
	service *dispatch.Service
	router  *chi.Mux
}

func testAccount(id int) model.AccountConfig {
	return model.AccountConfig{
		AccountID:       id,
		ClientID:        fmt.Sprintf("client-%d", id),
		AccessToken:     fmt.Sprintf("token-%d", id),
		AvailableFunds:  d("20000"),
		Leverage:        d("2"),
		MaxPositionSize: d("1"),
		MinOrderValue:   d("1000"),
		MaxOrderValue:   d("50000"),
		StopLossPct:     d("0.01"),
		TargetPct:       d("0.015"),
		RiskOnCapital:   d("1"),
		OrderType:       model.OrderTypeMarket,
		IsActive:        true,
	}
}

// newTestEnv wires a service against in-memory collaborators. The rebase
// engine is constructed but never started, so enqueued items stay visible
// in its queue for assertions.
func newTestEnv(t *testing.T, accounts []model.AccountConfig) *testEnv {
	t.Helper()

	bk := newStubBroker()
	ms := store.NewMemoryStore()
	dg := guard.NewMemoryGuard()
	engine := rebase.NewEngine(rebase.Config{}, bk, ms, nil)
	resolver := instrument.NewMapResolver(map[string]string{
		"RELIANCE": "2885",
		"TCS":      "11536",
	})

	svc := dispatch.NewService(accounts, bk, ms, dg, resolver, engine, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/alerts", svc.HandleAlert)
	r.Get("/api/v1/orders", svc.ListOrders)
	r.Get("/api/v1/rebase/status", svc.QueueStatus)
	r.Get("/api/v1/rebase/results/{orderID}", svc.RebaseResults)

	return &testEnv{broker: bk, store: ms, guard: dg, engine: engine, service: svc, router: r}
}

func (e *testEnv) postAlert(t *testing.T, body string) (*httptest.ResponseRecorder, dispatch.AlertResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp dispatch.AlertResponse
	if rec.Code == http.StatusOK {
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode alert response: %v", err)
		}
	}
	return rec, resp
}

func alertBody(ticker, price, signal string) string {
	return fmt.Sprintf(`{"ticker":%q,"price":%s,"signal":%q}`, ticker, price, signal)
}

// --- Tests ---

func TestHandleAlert_FansOutToAllActiveAccounts(t *testing.T) {
	env := newTestEnv(t, []model.AccountConfig{testAccount(1), testAccount(2)})

	rec, resp := env.postAlert(t, alertBody("RELIANCE", "100", "BUY"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body)
	}

	if resp.Placed != 2 || resp.Rejected != 0 {
		t.Fatalf("placed=%d rejected=%d, want 2/0", resp.Placed, resp.Rejected)
	}
	if len(resp.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(resp.Outcomes))
	}
	// Outcome order follows the account list.
	if resp.Outcomes[0].AccountID != 1 || resp.Outcomes[1].AccountID != 2 {
		t.Errorf("outcome order = %d,%d, want 1,2", resp.Outcomes[0].AccountID, resp.Outcomes[1].AccountID)
	}
	for _, o := range resp.Outcomes {
		// 20000 funds at 100 with risk 1 → 200 shares, value 20000.
		if o.Quantity != 200 {
			t.Errorf("account %d quantity = %d, want 200", o.AccountID, o.Quantity)
		}
		if o.OrderID == "" {
			t.Errorf("account %d missing order id", o.AccountID)
		}
	}

	// Each placement carried the resolved security id.
	for _, req := range env.broker.placed() {
		if req.SecurityID != "2885" {
			t.Errorf("security id = %s, want 2885", req.SecurityID)
		}
	}
}

func TestHandleAlert_InactiveAccountsSkipped(t *testing.T) {
	inactive := testAccount(2)
	inactive.IsActive = false
	env := newTestEnv(t, []model.AccountConfig{testAccount(1), inactive})

	_, resp := env.postAlert(t, alertBody("RELIANCE", "100", "BUY"))

	if len(resp.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1 (inactive skipped entirely)", len(resp.Outcomes))
	}
	if resp.Outcomes[0].AccountID != 1 {
		t.Errorf("outcome account = %d, want 1", resp.Outcomes[0].AccountID)
	}
}

func TestHandleAlert_PerAccountFailureIsolation(t *testing.T) {
	env := newTestEnv(t, []model.AccountConfig{testAccount(1), testAccount(2)})
	env.broker.failClients["client-1"] = &broker.APIError{HTTPStatus: 400, Code: "DH-906", Message: "insufficient margin"}

	_, resp := env.postAlert(t, alertBody("RELIANCE", "100", "BUY"))

	if resp.Placed != 1 || resp.Rejected != 1 {
		t.Fatalf("placed=%d rejected=%d, want 1/1", resp.Placed, resp.Rejected)
	}
	if resp.Outcomes[0].Success {
		t.Error("account 1 should have failed")
	}
	if !strings.Contains(resp.Outcomes[0].Reason, "DH-906") {
		t.Errorf("reason %q should carry the broker code", resp.Outcomes[0].Reason)
	}
	if !resp.Outcomes[1].Success {
		t.Errorf("account 2 must succeed despite account 1: %s", resp.Outcomes[1].Reason)
	}
}

func TestHandleAlert_DuplicateGuardBlocksSecondAlert(t *testing.T) {
	env := newTestEnv(t, []model.AccountConfig{testAccount(1)})

	_, first := env.postAlert(t, alertBody("RELIANCE", "100", "BUY"))
	if first.Placed != 1 {
		t.Fatalf("first alert placed=%d, want 1", first.Placed)
	}

	_, second := env.postAlert(t, alertBody("RELIANCE", "101", "BUY"))
	if second.Placed != 0 || second.Rejected != 1 {
		t.Fatalf("second alert placed=%d rejected=%d, want 0/1", second.Placed, second.Rejected)
	}
	if second.Outcomes[0].Reason != dispatch.ReasonDuplicateBlocked {
		t.Errorf("reason = %q, want %q", second.Outcomes[0].Reason, dispatch.ReasonDuplicateBlocked)
	}

	// A different ticker is unaffected.
	_, third := env.postAlert(t, alertBody("TCS", "100", "BUY"))
	if third.Placed != 1 {
		t.Errorf("other ticker placed=%d, want 1", third.Placed)
	}
}

func TestHandleAlert_AllowDuplicateTickersBypassesGuard(t *testing.T) {
	acct := testAccount(1)
	acct.AllowDuplicateTickers = true
	env := newTestEnv(t, []model.AccountConfig{acct})

	_, first := env.postAlert(t, alertBody("RELIANCE", "100", "BUY"))
	_, second := env.postAlert(t, alertBody("RELIANCE", "101", "BUY"))

	if first.Placed != 1 || second.Placed != 1 {
		t.Errorf("placed = %d,%d, want 1,1", first.Placed, second.Placed)
	}
}

func TestHandleAlert_HoldAcknowledgedNotDispatched(t *testing.T) {
	env := newTestEnv(t, []model.AccountConfig{testAccount(1)})

	rec, resp := env.postAlert(t, alertBody("RELIANCE", "100", "HOLD"))
	if rec.Code != http.StatusOK {
		t.Fatalf("HOLD must be acknowledged, got %d", rec.Code)
	}
	if len(resp.Outcomes) != 0 {
		t.Errorf("HOLD produced %d outcomes, want 0", len(resp.Outcomes))
	}
	if len(env.broker.placed()) != 0 {
		t.Error("HOLD must never reach the broker")
	}
}

func TestHandleAlert_SizingRejection(t *testing.T) {
	acct := testAccount(1)
	acct.AvailableFunds = d("50") // below one share at 100
	env := newTestEnv(t, []model.AccountConfig{acct})

	_, resp := env.postAlert(t, alertBody("RELIANCE", "100", "BUY"))
	if resp.Rejected != 1 {
		t.Fatalf("rejected=%d, want 1", resp.Rejected)
	}
	if resp.Outcomes[0].Reason != sizing.ReasonZeroQuantity {
		t.Errorf("reason = %q, want %q", resp.Outcomes[0].Reason, sizing.ReasonZeroQuantity)
	}
	if len(env.broker.placed()) != 0 {
		t.Error("rejected sizing must not reach the broker")
	}
}

func TestHandleAlert_UnknownTickerRejectsEveryAccount(t *testing.T) {
	env := newTestEnv(t, []model.AccountConfig{testAccount(1), testAccount(2)})

	_, resp := env.postAlert(t, alertBody("NOTLISTED", "100", "BUY"))
	if resp.Rejected != 2 || resp.Placed != 0 {
		t.Fatalf("placed=%d rejected=%d, want 0/2", resp.Placed, resp.Rejected)
	}
	for _, o := range resp.Outcomes {
		if o.Reason != dispatch.ReasonUnknownSecurity {
			t.Errorf("account %d reason = %q, want %q", o.AccountID, o.Reason, dispatch.ReasonUnknownSecurity)
		}
	}
	if len(env.broker.placed()) != 0 {
		t.Error("unresolvable ticker must not reach the broker")
	}
}

func TestHandleAlert_LimitOrderCarriesBufferedTickPrice(t *testing.T) {
	acct := testAccount(1)
	acct.OrderType = model.OrderTypeLimit
	acct.LimitBufferPct = d("0.0005") // 0.05%
	env := newTestEnv(t, []model.AccountConfig{acct})

	_, resp := env.postAlert(t, alertBody("RELIANCE", "579.95", "BUY"))
	if resp.Placed != 1 {
		t.Fatalf("placed=%d, want 1 (%+v)", resp.Placed, resp.Outcomes)
	}

	reqs := env.broker.placed()
	if len(reqs) != 1 {
		t.Fatalf("broker saw %d requests, want 1", len(reqs))
	}
	// 579.95 * 1.0005 = 580.239975 → tick 580.25.
	if !reqs[0].Price.Equal(d("580.25")) {
		t.Errorf("limit price = %s, want 580.25", reqs[0].Price)
	}
	if reqs[0].OrderType != model.OrderTypeLimit {
		t.Errorf("order type = %s, want LIMIT", reqs[0].OrderType)
	}
}

func TestHandleAlert_MarketOrderHasNoExecutionPrice(t *testing.T) {
	env := newTestEnv(t, []model.AccountConfig{testAccount(1)})

	env.postAlert(t, alertBody("RELIANCE", "100", "BUY"))

	reqs := env.broker.placed()
	if len(reqs) != 1 {
		t.Fatalf("broker saw %d requests, want 1", len(reqs))
	}
	if !reqs[0].Price.IsZero() {
		t.Errorf("MARKET order price = %s, want zero", reqs[0].Price)
	}
}

func TestHandleAlert_RebaseEnqueuedOnlyWhenEnabled(t *testing.T) {
	rebasing := testAccount(1)
	rebasing.RebaseTpAndSl = true
	plain := testAccount(2)
	env := newTestEnv(t, []model.AccountConfig{rebasing, plain})

	_, resp := env.postAlert(t, alertBody("RELIANCE", "100", "BUY"))
	if resp.Placed != 2 {
		t.Fatalf("placed=%d, want 2", resp.Placed)
	}

	// The engine was never started, so the queue holds exactly what the
	// dispatcher enqueued.
	status := env.engine.Status()
	if status.QueueLength != 1 {
		t.Errorf("rebase queue length = %d, want 1", status.QueueLength)
	}
}

func TestHandleAlert_TrailingJumpForwarded(t *testing.T) {
	acct := testAccount(1)
	acct.EnableTrailingStopLoss = true
	acct.MinTrailJump = d("0.1")
	env := newTestEnv(t, []model.AccountConfig{acct})

	env.postAlert(t, alertBody("RELIANCE", "100", "BUY"))

	reqs := env.broker.placed()
	if len(reqs) != 1 {
		t.Fatalf("broker saw %d requests, want 1", len(reqs))
	}
	if !reqs[0].TrailingJump.Equal(d("0.1")) {
		t.Errorf("trailing jump = %s, want 0.1", reqs[0].TrailingJump)
	}
}

func TestHandleAlert_BadPayloads(t *testing.T) {
	env := newTestEnv(t, []model.AccountConfig{testAccount(1)})

	cases := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing ticker", `{"price":100,"signal":"BUY"}`},
		{"zero price", alertBody("RELIANCE", "0", "BUY")},
		{"negative price", alertBody("RELIANCE", "-5", "BUY")},
		{"bad signal", alertBody("RELIANCE", "100", "SHORT")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := env.postAlert(t, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}

	if len(env.broker.placed()) != 0 {
		t.Error("invalid payloads must not reach the broker")
	}
}

func TestListOrders_NewestFirst(t *testing.T) {
	env := newTestEnv(t, []model.AccountConfig{testAccount(1)})

	env.postAlert(t, alertBody("RELIANCE", "100", "BUY"))
	env.postAlert(t, alertBody("TCS", "200", "BUY"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var orders []model.PlacedOrder
	if err := json.NewDecoder(rec.Body).Decode(&orders); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	if orders[0].Ticker != "TCS" || orders[1].Ticker != "RELIANCE" {
		t.Errorf("order = %s,%s, want TCS,RELIANCE (newest first)", orders[0].Ticker, orders[1].Ticker)
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, []model.AccountConfig{testAccount(1)})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rebase/status", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status rebase.QueueStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.QueueLength != 0 || status.IsProcessing {
		t.Errorf("idle status = %+v", status)
	}
}

func TestRebaseResultsEndpoint_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t, []model.AccountConfig{testAccount(1)})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rebase/results/unknown-order", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %s, want empty JSON array", body)
	}
}
