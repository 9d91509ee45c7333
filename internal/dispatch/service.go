// Package dispatch provides the HTTP handlers and business logic for
// converting one normalized alert into broker orders across every active
// account, in parallel, with per-account isolation.
//
// All monetary values use shopspring/decimal — never float64 for money.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/broker"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/events"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/guard"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/instrument"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/metrics"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/pricing"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/rebase"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/sizing"
	"github.com/mail2robbins/tv-alert-reader-sub002/internal/store"
)

// Rejection reasons surfaced in PlacementOutcome.
const (
	ReasonDuplicateBlocked = "duplicate order blocked: ticker already traded today"
	ReasonUnknownSecurity  = "ticker could not be resolved to a security id"
)

// Service handles alert fan-out. One instance serves all accounts; the
// account list is passed in per alert-processing cycle by the caller.
type Service struct {
	accounts []model.AccountConfig
	broker   broker.Client
	store    store.Store
	guard    guard.DailyGuard
	resolver instrument.Resolver
	engine   *rebase.Engine
	hub      *events.Hub // optional event broadcasts
}

// NewService creates a dispatch service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(
	accounts []model.AccountConfig,
	bk broker.Client,
	st store.Store,
	dg guard.DailyGuard,
	res instrument.Resolver,
	engine *rebase.Engine,
	hub *events.Hub,
) *Service {
	return &Service{
		accounts: accounts,
		broker:   bk,
		store:    st,
		guard:    dg,
		resolver: res,
		engine:   engine,
		hub:      hub,
	}
}

// --- Request/Response types ---

// AlertResponse is the JSON body returned from POST /api/v1/alerts.
// Mixed per-account success is a normal result, not an error.
type AlertResponse struct {
	Ticker   string                   `json:"ticker"`
	Signal   model.Signal             `json:"signal"`
	Outcomes []model.PlacementOutcome `json:"outcomes"`
	Placed   int                      `json:"placed"`
	Rejected int                      `json:"rejected"`
}

// --- HTTP handlers ---

// HandleAlert handles POST /api/v1/alerts. The payload is assumed to be
// already normalized by the ingestion layer.
func (s *Service) HandleAlert(w http.ResponseWriter, r *http.Request) {
	var alert model.Alert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if alert.Ticker == "" {
		writeError(w, "ticker is required", http.StatusBadRequest)
		return
	}
	if alert.Price.LessThanOrEqual(decimal.Zero) {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	metrics.AlertsTotal.WithLabelValues(string(alert.Signal)).Inc()

	switch alert.Signal {
	case model.SignalBuy, model.SignalSell:
	case model.SignalHold:
		// Acknowledged and dropped: HOLD never dispatches orders.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(AlertResponse{Ticker: alert.Ticker, Signal: alert.Signal})
		return
	default:
		writeError(w, "signal must be BUY, SELL or HOLD", http.StatusBadRequest)
		return
	}

	outcomes := s.PlaceOrdersForAlert(r.Context(), alert)

	resp := AlertResponse{
		Ticker:   alert.Ticker,
		Signal:   alert.Signal,
		Outcomes: outcomes,
	}
	for _, o := range outcomes {
		if o.Success {
			resp.Placed++
		} else {
			resp.Rejected++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListOrders handles GET /api/v1/orders.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListOrders(r.Context())
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.PlacedOrder{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}

// QueueStatus handles GET /api/v1/rebase/status.
func (s *Service) QueueStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.engine.Status())
}

// RebaseResults handles GET /api/v1/rebase/results/{orderID}.
func (s *Service) RebaseResults(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	results := s.engine.ResultsForOrder(orderID)
	if results == nil {
		results = []model.RebaseResult{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

// --- Fan-out core ---

// PlaceOrdersForAlert places one order per active account in parallel and
// returns one outcome per active account. No account's failure blocks or
// rolls back another's success; ordering of the outcomes follows the
// account list for stable responses.
func (s *Service) PlaceOrdersForAlert(ctx context.Context, alert model.Alert) []model.PlacementOutcome {
	securityID, err := s.resolver.ResolveSecurityID(alert.Ticker)
	if err != nil {
		slog.Warn("security id resolution failed", "ticker", alert.Ticker, "err", err)
		// Every active account gets the same rejection: without a
		// security id no broker call can be made.
		var outcomes []model.PlacementOutcome
		for _, acct := range s.accounts {
			if !acct.IsActive {
				continue
			}
			outcomes = append(outcomes, model.PlacementOutcome{
				AccountID: acct.AccountID,
				ClientID:  acct.ClientID,
				Ticker:    alert.Ticker,
				Reason:    ReasonUnknownSecurity,
			})
			metrics.PlacementsTotal.WithLabelValues("rejected").Inc()
		}
		return outcomes
	}

	var active []model.AccountConfig
	for _, acct := range s.accounts {
		if acct.IsActive {
			active = append(active, acct)
		}
	}

	outcomes := make([]model.PlacementOutcome, len(active))
	var wg sync.WaitGroup
	for i, acct := range active {
		wg.Add(1)
		go func(i int, acct model.AccountConfig) {
			defer wg.Done()
			outcomes[i] = s.placeForAccount(ctx, alert, acct, securityID)
		}(i, acct)
	}
	wg.Wait()

	return outcomes
}

// placeForAccount runs the full per-account pipeline: duplicate guard,
// sizing, LIMIT price preparation, broker call, guard record, and rebase
// enqueue. Every exit path produces an outcome.
func (s *Service) placeForAccount(ctx context.Context, alert model.Alert, acct model.AccountConfig, securityID string) model.PlacementOutcome {
	outcome := model.PlacementOutcome{
		AccountID: acct.AccountID,
		ClientID:  acct.ClientID,
		Ticker:    alert.Ticker,
	}

	// Duplicate guard: checked before any broker traffic.
	if !acct.AllowDuplicateTickers {
		dup, err := s.guard.HasOrderedToday(ctx, alert.Ticker, acct.AccountID)
		if err != nil {
			outcome.Reason = "duplicate guard unavailable: " + err.Error()
			metrics.PlacementsTotal.WithLabelValues("failed").Inc()
			return outcome
		}
		if dup {
			outcome.Reason = ReasonDuplicateBlocked
			metrics.DuplicateBlocksTotal.Inc()
			metrics.PlacementsTotal.WithLabelValues("rejected").Inc()
			slog.Info("duplicate order blocked",
				"ticker", alert.Ticker,
				"account", acct.AccountID,
			)
			return outcome
		}
	}

	pos, err := sizing.ComputePosition(alert.Price, acct, alert.Signal)
	if err != nil {
		outcome.Reason = err.Error()
		metrics.PlacementsTotal.WithLabelValues("failed").Inc()
		return outcome
	}
	if pos.Rejected {
		outcome.Reason = pos.Reason
		metrics.PlacementsTotal.WithLabelValues("rejected").Inc()
		slog.Info("position sizing rejected",
			"ticker", alert.Ticker,
			"account", acct.AccountID,
			"reason", pos.Reason,
		)
		return outcome
	}

	intent := model.OrderIntent{
		AccountID:      acct.AccountID,
		Ticker:         alert.Ticker,
		SecurityID:     securityID,
		Signal:         alert.Signal,
		AlertPrice:     alert.Price,
		Quantity:       pos.Quantity,
		OrderValue:     pos.OrderValue,
		LeveragedValue: pos.LeveragedValue,
		TargetPrice:    pos.TargetPrice,
		StopLossPrice:  pos.StopLossPrice,
	}

	if acct.OrderType == model.OrderTypeLimit {
		limitPrice, err := pricing.LimitPrice(alert.Price, acct.LimitBufferPct, alert.Signal)
		if err != nil {
			outcome.Reason = err.Error()
			metrics.PlacementsTotal.WithLabelValues("failed").Inc()
			return outcome
		}
		intent.ExecutionPrice = limitPrice
	}

	req := broker.PlaceOrderRequest{
		Credentials:   broker.Credentials{ClientID: acct.ClientID, AccessToken: acct.AccessToken},
		CorrelationID: uuid.New().String(),
		SecurityID:    intent.SecurityID,
		Signal:        intent.Signal,
		OrderType:     acct.OrderType,
		Quantity:      intent.Quantity,
		Price:         intent.ExecutionPrice,
		TargetPrice:   intent.TargetPrice,
		StopLossPrice: intent.StopLossPrice,
	}
	if acct.EnableTrailingStopLoss {
		req.TrailingJump = acct.MinTrailJump
	}

	start := time.Now()
	resp, err := s.broker.PlaceOrder(ctx, req)
	metrics.BrokerCallDuration.WithLabelValues("place_order").Observe(time.Since(start).Seconds())
	if err != nil {
		// A single network failure fails this account's placement; no
		// dispatch-level retry, since duplicate MARKET orders are
		// dangerous.
		outcome.Reason = err.Error()
		metrics.PlacementsTotal.WithLabelValues("failed").Inc()
		slog.Warn("order placement failed",
			"ticker", alert.Ticker,
			"account", acct.AccountID,
			"err", err,
		)
		if s.hub != nil {
			s.hub.Broadcast(events.Event{
				Type:      events.TypeOrderRejected,
				AccountID: acct.AccountID,
				Ticker:    alert.Ticker,
				Signal:    string(alert.Signal),
				Detail:    err.Error(),
			})
		}
		return outcome
	}

	placed := &model.PlacedOrder{
		OrderID:           resp.OrderID,
		CorrelationID:     req.CorrelationID,
		AccountID:         acct.AccountID,
		ClientID:          acct.ClientID,
		Ticker:            alert.Ticker,
		Signal:            alert.Signal,
		RequestedQuantity: intent.Quantity,
		AlertPrice:        alert.Price,
		Status:            model.StatusPlaced,
		PlacedAt:          time.Now().UTC(),
	}
	if err := s.store.InsertOrder(ctx, placed); err != nil {
		slog.Error("failed to persist placed order", "order_id", resp.OrderID, "err", err)
	}
	if err := s.guard.RecordOrder(ctx, alert.Ticker, acct.AccountID); err != nil {
		slog.Error("failed to record daily guard entry",
			"ticker", alert.Ticker,
			"account", acct.AccountID,
			"err", err,
		)
	}

	if acct.RebaseTpAndSl {
		s.engine.Enqueue(model.RebaseQueueItem{
			OrderID:    resp.OrderID,
			Account:    acct,
			Ticker:     alert.Ticker,
			Signal:     alert.Signal,
			AlertPrice: alert.Price,
		})
	}

	outcome.Success = true
	outcome.OrderID = resp.OrderID
	outcome.Quantity = intent.Quantity
	outcome.OrderValue = intent.OrderValue
	outcome.LeveragedValue = intent.LeveragedValue
	metrics.PlacementsTotal.WithLabelValues("placed").Inc()

	slog.Info("order placed",
		"order_id", resp.OrderID,
		"ticker", alert.Ticker,
		"account", acct.AccountID,
		"signal", string(alert.Signal),
		"quantity", intent.Quantity,
		"order_value", intent.OrderValue.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(events.Event{
			Type:      events.TypeOrderPlaced,
			OrderID:   resp.OrderID,
			AccountID: acct.AccountID,
			Ticker:    alert.Ticker,
			Signal:    string(alert.Signal),
		})
	}

	return outcome
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
