package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-engine/internal/checkout"
	"github.com/ariefcatur/go-order-engine/internal/observability"
	"github.com/ariefcatur/go-order-engine/internal/orders"
	"github.com/ariefcatur/go-order-engine/internal/payments"
	"github.com/ariefcatur/go-order-engine/internal/statemachine"
)

type OrderCreator interface {
	CreateOrder(ctx context.Context, req checkout.Request) (checkout.Result, error)
}

type StatusChanger interface {
	Transition(ctx context.Context, req statemachine.Request) (orders.Order, error)
	History(ctx context.Context, orderID string) ([]orders.StatusHistory, error)
}

type PaymentReconciler interface {
	Reconcile(ctx context.Context, orderID string, outcome payments.Outcome, reference string) (payments.Result, error)
}

type OrderReader interface {
	Get(ctx context.Context, orderID string) (orders.Order, error)
	LoadWithItems(ctx context.Context, orderID string) (orders.Order, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
}

type OrdersHandler struct {
	Checkout OrderCreator
	Machine  StatusChanger
	Payments PaymentReconciler
	Reader   OrderReader
	// Cache is optional; when set, GET /orders/{id}/status reads it first.
	Cache  orders.StatusCache
	Logger *zap.Logger
}

type CreateOrderReq struct {
	ExternalID      string          `json:"external_id"`
	CustomerID      string          `json:"customer_id"`
	DeliveryAddress string          `json:"delivery_address"`
	ContactPhone    string          `json:"contact_phone"`
	Items           []checkout.Item `json:"items"`
}

type TransitionReq struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
	Note   string `json:"note"`
}

type PaymentReq struct {
	Outcome   string `json:"outcome"`
	Reference string `json:"reference"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Get("/orders/{id}/history", h.getHistory)
	r.Post("/orders/{id}/status", h.transition)
	r.Post("/orders/{id}/payment", h.payment)
	r.Get("/products", h.listProducts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// set for insufficient stock
	ProductID string `json:"product_id,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
	// set for invalid transitions
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
func (h *OrdersHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Message: err.Error()}
	var (
		code  int
		stock *orders.InsufficientStockError
		trans *orders.InvalidTransitionError
	)
	switch {
	case errors.As(err, &stock):
		code, body.Error = http.StatusConflict, "insufficient_stock"
		body.ProductID, body.Requested, body.Available = stock.ProductID, stock.Requested, &stock.Available
	case errors.As(err, &trans):
		code, body.Error = http.StatusConflict, "invalid_transition"
		body.From, body.To = string(trans.From), string(trans.To)
	case errors.Is(err, orders.ErrInvalidTransition):
		code, body.Error = http.StatusConflict, "invalid_transition"
	case errors.Is(err, orders.ErrInvalidItem):
		code, body.Error = http.StatusUnprocessableEntity, "invalid_item"
	case errors.Is(err, orders.ErrInvalidInput):
		code, body.Error = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, orders.ErrNotFound):
		code, body.Error = http.StatusNotFound, "not_found"
	case errors.Is(err, orders.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		code, body.Error = http.StatusServiceUnavailable, "transient"
		w.Header().Set("Retry-After", "1")
	default:
		code, body.Error, body.Message = http.StatusInternalServerError, "internal", "internal error"
		observability.FromContext(r.Context(), h.Logger).Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, body)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: "invalid json"})
		return
	}

	res, err := h.Checkout.CreateOrder(r.Context(), checkout.Request{
		ExternalID:      req.ExternalID,
		CustomerID:      req.CustomerID,
		DeliveryAddress: req.DeliveryAddress,
		ContactPhone:    req.ContactPhone,
		Items:           req.Items,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Existed {
		code = http.StatusOK
	}
	writeJSON(w, code, orderResp(res.Order, res.Existed))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Reader.LoadWithItems(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResp(o, false))
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache
	if h.Cache != nil {
		s, ok, err := h.Cache.GetStatus(ctx, orderID)
		if err != nil {
			observability.FromContext(ctx, h.Logger).Warn("status cache read", zap.Error(err))
		}
		if ok {
			writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "status": s, "cached": true})
			return
		}
	}

	// 2) fallback DB
	o, err := h.Reader.Get(ctx, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.Cache != nil {
		_ = h.Cache.PutStatus(ctx, orderID, o.Status, o.UpdatedAt)
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "status": o.Status, "cached": false})
}

func (h *OrdersHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if _, err := h.Reader.Get(ctx, orderID); err != nil {
		h.writeError(w, r, err)
		return
	}
	rows, err := h.Machine.History(ctx, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]historyJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, historyResp(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: "invalid json"})
		return
	}
	to, err := orders.ParseStatus(req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.Machine.Transition(r.Context(), statemachine.Request{
		OrderID: chi.URLParam(r, "id"),
		To:      to,
		Actor:   req.Actor,
		Note:    req.Note,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResp(o, false))
}

func (h *OrdersHandler) payment(w http.ResponseWriter, r *http.Request) {
	var req PaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: "invalid json"})
		return
	}
	outcome, err := payments.ParseOutcome(req.Outcome)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Payments.Reconcile(r.Context(), chi.URLParam(r, "id"), outcome, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":           orderResp(res.Order, false),
		"applied":         res.Applied,
		"action_required": res.ActionRequired,
	})
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Reader.ListProducts(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]productJSON, 0, len(ps))
	for _, p := range ps {
		out = append(out, productResp(p))
	}
	writeJSON(w, http.StatusOK, out)
}
