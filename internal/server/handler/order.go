package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/domain"
)

// OrderService defines the methods the order handler requires from the
// service layer.
type OrderService interface {
	PlaceBid(ctx context.Context, maker common.Address, t domain.Tranche, pdLevel int, quoteAmount *big.Int, version uint64, clientOrderID string) (domain.OrderRef, error)
	PlaceAsk(ctx context.Context, maker common.Address, t domain.Tranche, pdLevel int, baseAmount *big.Int, version uint64, clientOrderID string) (domain.OrderRef, error)
	CancelOrder(ctx context.Context, maker common.Address, ref domain.OrderRef) (*big.Int, error)
	CancelByClientOrderID(ctx context.Context, maker common.Address, clientOrderID string) (*big.Int, error)
	ListOrders(ctx context.Context, maker common.Address, opts domain.ListOpts) ([]domain.OrderRecord, error)
}

// OrderHandler serves maker order endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logger,
	}
}

// placeOrderRequest is the JSON body for placing a resting order. Amount is
// quote units for bids and base units for asks, as an 18-decimal fixed-point
// decimal string.
type placeOrderRequest struct {
	Maker         string `json:"maker"`
	Side          string `json:"side"` // "bid" or "ask"
	Tranche       string `json:"tranche"`
	PDLevel       int    `json:"pd_level"`
	Amount        string `json:"amount"`
	ConversionID  uint64 `json:"conversion_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// orderRefPayload is the wire form of a domain.OrderRef.
type orderRefPayload struct {
	ConversionID uint64 `json:"conversion_id"`
	Tranche      string `json:"tranche"`
	Side         string `json:"side"`
	PDLevel      int    `json:"pd_level"`
	Index        uint64 `json:"index"`
}

func refPayload(ref domain.OrderRef) orderRefPayload {
	return orderRefPayload{
		ConversionID: ref.ConversionID,
		Tranche:      ref.Tranche.String(),
		Side:         string(ref.Side),
		PDLevel:      ref.PDLevel,
		Index:        ref.Index,
	}
}

// PlaceOrder rests a bid or ask on the book.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	maker, ok := parseAddress(req.Maker)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid maker address")
		return
	}
	t, ok := domain.ParseTranche(req.Tranche)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown tranche")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer string")
		return
	}

	var (
		ref domain.OrderRef
		err error
	)
	switch domain.OrderSide(req.Side) {
	case domain.OrderSideBid:
		ref, err = h.orders.PlaceBid(r.Context(), maker, t, req.PDLevel, amount, req.ConversionID, req.ClientOrderID)
	case domain.OrderSideAsk:
		ref, err = h.orders.PlaceAsk(r.Context(), maker, t, req.PDLevel, amount, req.ConversionID, req.ClientOrderID)
	default:
		writeError(w, http.StatusBadRequest, `side must be "bid" or "ask"`)
		return
	}
	if err != nil {
		if isInternal(err) {
			h.logger.ErrorContext(r.Context(), "handler: place order failed",
				slog.String("maker", req.Maker),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"order": refPayload(ref),
	})
}

// cancelOrderRequest identifies the resting order to cancel. Either the full
// ref or a client_order_id must be supplied.
type cancelOrderRequest struct {
	Maker         string           `json:"maker"`
	Ref           *orderRefPayload `json:"ref,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

// CancelOrder removes a resting order and refunds the unfilled remainder.
// POST /api/orders/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	maker, ok := parseAddress(req.Maker)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid maker address")
		return
	}

	var (
		refund *big.Int
		err    error
	)
	switch {
	case req.ClientOrderID != "":
		refund, err = h.orders.CancelByClientOrderID(r.Context(), maker, req.ClientOrderID)
	case req.Ref != nil:
		t, ok := domain.ParseTranche(req.Ref.Tranche)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown tranche")
			return
		}
		side := domain.OrderSide(req.Ref.Side)
		if side != domain.OrderSideBid && side != domain.OrderSideAsk {
			writeError(w, http.StatusBadRequest, `ref.side must be "bid" or "ask"`)
			return
		}
		refund, err = h.orders.CancelOrder(r.Context(), maker, domain.OrderRef{
			ConversionID: req.Ref.ConversionID,
			Tranche:      t,
			Side:         side,
			PDLevel:      req.Ref.PDLevel,
			Index:        req.Ref.Index,
		})
	default:
		writeError(w, http.StatusBadRequest, "ref or client_order_id required")
		return
	}
	if err != nil {
		if isInternal(err) {
			h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
				slog.String("maker", req.Maker),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "cancelled",
		"refunded": refund.String(),
	})
}

// orderRecordPayload is the wire form of a journaled order.
type orderRecordPayload struct {
	Ref           orderRefPayload `json:"ref"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Maker         string          `json:"maker"`
	Amount        string          `json:"amount"`
	Status        string          `json:"status"`
	PlacedAt      string          `json:"placed_at"`
	CancelledAt   string          `json:"cancelled_at,omitempty"`
}

// ListOrders returns the journaled orders of a maker, newest first.
// GET /api/orders?maker=0x...&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	maker, ok := parseAddress(r.URL.Query().Get("maker"))
	if !ok {
		writeError(w, http.StatusBadRequest, "maker query parameter required")
		return
	}

	recs, err := h.orders.ListOrders(r.Context(), maker, parseListOpts(r))
	if err != nil {
		if isInternal(err) {
			h.logger.ErrorContext(r.Context(), "handler: list orders failed",
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	out := make([]orderRecordPayload, 0, len(recs))
	for _, rec := range recs {
		p := orderRecordPayload{
			Ref:           refPayload(rec.Ref),
			ClientOrderID: rec.ClientOrderID,
			Maker:         rec.Maker.Hex(),
			Amount:        rec.Amount.String(),
			Status:        string(rec.Status),
			PlacedAt:      rec.PlacedAt.UTC().Format(timeFormat),
		}
		if rec.CancelledAt != nil {
			p.CancelledAt = rec.CancelledAt.UTC().Format(timeFormat)
		}
		out = append(out, p)
	}

	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"
