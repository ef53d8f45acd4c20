package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/exchange"
)

// TradeService defines the methods the trade handler requires from the
// service layer.
type TradeService interface {
	Buy(ctx context.Context, taker common.Address, t domain.Tranche, maxPDLevel int, quoteAmount *big.Int, version uint64) (*exchange.TradeSummary, error)
	Sell(ctx context.Context, taker common.Address, t domain.Tranche, minPDLevel int, baseAmount *big.Int, version uint64) (*exchange.TradeSummary, error)
	EpochTrades(ctx context.Context, epoch int64) ([]domain.TradeRecord, error)
}

// TradeHandler serves taker execution endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler with the given service and logger.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		logger: logger,
	}
}

// tradeRequest is the JSON body for a taker execution. PDLevel bounds the
// fill: the worst level a buy will pay, or the best level a sell will accept.
// Amount is quote units for buys and base units for sells.
type tradeRequest struct {
	Taker        string `json:"taker"`
	Side         string `json:"side"` // "buy" or "sell"
	Tranche      string `json:"tranche"`
	PDLevel      int    `json:"pd_level"`
	Amount       string `json:"amount"`
	ConversionID uint64 `json:"conversion_id"`
}

// tradeSummaryPayload is the wire form of an exchange.TradeSummary.
type tradeSummaryPayload struct {
	Tranche        string `json:"tranche"`
	ConversionID   uint64 `json:"conversion_id"`
	Epoch          int64  `json:"epoch"`
	Frozen         string `json:"frozen"`
	LastPDLevel    int    `json:"last_pd_level"`
	LastIndex      uint64 `json:"last_index"`
	LastFillAmount string `json:"last_fill_amount"`
}

func summaryPayload(s *exchange.TradeSummary) tradeSummaryPayload {
	return tradeSummaryPayload{
		Tranche:        s.Tranche.String(),
		ConversionID:   s.ConversionID,
		Epoch:          s.Epoch,
		Frozen:         s.Frozen.String(),
		LastPDLevel:    s.LastPDLevel,
		LastIndex:      s.LastIndex,
		LastFillAmount: s.LastFillAmount.String(),
	}
}

// Trade executes a taker buy or sell against the resting book. The executed
// assets stay pending until the epoch settles.
// POST /api/trades
func (h *TradeHandler) Trade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	taker, ok := parseAddress(req.Taker)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid taker address")
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
		summary *exchange.TradeSummary
		err     error
	)
	switch req.Side {
	case "buy":
		summary, err = h.trades.Buy(r.Context(), taker, t, req.PDLevel, amount, req.ConversionID)
	case "sell":
		summary, err = h.trades.Sell(r.Context(), taker, t, req.PDLevel, amount, req.ConversionID)
	default:
		writeError(w, http.StatusBadRequest, `side must be "buy" or "sell"`)
		return
	}
	if err != nil {
		if isInternal(err) {
			h.logger.ErrorContext(r.Context(), "handler: trade failed",
				slog.String("taker", req.Taker),
				slog.String("side", req.Side),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"trade": summaryPayload(summary),
	})
}

// tradeRecordPayload is the wire form of a journaled taker execution.
type tradeRecordPayload struct {
	ID             string `json:"id"`
	Taker          string `json:"taker"`
	Tranche        string `json:"tranche"`
	Side           string `json:"side"`
	ConversionID   uint64 `json:"conversion_id"`
	Epoch          int64  `json:"epoch"`
	FrozenAmount   string `json:"frozen_amount"`
	LastPDLevel    int    `json:"last_pd_level"`
	LastIndex      uint64 `json:"last_index"`
	LastFillAmount string `json:"last_fill_amount"`
	ExecutedAt     string `json:"executed_at"`
}

// ListTrades returns the journaled taker executions of one epoch.
// GET /api/trades?epoch=1700000000
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	epoch, err := strconv.ParseInt(r.URL.Query().Get("epoch"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "epoch query parameter required")
		return
	}

	recs, err := h.trades.EpochTrades(r.Context(), epoch)
	if err != nil {
		if isInternal(err) {
			h.logger.ErrorContext(r.Context(), "handler: list trades failed",
				slog.Int64("epoch", epoch),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	out := make([]tradeRecordPayload, 0, len(recs))
	for _, rec := range recs {
		out = append(out, tradeRecordPayload{
			ID:             rec.ID,
			Taker:          rec.Taker.Hex(),
			Tranche:        rec.Tranche.String(),
			Side:           string(rec.Side),
			ConversionID:   rec.ConversionID,
			Epoch:          rec.Epoch,
			FrozenAmount:   rec.FrozenAmount.String(),
			LastPDLevel:    rec.LastPDLevel,
			LastIndex:      rec.LastIndex,
			LastFillAmount: rec.LastFillAmount.String(),
			ExecutedAt:     rec.ExecutedAt.UTC().Format(timeFormat),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"trades": out})
}
