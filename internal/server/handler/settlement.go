package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/exchange"
)

// SettlementService defines the methods the settlement handler requires from
// the service layer.
type SettlementService interface {
	SettleTaker(ctx context.Context, account common.Address, epoch int64) (*exchange.SettlementResult, error)
	SettleMaker(ctx context.Context, account common.Address, epoch int64) (*exchange.SettlementResult, error)
}

// SettlementHandler serves epoch settlement endpoints.
type SettlementHandler struct {
	settlements SettlementService
	logger      *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler with the given service and
// logger.
func NewSettlementHandler(settlements SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		settlements: settlements,
		logger:      logger,
	}
}

// settleRequest names the account and closed epoch to settle. Side selects
// the pending trades to clear: "taker" or "maker".
type settleRequest struct {
	Account string `json:"account"`
	Epoch   int64  `json:"epoch"`
	Side    string `json:"side"`
}

// settlementResultPayload is the wire form of an exchange.SettlementResult.
type settlementResultPayload struct {
	BaseP   string `json:"base_p"`
	BaseA   string `json:"base_a"`
	BaseB   string `json:"base_b"`
	Quote   string `json:"quote"`
	Version uint64 `json:"version"`
}

// Settle clears one account's pending trades for a closed epoch and pays out
// the executed assets. Settling an epoch with no pending trades is a no-op
// and returns a zero result.
// POST /api/settlements
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	account, ok := parseAddress(req.Account)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}

	var (
		result *exchange.SettlementResult
		err    error
	)
	switch req.Side {
	case "taker":
		result, err = h.settlements.SettleTaker(r.Context(), account, req.Epoch)
	case "maker":
		result, err = h.settlements.SettleMaker(r.Context(), account, req.Epoch)
	default:
		writeError(w, http.StatusBadRequest, `side must be "taker" or "maker"`)
		return
	}
	if err != nil {
		if isInternal(err) {
			h.logger.ErrorContext(r.Context(), "handler: settle failed",
				slog.String("account", req.Account),
				slog.Int64("epoch", req.Epoch),
				slog.String("side", req.Side),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"settlement": settlementResultPayload{
			BaseP:   result.Base[domain.TrancheP].String(),
			BaseA:   result.Base[domain.TrancheA].String(),
			BaseB:   result.Base[domain.TrancheB].String(),
			Quote:   result.Quote.String(),
			Version: result.Version,
		},
	})
}
