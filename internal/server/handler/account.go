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

// AccountService defines the methods the account handler requires from the
// service layer.
type AccountService interface {
	Deposit(ctx context.Context, account common.Address, t domain.Tranche, amount *big.Int) error
	Withdraw(ctx context.Context, account common.Address, t domain.Tranche, amount *big.Int) error
	Balances(ctx context.Context, account common.Address) (available, locked domain.Amounts, err error)
	ClaimableRewards(ctx context.Context, account common.Address) (*big.Int, error)
	ClaimRewards(ctx context.Context, account common.Address) (*big.Int, error)
	RefreshBalance(ctx context.Context, account common.Address, targetVersion uint64) error
}

// AccountHandler serves staking account endpoints.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler with the given service and
// logger.
func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		logger:   logger,
	}
}

// amountsPayload is the wire form of a per-tranche amount triple.
type amountsPayload struct {
	P string `json:"p"`
	A string `json:"a"`
	B string `json:"b"`
}

func amounts(a domain.Amounts) amountsPayload {
	return amountsPayload{
		P: a[domain.TrancheP].String(),
		A: a[domain.TrancheA].String(),
		B: a[domain.TrancheB].String(),
	}
}

// moveRequest is the JSON body for deposits and withdrawals.
type moveRequest struct {
	Tranche string `json:"tranche"`
	Amount  string `json:"amount"`
}

func (h *AccountHandler) account(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	account, ok := parseAddress(pathParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
	}
	return account, ok
}

// GetBalances returns the account's available and locked tranche balances,
// refreshed to the current conversion.
// GET /api/accounts/{address}/balances
func (h *AccountHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	available, locked, err := h.accounts.Balances(r.Context(), account)
	if err != nil {
		if isInternal(err) {
			h.logger.ErrorContext(r.Context(), "handler: get balances failed",
				slog.String("account", account.Hex()),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"available": amounts(available),
		"locked":    amounts(locked),
	})
}

// Deposit credits tranche shares into the account's staking balance.
// POST /api/accounts/{address}/deposits
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, "deposit", h.accounts.Deposit)
}

// Withdraw debits tranche shares from the account's available balance.
// POST /api/accounts/{address}/withdrawals
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, "withdraw", h.accounts.Withdraw)
}

func (h *AccountHandler) move(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	op func(ctx context.Context, account common.Address, t domain.Tranche, amount *big.Int) error,
) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
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

	if err := op(r.Context(), account, t, amount); err != nil {
		if isInternal(err) {
			h.logger.ErrorContext(r.Context(), "handler: "+action+" failed",
				slog.String("account", account.Hex()),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  action + "ed",
		"tranche": t.String(),
		"amount":  amount.String(),
	})
}

// GetRewards reports the rewards the account could claim right now.
// GET /api/accounts/{address}/rewards
func (h *AccountHandler) GetRewards(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	claimable, err := h.accounts.ClaimableRewards(r.Context(), account)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"claimable": claimable.String(),
	})
}

// ClaimRewards settles and pays out the account's accrued rewards.
// POST /api/accounts/{address}/rewards/claim
func (h *AccountHandler) ClaimRewards(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	claimed, err := h.accounts.ClaimRewards(r.Context(), account)
	if err != nil {
		if isInternal(err) {
			h.logger.ErrorContext(r.Context(), "handler: claim rewards failed",
				slog.String("account", account.Hex()),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"claimed": claimed.String(),
	})
}

// refreshRequest optionally pins the conversion to refresh to; zero means
// latest.
type refreshRequest struct {
	TargetVersion uint64 `json:"target_version"`
}

// Refresh walks the account's balances forward through conversions.
// POST /api/accounts/{address}/refresh
func (h *AccountHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	var req refreshRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	if err := h.accounts.RefreshBalance(r.Context(), account, req.TargetVersion); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}
