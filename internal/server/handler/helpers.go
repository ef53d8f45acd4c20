package handler

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a domain error to an HTTP status and sends it. Unknown
// errors become an opaque 500; the caller is expected to log those.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotOrderOwner),
		errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrExchangeInactive),
		errors.Is(err, domain.ErrEpochNotClosed),
		errors.Is(err, domain.ErrZeroPrice),
		errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidTranche),
		errors.Is(err, domain.ErrInvalidPDLevel),
		errors.Is(err, domain.ErrPriceCrossing),
		errors.Is(err, domain.ErrAmountBelowMinimum),
		errors.Is(err, domain.ErrStaleConversion),
		errors.Is(err, domain.ErrVersionOutOfBounds),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInsufficientLocked),
		errors.Is(err, domain.ErrMakerIneligible),
		errors.Is(err, domain.ErrNothingMatched):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// isInternal reports whether writeDomainError would hide the error behind an
// opaque 500, in which case the handler should log it.
func isInternal(err error) bool {
	for _, known := range []error{
		domain.ErrOrderNotFound, domain.ErrNotFound, domain.ErrNotOrderOwner,
		domain.ErrUnauthorized, domain.ErrAlreadyExists, domain.ErrExchangeInactive,
		domain.ErrEpochNotClosed, domain.ErrZeroPrice, domain.ErrLockHeld,
		domain.ErrInvalidTranche, domain.ErrInvalidPDLevel, domain.ErrPriceCrossing,
		domain.ErrAmountBelowMinimum, domain.ErrStaleConversion, domain.ErrVersionOutOfBounds,
		domain.ErrInsufficientBalance, domain.ErrInsufficientLocked,
		domain.ErrMakerIneligible, domain.ErrNothingMatched,
	} {
		if errors.Is(err, known) {
			return false
		}
	}
	return true
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// parseAddress validates and decodes a hex account address.
func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// parseAmount decodes a positive base-10 integer amount. Amounts cross the
// API in 18-decimal fixed point, never in native token units.
func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}
