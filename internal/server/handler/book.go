package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tranchess/contract-exchange/internal/domain"
)

// BookService defines the methods the book handler requires from the service
// layer.
type BookService interface {
	Depth(ctx context.Context, conversionID uint64, t domain.Tranche) (domain.BookSnapshot, error)
	CachedDepth(ctx context.Context, conversionID uint64, t domain.Tranche) (domain.BookSnapshot, error)
}

// BookHandler serves order-book depth endpoints.
type BookHandler struct {
	books  BookService
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler with the given service and logger.
func NewBookHandler(books BookService, logger *slog.Logger) *BookHandler {
	return &BookHandler{
		books:  books,
		logger: logger,
	}
}

// GetDepth returns the depth snapshot of one tranche book. Depth is served
// from the cache by default; live=1 forces a read from the matching engine.
// GET /api/books/{tranche}?conversion_id=3&live=1
func (h *BookHandler) GetDepth(w http.ResponseWriter, r *http.Request) {
	t, ok := domain.ParseTranche(pathParam(r, "tranche"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown tranche")
		return
	}

	q := r.URL.Query()
	conversionID, err := strconv.ParseUint(q.Get("conversion_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "conversion_id query parameter required")
		return
	}

	var snap domain.BookSnapshot
	if q.Get("live") == "1" {
		snap, err = h.books.Depth(r.Context(), conversionID, t)
	} else {
		snap, err = h.books.CachedDepth(r.Context(), conversionID, t)
	}
	if err != nil {
		if isInternal(err) {
			h.logger.ErrorContext(r.Context(), "handler: get depth failed",
				slog.Uint64("conversion_id", conversionID),
				slog.String("tranche", t.String()),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}
