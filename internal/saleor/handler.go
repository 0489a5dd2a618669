package saleor

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/costing/internal/platform/httpx"
)

// Handler exposes read-only catalog lookups for display.
type Handler struct {
	logger *slog.Logger
	client *Client
}

// NewHandler constructs a catalog handler.
func NewHandler(logger *slog.Logger, client *Client) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, client: client}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/variants/{id}/catalog", h.variant)
}

func (h *Handler) variant(w http.ResponseWriter, r *http.Request) {
	variant, err := h.client.LookupVariant(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ErrVariantNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	case err != nil:
		h.logger.Warn("catalog lookup", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "External System Failure", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"variant": variant, "breaker": h.client.BreakerState()})
}
