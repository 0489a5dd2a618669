package landedcost

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/costing/internal/platform/httpx"
	"github.com/odyssey-erp/costing/internal/shared"
)

// Handler exposes the allocator over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers landed cost routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/landed-costs", h.allocate)
	r.Get("/landed-costs/{id}", h.get)
}

type allocateResponse struct {
	Allocation Allocation `json:"allocation"`
	Events     int        `json:"events"`
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var input AllocateInput
	if err := httpx.Bind(r, h.validator, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	alloc, events, err := h.service.Allocate(r.Context(), input)
	if err != nil {
		if !shared.IsClientError(err) {
			h.logger.Error("allocate landed cost", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, allocateResponse{Allocation: alloc, Events: len(events)})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	alloc, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, alloc)
}
