package procurement

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/costing/internal/platform/httpx"
	"github.com/odyssey-erp/costing/internal/shared"
)

// Handler exposes the goods receipt API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers receipt routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.createReceipt)
	r.Get("/receipts/{id}", h.getReceipt)
	r.Put("/receipts/{id}/lines", h.replaceLines)
	r.Post("/receipts/{id}/post", h.postReceipt)
	r.Post("/receipts/{id}/reverse", h.reverseReceipt)
	r.Get("/receipts/{id}/sync", h.syncStatus)
	r.Get("/purchase-orders/{id}", h.getPurchaseOrder)
}

type replaceLinesRequest struct {
	Lines []LineInput `json:"lines" validate:"required,min=1,dive"`
}

type reverseRequest struct {
	Notes string `json:"notes" validate:"max=1024"`
}

func (h *Handler) createReceipt(w http.ResponseWriter, r *http.Request) {
	var input CreateReceiptInput
	if err := httpx.Bind(r, h.validator, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	receipt, err := h.service.CreateDraft(r.Context(), input)
	if err != nil {
		h.fail(w, "create receipt", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receipt)
}

func (h *Handler) getReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	receipt, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, receipt)
}

func (h *Handler) replaceLines(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req replaceLinesRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	receipt, err := h.service.ReplaceDraftLines(r.Context(), id, req.Lines)
	if err != nil {
		h.fail(w, "replace lines", err)
		return
	}
	httpx.JSON(w, http.StatusOK, receipt)
}

func (h *Handler) postReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	receipt, err := h.service.Post(r.Context(), id)
	if err != nil {
		h.fail(w, "post receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, receipt)
}

func (h *Handler) reverseReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req reverseRequest
	if r.ContentLength > 0 {
		if err := httpx.Bind(r, h.validator, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	reversal, err := h.service.Reverse(r.Context(), id, req.Notes)
	if err != nil {
		h.fail(w, "reverse receipt", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, reversal)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	report, err := h.service.SyncStatus(r.Context(), id)
	if err != nil {
		h.fail(w, "sync status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) getPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	po, err := h.service.GetPurchaseOrder(r.Context(), id)
	if err != nil {
		h.fail(w, "get purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !shared.IsClientError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
