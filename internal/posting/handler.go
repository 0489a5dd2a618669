package posting

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/costing/internal/platform/httpx"
)

// Handler exposes posting endpoints for operators.
type Handler struct {
	logger       *slog.Logger
	orchestrator *Orchestrator
	dispatcher   Dispatcher
}

// NewHandler constructs a posting handler.
func NewHandler(logger *slog.Logger, orchestrator *Orchestrator, dispatcher Dispatcher) *Handler {
	return &Handler{logger: logger, orchestrator: orchestrator, dispatcher: dispatcher}
}

// MountRoutes registers posting routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{source}", h.status)
	r.Post("/{source}/retry", h.retry)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	report, err := h.orchestrator.SyncStatus(r.Context(), chi.URLParam(r, "source"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if _, err := h.orchestrator.repo.GetRequest(r.Context(), source); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.dispatcher.Dispatch(r.Context(), source); err != nil {
		h.logger.Error("dispatch posting retry", slog.String("source", source), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", err.Error())
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"source": source, "status": "queued"})
}
