package inventory

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costing/internal/platform/httpx"
	"github.com/odyssey-erp/costing/internal/shared"
)

// Handler wires HTTP endpoints for variant cost queries.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/variants/{id}/cost", h.handleCost)
	r.Get("/variants/{id}/history", h.handleHistory)
	r.Post("/variants/{id}/verify", h.handleVerify)
}

type costResponse struct {
	VariantID    string          `json:"variant_id"`
	OnHand       int64           `json:"on_hand"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	WAC          decimal.Decimal `json:"wac"`
	LastSequence int64           `json:"last_sequence"`
	Source       string          `json:"source"`
}

type historyItem struct {
	Sequence   int64           `json:"sequence"`
	Kind       EventKind       `json:"kind"`
	QtyDelta   int64           `json:"qty_delta"`
	CostDelta  decimal.Decimal `json:"cost_delta"`
	ReceiptID  int64           `json:"receipt_id,omitempty"`
	Allocation int64           `json:"allocation_id,omitempty"`
	Flagged    bool            `json:"flagged"`
	OccurredAt time.Time       `json:"occurred_at"`
	BalanceQty int64           `json:"balance_qty"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	WAC        decimal.Decimal `json:"wac"`
}

func (h *Handler) handleCost(w http.ResponseWriter, r *http.Request) {
	variantID := chi.URLParam(r, "id")
	var (
		state State
		err   error
	)
	if r.URL.Query().Get("mode") == "replay" {
		state, err = h.service.ReplayState(r.Context(), variantID)
	} else {
		state, err = h.service.CurrentState(r.Context(), variantID)
	}
	if err != nil {
		if !shared.IsClientError(err) {
			h.logger.Error("variant cost", slog.String("variant_id", variantID), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, costResponse{
		VariantID:    state.VariantID,
		OnHand:       state.OnHand,
		TotalCost:    state.TotalCost,
		WAC:          state.RoundedWAC(h.service.Scale()),
		LastSequence: state.LastSequence,
		Source:       state.Source,
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	variantID := chi.URLParam(r, "id")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be a positive integer")
			return
		}
		limit = v
	}
	entries, err := h.service.History(r.Context(), variantID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items := make([]historyItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, historyItem{
			Sequence:   e.Event.Sequence,
			Kind:       e.Event.Kind,
			QtyDelta:   e.Event.QtyDelta,
			CostDelta:  e.Event.CostDelta,
			ReceiptID:  e.Event.Origin.ReceiptID,
			Allocation: e.Event.Origin.AllocationID,
			Flagged:    e.Event.Flagged,
			OccurredAt: e.Event.OccurredAt,
			BalanceQty: e.BalanceQty,
			TotalCost:  e.TotalCost,
			WAC:        e.WAC,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"variant_id": variantID, "entries": items})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	variantID := chi.URLParam(r, "id")
	result, err := h.service.VerifyRollup(r.Context(), variantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"variant_id": variantID,
		"repaired":   result.Repaired,
		"on_hand":    result.Fold.OnHand,
		"total_cost": result.Fold.TotalCost,
		"wac":        shared.RoundCost(result.Fold.WAC, h.service.Scale()),
	})
}
