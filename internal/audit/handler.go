package audit

import (
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/costing/internal/platform/httpx"
)

const (
	dateLayout       = "2006-01-02"
	defaultDateRange = 30 * 24 * time.Hour
	maxDateRange     = 366 * 24 * time.Hour
	exportRateLimit  = 10
)

// Handler exposes the audit timeline over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
	now     func() time.Time
}

// NewHandler builds the audit handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: time.Now}
}

// MountRoutes registers the timeline and the rate-limited CSV export.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/audit", h.handleTimeline)
	r.Group(func(gr chi.Router) {
		gr.Use(httprate.Limit(exportRateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		gr.Get("/audit/export.csv", h.handleExport)
	})
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, ok := h.parseFilters(w, r)
	if !ok {
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, ok := h.parseFilters(w, r)
	if !ok {
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-timeline.csv"`)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"at", "actor_id", "action", "entity", "entity_id", "meta"})
	for _, row := range rows {
		meta := ""
		if len(row.Meta) > 0 {
			raw, err := json.Marshal(row.Meta)
			if err == nil {
				meta = string(raw)
			}
		}
		_ = writer.Write([]string{
			row.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(row.ActorID, 10),
			row.Action,
			row.Entity,
			row.EntityID,
			meta,
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) parseFilters(w http.ResponseWriter, r *http.Request) (TimelineFilters, bool) {
	query := r.URL.Query()
	toDay := h.now().UTC().Truncate(24 * time.Hour)
	if v := strings.TrimSpace(query.Get("to")); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to date")
			return TimelineFilters{}, false
		}
		toDay = parsed
	}
	fromDay := toDay.Add(-defaultDateRange)
	if v := strings.TrimSpace(query.Get("from")); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from date")
			return TimelineFilters{}, false
		}
		fromDay = parsed
	}
	if fromDay.After(toDay) || toDay.Sub(fromDay) > maxDateRange {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid date range")
		return TimelineFilters{}, false
	}
	page, ok := positiveInt(w, query.Get("page"), "page")
	if !ok {
		return TimelineFilters{}, false
	}
	pageSize, ok := positiveInt(w, query.Get("page_size"), "page_size")
	if !ok {
		return TimelineFilters{}, false
	}
	return TimelineFilters{
		From:     fromDay,
		To:       toDay.Add(24 * time.Hour),
		Entity:   query.Get("entity"),
		EntityID: query.Get("entity_id"),
		Action:   query.Get("action"),
		Page:     page,
		PageSize: pageSize,
	}, true
}

func positiveInt(w http.ResponseWriter, raw, field string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+field)
		return 0, false
	}
	return v, true
}
