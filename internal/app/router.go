package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/costing/internal/audit"
	"github.com/odyssey-erp/costing/internal/inventory"
	"github.com/odyssey-erp/costing/internal/landedcost"
	"github.com/odyssey-erp/costing/internal/observability"
	"github.com/odyssey-erp/costing/internal/platform/httpx"
	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/procurement"
	"github.com/odyssey-erp/costing/internal/saleor"
	"github.com/odyssey-erp/costing/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	InventoryHandler   *inventory.Handler
	ProcurementHandler *procurement.Handler
	LandedCostHandler  *landedcost.Handler
	PostingHandler     *posting.Handler
	CatalogHandler     *saleor.Handler
	AuditHandler       *audit.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
	Ready              func(r *http.Request) error
}

// NewRouter constructs the chi.Router with the costing API mounted under /api/v1.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if params.Ready != nil {
			if err := params.Ready(r); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", params.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if params.InventoryHandler != nil {
			params.InventoryHandler.MountRoutes(r)
		}
		if params.CatalogHandler != nil {
			params.CatalogHandler.MountRoutes(r)
		}
		if params.ProcurementHandler != nil {
			params.ProcurementHandler.MountRoutes(r)
		}
		if params.LandedCostHandler != nil {
			params.LandedCostHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r)
		}
		if params.PostingHandler != nil {
			r.Route("/postings", params.PostingHandler.MountRoutes)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	return r
}
