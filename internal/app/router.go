package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/vnoptic/vnoptic-erp/internal/auth"
	"github.com/vnoptic/vnoptic-erp/internal/contracts"
	"github.com/vnoptic/vnoptic-erp/internal/delivery"
	"github.com/vnoptic/vnoptic-erp/internal/inspection"
	"github.com/vnoptic/vnoptic-erp/internal/masterdata"
	"github.com/vnoptic/vnoptic-erp/internal/observability"
	"github.com/vnoptic/vnoptic-erp/internal/purchasing"
	"github.com/vnoptic/vnoptic-erp/internal/shared"
	"github.com/vnoptic/vnoptic-erp/internal/stock"
	"github.com/vnoptic/vnoptic-erp/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	AuthService *auth.Service
	Idempotency *shared.IdempotencyStore

	MasterdataHandler *masterdata.Handler
	StockHandler      *stock.Handler
	PurchasingHandler *purchasing.Handler
	ContractsHandler  *contracts.Handler
	InspectionHandler *inspection.Handler
	DeliveryHandler   *delivery.Handler
	JobHandler        *jobs.Handler
}

// NewRouter constructs the chi.Router with VNOPTIC defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.RequireAPIKey(params.AuthService))
		r.Use(IdempotencyMiddleware(params.Idempotency, params.Logger))

		if params.MasterdataHandler != nil {
			params.MasterdataHandler.MountRoutes(r)
		}
		if params.StockHandler != nil {
			params.StockHandler.MountRoutes(r)
		}
		if params.PurchasingHandler != nil {
			params.PurchasingHandler.MountRoutes(r)
		}
		if params.ContractsHandler != nil {
			params.ContractsHandler.MountRoutes(r)
		}
		if params.InspectionHandler != nil {
			params.InspectionHandler.MountRoutes(r)
		}
		if params.DeliveryHandler != nil {
			params.DeliveryHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
