package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/carbontrack/carbontrack/internal/batches"
	"github.com/carbontrack/carbontrack/internal/catalog"
	"github.com/carbontrack/carbontrack/internal/companies"
	"github.com/carbontrack/carbontrack/internal/ledger"
	"github.com/carbontrack/carbontrack/internal/minting"
	"github.com/carbontrack/carbontrack/internal/observability"
	"github.com/carbontrack/carbontrack/internal/partners"
	"github.com/carbontrack/carbontrack/internal/provenance"
	"github.com/carbontrack/carbontrack/internal/transfers"
	"github.com/carbontrack/carbontrack/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
	// RequestLog enables chi's access log.
	RequestLog bool

	CompaniesHandler  *companies.Handler
	CatalogHandler    *catalog.Handler
	BatchesHandler    *batches.Handler
	MintingHandler    *minting.Handler
	TransfersHandler  *transfers.Handler
	PartnersHandler   *partners.Handler
	ProvenanceHandler *provenance.Handler
	LedgerHandler     *ledger.Handler
	JobHandler        *jobs.Handler
}

// HandlersFor builds every domain handler from svc.
func HandlersFor(params RouterParams, svc *Services) RouterParams {
	logger := params.Logger
	params.CompaniesHandler = companies.NewHandler(logger, svc.Companies)
	params.CatalogHandler = catalog.NewHandler(logger, svc.Catalog)
	params.BatchesHandler = batches.NewHandler(logger, svc.Batches)
	params.MintingHandler = minting.NewHandler(logger, svc.Minting)
	params.TransfersHandler = transfers.NewHandler(logger, svc.Transfers)
	params.PartnersHandler = partners.NewHandler(logger, svc.Partners)
	params.ProvenanceHandler = provenance.NewHandler(logger, svc.Provenance)
	params.LedgerHandler = ledger.NewHandler(logger, svc.Ledger)
	return params
}

// NewRouter constructs the chi.Router with CarbonTrack defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	if params.Config == nil {
		params.Config = &Config{}
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	if params.RequestLog {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.CompaniesHandler != nil {
		r.Route("/companies", params.CompaniesHandler.MountRoutes)
	}
	if params.CatalogHandler != nil {
		r.Route("/templates", params.CatalogHandler.MountTemplateRoutes)
		r.Route("/plants", params.CatalogHandler.MountPlantRoutes)
	}
	r.Route("/batches", func(r chi.Router) {
		if params.BatchesHandler != nil {
			params.BatchesHandler.MountRoutes(r)
		}
		if params.MintingHandler != nil {
			params.MintingHandler.MountRoutes(r)
		}
	})
	if params.TransfersHandler != nil {
		r.Route("/transfers", params.TransfersHandler.MountRoutes)
	}
	if params.PartnersHandler != nil {
		r.Route("/partners", params.PartnersHandler.MountRoutes)
	}
	if params.ProvenanceHandler != nil {
		r.Route("/provenance", params.ProvenanceHandler.MountRoutes)
	}
	if params.LedgerHandler != nil {
		r.Route("/ledger", params.LedgerHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
