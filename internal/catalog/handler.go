package catalog

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carbontrack/carbontrack/internal/platform/httpx"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// Handler exposes templates and plants over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountTemplateRoutes registers /templates routes.
func (h *Handler) MountTemplateRoutes(r chi.Router) {
	r.Get("/", h.handleListTemplates)
	r.Post("/", h.handleCreateTemplate)
	r.Get("/{id}", h.handleGetTemplate)
	r.Post("/{id}/deactivate", h.handleDeactivateTemplate)
}

// MountPlantRoutes registers /plants routes.
func (h *Handler) MountPlantRoutes(r chi.Router) {
	r.Get("/", h.handleListPlants)
	r.Post("/", h.handleCreatePlant)
	r.Get("/{id}", h.handleGetPlant)
}

func (h *Handler) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateInput
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Manufacturer == "" {
		req.Manufacturer = shared.ActorFromContext(r.Context())
	}
	tpl, err := h.service.CreateTemplate(r.Context(), req)
	if err != nil {
		h.logger.Warn("create template", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tpl)
}

func (h *Handler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.service.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tpl)
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	manufacturer := r.URL.Query().Get("manufacturer")
	if manufacturer == "" {
		manufacturer = shared.ActorFromContext(r.Context())
	}
	items, err := h.service.ListTemplates(r.Context(), manufacturer, r.URL.Query().Get("active") == "true")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleDeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.service.DeactivateTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tpl)
}

func (h *Handler) handleCreatePlant(w http.ResponseWriter, r *http.Request) {
	var req CreatePlantInput
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.CompanyAddress == "" {
		req.CompanyAddress = shared.ActorFromContext(r.Context())
	}
	plant, err := h.service.CreatePlant(r.Context(), req)
	if err != nil {
		h.logger.Warn("create plant", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, plant)
}

func (h *Handler) handleGetPlant(w http.ResponseWriter, r *http.Request) {
	plant, err := h.service.GetPlant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, plant)
}

func (h *Handler) handleListPlants(w http.ResponseWriter, r *http.Request) {
	company := r.URL.Query().Get("company")
	if company == "" {
		company = shared.ActorFromContext(r.Context())
	}
	items, err := h.service.ListPlants(r.Context(), company)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}
