package partners

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carbontrack/carbontrack/internal/companies"
	"github.com/carbontrack/carbontrack/internal/platform/httpx"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// Handler exposes partner endpoints.
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

// MountRoutes registers partner routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handlePropose)
	r.Get("/search", h.handleSearch)
	r.Delete("/{self}/{other}", h.handleRemove)
	r.Patch("/{self}/{other}", h.handleSetStatus)
}

type statusRequest struct {
	Status Status `json:"status" validate:"required,oneof=active inactive"`
}

func selfParam(r *http.Request) string {
	if self := r.URL.Query().Get("self"); self != "" {
		return self
	}
	return shared.ActorFromContext(r.Context())
}

func (h *Handler) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req ProposeInput
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Self == "" {
		req.Self = shared.ActorFromContext(r.Context())
	}
	p, err := h.service.Propose(r.Context(), req)
	if err != nil {
		h.logger.Warn("propose partner", slog.String("self", req.Self), slog.String("partner", req.Address), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.service.ListPartners(r.Context(), ListFilter{
		Self:   selfParam(r),
		Kind:   Kind(q.Get("kind")),
		Status: Status(q.Get("status")),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if items == nil {
		items = []Partner{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.Search(r.Context(), selfParam(r), r.URL.Query().Get("q"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if items == nil {
		items = []companies.Company{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Remove(r.Context(), chi.URLParam(r, "self"), chi.URLParam(r, "other")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.SetStatus(r.Context(), chi.URLParam(r, "self"), chi.URLParam(r, "other"), req.Status)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}
