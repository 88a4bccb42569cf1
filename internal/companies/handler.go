package companies

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carbontrack/carbontrack/internal/platform/httpx"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// Handler wires HTTP endpoints for the company registry.
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

// MountRoutes registers company routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleRegister)
	r.Get("/{address}", h.handleGet)
	r.Patch("/{address}", h.handleUpdate)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.WalletAddress == "" {
		req.WalletAddress = shared.ActorFromContext(r.Context())
	}
	company, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.logger.Warn("register company", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, company)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	company, err := h.service.Lookup(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, company)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateInput
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	company, err := h.service.Update(r.Context(), chi.URLParam(r, "address"), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, company)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, page, err := h.service.List(r.Context(), ListFilter{
		Category: Category(q.Get("type")),
		Search:   q.Get("q"),
		Page:     httpx.QueryInt(r, "page", 1),
		PerPage:  httpx.QueryInt(r, "per_page", 20),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "pagination": page})
}
