package batches

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carbontrack/carbontrack/internal/platform/httpx"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// Handler exposes batch lifecycle endpoints.
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

// MountRoutes registers batch routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Patch("/{id}", h.handleUpdate)
	r.Delete("/{id}", h.handleDelete)
	r.Put("/{id}/anchor", h.handleAttachAnchor)
}

type anchorRequest struct {
	TokenID         uint64  `json:"token_id" validate:"required"`
	TxHash          string  `json:"tx_hash" validate:"required"`
	BlockNumber     *uint64 `json:"block_number"`
	ContractAddress string  `json:"contract_address"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateInput
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Manufacturer == "" {
		req.Manufacturer = shared.ActorFromContext(r.Context())
	}
	b, err := h.service.CreateBatch(r.Context(), req)
	if err != nil {
		h.logger.Warn("create batch", slog.String("batch_number", req.BatchNumber), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, b)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := Filter{
		Manufacturer: q.Get("manufacturer"),
		TemplateID:   q.Get("template_id"),
		Status:       Status(q.Get("status")),
		Limit:        httpx.QueryInt(r, "limit", 100),
	}
	if f.Manufacturer == "" {
		f.Manufacturer = shared.ActorFromContext(r.Context())
	}
	switch q.Get("anchored") {
	case "true":
		v := true
		f.Anchored = &v
	case "false":
		v := false
		f.Anchored = &v
	}
	items, err := h.service.List(r.Context(), f)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateInput
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	b, err := h.service.UpdateBatch(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteBatch(r.Context(), chi.URLParam(r, "id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAttachAnchor(w http.ResponseWriter, r *http.Request) {
	var req anchorRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	b, err := h.service.AttachTokenAnchor(r.Context(), id, Anchor{
		TokenID:         req.TokenID,
		TxHash:          req.TxHash,
		BlockNumber:     req.BlockNumber,
		ContractAddress: req.ContractAddress,
	})
	if err != nil {
		h.logger.Warn("attach token anchor", slog.String("batch_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}
