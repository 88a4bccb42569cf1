package minting

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carbontrack/carbontrack/internal/platform/httpx"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// Handler exposes mint and reconcile under /batches.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers mint routes on the batches router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/{id}/mint", h.handleMint)
	r.Post("/{id}/reconcile", h.handleReconcile)
}

func (h *Handler) handleMint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := h.service.MintAndAnchor(r.Context(), id)
	h.respond(w, id, "mint", out, err)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := h.service.Reconcile(r.Context(), id)
	h.respond(w, id, "reconcile", out, err)
}

func (h *Handler) respond(w http.ResponseWriter, id, op string, out Outcome, err error) {
	if err == nil {
		httpx.JSON(w, http.StatusOK, out)
		return
	}
	if out.Status == OutcomePending &&
		(errors.Is(err, shared.ErrPendingConfirmation) || errors.Is(err, shared.ErrReconciliation)) {
		httpx.JSON(w, http.StatusAccepted, map[string]any{
			"outcome": out,
			"code":    shared.ErrorCode(err),
		})
		return
	}
	h.logger.Warn(op+" batch", slog.String("batch_id", id), slog.Any("error", err))
	httpx.RespondError(w, err)
}
