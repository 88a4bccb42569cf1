package provenance

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/carbontrack/carbontrack/internal/platform/httpx"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// Handler exposes provenance trees.
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

// MountRoutes registers provenance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{tokenID}", h.handleTree)
}

func (h *Handler) handleTree(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseUint(chi.URLParam(r, "tokenID"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: token id must be a positive integer", shared.ErrValidation))
		return
	}
	tree, err := h.service.BuildTree(r.Context(), tokenID, httpx.QueryInt(r, "depth", 0))
	if err != nil {
		if shared.ErrorCode(err) == shared.CodeInternal {
			h.logger.Error("build provenance tree", slog.Uint64("token_id", tokenID), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tree)
}
