package ledger

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/carbontrack/carbontrack/internal/platform/httpx"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// ErrTokenNotFound is returned for token ids the contract never assigned.
var ErrTokenNotFound = fmt.Errorf("%w: token does not exist", shared.ErrNotFound)

// Handler exposes read-only contract views.
type Handler struct {
	logger   *slog.Logger
	provider Provider
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, provider Provider) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, provider: provider}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleStatus)
	r.Get("/balance", h.handleBalance)
	r.Get("/batch/{tokenID}", h.handleBatchInfo)
}

func parseTokenID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: token id must be a positive integer", shared.ErrValidation)
	}
	return id, nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	next, err := h.provider.Reader().CurrentTokenID(r.Context())
	if err != nil {
		h.respondChainError(w, "current token id", Translate(OpRead, err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"chain_id":         h.provider.ChainID(),
		"contract_address": h.provider.ContractAddress(),
		"current_token_id": next,
	})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := q.Get("owner")
	if owner == "" {
		owner = shared.ActorFromContext(r.Context())
	}
	owner, err := shared.ValidateAddress(owner)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	tokenID, err := parseTokenID(q.Get("token_id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	balance, err := h.provider.Reader().BalanceOf(r.Context(), owner, tokenID)
	if err != nil {
		h.respondChainError(w, "balance", Translate(OpRead, err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"owner": owner, "token_id": tokenID, "balance": balance})
}

func (h *Handler) handleBatchInfo(w http.ResponseWriter, r *http.Request) {
	tokenID, err := parseTokenID(chi.URLParam(r, "tokenID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	reader := h.provider.Reader()
	next, err := reader.CurrentTokenID(r.Context())
	if err != nil {
		h.respondChainError(w, "current token id", Translate(OpRead, err))
		return
	}
	if tokenID >= next {
		httpx.RespondError(w, ErrTokenNotFound)
		return
	}
	info, err := reader.BatchInfo(r.Context(), tokenID)
	if err != nil {
		h.respondChainError(w, "batch info", Translate(OpRead, err))
		return
	}
	httpx.JSON(w, http.StatusOK, info)
}

func (h *Handler) respondChainError(w http.ResponseWriter, what string, err error) {
	h.logger.Warn("ledger read failed", slog.String("call", what), slog.Any("error", err))
	httpx.RespondError(w, err)
}
