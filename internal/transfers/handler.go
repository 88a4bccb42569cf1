package transfers

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carbontrack/carbontrack/internal/platform/httpx"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// Handler exposes transfer endpoints.
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

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleRecord)
	r.Get("/export.xlsx", h.handleExport)
	r.Post("/ledger", h.handleLedgerTransfer)
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req RecordInput
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.service.RecordTransfer(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := Filter{
		Address: q.Get("address"),
		From:    q.Get("from_address"),
		To:      q.Get("to_address"),
		Limit:   httpx.QueryInt(r, "limit", 0),
	}
	if raw := q.Get("token_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: token_id must be an integer", shared.ErrValidation))
			return
		}
		f.TokenID = id
	}
	if f.Address == "" && f.From == "" && f.To == "" {
		f.Address = shared.ActorFromContext(r.Context())
	}
	items, err := h.service.List(r.Context(), f)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if items == nil {
		items = []Transfer{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		address = shared.ActorFromContext(r.Context())
	}
	buf := &bytes.Buffer{}
	if err := h.service.ExportXLSX(r.Context(), address, buf); err != nil {
		h.logger.Warn("export transfers", slog.String("address", address), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	name := fmt.Sprintf("transfers_%s_%s.xlsx", shared.NormalizeAddress(address), time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) handleLedgerTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferInput
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	if req.From == "" {
		req.From = actor
	} else if actor != "" && shared.NormalizeAddress(req.From) != actor {
		httpx.RespondError(w, fmt.Errorf("%w: transfers are signed by the caller", shared.ErrInvalidOperation))
		return
	}
	out, err := h.service.TransferOnLedger(r.Context(), req)
	if err != nil {
		if errors.Is(err, shared.ErrPendingConfirmation) {
			httpx.JSON(w, http.StatusAccepted, map[string]any{"outcome": out, "code": shared.CodePendingConfirmation})
			return
		}
		h.logger.Warn("ledger transfer", slog.Uint64("token_id", req.TokenID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, out)
}
