package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-epp/internal/shared"
)

// ServicePort is the subset of Service used by the handler.
type ServicePort interface {
	RegisterBatch(ctx context.Context, input RegisterBatchInput) (BatchDetail, error)
	GetBatch(ctx context.Context, id int64) (BatchDetail, error)
	ListBatches(ctx context.Context, warehouseID int64, limit int) ([]Batch, error)
}

// Handler manages delivery HTTP requests.
type Handler struct {
	logger  *slog.Logger
	service ServicePort
}

// NewHandler creates a new delivery handler.
func NewHandler(logger *slog.Logger, service ServicePort) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

type itemRequest struct {
	EppID    int64 `json:"epp_id"`
	WorkerID int64 `json:"worker_id"`
	Quantity int64 `json:"quantity"`
}

type registerRequest struct {
	Code        string        `json:"code"`
	WarehouseID int64         `json:"warehouse_id"`
	Note        string        `json:"note"`
	Items       []itemRequest `json:"items"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == 0 {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	input := RegisterBatchInput{
		Code:        req.Code,
		WarehouseID: req.WarehouseID,
		Note:        req.Note,
		ActorID:     actor,
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, ItemInput(item))
	}
	detail, err := h.service.RegisterBatch(r.Context(), input)
	if err != nil {
		h.fail(w, "register delivery batch", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, detail)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "batch id must be a positive integer")
		return
	}
	detail, err := h.service.GetBatch(r.Context(), id)
	if err != nil {
		h.fail(w, "get delivery batch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	warehouseID, _ := strconv.ParseInt(r.URL.Query().Get("warehouse_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	batches, err := h.service.ListBatches(r.Context(), warehouseID, limit)
	if err != nil {
		h.fail(w, "list delivery batches", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, httpx.ErrValidation) && !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrConflict) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
