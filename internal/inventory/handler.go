package inventory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-epp/internal/shared"
)

// ServicePort is the subset of Service the handler needs.
type ServicePort interface {
	PostMovement(ctx context.Context, input MovementInput) (Movement, StockLevel, error)
	PostTransfer(ctx context.Context, input TransferInput) (Movement, Movement, error)
	Levels(ctx context.Context, filter LevelFilter) ([]StockLevel, error)
	Movements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service ServicePort
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service ServicePort) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/inventory/levels", h.handleLevels)
	r.Get("/inventory/movements", h.handleMovements)
	r.Post("/inventory/movements", h.handlePostMovement)
	r.Post("/inventory/transfers", h.handleTransfer)
}

type movementRequest struct {
	Type        MovementType `json:"type"`
	EppID       int64        `json:"epp_id"`
	WarehouseID int64        `json:"warehouse_id"`
	Quantity    int64        `json:"quantity"`
	Note        string       `json:"note"`
}

type transferRequest struct {
	EppID        int64  `json:"epp_id"`
	Quantity     int64  `json:"quantity"`
	SrcWarehouse int64  `json:"src_warehouse_id"`
	DstWarehouse int64  `json:"dst_warehouse_id"`
	Note         string `json:"note"`
}

func (h *Handler) handleLevels(w http.ResponseWriter, r *http.Request) {
	filter := LevelFilter{
		WarehouseID: queryInt(r, "warehouse_id"),
		EppID:       queryInt(r, "epp_id"),
	}
	levels, err := h.service.Levels(r.Context(), filter)
	if err != nil {
		h.fail(w, "list stock levels", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"levels": levels})
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	filter := MovementFilter{
		WarehouseID: queryInt(r, "warehouse_id"),
		EppID:       queryInt(r, "epp_id"),
		Type:        MovementType(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("type")))),
		Limit:       int(queryInt(r, "limit")),
	}
	movements, err := h.service.Movements(r.Context(), filter)
	if err != nil {
		h.fail(w, "list movements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (h *Handler) handlePostMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	movement, level, err := h.service.PostMovement(r.Context(), MovementInput{
		Type:        MovementType(strings.ToUpper(string(req.Type))),
		EppID:       req.EppID,
		WarehouseID: req.WarehouseID,
		Quantity:    req.Quantity,
		Note:        req.Note,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "post movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"movement": movement, "level": level})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	out, in, err := h.service.PostTransfer(r.Context(), TransferInput{
		EppID:        req.EppID,
		Quantity:     req.Quantity,
		SrcWarehouse: req.SrcWarehouse,
		DstWarehouse: req.DstWarehouse,
		Note:         req.Note,
		ActorID:      shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "post transfer", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"out": out, "in": in})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, httpx.ErrValidation) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func queryInt(r *http.Request, name string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get(name)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
