package reconcilehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-epp/internal/reconcile"
	"github.com/odyssey-erp/odyssey-epp/internal/shared"
)

// MaxCommandBytes bounds a remediation request body.
const MaxCommandBytes = 64 << 10

const idempotencyModule = "reconcile"

// Service is the reconciliation contract used by the handler.
type Service interface {
	Analyze(ctx context.Context, scope reconcile.Scope) (reconcile.Report, error)
	ValidateCommand(cmd reconcile.Command) error
	Remediate(ctx context.Context, cmd reconcile.Command) (reconcile.Result, error)
}

// IdempotencyStore records processed Idempotency-Key values.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler serves reconciliation issues and remediation commands.
type Handler struct {
	logger      *slog.Logger
	service     Service
	idempotency IdempotencyStore
}

// NewHandler constructs the handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, service Service, idempotency IdempotencyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, idempotency: idempotency}
}

// ============================================================================
// ISSUES
// ============================================================================

func (h *Handler) handleIssues(w http.ResponseWriter, r *http.Request) {
	var scope reconcile.Scope
	if v := strings.TrimSpace(r.URL.Query().Get("warehouse_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: invalid warehouse_id", httpx.ErrValidation))
			return
		}
		scope.WarehouseID = id
	}
	report, err := h.service.Analyze(r.Context(), scope)
	if err != nil {
		if !errors.Is(err, reconcile.ErrAnalysisFailed) {
			h.logger.Error("reconciliation analysis failed", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Analysis Failed", "analysis failed")
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

// ============================================================================
// REMEDIATIONS
// ============================================================================

func (h *Handler) handleRemediate(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == 0 {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	cmd, err := decodeCommand(w, r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	cmd.ActorID = actor
	if err := h.service.ValidateCommand(cmd); err != nil {
		httpx.RespondError(w, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Conflict", "remediation already applied for this Idempotency-Key")
				return
			}
			h.logger.Error("idempotency check failed", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}

	result, err := h.service.Remediate(r.Context(), cmd)
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(context.WithoutCancel(r.Context()), key); delErr != nil {
				h.logger.Warn("idempotency rollback failed", slog.Any("error", delErr))
			}
		}
		if !errors.Is(err, httpx.ErrValidation) && !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrConflict) {
			h.logger.Error("remediation failed", slog.String("action", string(cmd.Action)), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func decodeCommand(w http.ResponseWriter, r *http.Request) (reconcile.Command, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxCommandBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var cmd reconcile.Command
	if err := dec.Decode(&cmd); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return reconcile.Command{}, fmt.Errorf("%w: body exceeds %d bytes", httpx.ErrTooLarge, MaxCommandBytes)
		}
		return reconcile.Command{}, fmt.Errorf("%w: invalid JSON: %v", httpx.ErrValidation, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return reconcile.Command{}, fmt.Errorf("%w: body must contain a single JSON object", httpx.ErrValidation)
	}
	cmd.Action = reconcile.Action(strings.ToUpper(strings.TrimSpace(string(cmd.Action))))
	return cmd, nil
}
