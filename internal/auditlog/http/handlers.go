package audithttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-epp/internal/auditlog"
	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
)

const (
	defaultDateRange = 7 * 24 * time.Hour
	maxDateRange     = 366 * 24 * time.Hour
	dateLayout       = "2006-01-02"
)

// QueryService defines the read contract over persisted audit entries.
type QueryService interface {
	Query(ctx context.Context, filters auditlog.Filters) (auditlog.Result, error)
}

// StatsProvider exposes writer counters.
type StatsProvider interface {
	Stats() auditlog.Stats
}

// Handler menangani permintaan log audit.
type Handler struct {
	logger  *slog.Logger
	service QueryService
	stats   StatsProvider
	now     func() time.Time
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, service QueryService, stats StatsProvider) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		stats:   stats,
		now:     time.Now,
	}
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		httpx.Problem(w, http.StatusNotImplemented, http.StatusText(http.StatusNotImplemented), "")
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Query(r.Context(), filters)
	if err != nil {
		h.handleError(w, "query audit logs", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		httpx.Problem(w, http.StatusNotImplemented, http.StatusText(http.StatusNotImplemented), "")
		return
	}
	httpx.JSON(w, http.StatusOK, h.stats.Stats())
}

func (h *Handler) parseFilters(r *http.Request) (auditlog.Filters, error) {
	q := r.URL.Query()
	now := h.now().UTC()

	to := now
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		parsed, err := parseBound(v, true)
		if err != nil {
			return auditlog.Filters{}, invalid("to")
		}
		to = parsed
	}
	from := to.Add(-defaultDateRange)
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		parsed, err := parseBound(v, false)
		if err != nil {
			return auditlog.Filters{}, invalid("from")
		}
		from = parsed
	}
	if from.After(to) || to.Sub(from) > maxDateRange {
		return auditlog.Filters{}, invalid("range")
	}

	filters := auditlog.Filters{
		EntityType: strings.TrimSpace(q.Get("entity_type")),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
		Action:     auditlog.Action(strings.ToUpper(strings.TrimSpace(q.Get("action")))),
		From:       from,
		To:         to,
		Page:       1,
	}
	if v := strings.TrimSpace(q.Get("actor")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return auditlog.Filters{}, invalid("actor")
		}
		filters.ActorID = id
	}
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return auditlog.Filters{}, invalid("page")
		}
		filters.Page = parsed
	}
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return auditlog.Filters{}, invalid("page_size")
		}
		filters.PageSize = parsed
	}
	return filters, nil
}

// parseBound accepts RFC3339 or a plain date; a plain upper bound covers the whole day.
func parseBound(value string, upper bool) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	day, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	if upper {
		day = day.Add(24 * time.Hour)
	}
	return day, nil
}

func (h *Handler) handleError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, httpx.ErrValidation) {
		httpx.RespondError(w, err)
		return
	}
	h.logger.Error(message, slog.Any("error", err))
	httpx.RespondError(w, err)
}

func invalid(field string) error {
	return fmt.Errorf("%w: invalid %s", httpx.ErrValidation, field)
}
