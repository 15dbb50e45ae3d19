package audithttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caravan-social/caravan/internal/audit"
	"github.com/caravan-social/caravan/internal/platform/httpx"
)

const (
	defaultPageSize  = 20
	maxPageSize      = 50
	defaultDateRange = 7 * 24 * time.Hour
	maxDateRange     = 90 * 24 * time.Hour
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	ExportTimeline(ctx context.Context, filters audit.TimelineFilters) ([]byte, error)
}

// Handler serves the audit timeline and its CSV export.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	now     func() time.Time
}

// NewHandler builds an audit timeline handler.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		now:     time.Now,
	}
}

type entryView struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id"`
	SubjectID string         `json:"subject_id"`
	Object    string         `json:"object"`
	At        time.Time      `json:"at"`
	Details   map[string]any `json:"details,omitempty"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filters", err.Error())
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("load audit timeline", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	rows := make([]entryView, 0, len(result.Rows))
	for _, e := range result.Rows {
		rows = append(rows, entryView{
			ID:        e.ID.String(),
			Action:    string(e.Action),
			ActorID:   e.ActorID,
			SubjectID: e.SubjectID,
			Object:    e.Object,
			At:        e.At,
			Details:   e.Details,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"rows":   rows,
		"paging": result.Paging,
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filters", err.Error())
		return
	}
	data, err := h.service.ExportTimeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("export audit timeline", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	filename := "audit-" + h.now().Format("20060102-150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("write audit export", slog.Any("error", err))
	}
}

// parseFilters reads timeline filters off the query string. The time window
// defaults to the trailing week and is capped at 90 days.
func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	filters := audit.TimelineFilters{
		ActorID:   strings.TrimSpace(q.Get("actor_id")),
		SubjectID: strings.TrimSpace(q.Get("subject_id")),
		Object:    strings.TrimSpace(q.Get("object")),
		Page:      queryInt(q.Get("page"), 1),
		PageSize:  queryInt(q.Get("page_size"), defaultPageSize),
	}
	if filters.PageSize > maxPageSize {
		filters.PageSize = maxPageSize
	}
	if action := strings.TrimSpace(q.Get("action")); action != "" {
		filters.Action = audit.Action(strings.ToUpper(action))
	}

	var err error
	filters.To = h.now()
	if raw := q.Get("to"); raw != "" {
		filters.To, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.TimelineFilters{}, fmt.Errorf("parse to: %w", err)
		}
	}
	filters.From = filters.To.Add(-defaultDateRange)
	if raw := q.Get("from"); raw != "" {
		filters.From, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.TimelineFilters{}, fmt.Errorf("parse from: %w", err)
		}
	}
	if filters.To.Before(filters.From) {
		return audit.TimelineFilters{}, fmt.Errorf("window ends before it starts")
	}
	if filters.To.Sub(filters.From) > maxDateRange {
		filters.From = filters.To.Add(-maxDateRange)
	}
	return filters, nil
}

func queryInt(raw string, fallback int) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
