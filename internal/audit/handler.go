package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/authgrid/authgrid/internal/platform/httpx"
)

// Handler exposes the audit timeline to operators.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.timeline)
}

type entryDTO struct {
	EventID      string    `json:"event_id"`
	Type         string    `json:"type"`
	UserID       int64     `json:"user_id,omitempty"`
	ActorID      int64     `json:"actor_id,omitempty"`
	TenantID     int64     `json:"tenant_id"`
	Resource     string    `json:"resource,omitempty"`
	Action       string    `json:"action,omitempty"`
	Granted      *bool     `json:"granted,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RoleID       int64     `json:"role_id,omitempty"`
	PermissionID int64     `json:"permission_id,omitempty"`
	At           time.Time `json:"at"`
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters := parseFilters(r)
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	rows := make([]entryDTO, len(result.Rows))
	for i, e := range result.Rows {
		rows[i] = entryDTO{
			EventID:      e.EventID,
			Type:         e.Type,
			UserID:       e.UserID,
			ActorID:      e.ActorID,
			TenantID:     e.TenantID,
			Resource:     e.Resource,
			Action:       e.Action,
			Granted:      e.Granted,
			Reason:       e.Reason,
			RoleID:       e.RoleID,
			PermissionID: e.PermissionID,
			At:           e.At,
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"rows": rows,
		"paging": map[string]any{
			"page":      result.Paging.Page,
			"page_size": result.Paging.PageSize,
			"has_next":  result.Paging.HasNext,
		},
	})
}

func parseFilters(r *http.Request) TimelineFilters {
	q := r.URL.Query()
	filters := TimelineFilters{Type: q.Get("type")}
	if v, err := strconv.ParseInt(q.Get("user"), 10, 64); err == nil {
		filters.UserID = v
	}
	if v, err := strconv.ParseInt(q.Get("tenant"), 10, 64); err == nil {
		filters.TenantID = v
	}
	if v, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = v
	}
	if v, err := strconv.Atoi(q.Get("page_size")); err == nil {
		filters.PageSize = v
	}
	if v, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		filters.From = v
	}
	if v, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		filters.To = v
	}
	return filters
}
