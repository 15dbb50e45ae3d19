package identity

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/authz"
	"github.com/caravan-social/caravan/internal/platform/httpx"
	"github.com/caravan-social/caravan/internal/shared"
)

// Handler exposes role assignment management over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	mw       authz.Middleware
}

// NewHandler builds the role assignment HTTP surface.
func NewHandler(logger *slog.Logger, service *Service, mw authz.Middleware) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
		mw:       mw,
	}
}

// MountRoutes registers the assignment routes. Paths are flat because the
// authorization handler owns other /users/{userID} endpoints on this router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.mw.RequireAny(authz.PermRolesView, authz.PermUsersView)).Get("/users/{userID}/roles", h.listAssignments)
	r.With(h.mw.RequireAll(authz.PermRolesAssign)).Post("/users/{userID}/roles", h.assignRole)
	r.With(h.mw.RequireAll(authz.PermRolesAssign)).Put("/users/{userID}/roles", h.syncRoles)
	r.With(h.mw.RequireAll(authz.PermRolesAssign)).Delete("/users/{userID}/roles/{role}", h.removeRole)
}

type assignmentView struct {
	Role       string    `json:"role"`
	AssignedBy string    `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	assignments, err := h.service.Assignments(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]assignmentView, 0, len(assignments))
	for _, a := range assignments {
		if !a.Active() {
			continue
		}
		views = append(views, assignmentView{Role: a.Role, AssignedBy: a.AssignedBy, AssignedAt: a.AssignedAt})
	}
	httpx.JSON(w, http.StatusOK, views)
}

type assignPayload struct {
	Role string `json:"role" validate:"required"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var payload assignPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.AssignRole(r.Context(), userID, payload.Role, h.actorID(r)); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncRolesPayload struct {
	Roles []string `json:"roles"`
}

func (h *Handler) syncRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var payload syncRolesPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.service.SyncUserRoles(r.Context(), userID, payload.Roles, h.actorID(r)); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveRole(r.Context(), userID, chi.URLParam(r, "role"), h.actorID(r)); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid User ID", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) actorID(r *http.Request) string {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor.ID.String()
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, authz.ErrRoleNotFound), errors.Is(err, ErrNotAssigned):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("identity handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
