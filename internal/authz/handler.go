package authz

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/platform/httpx"
	"github.com/caravan-social/caravan/internal/shared"
)

// Handler exposes the catalog and engine over JSON.
type Handler struct {
	logger   *slog.Logger
	catalog  *Catalog
	engine   *Engine
	validate *validator.Validate
	mw       Middleware
}

// NewHandler builds the authorization HTTP surface.
func NewHandler(logger *slog.Logger, catalog *Catalog, engine *Engine) *Handler {
	return &Handler{
		logger:   logger,
		catalog:  catalog,
		engine:   engine,
		validate: validator.New(),
		mw:       Middleware{Engine: engine, Logger: logger},
	}
}

// MountRoutes registers the authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/permissions", func(r chi.Router) {
		r.With(h.mw.RequireAny(PermPermissionsView)).Get("/", h.listPermissions)
		r.With(h.mw.RequireAll("permissions.create")).Post("/", h.createPermission)
		r.With(h.mw.RequireAny(PermPermissionsView)).Get("/{name}", h.getPermission)
		r.With(h.mw.RequireAll("permissions.edit")).Put("/{name}", h.updatePermission)
		r.With(h.mw.RequireAll("permissions.edit")).Post("/{name}/activate", h.activatePermission)
		r.With(h.mw.RequireAll("permissions.edit")).Post("/{name}/deactivate", h.deactivatePermission)
		r.With(h.mw.RequireAll("permissions.delete")).Delete("/{name}", h.deletePermission)
		r.With(h.mw.RequireAny(PermPermissionsView)).Get("/{name}/users", h.usersWithPermission)
		r.With(h.mw.RequireAny(PermPermissionsView)).Get("/{name}/roles", h.rolesWithPermission)
	})
	r.Route("/roles", func(r chi.Router) {
		r.With(h.mw.RequireAny(PermRolesView)).Get("/", h.listRoles)
		r.With(h.mw.RequireAll("roles.create")).Post("/", h.createRole)
		r.With(h.mw.RequireAny(PermRolesView)).Get("/{name}", h.getRole)
		r.With(h.mw.RequireAll(PermRolesEdit)).Put("/{name}", h.updateRole)
		r.With(h.mw.RequireAll(PermRolesEdit)).Put("/{name}/priority", h.updateRolePriority)
		r.With(h.mw.RequireAll(PermRolesEdit)).Post("/{name}/activate", h.activateRole)
		r.With(h.mw.RequireAll(PermRolesEdit)).Post("/{name}/deactivate", h.deactivateRole)
		r.With(h.mw.RequireAll("roles.delete")).Delete("/{name}", h.deleteRole)
		r.With(h.mw.RequireAll("roles.manage_permissions")).Post("/{name}/permissions", h.grantToRole)
		r.With(h.mw.RequireAll("roles.manage_permissions")).Delete("/{name}/permissions/{permission}", h.revokeFromRole)
		r.With(h.mw.RequireAll("roles.manage_permissions")).Put("/{name}/permissions", h.syncRolePermissions)
	})
	// User routes are registered flat so sibling packages can add their own
	// /users/{userID} endpoints on the same router.
	r.With(h.mw.RequireAny(PermUsersView, PermPermissionsView)).Get("/users/{userID}/permissions", h.effectivePermissions)
	r.With(h.mw.RequireAll(PermPermissionsGrant)).Post("/users/{userID}/permissions", h.grantToUser)
	r.With(h.mw.RequireAll(PermPermissionsRevoke)).Delete("/users/{userID}/permissions/{permission}", h.revokeFromUser)
	r.With(h.mw.RequireAll(PermPermissionsGrant, PermPermissionsRevoke)).Put("/users/{userID}/permissions", h.syncUserPermissions)
	r.With(h.mw.RequireAny(PermRolesView)).Get("/users/{userID}/roles/highest", h.highestPriorityRole)
}

type permissionPayload struct {
	Name        string `json:"name" validate:"required"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type permissionView struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	System      bool   `json:"system"`
	Active      bool   `json:"active"`
}

func toPermissionView(p Permission) permissionView {
	return permissionView{
		Name:        p.Name,
		DisplayName: p.DisplayName,
		Description: p.Description,
		Category:    p.Category,
		System:      p.System,
		Active:      p.Active,
	}
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.catalog.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]permissionView, 0, len(perms))
	for _, p := range perms {
		views = append(views, toPermissionView(p))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var payload permissionPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	p, err := h.catalog.CreatePermission(r.Context(), CreatePermissionInput{
		Name:        payload.Name,
		DisplayName: payload.DisplayName,
		Description: payload.Description,
		Category:    payload.Category,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPermissionView(p))
}

func (h *Handler) getPermission(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.GetPermission(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPermissionView(p))
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	var payload permissionPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	p, err := h.catalog.UpdatePermission(r.Context(), chi.URLParam(r, "name"), UpdatePermissionInput{
		DisplayName: payload.DisplayName,
		Description: payload.Description,
		Category:    payload.Category,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPermissionView(p))
}

func (h *Handler) activatePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.ActivatePermission(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deactivatePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeactivatePermission(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	revoked, err := h.catalog.DeletePermission(r.Context(), chi.URLParam(r, "name"), h.actorID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grants_revoked": revoked})
}

type roleCreatePayload struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Priority    int    `json:"priority" validate:"gte=0"`
}

type roleView struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	System      bool   `json:"system"`
	Priority    int    `json:"priority"`
	Active      bool   `json:"active"`
}

func toRoleView(r Role) roleView {
	return roleView{
		Name:        r.Name,
		Description: r.Description,
		Category:    r.Category,
		System:      r.System,
		Priority:    r.Priority,
		Active:      r.Active,
	}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.catalog.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]roleView, 0, len(roles))
	for _, role := range roles {
		views = append(views, toRoleView(role))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var payload roleCreatePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.catalog.CreateRole(r.Context(), CreateRoleInput{
		Name:        payload.Name,
		Description: payload.Description,
		Category:    payload.Category,
		Priority:    payload.Priority,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleView(role))
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.catalog.GetRole(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleView(role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	var payload roleCreatePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	role, err := h.catalog.UpdateRole(r.Context(), chi.URLParam(r, "name"), UpdateRoleInput{
		Description: payload.Description,
		Category:    payload.Category,
		Priority:    payload.Priority,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleView(role))
}

func (h *Handler) updateRolePriority(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Priority int `json:"priority"`
	}
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	role, err := h.catalog.UpdateRolePriority(r.Context(), chi.URLParam(r, "name"), payload.Priority)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleView(role))
}

func (h *Handler) activateRole(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.ActivateRole(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deactivateRole(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeactivateRole(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	revoked, err := h.catalog.DeleteRole(r.Context(), chi.URLParam(r, "name"), h.actorID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grants_revoked": revoked})
}

type grantPayload struct {
	Permission string     `json:"permission" validate:"required"`
	Reason     string     `json:"reason"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func (h *Handler) grantToRole(w http.ResponseWriter, r *http.Request) {
	var payload grantPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var expiresAt time.Time
	if payload.ExpiresAt != nil {
		expiresAt = *payload.ExpiresAt
	}
	err := h.engine.GrantToRole(r.Context(), chi.URLParam(r, "name"), payload.Permission, h.actorID(r), payload.Reason, expiresAt)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeFromRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	permission := chi.URLParam(r, "permission")
	reason := r.URL.Query().Get("reason")
	var err error
	if r.URL.Query().Get("mode") == "ensure" {
		err = h.engine.EnsureRevokedFromRole(r.Context(), name, permission, h.actorID(r), reason)
	} else {
		err = h.engine.RevokeFromRole(r.Context(), name, permission, h.actorID(r), reason)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncPayload struct {
	Permissions []string `json:"permissions"`
}

func (h *Handler) syncRolePermissions(w http.ResponseWriter, r *http.Request) {
	var payload syncPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.engine.SyncRolePermissions(r.Context(), chi.URLParam(r, "name"), payload.Permissions, h.actorID(r)); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	perms, err := h.engine.EffectivePermissions(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) grantToUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var payload grantPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var expiresAt time.Time
	if payload.ExpiresAt != nil {
		expiresAt = *payload.ExpiresAt
	}
	if err := h.engine.GrantToUser(r.Context(), userID, payload.Permission, h.actorID(r), payload.Reason, expiresAt); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeFromUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	permission := chi.URLParam(r, "permission")
	reason := r.URL.Query().Get("reason")
	var err error
	if r.URL.Query().Get("mode") == "ensure" {
		err = h.engine.EnsureRevokedFromUser(r.Context(), userID, permission, h.actorID(r), reason)
	} else {
		err = h.engine.RevokeFromUser(r.Context(), userID, permission, h.actorID(r), reason)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) syncUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var payload syncPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.engine.SyncUserPermissions(r.Context(), userID, payload.Permissions, h.actorID(r)); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) highestPriorityRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	role, err := h.engine.GetHighestPriorityRole(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleView(role))
}

type grantHolderView struct {
	SubjectID string     `json:"subject_id"`
	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) usersWithPermission(w http.ResponseWriter, r *http.Request) {
	h.subjectsWithPermission(w, r, h.engine.UsersWithPermission)
}

func (h *Handler) rolesWithPermission(w http.ResponseWriter, r *http.Request) {
	h.subjectsWithPermission(w, r, h.engine.RolesWithPermission)
}

func (h *Handler) subjectsWithPermission(w http.ResponseWriter, r *http.Request, lookup func(context.Context, string, Page) ([]Grant, bool, error)) {
	page := Page{
		Number: queryInt(r, "page"),
		Size:   queryInt(r, "page_size"),
	}
	grants, hasNext, err := lookup(r.Context(), chi.URLParam(r, "name"), page)
	if err != nil {
		h.respondError(w, err)
		return
	}
	holders := make([]grantHolderView, 0, len(grants))
	for _, g := range grants {
		view := grantHolderView{SubjectID: g.Subject.ID, GrantedBy: g.GrantedBy, GrantedAt: g.GrantedAt}
		if !g.ExpiresAt.IsZero() {
			expires := g.ExpiresAt
			view.ExpiresAt = &expires
		}
		holders = append(holders, view)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"holders": holders, "has_next": hasNext})
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
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrDuplicateName):
		httpx.Problem(w, http.StatusConflict, "Duplicate Name", err.Error())
	case errors.Is(err, ErrProtected):
		httpx.Problem(w, http.StatusForbidden, "Protected Entry", err.Error())
	case errors.Is(err, ErrInUse):
		httpx.Problem(w, http.StatusConflict, "In Use", err.Error())
	case errors.Is(err, ErrPermissionNotFound),
		errors.Is(err, ErrRoleNotFound),
		errors.Is(err, ErrGrantNotFound),
		errors.Is(err, ErrSubjectUnknown):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("authz handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}
