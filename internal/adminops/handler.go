package adminops

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/authz"
	"github.com/caravan-social/caravan/internal/platform/httpx"
	"github.com/caravan-social/caravan/internal/shared"
)

// Handler exposes the admin-area policy over JSON. The policy itself is the
// gate: non-admin callers get an empty operation list rather than an error.
type Handler struct {
	logger *slog.Logger
	policy *Policy
	mw     authz.Middleware
}

// NewHandler builds the admin operations HTTP surface.
func NewHandler(logger *slog.Logger, policy *Policy, mw authz.Middleware) *Handler {
	return &Handler{logger: logger, policy: policy, mw: mw}
}

// MountRoutes registers the admin operation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/admin/operations", func(r chi.Router) {
		r.Get("/", h.listAccessible)
		r.With(h.mw.RequireAny(authz.PermUsersView)).Get("/{operation}/access", h.checkAccess)
	})
}

func (h *Handler) listAccessible(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no actor on request")
		return
	}
	ops, err := h.policy.AccessibleOperations(r.Context(), actor.ID)
	if err != nil {
		h.logger.Error("admin operations", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if ops == nil {
		ops = []Operation{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (h *Handler) checkAccess(w http.ResponseWriter, r *http.Request) {
	op := Operation(chi.URLParam(r, "operation"))
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid User ID", err.Error())
		return
	}
	allowed, err := h.policy.CanAccess(r.Context(), userID, op)
	if err != nil {
		h.logger.Error("admin access check", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"operation": op,
		"user_id":   userID,
		"allowed":   allowed,
	})
}
