package mfa

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/caravan-social/caravan/internal/authz"
	"github.com/caravan-social/caravan/internal/platform/httpx"
)

// Handler exposes requirement resolution and access decisions over JSON.
type Handler struct {
	logger     *slog.Logger
	resolver   *Resolver
	authorizer *Authorizer
	validate   *validator.Validate
	mw         authz.Middleware
}

// NewHandler builds the MFA policy HTTP surface.
func NewHandler(logger *slog.Logger, resolver *Resolver, authorizer *Authorizer, mw authz.Middleware) *Handler {
	return &Handler{
		logger:     logger,
		resolver:   resolver,
		authorizer: authorizer,
		validate:   validator.New(),
		mw:         mw,
	}
}

// MountRoutes registers the MFA policy routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/mfa", func(r chi.Router) {
		r.With(h.mw.RequireAny(authz.PermUsersView)).Get("/requirements/{userID}", h.requirement)
		r.With(h.mw.RequireAny(authz.PermPermissionsView)).Post("/decisions", h.decide)
	})
}

func (h *Handler) requirement(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid User ID", err.Error())
		return
	}
	var req Requirement
	if action := r.URL.Query().Get("action"); action != "" {
		req, err = h.resolver.Resolve(r.Context(), userID, action)
	} else {
		req, err = h.resolver.ForUser(r.Context(), userID)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"requirement": req.String()})
}

type decisionPayload struct {
	UserID     uuid.UUID `json:"user_id" validate:"required"`
	Permission string    `json:"permission" validate:"required"`
	Action     string    `json:"action"`
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var payload decisionPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	d, err := h.authorizer.Decide(r.Context(), payload.UserID, payload.Permission, payload.Action)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{
		"verdict":     string(d.Verdict),
		"requirement": d.Requirement.String(),
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, authz.ErrSubjectUnknown):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("mfa handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
