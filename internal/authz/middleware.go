package authz

import (
	"log/slog"
	"net/http"

	"github.com/caravan-social/caravan/internal/shared"
)

// Middleware wires authorization checks for HTTP handlers.
type Middleware struct {
	Engine *Engine
	Logger *slog.Logger
	// Observe, when set, counts each decision outcome ("allow" or "deny").
	Observe func(outcome string)
}

// RequireAny ensures the current actor has at least one of the required
// permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(perms, func(r *http.Request, perms []string) (bool, error) {
		actor, _ := shared.ActorFromContext(r.Context())
		return m.Engine.HasAnyPermission(r.Context(), actor.ID, perms...)
	})
}

// RequireAll ensures the current actor has every required permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(perms, func(r *http.Request, perms []string) (bool, error) {
		actor, _ := shared.ActorFromContext(r.Context())
		return m.Engine.HasAllPermissions(r.Context(), actor.ID, perms...)
	})
}

func (m Middleware) observe(outcome string) {
	if m.Observe != nil {
		m.Observe(outcome)
	}
}

func (m Middleware) require(perms []string, check func(*http.Request, []string) (bool, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := shared.ActorFromContext(r.Context()); !ok {
				m.observe("deny")
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			allowed, err := check(r, perms)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("authz middleware", slog.Any("error", err))
				}
				m.observe("deny")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !allowed {
				m.observe("deny")
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			m.observe("allow")
			next.ServeHTTP(w, r)
		})
	}
}
