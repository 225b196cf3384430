// Package api assembles the HTTP surface of the gateway.
package api

import (
	"net/http"

	mw "github.com/ebrovalley/learngate/internal/api/middleware"
	"github.com/ebrovalley/learngate/internal/api/response"
	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Guard   *mw.Guard
	Session *mw.Session
	KeyAuth *mw.KeyAuth

	HealthHandler http.HandlerFunc

	Login     http.HandlerFunc
	Refresh   http.HandlerFunc
	Logout    http.HandlerFunc
	LogoutAll http.HandlerFunc
	Verify    http.HandlerFunc
	AuthStats http.HandlerFunc

	CreateKey     http.HandlerFunc
	ListKeys      http.HandlerFunc
	KeyUsage      http.HandlerFunc
	UpdateKeyRate http.HandlerFunc
	DeactivateKey http.HandlerFunc

	WhoAmI       http.HandlerFunc
	UsageSummary http.HandlerFunc
}

// NewRouter builds the chi router with the middleware stack and all routes.
// The admission guard wraps everything except health and metrics.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/health", orNotImplemented(deps.HealthHandler))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(deps.Guard.Admit)

		r.Post("/auth/login", orNotImplemented(deps.Login))
		r.Post("/auth/refresh", orNotImplemented(deps.Refresh))
		r.Post("/auth/logout", orNotImplemented(deps.Logout))
		r.Get("/auth/verify", orNotImplemented(deps.Verify))

		// Session-holder routes.
		r.Group(func(r chi.Router) {
			r.Use(deps.Session.Authenticate)

			r.Post("/auth/logout-all", orNotImplemented(deps.LogoutAll))

			// Admin surface.
			r.Group(func(r chi.Router) {
				r.Use(mw.RequireRole(models.RoleAdmin))

				r.Get("/auth/stats", orNotImplemented(deps.AuthStats))

				r.Post("/security/api-keys", orNotImplemented(deps.CreateKey))
				r.Get("/security/api-keys", orNotImplemented(deps.ListKeys))
				r.Get("/security/api-keys/{keyID}/usage", orNotImplemented(deps.KeyUsage))
				r.Put("/security/api-keys/{keyID}/rate-limit", orNotImplemented(deps.UpdateKeyRate))
				r.Delete("/security/api-keys/{keyID}", orNotImplemented(deps.DeactivateKey))
			})
		})

		// Service-to-service routes authenticated by API key.
		r.Group(func(r chi.Router) {
			r.Use(deps.KeyAuth.Require)

			r.Get("/svc/whoami", orNotImplemented(deps.WhoAmI))

			r.Group(func(r chi.Router) {
				r.Use(mw.RequirePermission("analytics:view"))
				r.Get("/svc/analytics/usage", orNotImplemented(deps.UsageSummary))
			})
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
