package handler

import (
	"net/http"
	"time"

	"github.com/ebrovalley/learngate/internal/api/response"
	"github.com/ebrovalley/learngate/internal/cache"
	"github.com/ebrovalley/learngate/internal/store"
)

// NewHealthHandler reports gateway liveness plus dependency reachability.
// The cache is optional; a nil cache is simply not reported.
func NewHealthHandler(s store.Store, c cache.Cache, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps := map[string]string{}

		status := "ok"
		if err := s.Ping(r.Context()); err != nil {
			deps["store"] = "unreachable"
			status = "degraded"
		} else {
			deps["store"] = "ok"
		}
		if c != nil {
			if err := c.Ping(r.Context()); err != nil {
				deps["cache"] = "unreachable"
				status = "degraded"
			} else {
				deps["cache"] = "ok"
			}
		}

		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		response.Status(w, code, map[string]any{
			"status":       status,
			"version":      version,
			"dependencies": deps,
			"time":         time.Now().UTC(),
		})
	}
}
