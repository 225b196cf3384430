package handler

import (
	"log/slog"
	"net/http"

	mw "github.com/ebrovalley/learngate/internal/api/middleware"
	"github.com/ebrovalley/learngate/internal/api/response"
	"github.com/ebrovalley/learngate/internal/apikey"
)

// ServiceHandler serves the key-authenticated service surface.
type ServiceHandler struct {
	registry *apikey.Registry
}

// NewServiceHandler wires the service endpoints.
func NewServiceHandler(registry *apikey.Registry) *ServiceHandler {
	return &ServiceHandler{registry: registry}
}

// WhoAmI handles GET /svc/whoami: key introspection for integrators. The
// hash never appears; the display prefix does.
func (h *ServiceHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	key, ok := mw.GetAPIKey(r)
	if !ok {
		response.Unauthorized(w)
		return
	}
	response.JSON(w, map[string]any{
		"key_id":      key.ID,
		"name":        key.Name,
		"key_prefix":  key.KeyPrefix,
		"permissions": key.Permissions,
		"rate_limit":  key.RateLimit,
	})
}

// UsageSummary handles GET /svc/analytics/usage: aggregate usage across all
// keys, gated on the analytics permission.
func (h *ServiceHandler) UsageSummary(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context(), nil)
	if err != nil {
		slog.Error("aggregating usage", "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "An unexpected error occurred", nil)
		return
	}
	response.JSON(w, stats)
}
