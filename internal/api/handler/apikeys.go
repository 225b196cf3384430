package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ebrovalley/learngate/internal/api/response"
	"github.com/ebrovalley/learngate/internal/apikey"
	"github.com/ebrovalley/learngate/internal/ratelimit"
	"github.com/ebrovalley/learngate/internal/store"
	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const defaultUsageLimit = 100

// APIKeyHandler serves the admin key-management endpoints.
type APIKeyHandler struct {
	registry *apikey.Registry
}

// NewAPIKeyHandler wires the key-management endpoints.
func NewAPIKeyHandler(registry *apikey.Registry) *APIKeyHandler {
	return &APIKeyHandler{registry: registry}
}

// Create handles POST /security/api-keys. The raw key appears in this
// response and nowhere else, ever.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
		RateLimit   *string  `json:"rate_limit"`
		ExpiresIn   *string  `json:"expires_in"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
		return
	}
	if req.Name == "" {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "name is required", nil)
		return
	}

	var quota *models.RateLimitPolicy
	if req.RateLimit != nil {
		p, err := ratelimit.ParsePolicy(*req.RateLimit)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
				"rate_limit must look like 100/1h", nil)
			return
		}
		quota = &p
	}

	var expiresIn *time.Duration
	if req.ExpiresIn != nil {
		d, err := time.ParseDuration(*req.ExpiresIn)
		if err != nil || d <= 0 {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
				"expires_in must be a positive duration such as 720h", nil)
			return
		}
		expiresIn = &d
	}

	key, raw, err := h.registry.Create(r.Context(), req.Name, req.Permissions, quota, expiresIn)
	if err != nil {
		slog.Error("creating api key", "name", req.Name, "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	response.Created(w, map[string]any{
		"key":     key,
		"raw_key": raw,
	})
}

// List handles GET /security/api-keys.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.registry.List(r.Context())
	if err != nil {
		slog.Error("listing api keys", "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "An unexpected error occurred", nil)
		return
	}
	response.JSON(w, keys)
}

// Usage handles GET /security/api-keys/{keyID}/usage.
func (h *APIKeyHandler) Usage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.keyID(w, r)
	if !ok {
		return
	}

	records, err := h.registry.Usage(r.Context(), id, defaultUsageLimit)
	if err != nil {
		h.adminError(w, err, "listing key usage")
		return
	}
	stats, err := h.registry.Stats(r.Context(), &id)
	if err != nil {
		h.adminError(w, err, "aggregating key usage")
		return
	}
	response.JSON(w, map[string]any{
		"records": records,
		"stats":   stats,
	})
}

// UpdateRateLimit handles PUT /security/api-keys/{keyID}/rate-limit.
func (h *APIKeyHandler) UpdateRateLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.keyID(w, r)
	if !ok {
		return
	}

	var req struct {
		RateLimit string `json:"rate_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
		return
	}
	policy, err := ratelimit.ParsePolicy(req.RateLimit)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
			"rate_limit must look like 100/1h", nil)
		return
	}

	if err := h.registry.UpdatePolicy(r.Context(), id, policy); err != nil {
		h.adminError(w, err, "updating key quota")
		return
	}
	response.JSON(w, map[string]string{"message": "rate limit updated"})
}

// Deactivate handles DELETE /security/api-keys/{keyID}. The key is disabled,
// not erased.
func (h *APIKeyHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.keyID(w, r)
	if !ok {
		return
	}

	if err := h.registry.Deactivate(r.Context(), id); err != nil {
		h.adminError(w, err, "deactivating key")
		return
	}
	response.JSON(w, map[string]string{"message": "api key deactivated"})
}

func (h *APIKeyHandler) keyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "keyID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// adminError maps store errors for the admin surface: unknown keys are a
// descriptive 400 here, not an opaque 401.
func (h *APIKeyHandler) adminError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Unknown API key", nil)
		return
	}
	slog.Error(op, "error", err)
	response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "An unexpected error occurred", nil)
}
