package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ebrovalley/learngate/internal/api/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var out struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "world", out.Data["hello"])
}

func TestCreated(t *testing.T) {
	w := httptest.NewRecorder()
	response.Created(w, map[string]string{"id": "1"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "name is required", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var out struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, response.CodeInvalidRequest, out.Error.Code)
	assert.Equal(t, "name is required", out.Error.Message)
}

func TestUnauthorizedIsOpaque(t *testing.T) {
	w := httptest.NewRecorder()
	response.Unauthorized(w)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), response.CodeUnauthorized)
	assert.Contains(t, w.Body.String(), "Could not validate credentials")
}
