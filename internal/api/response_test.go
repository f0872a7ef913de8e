//go:build unit || !integration

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResponseHelpers verifies the response helpers using table-driven tests
func TestResponseHelpers(t *testing.T) {
	tests := []struct {
		name         string
		testFunc     func(*httptest.ResponseRecorder, *http.Request)
		validateFunc func(*testing.T, *httptest.ResponseRecorder)
	}{
		{
			name: "write_json_with_data",
			testFunc: func(w *httptest.ResponseRecorder, r *http.Request) {
				WriteJSON(w, r, map[string]string{"message": "test"}, http.StatusOK)
			},
			validateFunc: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusOK, w.Code)
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

				var result map[string]string
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
				assert.Equal(t, "test", result["message"])
			},
		},
		{
			name: "write_success",
			testFunc: func(w *httptest.ResponseRecorder, r *http.Request) {
				WriteSuccess(w, r, map[string]int{"queued": 3}, "Queued")
			},
			validateFunc: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusOK, w.Code)

				var data map[string]int
				resp := decodeData(t, w, &data)
				assert.Equal(t, "success", resp.Status)
				assert.Equal(t, "Queued", resp.Message)
				assert.Equal(t, 3, data["queued"])
			},
		},
		{
			name: "write_accepted",
			testFunc: func(w *httptest.ResponseRecorder, r *http.Request) {
				WriteAccepted(w, r, map[string]string{"workerId": "w1"}, "Worker starting")
			},
			validateFunc: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusAccepted, w.Code)
				assert.Contains(t, w.Body.String(), `"workerId":"w1"`)
			},
		},
		{
			name: "write_healthy",
			testFunc: func(w *httptest.ResponseRecorder, r *http.Request) {
				WriteHealthy(w, r, "svc", "1.2.3", map[string]string{"redis": "ok"})
			},
			validateFunc: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusOK, w.Code)

				var resp HealthResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, "healthy", resp.Status)
				assert.Equal(t, "1.2.3", resp.Version)
				assert.Equal(t, "ok", resp.Checks["redis"])
				assert.NotEmpty(t, resp.Timestamp)
			},
		},
		{
			name: "write_unhealthy",
			testFunc: func(w *httptest.ResponseRecorder, r *http.Request) {
				WriteUnhealthy(w, r, "svc", map[string]string{"mongo": "timeout"})
			},
			validateFunc: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusServiceUnavailable, w.Code)

				var resp HealthResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, "unhealthy", resp.Status)
				assert.Equal(t, "timeout", resp.Checks["mongo"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/test", nil)
			tt.testFunc(w, r)
			tt.validateFunc(t, w)
		})
	}
}
