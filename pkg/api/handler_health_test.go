package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekro-agent/relay/pkg/config"
)

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, config.BridgeConfig{AccessKey: "secret"})
	e := s.Handler()

	s.registry.Register("bot-a", "discord", "1.0.0")

	// Health stays open even with an access key configured.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 1, resp.Clients)
	assert.NotEmpty(t, resp.Version)
	assert.Equal(t, "healthy", resp.Checks["database"].Status)
	assert.Equal(t, "in-memory store", resp.Checks["database"].Message)
}
