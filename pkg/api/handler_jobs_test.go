package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekro-agent/relay/pkg/config"
	"github.com/nekro-agent/relay/pkg/scheduler"
)

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJobLifecycle(t *testing.T) {
	s := newTestServer(t, config.BridgeConfig{})
	e := s.Handler()

	rec := doJSON(t, e, http.MethodPost, "/api/v1/jobs",
		`{"job_id":"standup","chat_key":"discord-general","cron_expr":"0 9 * * 1-5"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var job scheduler.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "standup", job.ID)
	assert.Equal(t, scheduler.StatusActive, job.Status)
	assert.Equal(t, "Asia/Shanghai", job.Timezone)
	require.NotNil(t, job.NextRunAt)

	rec = doJSON(t, e, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Jobs  []scheduler.Job `json:"jobs"`
		Total int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, 1, listing.Total)

	rec = doJSON(t, e, http.MethodPost, "/api/v1/jobs/standup/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	job = scheduler.Job{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, scheduler.StatusPaused, job.Status)
	assert.Nil(t, job.NextRunAt)

	rec = doJSON(t, e, http.MethodPost, "/api/v1/jobs/standup/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, scheduler.StatusActive, job.Status)
	require.NotNil(t, job.NextRunAt)

	rec = doJSON(t, e, http.MethodDelete, "/api/v1/jobs/standup", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, e, http.MethodGet, "/api/v1/jobs/standup", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertJobValidation(t *testing.T) {
	s := newTestServer(t, config.BridgeConfig{})
	e := s.Handler()

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed cron", body: `{"job_id":"standup","chat_key":"discord-general","cron_expr":"not a cron"}`},
		{name: "bad job id", body: `{"job_id":"Bad ID!","chat_key":"discord-general","cron_expr":"0 9 * * *"}`},
		{name: "missing chat key", body: `{"job_id":"standup","cron_expr":"0 9 * * *"}`},
		{name: "unknown timezone", body: `{"job_id":"standup","chat_key":"discord-general","cron_expr":"0 9 * * *","timezone":"Mars/Olympus"}`},
		{name: "unknown workday mode", body: `{"job_id":"standup","chat_key":"discord-general","cron_expr":"0 9 * * *","workday_mode":"holidays"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestJobNotFound(t *testing.T) {
	s := newTestServer(t, config.BridgeConfig{})
	e := s.Handler()

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/jobs/missing"},
		{http.MethodDelete, "/api/v1/jobs/missing"},
		{http.MethodPost, "/api/v1/jobs/missing/pause"},
		{http.MethodPost, "/api/v1/jobs/missing/resume"},
		{http.MethodPost, "/api/v1/jobs/missing/run"},
	} {
		rec := doJSON(t, e, req.method, req.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", req.method, req.path)
	}
}

func TestJobSummary(t *testing.T) {
	s := newTestServer(t, config.BridgeConfig{})
	e := s.Handler()

	for _, body := range []string{
		`{"job_id":"standup","chat_key":"discord-general","cron_expr":"0 9 * * 1-5"}`,
		`{"job_id":"digest","chat_key":"discord-general","cron_expr":"0 18 * * 5"}`,
	} {
		rec := doJSON(t, e, http.MethodPost, "/api/v1/jobs", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := doJSON(t, e, http.MethodPost, "/api/v1/jobs/digest/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, e, http.MethodGet, "/api/v1/jobs/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary scheduler.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.ActiveJobs)
	assert.Equal(t, 1, summary.PausedJobs)

	rec = doJSON(t, e, http.MethodGet, "/api/v1/jobs/summary?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetTimerEndpoint(t *testing.T) {
	s := newTestServer(t, config.BridgeConfig{})
	e := s.Handler()

	rec := doJSON(t, e, http.MethodPost, "/api/v1/timers",
		`{"chat_key":"discord-general","trigger_time":4102444800,"event_desc":"开会"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, s.timers.Pending("discord-general"))

	rec = doJSON(t, e, http.MethodPost, "/api/v1/timers", `{"trigger_time":4102444800}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/api/v1/timers",
		`{"chat_key":"discord-general","trigger_time":10,"event_desc":"too late"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetTimerEndpointClearSelector(t *testing.T) {
	s := newTestServer(t, config.BridgeConfig{})
	e := s.Handler()

	for _, body := range []string{
		`{"chat_key":"discord-general","trigger_time":4102444800,"event_desc":"保留"}`,
		`{"chat_key":"discord-general","trigger_time":4102444800,"event_desc":"临时","temporary":true}`,
	} {
		rec := doJSON(t, e, http.MethodPost, "/api/v1/timers", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	require.Equal(t, 2, s.timers.Pending("discord-general"))

	// temporary:true clears only the temporary timer.
	rec := doJSON(t, e, http.MethodPost, "/api/v1/timers",
		`{"chat_key":"discord-general","trigger_time":-1,"temporary":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"timers cleared"}`, rec.Body.String())
	assert.Equal(t, 1, s.timers.Pending("discord-general"))

	// Absent temporary clears everything left.
	rec = doJSON(t, e, http.MethodPost, "/api/v1/timers",
		`{"chat_key":"discord-general","trigger_time":-1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, s.timers.Pending("discord-general"))
}
