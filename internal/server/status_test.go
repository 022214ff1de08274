package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fluxmedia/warden/internal/server"
	"github.com/fluxmedia/warden/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	state    supervisor.State
	restarts int64
	pid      int
}

func (f *fakeSource) State() supervisor.State { return f.state }
func (f *fakeSource) Restarts() int64         { return f.restarts }
func (f *fakeSource) Pid() int                { return f.pid }

func TestStatusHandler(t *testing.T) {
	handler := server.NewStatusHandler(&fakeSource{
		state:    supervisor.Running,
		restarts: 2,
		pid:      4242,
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, float64(2), body["restarts"])
	assert.Equal(t, float64(4242), body["pid"])
}

func TestStatusHandler_StoppedOmitsPid(t *testing.T) {
	handler := server.NewStatusHandler(&fakeSource{state: supervisor.Stopped})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "stopped", body["state"])
	assert.NotContains(t, body, "pid")
}

func TestStatusHandler_MethodNotAllowed(t *testing.T) {
	handler := server.NewStatusHandler(&fakeSource{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	server.NewHealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
