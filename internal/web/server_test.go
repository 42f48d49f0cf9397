package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bioreactor/internal/command"
	"bioreactor/internal/interlock"
	"bioreactor/internal/metrics"
)

func newTestServer(t *testing.T) (*httptest.Server, *interlock.Interlock, *LogBuffer) {
	t.Helper()
	il := interlock.New(true, nil)
	d := command.NewDispatcher(nil, nil)
	il.Register(d)
	d.AddProducer(il)
	d.Method("boom", func(any) (command.Response, error) { panic("handler bug") })
	d.Method("setRPM", func(params any) (command.Response, error) {
		v, ok := command.ValueParam(params)
		if !ok {
			return nil, command.ErrInvalidParams
		}
		return command.Response{"status": "ok", "rpm": v}, nil
	})

	logs := NewLogBuffer(10)
	h := Handler(Options{
		Status:   NewStatus("vessel-1", "sim", Sources{Interlock: il}),
		Commands: d,
		Logs:     logs,
		Metrics:  metrics.New(),
	})
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts, il, logs
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url, body string, out any) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestAPIStatus(t *testing.T) {
	ts, il, _ := newTestServer(t)
	il.Set(false, "test")

	var snap StatusSnapshot
	resp := getJSON(t, ts.URL+"/api/status", &snap)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "bioreactor", snap.Service)
	assert.Equal(t, "vessel-1", snap.Device)
	assert.Equal(t, "sim", snap.Backend)
	assert.False(t, snap.SystemActive)
	assert.Equal(t, uint64(1), snap.InterlockTransitions)
	assert.NotEmpty(t, snap.Build.GoVersion)
}

func TestAPIStatus_MethodNotAllowed(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/status", "{}", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPIRPC(t *testing.T) {
	ts, il, _ := newTestServer(t)

	var out map[string]any
	resp := postJSON(t, ts.URL+"/api/rpc", `{"method":"setRPM","params":{"value":900}}`, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, map[string]any{"status": "ok", "rpm": 900.0}, out)

	resp = postJSON(t, ts.URL+"/api/rpc", `{"method":"selfDestruct"}`, &out)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Unknown method: selfDestruct", out["error"])

	out = nil
	resp = postJSON(t, ts.URL+"/api/rpc", `{"method":"setRPM"}`, &out)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid parameters", out["error"])

	resp = postJSON(t, ts.URL+"/api/rpc", `{"method":"setSystemActive","params":{"active":false}}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, il.Active())

	resp = postJSON(t, ts.URL+"/api/rpc", `nope`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIRPC_PanicRecovered(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/rpc", `{"method":"boom"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp = getJSON(t, ts.URL+"/api/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIAttributesAndTelemetry(t *testing.T) {
	ts, il, _ := newTestServer(t)

	var out map[string]any
	resp := postJSON(t, ts.URL+"/api/attributes", `{"system_active":false,"other":1}`, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
	assert.False(t, il.Active())

	resp = postJSON(t, ts.URL+"/api/attributes", `{"system_active":"maybe"}`, &out)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "system_active")

	var tel map[string]any
	resp = getJSON(t, ts.URL+"/api/telemetry", &tel)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, tel["system_active"])
}

func TestAPILogs(t *testing.T) {
	ts, _, logs := newTestServer(t)
	for i := 0; i < 12; i++ {
		_, _ = fmt.Fprintf(logs, "line %d\n", i)
	}

	var out LogsResponse
	resp := getJSON(t, ts.URL+"/api/logs?tail=3", &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"line 9", "line 10", "line 11"}, out.Lines)
	assert.Equal(t, uint64(2), out.Dropped)

	resp = getJSON(t, ts.URL+"/api/logs?tail=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	getJSON(t, ts.URL+"/api/status", nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `bioreactor_http_requests_total{route="/api/status",status="200"} 1`)
}

func TestAPITelemetry_SnapshotError(t *testing.T) {
	h := Handler(Options{Commands: failingCommands{}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/telemetry", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "scheduler stopped")
}

type failingCommands struct{}

func (failingCommands) Call(context.Context, command.Request) command.Response { return nil }
func (failingCommands) Apply(context.Context, map[string]any) error            { return nil }
func (failingCommands) Snapshot(context.Context) (command.Telemetry, error) {
	return nil, errors.New("scheduler stopped")
}
