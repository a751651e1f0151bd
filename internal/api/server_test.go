package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/fulvian/devflow-sub003/internal/admission"
	"github.com/fulvian/devflow-sub003/internal/audit"
	"github.com/fulvian/devflow-sub003/internal/consensus"
	"github.com/fulvian/devflow-sub003/internal/handoff"
	"github.com/fulvian/devflow-sub003/internal/health"
	"github.com/fulvian/devflow-sub003/internal/mode"
	"github.com/fulvian/devflow-sub003/internal/orchestrator"
	"github.com/fulvian/devflow-sub003/internal/provider"
	"github.com/fulvian/devflow-sub003/internal/router"
)

type nopSink struct{}

func (nopSink) Append(context.Context, audit.Record) error { return nil }

func newTestServer(t *testing.T, initial mode.Mode) (*Server, *health.Monitor) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := provider.NewRegistry()
	for i, id := range []string{"primary", "fallback"} {
		d := &provider.Descriptor{ID: id, Name: id, Priority: i, Weight: 1}
		require.NoError(t, registry.Register(provider.NewScriptedAdapter(d)))
	}

	monitor := health.NewMonitor(health.DefaultConfig(), "primary", "fallback")
	adm, err := admission.NewController(map[string]admission.BudgetConfig{
		"primary":  {Capacity: 100, Window: time.Minute},
		"fallback": {Capacity: 100, Window: time.Minute},
	})
	require.NoError(t, err)

	hoff := handoff.NewManager(handoff.DefaultConfig(), nil)
	modes := mode.NewController(initial, mode.DefaultThresholds())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-modes.Done()
	})
	modes.Start(ctx)

	rt := router.NewRouter(registry, monitor, adm, nopSink{}, hoff)
	cons := consensus.NewEngine(consensus.DefaultConfig(), registry, monitor, adm)
	svc := orchestrator.NewService(registry, monitor, adm, nopSink{}, rt, modes, cons, hoff)

	return NewServer(svc, registry, monitor, adm, nil), monitor
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestAPI_SubmitTask(t *testing.T) {
	srv, _ := newTestServer(t, mode.Full)

	w := doJSON(t, srv, http.MethodPost, "/v1/tasks", `{"payload":"do the work"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := w.Body.String()
	assert.Equal(t, "primary", gjson.Get(body, "provider_id").String())
	assert.NotEmpty(t, gjson.Get(body, "task_id").String())
	assert.Equal(t, "full", gjson.Get(body, "mode").String())
}

func TestAPI_SubmitTaskValidation(t *testing.T) {
	srv, _ := newTestServer(t, mode.Full)

	w := doJSON(t, srv, http.MethodPost, "/v1/tasks", `{"class":"code"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_ModeRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, mode.Full)

	w := doJSON(t, srv, http.MethodGet, "/v1/mode", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "full", gjson.Get(w.Body.String(), "mode").String())

	// Operators may fail closed at any time.
	w = doJSON(t, srv, http.MethodPut, "/v1/mode", `{"mode":"emergency"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "emergency", gjson.Get(w.Body.String(), "mode").String())

	// But may not jump straight back to full.
	w = doJSON(t, srv, http.MethodPut, "/v1/mode", `{"mode":"full"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, srv, http.MethodPut, "/v1/mode", `{"mode":"shadow"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_ReportIncident(t *testing.T) {
	srv, _ := newTestServer(t, mode.Full)

	w := doJSON(t, srv, http.MethodPost, "/v1/incidents", `{"reason":"tool misuse"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	// The transition is applied by the controller loop; poll briefly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		w = doJSON(t, srv, http.MethodGet, "/v1/mode", "")
		if gjson.Get(w.Body.String(), "mode").String() == "emergency" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("mode = %s, want emergency", gjson.Get(w.Body.String(), "mode").String())
}

func TestAPI_ReportCycle(t *testing.T) {
	srv, _ := newTestServer(t, mode.Shadow)

	w := doJSON(t, srv, http.MethodPost, "/v1/cycles",
		`{"incidents":1,"token_savings":0.5,"perf_score":1.0}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		w = doJSON(t, srv, http.MethodGet, "/v1/mode", "")
		if gjson.Get(w.Body.String(), "mode").String() == "emergency" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("mode = %s, want emergency after incident cycle", gjson.Get(w.Body.String(), "mode").String())
}

func TestAPI_RevalidateProvider(t *testing.T) {
	srv, monitor := newTestServer(t, mode.Full)

	// Not auth-failed yet: revalidation is refused.
	w := doJSON(t, srv, http.MethodPost, "/v1/providers/primary/revalidate", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	monitor.ReportOutcome("primary", provider.OutcomeAuthError)
	w = doJSON(t, srv, http.MethodPost, "/v1/providers/primary/revalidate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "available", gjson.Get(w.Body.String(), "status").String())
}

func TestAPI_ListProviders(t *testing.T) {
	srv, monitor := newTestServer(t, mode.Full)
	monitor.ReportOutcome("primary", provider.OutcomeSuccess)

	w := doJSON(t, srv, http.MethodGet, "/v1/providers", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	providers := gjson.Get(body, "providers")
	require.True(t, providers.IsArray())
	require.Len(t, providers.Array(), 2)

	first := providers.Array()[0]
	assert.Equal(t, "primary", first.Get("id").String())
	assert.Equal(t, "available", first.Get("status").String())
	assert.True(t, first.Get("budget.capacity").Exists())
}

func TestAPI_AuditWithoutStore(t *testing.T) {
	srv, _ := newTestServer(t, mode.Full)
	w := doJSON(t, srv, http.MethodGet, "/v1/audit?task_id=t1", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPI_Healthz(t *testing.T) {
	srv, _ := newTestServer(t, mode.Shadow)
	w := doJSON(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "shadow", gjson.Get(w.Body.String(), "mode").String())
}
