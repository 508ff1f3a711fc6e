package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/heptiolabs/healthcheck"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/events"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/metrics"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/state"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
)

type fakeStates struct {
	mu    sync.Mutex
	saved map[string]bool
	err   error
}

func (f *fakeStates) Save(_ context.Context, name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.saved == nil {
		f.saved = map[string]bool{}
	}
	f.saved[name] = enabled
	return nil
}

type fakeHost struct{ order []plugin.Descriptor }

func (h fakeHost) Lookup(string) (plugin.Plugin, error)    { return nil, nil }
func (h fakeHost) ConfigOf(string) (*plugin.Config, error) { return nil, nil }
func (h fakeHost) Descriptors() []plugin.Descriptor        { return h.order }

type routeExt struct{}

func (routeExt) ExtensionName() string { return "ping-routes" }
func (routeExt) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"tenant": TenantFromContext(r.Context())})
	}).Methods(http.MethodGet)
}

type plainExt struct{}

func (plainExt) ExtensionName() string { return "plain" }

func newTestRegistry(t *testing.T, buf *events.RingBuffer) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry(plugin.WithRegistryEvents(buf))
	require.NoError(t, reg.Register(plugin.Static(plugin.Descriptor{
		Name: "tenant", Version: "1.0.0", Type: plugin.TypeSystem, Priority: plugin.P0, Protected: true,
	})))
	require.NoError(t, reg.Register(plugin.Static(plugin.Descriptor{
		Name: "organization", Version: "1.0.0", Type: plugin.TypeFeature, Priority: plugin.P1,
		Configurable: true, Uninstallable: true, Dependencies: []string{"tenant"},
	})))
	require.NoError(t, reg.Register(plugin.Static(plugin.Descriptor{
		Name: "analytics", Version: "1.0.0", Type: plugin.TypeFeature, Priority: plugin.P1,
	})))
	return reg
}

func newTestServer(t *testing.T, states StateSaver) (*Server, *plugin.Registry, *events.RingBuffer) {
	t.Helper()
	buf := events.NewRingBuffer(100)
	reg := newTestRegistry(t, buf)
	srv := New(Options{
		Plugins: reg,
		States:  states,
		Events:  buf,
		Metrics: metrics.NewCollector("test"),
	})
	return srv, reg, buf
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeInfos(t *testing.T, rec *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestListPlugins_FollowsBootOrder(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/plugins", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	infos := decodeInfos(t, rec)
	require.Len(t, infos, 3)
	assert.Equal(t, "tenant", infos[0]["descriptor"].(map[string]any)["name"])

	require.NoError(t, srv.Configure(fakeHost{order: []plugin.Descriptor{{Name: "analytics"}, {Name: "tenant"}}}, nil))
	infos = decodeInfos(t, do(t, srv.Handler(), http.MethodGet, "/api/plugins", nil))
	var got []string
	for _, info := range infos {
		got = append(got, info["descriptor"].(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"analytics", "tenant", "organization"}, got)
	assert.Equal(t, "registered", infos[0]["status"])
}

func TestGetPlugin(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/plugins/tenant", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"isProtected":true`)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/plugins/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}

func TestDisableEnable_PersistsState(t *testing.T) {
	states := &fakeStates{}
	srv, reg, _ := newTestServer(t, states)

	rec := do(t, srv.Handler(), http.MethodPost, "/api/plugins/organization/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, reg.Enabled("organization"))
	assert.Equal(t, state.StatusDisabled, reg.Status("organization"))
	assert.Equal(t, map[string]bool{"organization": false}, states.saved)

	rec = do(t, srv.Handler(), http.MethodPost, "/api/plugins/organization/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reg.Enabled("organization"))
	assert.True(t, states.saved["organization"])
}

func TestDisable_ProtectedIsConflict(t *testing.T) {
	states := &fakeStates{}
	srv, reg, _ := newTestServer(t, states)

	rec := do(t, srv.Handler(), http.MethodPost, "/api/plugins/tenant/disable", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, reg.Enabled("tenant"))
	assert.Empty(t, states.saved)
}

func TestDisable_RevertsWhenPersistFails(t *testing.T) {
	srv, reg, _ := newTestServer(t, &fakeStates{err: errors.New("db down")})

	rec := do(t, srv.Handler(), http.MethodPost, "/api/plugins/organization/disable", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, reg.Enabled("organization"))
}

func TestEnable_RevertKeepsPriorStateWhenPersistFails(t *testing.T) {
	srv, reg, _ := newTestServer(t, &fakeStates{err: errors.New("db down")})
	require.True(t, reg.Enabled("organization"))

	rec := do(t, srv.Handler(), http.MethodPost, "/api/plugins/organization/enable", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, reg.Enabled("organization"), "an already enabled plugin stays enabled")
}

func TestEnable_RevertRestoresDisabledWhenPersistFails(t *testing.T) {
	states := &fakeStates{}
	srv, reg, _ := newTestServer(t, states)
	require.NoError(t, reg.Disable("organization"))

	states.err = errors.New("db down")
	rec := do(t, srv.Handler(), http.MethodPost, "/api/plugins/organization/enable", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, reg.Enabled("organization"))
}

func TestDisable_DependedOnIsConflict(t *testing.T) {
	states := &fakeStates{}
	srv, reg, _ := newTestServer(t, states)
	require.NoError(t, reg.Register(plugin.Static(plugin.Descriptor{
		Name: "reporting", Version: "1.0.0", Type: plugin.TypeFeature, Priority: plugin.P2,
		Dependencies: []string{"organization"},
	})))

	rec := do(t, srv.Handler(), http.MethodPost, "/api/plugins/organization/disable", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "reporting")
	assert.True(t, reg.Enabled("organization"))
	assert.Empty(t, states.saved)
}

func TestConfigurePlugin(t *testing.T) {
	srv, _, buf := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodPut, "/api/plugins/organization/config", map[string]any{"max_depth": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, buf.RecentByType(events.EventPluginConfigured, 5), 1)

	rec = do(t, srv.Handler(), http.MethodPut, "/api/plugins/tenant/config", map[string]any{"x": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	req := httptest.NewRequest(http.MethodPut, "/api/plugins/organization/config", strings.NewReader("{not json"))
	bad := httptest.NewRecorder()
	srv.Handler().ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestRemovePlugin(t *testing.T) {
	srv, reg, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusConflict, do(t, srv.Handler(), http.MethodDelete, "/api/plugins/analytics", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, srv.Handler(), http.MethodDelete, "/api/plugins/organization", nil).Code)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, http.StatusNotFound, do(t, srv.Handler(), http.MethodDelete, "/api/plugins/organization", nil).Code)
}

func TestListEvents(t *testing.T) {
	srv, _, buf := newTestServer(t, nil)
	buf.Log(events.NewEvent(events.EventHookFailed).Plugin("analytics").Build())

	var all []events.Event
	rec := do(t, srv.Handler(), http.MethodGet, "/api/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)
	assert.Equal(t, events.EventHookFailed, all[0].Type)

	var byPlugin []events.Event
	rec = do(t, srv.Handler(), http.MethodGet, "/api/events?plugin=tenant", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &byPlugin))
	require.Len(t, byPlugin, 1)
	assert.Equal(t, events.EventPluginRegistered, byPlugin[0].Type)

	assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), http.MethodGet, "/api/events?limit=zero", nil).Code)
}

func TestHealth_ReadyGate(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), http.MethodGet, "/healthz/live", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv.Handler(), http.MethodGet, "/healthz/ready", nil).Code)

	srv.SetReady(true)
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), http.MethodGet, "/healthz/ready", nil).Code)
}

func TestHealth_ExtraReadinessCheck(t *testing.T) {
	srv := New(Options{ReadinessChecks: map[string]healthcheck.Check{
		"database": func() error { return errors.New("not connected") },
	}})
	srv.SetReady(true)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv.Handler(), http.MethodGet, "/healthz/ready", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	do(t, srv.Handler(), http.MethodGet, "/api/plugins", nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_requests_total{method="GET",path="/api/plugins",status="200"} 1`)
}

func TestConfigure_MountsExtensionRoutesOnce(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	require.NoError(t, srv.Configure(fakeHost{}, []plugin.Extension{plainExt{}, routeExt{}}))
	assert.Error(t, srv.Configure(fakeHost{}, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set(HeaderTenantID, "acme")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tenant":"acme"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestRateLimiter_PerClientIgnoresTenantHeader(t *testing.T) {
	srv := New(Options{RateLimit: 0.01, RateBurst: 2})
	require.NoError(t, srv.Configure(fakeHost{}, []plugin.Extension{routeExt{}}))

	call := func(remote, tenant string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
		req.RemoteAddr = remote
		req.Header.Set(HeaderTenantID, tenant)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, call("10.0.0.1:4000", "a"))
	assert.Equal(t, http.StatusOK, call("10.0.0.1:4001", "b"))
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:4002", fmt.Sprintf("tenant-%d", i)))
	}
	assert.Equal(t, http.StatusOK, call("10.0.0.2:4000", "a"))
	assert.Equal(t, 2, srv.limiter.Len())
}

func TestRateLimiter_CleanupDropsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.limiter("10.0.0.1")
	assert.Equal(t, 0, rl.Cleanup(time.Hour))
	assert.Equal(t, 1, rl.Cleanup(-time.Second))
	assert.Equal(t, 0, rl.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl.limiter("10.0.0.2")
	rl.StartCleanup(ctx, 10*time.Millisecond, -time.Second)
	assert.Eventually(t, func() bool { return rl.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestListenAndShutdown(t *testing.T) {
	srv := New(Options{Addr: "127.0.0.1:0"})
	require.NoError(t, srv.Listen(context.Background()))
	srv.SetReady(true)

	resp, err := http.Get("http://" + srv.Addr() + "/healthz/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.False(t, srv.Ready())
}

func TestEventStream(t *testing.T) {
	srv, _, buf := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/stream?plugin=analytics"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered after the upgrade, so keep logging until one arrives
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				buf.Log(events.NewEvent(events.EventHookSucceeded).Plugin("tenant").Build())
				buf.Log(events.NewEvent(events.EventHookSucceeded).Plugin("analytics").Hook(plugin.HookPluginBootstrap).Build())
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "analytics", got.Plugin)
	assert.Equal(t, plugin.HookPluginBootstrap, got.Hook)
}
