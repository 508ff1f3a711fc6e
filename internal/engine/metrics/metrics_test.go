package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCollector_DefaultNamespace(t *testing.T) {
	c := NewCollector("")
	c.RecordRegisteredPlugins(3)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "oksai_plugin_registered" {
			found = true
		}
	}
	if !found {
		t.Error("expected oksai_plugin_registered metric")
	}
}

func TestCollector_RecordHook(t *testing.T) {
	c := NewCollector("test")

	c.RecordHook("tenant", "OnPluginBootstrap", 10*time.Millisecond, nil)
	c.RecordHook("tenant", "OnPluginBootstrap", 5*time.Millisecond, errors.New("boom"))
	c.RecordHook("tenant", "OnPluginBootstrap", 5*time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(c.hookFailures.WithLabelValues("tenant", "OnPluginBootstrap")); got != 2 {
		t.Errorf("hook failures = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(c.hookDuration); got != 2 {
		t.Errorf("hook duration series = %d, want 2 (success and error)", got)
	}
}

func TestCollector_LifecycleMetrics(t *testing.T) {
	c := NewCollector("test")

	c.RecordPluginStatus("auth", 4)
	c.RecordPass("bootstrap", time.Second, nil)
	c.RecordDependencyCycle()
	c.RecordDependencyMissing()
	c.RecordDependencyMissing()

	if got := testutil.ToFloat64(c.pluginStatus.WithLabelValues("auth")); got != 4 {
		t.Errorf("plugin status = %v, want 4", got)
	}
	if got := testutil.ToFloat64(c.dependencyCycles); got != 1 {
		t.Errorf("cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.dependencyMissed); got != 2 {
		t.Errorf("missing = %v, want 2", got)
	}

	c.Reset()
	if got := testutil.CollectAndCount(c.pluginStatus); got != 0 {
		t.Errorf("status series after reset = %d, want 0", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("test")
	c.IncInFlight()
	c.RecordHTTPRequest(http.MethodGet, "/api/plugins", "200", 3*time.Millisecond)
	c.DecInFlight()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_http_requests_total{method="GET",path="/api/plugins",status="200"} 1`) {
		t.Error("scrape output missing request counter")
	}
}

func TestNoOpCollector(t *testing.T) {
	c := NewNoOpCollector()
	c.RecordPluginStatus("x", 1)
	c.RecordRegisteredPlugins(1)
	c.RecordHook("x", "y", time.Millisecond, errors.New("e"))
	c.RecordPass("p", time.Millisecond, nil)
	c.RecordDependencyCycle()
	c.RecordDependencyMissing()
	c.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
	c.IncInFlight()
	c.DecInFlight()
	c.Reset()
}
