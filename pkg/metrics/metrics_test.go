package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

var initOnce sync.Once

func TestTimerObserves(t *testing.T) {
	initOnce.Do(Init)

	timer := NewTimer("shell")
	time.Sleep(5 * time.Millisecond)
	timer.Stop()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "loom_operation_duration_seconds") {
		t.Error("expected duration histogram in metrics output")
	}
}

func TestCountersExposed(t *testing.T) {
	initOnce.Do(Init)

	OperationsTotal.WithLabelValues("shell", "done").Inc()
	CacheHitsTotal.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, metric := range []string{"loom_operations_total", "loom_cache_hits_total"} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected %s in metrics output", metric)
		}
	}
}
